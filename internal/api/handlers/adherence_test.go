package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/drfirst/go-pdc/internal/api/middleware"
	"github.com/drfirst/go-pdc/internal/batch"
	"github.com/drfirst/go-pdc/internal/domain/adherence"
	"github.com/drfirst/go-pdc/internal/export"
)

const doses = "patient_id,drug_name,days_supply,fill_date\n" +
	"P1,atorvastatin,5,01/01/2024\n" +
	"P1,atorvastatin,5,01/10/2024\n" +
	"P2,lisinopril,30,01/01/2024\n"

func newServer(t *testing.T, dispatcher *export.Dispatcher) *httptest.Server {
	t.Helper()
	h := NewAdherenceHandler(batch.New(batch.Config{Workers: 2}, nil, nil), dispatcher, nil, Options{}, nil)
	r := chi.NewRouter()
	r.Mount("/api/v1/adherence", h.Routes())
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "text/csv", strings.NewReader(body))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestComputeReturnsResults(t *testing.T) {
	srv := newServer(t, nil)
	resp := post(t, srv.URL+"/api/v1/adherence", doses)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var body ComputeResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if body.RunID == "" || body.Patients != 2 || len(body.Failures) != 0 {
		t.Errorf("unexpected response %+v", body)
	}
	if len(body.Results) != 2 || body.Results[0].PatientID != "P1" {
		t.Fatalf("expected results for P1 and P2, got %+v", body.Results)
	}
	if got := body.Results[0].OverallAdherence; math.Abs(got-10.0/14.0) > 1e-9 {
		t.Errorf("expected P1 ~0.714, got %f", got)
	}
	if body.Results[0].DrugAdherence["atorvastatin"] == 0 {
		t.Error("expected drug detail by default")
	}
}

func TestComputeWithoutDrugDetail(t *testing.T) {
	srv := newServer(t, nil)
	resp := post(t, srv.URL+"/api/v1/adherence?drug_detail=false", doses)

	var body struct {
		Results []map[string]json.RawMessage `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(body.Results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(body.Results))
	}
	for _, res := range body.Results {
		if _, ok := res["drug_adherence"]; ok {
			t.Errorf("expected drug_adherence left out, got %s", res["drug_adherence"])
		}
		if _, ok := res["overall_adherence"]; !ok {
			t.Error("expected overall_adherence")
		}
	}
}

func TestComputeParseError(t *testing.T) {
	srv := newServer(t, nil)
	body := "patient_id,drug_name,days_supply,fill_date\nP1,x,0,01/01/2024\n"
	resp := post(t, srv.URL+"/api/v1/adherence", body)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}

	var e ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&e); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if e.Line != 2 || e.Column != "days_supply" || e.Value != "0" {
		t.Errorf("expected location of the bad value, got %+v", e)
	}

	skipped := post(t, srv.URL+"/api/v1/adherence?skip_invalid=true", body)
	if skipped.StatusCode != http.StatusOK {
		t.Errorf("expected 200 when skipping invalid records, got %d", skipped.StatusCode)
	}
}

func TestComputeUnknownFormat(t *testing.T) {
	srv := newServer(t, nil)
	resp := post(t, srv.URL+"/api/v1/adherence?format=xml", doses)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}

func TestComputeFHIR(t *testing.T) {
	srv := newServer(t, nil)
	body := `{"resourceType":"MedicationDispense","status":"completed","subject":{"reference":"Patient/F1"},"medication":{"concept":{"text":"metformin"}},"daysSupply":{"value":10,"unit":"d"},"whenHandedOver":"2024-01-01"}` + "\n"
	resp := post(t, srv.URL+"/api/v1/adherence?format=fhir", body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var out ComputeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(out.Results) != 1 || out.Results[0].PatientID != "F1" || out.Results[0].OverallAdherence != 1 {
		t.Errorf("unexpected results %+v", out.Results)
	}
}

func TestComputeReportsFilteredDispenses(t *testing.T) {
	srv := newServer(t, nil)
	body := `{"resourceType":"MedicationDispense","status":"completed","subject":{"reference":"Patient/F1"},"medication":{"concept":{"text":"metformin"}},"daysSupply":{"value":10,"unit":"d"},"whenHandedOver":"2024-01-01"}` + "\n" +
		`{"resourceType":"MedicationDispense","status":"stopped","subject":{"reference":"Patient/F1"},"medication":{"concept":{"text":"metformin"}},"daysSupply":{"value":10,"unit":"d"},"whenHandedOver":"2024-01-05"}` + "\n"
	resp := post(t, srv.URL+"/api/v1/adherence?format=fhir", body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var out ComputeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if out.Filtered != 1 || out.Skipped != 0 || out.Patients != 1 {
		t.Errorf("expected one filtered dispense, got %+v", out)
	}
}

func TestComputeBodyTooLarge(t *testing.T) {
	h := NewAdherenceHandler(batch.New(batch.Config{Workers: 1}, nil, nil), nil, nil, Options{}, nil)
	r := chi.NewRouter()
	r.Use(middleware.MaxBodySize(16))
	r.Mount("/api/v1/adherence", h.Routes())
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	resp := post(t, srv.URL+"/api/v1/adherence", doses)
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", resp.StatusCode)
	}
	var e ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&e); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if e.Error != "request body too large" {
		t.Errorf("unexpected error %q", e.Error)
	}
}

func TestExportCSV(t *testing.T) {
	srv := newServer(t, nil)
	resp := post(t, srv.URL+"/api/v1/adherence/export?drug_detail=true", doses)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/csv" {
		t.Errorf("expected text/csv, got %q", ct)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	want := "patient_id,overall_adherence,drug_name,drug_adherence\n" +
		"P1,0.714286,atorvastatin,0.714286\n" +
		"P2,1.000000,lisinopril,1.000000\n"
	if string(data) != want {
		t.Errorf("unexpected csv:\n%s", data)
	}
}

type captureSink struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (s *captureSink) Name() string { return "capture" }

func (s *captureSink) Publish(_ context.Context, _ string, results []*adherence.Result) error {
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range results {
		s.ids = append(s.ids, r.PatientID)
	}
	return nil
}

func (s *captureSink) Close() error { return nil }

func TestComputePublishesToSinks(t *testing.T) {
	sink := &captureSink{}
	srv := newServer(t, export.NewDispatcher([]export.Sink{sink}, 10, nil, nil))
	resp := post(t, srv.URL+"/api/v1/adherence", doses)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if len(sink.ids) != 2 || sink.ids[0] != "P1" || sink.ids[1] != "P2" {
		t.Errorf("expected both patients published in order, got %v", sink.ids)
	}

	failing := newServer(t, export.NewDispatcher([]export.Sink{&captureSink{err: errors.New("down")}}, 10, nil, nil))
	if resp := post(t, failing.URL+"/api/v1/adherence", doses); resp.StatusCode != http.StatusBadGateway {
		t.Errorf("expected 502 when the sink fails, got %d", resp.StatusCode)
	}
}
