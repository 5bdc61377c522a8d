package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewRegistersOnOwnRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.PatientsProcessed.Add(3)
	m.PatientsFailed.WithLabelValues("invariant").Inc()

	if got := testutil.ToFloat64(m.PatientsProcessed); got != 3 {
		t.Errorf("expected 3 processed, got %f", got)
	}
	if got := testutil.ToFloat64(m.PatientsFailed.WithLabelValues("invariant")); got != 1 {
		t.Errorf("expected 1 failure, got %f", got)
	}

	// A second registry must not collide.
	New(prometheus.NewRegistry())
}

func TestHandlerExposesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.DosesIngested.Add(42)

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if !strings.Contains(string(body), "pdc_doses_ingested_total 42") {
		t.Errorf("expected doses counter in output, got:\n%s", body)
	}
}

func TestPushSendsToGateway(t *testing.T) {
	var gotPath string
	gw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer gw.Close()

	reg := prometheus.NewRegistry()
	New(reg).PatientsProcessed.Inc()

	if err := Push(context.Background(), gw.URL, "pdc_batch", reg); err != nil {
		t.Fatalf("push failed: %v", err)
	}
	if gotPath != "/metrics/job/pdc_batch" {
		t.Errorf("unexpected push path %q", gotPath)
	}
}
