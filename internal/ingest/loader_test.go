package ingest

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/drfirst/go-pdc/internal/observability/metrics"
)

const mixedInput = "patient_id,drug_name,days_supply,fill_date\n" +
	"P1,lisinopril,30,01/01/2024\n" +
	"P1,lisinopril,0,02/01/2024\n" +
	"P2,metformin,10,01/01/2024\n" +
	"P1,metformin,10,01/01/2024\n"

func TestLoaderRejectBatch(t *testing.T) {
	src, err := NewCSVReader(strings.NewReader(mixedInput), "mixed.csv", "")
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	ledgers, stats, err := NewLoader(PolicyRejectBatch, m, nil).Load(src)
	if !errors.Is(err, ErrInvalidDaysSupply) {
		t.Fatalf("expected ErrInvalidDaysSupply, got %v", err)
	}
	if ledgers != nil {
		t.Error("expected no ledgers for a rejected batch")
	}
	if stats.Records != 1 {
		t.Errorf("expected 1 record before failure, got %d", stats.Records)
	}
	if got := testutil.ToFloat64(m.DosesRejected); got != 1 {
		t.Errorf("expected 1 rejected dose, got %f", got)
	}
}

func TestLoaderSkipRecord(t *testing.T) {
	src, err := NewCSVReader(strings.NewReader(mixedInput), "mixed.csv", "")
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	ledgers, stats, err := NewLoader(PolicySkipRecord, m, nil).Load(src)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if stats.Records != 3 || stats.Skipped != 1 || stats.Patients != 2 {
		t.Errorf("unexpected stats %+v", stats)
	}

	p1 := ledgers["P1"]
	if p1 == nil {
		t.Fatal("missing ledger for P1")
	}
	drugs := p1.Drugs()
	if len(drugs) != 2 || drugs[0] != "lisinopril" || drugs[1] != "metformin" {
		t.Errorf("expected sorted drugs [lisinopril metformin], got %v", drugs)
	}
	if n := len(p1.Doses("lisinopril")); n != 1 {
		t.Errorf("expected 1 lisinopril dose, got %d", n)
	}
	if got := testutil.ToFloat64(m.DosesIngested); got != 3 {
		t.Errorf("expected 3 ingested, got %f", got)
	}
}

func TestLoaderStampsIngestionOrder(t *testing.T) {
	input := "patient_id,drug_name,days_supply,fill_date\n" +
		"P1,x,5,01/10/2024\n" +
		"P1,x,5,01/01/2024\n"
	src, err := NewCSVReader(strings.NewReader(input), "order.csv", "")
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	ledgers, _, err := NewLoader(PolicyRejectBatch, nil, nil).Load(src)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	doses := ledgers["P1"].Doses("x")
	if len(doses) != 2 || doses[0].Seq >= doses[1].Seq {
		t.Errorf("expected increasing sequence in ingestion order, got %+v", doses)
	}
}

func TestLoaderCountsFilteredDispenses(t *testing.T) {
	src := NewFHIRReader(strings.NewReader(dispenseLines), "dispenses.ndjson")
	ledgers, stats, err := NewLoader(PolicyRejectBatch, nil, nil).Load(src)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if stats.Records != 2 || stats.Filtered != 2 || stats.Skipped != 0 || stats.Patients != 2 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if len(ledgers) != stats.Patients {
		t.Errorf("expected %d ledgers, got %d", stats.Patients, len(ledgers))
	}

	csvSrc, err := NewCSVReader(strings.NewReader(mixedInput), "mixed.csv", "")
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	_, stats, err = NewLoader(PolicySkipRecord, nil, nil).Load(csvSrc)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if stats.Filtered != 0 {
		t.Errorf("expected nothing filtered from delimited input, got %d", stats.Filtered)
	}
}

func TestOpenFormats(t *testing.T) {
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "doses.csv")
	fhirPath := filepath.Join(dir, "doses.ndjson")
	if err := os.WriteFile(csvPath, []byte("patient_id,drug_name,days_supply,fill_date\nP1,x,3,01/01/2024\n"), 0o600); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := os.WriteFile(fhirPath, []byte(dispenseLines), 0o600); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	for path, format := range map[string]Format{csvPath: FormatCSV, fhirPath: FormatFHIR} {
		src, err := Open(path, format, "")
		if err != nil {
			t.Fatalf("open %s failed: %v", path, err)
		}
		_, stats, err := NewLoader(PolicyRejectBatch, nil, nil).Load(src)
		src.Close()
		if err != nil {
			t.Fatalf("load %s failed: %v", path, err)
		}
		if stats.Records == 0 {
			t.Errorf("%s: expected records", path)
		}
	}

	if _, err := Open(csvPath, Format("xml"), ""); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestParseFormat(t *testing.T) {
	tests := map[string]Format{"": FormatCSV, "CSV": FormatCSV, "fhir": FormatFHIR, "ndjson": FormatFHIR}
	for in, want := range tests {
		got, err := ParseFormat(in)
		if err != nil || got != want {
			t.Errorf("ParseFormat(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Error("expected error for xml")
	}
}
