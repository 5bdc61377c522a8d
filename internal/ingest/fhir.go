package ingest

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"

	"github.com/drfirst/go-pdc/internal/domain/adherence"
	fhir "github.com/drfirst/go-pdc/internal/fhir/r5"
)

const fhirDateLayout = "2006-01-02"

// FHIRReader streams dose records from newline-delimited FHIR R5
// MedicationDispense resources (bulk data export format). Resources of other
// types and dispenses that were not completed are skipped.
type FHIRReader struct {
	file    io.Closer
	scanner *bufio.Scanner
	source  string
	line    int
	skipped int
}

// OpenFHIR opens an NDJSON file for streaming.
func OpenFHIR(path string) (*FHIRReader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, &ParseError{Source: path, Err: fmt.Errorf("%w: %w", ErrUnreadableSource, err)}
	}
	r := NewFHIRReader(file, path)
	r.file = file
	return r, nil
}

// NewFHIRReader wraps r. source names r in errors.
func NewFHIRReader(r io.Reader, source string) *FHIRReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return &FHIRReader{scanner: scanner, source: source}
}

// Skipped returns how many resources were passed over so far
func (r *FHIRReader) Skipped() int { return r.skipped }

// Next returns the next completed dispense as a dose record, io.EOF at the end
// of input, or a *ParseError.
func (r *FHIRReader) Next() (adherence.DoseRecord, error) {
	for r.scanner.Scan() {
		r.line++
		line := bytes.TrimSpace(r.scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var md fhir.MedicationDispense
		if err := md.FromJSON(line); err != nil {
			return adherence.DoseRecord{}, &ParseError{Source: r.source, Line: r.line, Err: fmt.Errorf("%w: %v", ErrMalformedRecord, err)}
		}
		if md.ResourceType != fhir.ResourceTypeMedicationDispense || !md.IsCompleted() {
			r.skipped++
			continue
		}
		return r.toDose(&md)
	}

	if err := r.scanner.Err(); err != nil {
		return adherence.DoseRecord{}, &ParseError{Source: r.source, Line: r.line + 1, Err: fmt.Errorf("%w: %w", ErrUnreadableSource, err)}
	}
	return adherence.DoseRecord{}, io.EOF
}

func (r *FHIRReader) toDose(md *fhir.MedicationDispense) (adherence.DoseRecord, error) {
	var d adherence.DoseRecord
	perr := func(col, value string, err error) error {
		return &ParseError{Source: r.source, Line: r.line, Column: col, Value: value, Err: err}
	}

	if d.PatientID = md.GetPatientID(); d.PatientID == "" {
		return d, perr("subject", "", ErrMissingField)
	}
	if d.DrugName = md.GetMedicationDisplay(); d.DrugName == "" {
		return d, perr("medication", "", ErrMissingField)
	}

	if md.DaysSupply == nil {
		return d, perr("daysSupply", "", ErrMissingField)
	}
	supply, ok := md.GetDaysSupply()
	raw := strconv.FormatFloat(supply, 'f', -1, 64)
	if !ok || supply != math.Trunc(supply) {
		return d, perr("daysSupply", raw, ErrInvalidDaysSupply)
	}
	n, err := parseDaysSupply(raw)
	if err != nil {
		return d, perr("daysSupply", raw, err)
	}
	d.DaysSupply = n

	when := md.GetFillDate()
	if when == "" {
		return d, perr("whenHandedOver", "", ErrMissingField)
	}
	if d.FillDate, err = adherence.ParseDay(fhirDateLayout, when); err != nil {
		return d, perr("whenHandedOver", when, ErrMalformedDate)
	}

	return d, nil
}

// Close closes the underlying file, if the reader opened one
func (r *FHIRReader) Close() error {
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}
