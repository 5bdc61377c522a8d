package ingest

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/drfirst/go-pdc/internal/domain/adherence"
)

// Required dose columns, matched case-insensitively by header name.
const (
	ColPatientID  = "patient_id"
	ColDrugName   = "drug_name"
	ColDaysSupply = "days_supply"
	ColFillDate   = "fill_date"
)

var requiredColumns = []string{ColPatientID, ColDrugName, ColDaysSupply, ColFillDate}

// CSVReader streams dose records from delimited text with a header row.
type CSVReader struct {
	file   io.Closer
	reader *csv.Reader
	source string
	layout string
	colIdx map[string]int
}

// OpenCSV opens a dose file for streaming.
func OpenCSV(path, layout string) (*CSVReader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, &ParseError{Source: path, Err: fmt.Errorf("%w: %w", ErrUnreadableSource, err)}
	}

	r, err := NewCSVReader(file, path, layout)
	if err != nil {
		file.Close()
		return nil, err
	}
	r.file = file
	return r, nil
}

// NewCSVReader reads the header from r and returns a reader positioned at the
// first record. source names r in errors. An empty layout uses
// adherence.DateLayout.
func NewCSVReader(r io.Reader, source, layout string) (*CSVReader, error) {
	if layout == "" {
		layout = adherence.DateLayout
	}

	bufReader := bufio.NewReaderSize(r, 64*1024)

	// Skip UTF-8 BOM if present
	if bom, err := bufReader.Peek(3); err == nil && bom[0] == 0xEF && bom[1] == 0xBB && bom[2] == 0xBF {
		bufReader.Discard(3)
	}

	reader := csv.NewReader(bufReader)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	reader.ReuseRecord = true

	cr := &CSVReader{
		reader: reader,
		source: source,
		layout: layout,
		colIdx: make(map[string]int),
	}

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &ParseError{Source: source, Line: 1, Err: fmt.Errorf("%w: empty input", ErrMissingColumn)}
		}
		return nil, &ParseError{Source: source, Line: 1, Err: fmt.Errorf("%w: %w", ErrUnreadableSource, err)}
	}
	for i, h := range header {
		cr.colIdx[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, col := range requiredColumns {
		if _, ok := cr.colIdx[col]; !ok {
			return nil, &ParseError{Source: source, Line: 1, Column: col, Err: ErrMissingColumn}
		}
	}

	return cr, nil
}

// Next returns the next dose record, io.EOF at the end of input, or a
// *ParseError for a bad record. After a ParseError on a record the reader can
// continue with the next one.
func (r *CSVReader) Next() (adherence.DoseRecord, error) {
	record, err := r.reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return adherence.DoseRecord{}, io.EOF
		}
		var perr *csv.ParseError
		if errors.As(err, &perr) {
			return adherence.DoseRecord{}, &ParseError{Source: r.source, Line: perr.Line, Err: fmt.Errorf("%w: %v", ErrMalformedRecord, perr.Err)}
		}
		return adherence.DoseRecord{}, &ParseError{Source: r.source, Err: fmt.Errorf("%w: %w", ErrUnreadableSource, err)}
	}
	line, _ := r.reader.FieldPos(0)

	field := func(col string) (string, error) {
		idx := r.colIdx[col]
		if idx >= len(record) || strings.TrimSpace(record[idx]) == "" {
			return "", &ParseError{Source: r.source, Line: line, Column: col, Err: ErrMissingField}
		}
		return strings.TrimSpace(record[idx]), nil
	}

	var d adherence.DoseRecord
	if d.PatientID, err = field(ColPatientID); err != nil {
		return d, err
	}
	if d.DrugName, err = field(ColDrugName); err != nil {
		return d, err
	}

	supply, err := field(ColDaysSupply)
	if err != nil {
		return d, err
	}
	if d.DaysSupply, err = parseDaysSupply(supply); err != nil {
		return d, &ParseError{Source: r.source, Line: line, Column: ColDaysSupply, Value: supply, Err: err}
	}

	date, err := field(ColFillDate)
	if err != nil {
		return d, err
	}
	if d.FillDate, err = adherence.ParseDay(r.layout, date); err != nil {
		return d, &ParseError{Source: r.source, Line: line, Column: ColFillDate, Value: date, Err: ErrMalformedDate}
	}

	return d, nil
}

// Close closes the underlying file, if the reader opened one
func (r *CSVReader) Close() error {
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}

func parseDaysSupply(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, ErrInvalidDaysSupply
	}
	if n < 1 || n > adherence.MaxDaysSupply {
		return 0, fmt.Errorf("%w: %d not in [1, %d]", ErrInvalidDaysSupply, n, adherence.MaxDaysSupply)
	}
	return n, nil
}
