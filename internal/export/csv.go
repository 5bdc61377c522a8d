package export

import (
	"bufio"
	"encoding/csv"
	"io"
	"strconv"

	"github.com/drfirst/go-pdc/internal/domain/adherence"
)

// CSVWriter encodes results as delimited text. Without drug detail there is
// one row per patient; with it, one row per patient and drug, ordered by drug
// name.
type CSVWriter struct {
	buf          *bufio.Writer
	w            *csv.Writer
	includeDrugs bool
	wroteHeader  bool
	count        int
	closed       bool
}

// NewCSVWriter writes to w. The caller keeps ownership of w.
func NewCSVWriter(w io.Writer, includeDrugs bool) *CSVWriter {
	buf := bufio.NewWriterSize(w, 64*1024)
	return &CSVWriter{buf: buf, w: csv.NewWriter(buf), includeDrugs: includeDrugs}
}

func (c *CSVWriter) header() []string {
	if c.includeDrugs {
		return []string{"patient_id", "overall_adherence", "drug_name", "drug_adherence"}
	}
	return []string{"patient_id", "overall_adherence"}
}

// Write appends the rows for res.
func (c *CSVWriter) Write(res *adherence.Result) error {
	if c.closed {
		return errClosed
	}
	if !c.wroteHeader {
		if err := c.w.Write(c.header()); err != nil {
			return err
		}
		c.wroteHeader = true
	}

	overall := FormatRatio(res.OverallAdherence)
	if !c.includeDrugs {
		if err := c.w.Write([]string{res.PatientID, overall}); err != nil {
			return err
		}
	} else {
		for _, drug := range res.Drugs() {
			row := []string{res.PatientID, overall, drug, FormatRatio(res.DrugAdherence[drug])}
			if err := c.w.Write(row); err != nil {
				return err
			}
		}
	}
	c.count++
	return nil
}

// Count returns the number of patients written
func (c *CSVWriter) Count() int { return c.count }

// Close writes the header if nothing else was written and flushes.
func (c *CSVWriter) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	if !c.wroteHeader {
		if err := c.w.Write(c.header()); err != nil {
			return err
		}
	}
	c.w.Flush()
	if err := c.w.Error(); err != nil {
		return err
	}
	return c.buf.Flush()
}

// FormatRatio renders a ratio with six decimal places.
func FormatRatio(r float64) string {
	return strconv.FormatFloat(r, 'f', 6, 64)
}
