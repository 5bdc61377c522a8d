package export

import (
	"fmt"
	"io"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress/zstd"

	"github.com/drfirst/go-pdc/internal/domain/adherence"
)

// DrugRow is one drug's ratio inside a ResultRow.
type DrugRow struct {
	Drug      string  `parquet:"drug"`
	Adherence float64 `parquet:"adherence"`
}

// ResultRow is the Parquet layout of one patient's result.
type ResultRow struct {
	PatientID        string    `parquet:"patient_id"`
	OverallAdherence float64   `parquet:"overall_adherence"`
	CoveredDays      int32     `parquet:"covered_days"`
	WindowDays       int32     `parquet:"window_days"`
	DrugAdherence    []DrugRow `parquet:"drug_adherence,list"`
}

const parquetFlushInterval = 100_000

// ParquetWriter encodes results as zstd-compressed Parquet.
type ParquetWriter struct {
	writer       *parquet.GenericWriter[ResultRow]
	includeDrugs bool
	count        int
	closed       bool
}

// NewParquetWriter writes to w. The caller keeps ownership of w.
func NewParquetWriter(w io.Writer, includeDrugs bool) *ParquetWriter {
	writer := parquet.NewGenericWriter[ResultRow](w,
		parquet.Compression(&zstd.Codec{Level: zstd.SpeedDefault}),
		parquet.DataPageStatistics(true),
		parquet.CreatedBy("pdc", "1.0", ""),
	)
	return &ParquetWriter{writer: writer, includeDrugs: includeDrugs}
}

// NewResultRow flattens res. Drug rows are ordered by drug name.
func NewResultRow(res *adherence.Result, includeDrugs bool) ResultRow {
	row := ResultRow{
		PatientID:        res.PatientID,
		OverallAdherence: res.OverallAdherence,
		CoveredDays:      int32(res.CoveredDays),
		WindowDays:       int32(res.WindowDays),
	}
	if includeDrugs {
		for _, drug := range res.Drugs() {
			row.DrugAdherence = append(row.DrugAdherence, DrugRow{Drug: drug, Adherence: res.DrugAdherence[drug]})
		}
	}
	return row
}

// Write appends res.
func (p *ParquetWriter) Write(res *adherence.Result) error {
	if p.closed {
		return errClosed
	}
	if _, err := p.writer.Write([]ResultRow{NewResultRow(res, p.includeDrugs)}); err != nil {
		return fmt.Errorf("write parquet row: %w", err)
	}
	p.count++

	// Flush row group periodically to bound memory usage
	if p.count%parquetFlushInterval == 0 {
		if err := p.writer.Flush(); err != nil {
			return fmt.Errorf("flush parquet row group: %w", err)
		}
	}
	return nil
}

// Count returns the number of patients written
func (p *ParquetWriter) Count() int { return p.count }

// Close flushes the final row group and writes the footer.
func (p *ParquetWriter) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("close parquet writer: %w", err)
	}
	return nil
}
