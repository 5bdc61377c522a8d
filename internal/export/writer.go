// Package export writes adherence results to files and publishes them to
// remote destinations.
package export

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/drfirst/go-pdc/internal/domain/adherence"
)

// Format names an output encoding.
type Format string

const (
	FormatCSV     Format = "csv"
	FormatParquet Format = "parquet"
)

// ParseFormat accepts "csv" or "parquet".
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "csv":
		return FormatCSV, nil
	case "parquet":
		return FormatParquet, nil
	}
	return "", fmt.Errorf("unknown output format %q", s)
}

// ExportError is a failure to deliver results to a destination.
type ExportError struct {
	Destination string
	Err         error
}

func (e *ExportError) Error() string {
	return fmt.Sprintf("export to %s: %v", e.Destination, e.Err)
}

func (e *ExportError) Unwrap() error { return e.Err }

var errClosed = errors.New("writer closed")

// Writer receives results in patient id order.
type Writer interface {
	Write(res *adherence.Result) error
	Count() int
	Close() error
}

// Create opens path for writing in the given format. includeDrugs adds
// per-drug detail.
func Create(path string, format Format, includeDrugs bool) (Writer, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, &ExportError{Destination: path, Err: err}
	}

	switch format {
	case FormatCSV, "":
		return newFileWriter(path, file, NewCSVWriter(file, includeDrugs)), nil
	case FormatParquet:
		return newFileWriter(path, file, NewParquetWriter(file, includeDrugs)), nil
	}

	file.Close()
	os.Remove(path)
	return nil, fmt.Errorf("unknown output format %q", format)
}

// WriteAll writes results and closes w.
func WriteAll(w Writer, results []*adherence.Result) error {
	for _, res := range results {
		if err := w.Write(res); err != nil {
			w.Close()
			return err
		}
	}
	return w.Close()
}

// fileWriter owns the file under an encoder and reports failures as
// ExportErrors naming the path.
type fileWriter struct {
	path string
	file *os.File
	enc  Writer
}

func newFileWriter(path string, file *os.File, enc Writer) *fileWriter {
	return &fileWriter{path: path, file: file, enc: enc}
}

func (w *fileWriter) Write(res *adherence.Result) error {
	if err := w.enc.Write(res); err != nil {
		return &ExportError{Destination: w.path, Err: err}
	}
	return nil
}

func (w *fileWriter) Count() int { return w.enc.Count() }

func (w *fileWriter) Close() error {
	if err := w.enc.Close(); err != nil {
		w.file.Close()
		return &ExportError{Destination: w.path, Err: err}
	}
	if err := w.file.Close(); err != nil {
		return &ExportError{Destination: w.path, Err: err}
	}
	return nil
}
