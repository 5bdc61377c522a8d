package ingest

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/drfirst/go-pdc/internal/domain/adherence"
	"github.com/drfirst/go-pdc/internal/observability/metrics"
)

// Format names an input encoding.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatFHIR Format = "fhir"
)

// ParseFormat accepts "csv", "fhir" or "ndjson".
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "csv":
		return FormatCSV, nil
	case "fhir", "ndjson":
		return FormatFHIR, nil
	}
	return "", fmt.Errorf("unknown input format %q", s)
}

// DoseSource yields dose records until io.EOF.
type DoseSource interface {
	Next() (adherence.DoseRecord, error)
	Close() error
}

// Open opens path as a dose source of the given format. layout applies to
// delimited input only.
func Open(path string, format Format, layout string) (DoseSource, error) {
	switch format {
	case FormatCSV, "":
		return OpenCSV(path, layout)
	case FormatFHIR:
		return OpenFHIR(path)
	}
	return nil, fmt.Errorf("unknown input format %q", format)
}

// NewSource wraps r as a dose source of the given format.
func NewSource(r io.Reader, source string, format Format, layout string) (DoseSource, error) {
	switch format {
	case FormatCSV, "":
		return NewCSVReader(r, source, layout)
	case FormatFHIR:
		return NewFHIRReader(r, source), nil
	}
	return nil, fmt.Errorf("unknown input format %q", format)
}

// Policy decides what happens to a batch when a record fails to parse.
type Policy int

const (
	// PolicyRejectBatch aborts the load on the first bad record
	PolicyRejectBatch Policy = iota
	// PolicySkipRecord logs and drops bad records
	PolicySkipRecord
)

// Stats summarizes a load.
type Stats struct {
	Records int
	// Skipped counts records dropped under PolicySkipRecord
	Skipped int
	// Filtered counts entries the source passed over without error, such as
	// FHIR dispenses that were never handed over.
	Filtered int
	Patients int
}

// filterer is implemented by sources that pass over some entries.
type filterer interface {
	Skipped() int
}

// Loader drains a dose source into patient ledgers.
type Loader struct {
	policy  Policy
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewLoader creates a loader. m may be nil.
func NewLoader(policy Policy, m *metrics.Metrics, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{policy: policy, metrics: m, logger: logger}
}

// Load reads src to the end and returns its ledgers. Under PolicyRejectBatch
// the first *ParseError is returned and no ledgers are produced. Read
// failures that are not record-level always abort.
func (l *Loader) Load(src DoseSource) (map[string]*adherence.PatientLedger, Stats, error) {
	var stats Stats
	builder := adherence.NewLedgerBuilder()

	for {
		d, err := src.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err == nil {
			err = builder.Add(d)
		}
		if err != nil {
			if l.metrics != nil {
				l.metrics.DosesRejected.Inc()
			}
			if l.policy != PolicySkipRecord || !recoverable(err) {
				return nil, stats, err
			}
			stats.Skipped++
			l.logger.Warn("skipping dose record", zap.Error(err))
			continue
		}

		stats.Records++
		if l.metrics != nil {
			l.metrics.DosesIngested.Inc()
		}
	}

	if f, ok := src.(filterer); ok {
		stats.Filtered = f.Skipped()
	}
	stats.Patients = builder.Len()
	ledgers := builder.Build()
	l.logger.Info("doses loaded",
		zap.Int("records", stats.Records),
		zap.Int("skipped", stats.Skipped),
		zap.Int("filtered", stats.Filtered),
		zap.Int("patients", stats.Patients))
	return ledgers, stats, nil
}

// recoverable reports whether reading may continue after err.
func recoverable(err error) bool {
	if errors.Is(err, ErrUnreadableSource) {
		return false
	}
	var perr *ParseError
	return errors.As(err, &perr) || errors.Is(err, adherence.ErrInvalidDose)
}
