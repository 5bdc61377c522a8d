// Package batch fans adherence computation out across patients.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/drfirst/go-pdc/internal/domain/adherence"
	"github.com/drfirst/go-pdc/internal/observability/metrics"
	"github.com/drfirst/go-pdc/pkg/workerpool"
)

// Config holds runner configuration
type Config struct {
	// Workers is the number of patients computed concurrently
	Workers int
	// DrugParallelism bounds concurrent coverage builds within one patient
	DrugParallelism int
	// QueueSize is the worker pool queue size
	QueueSize int
}

// DefaultConfig returns runner defaults
func DefaultConfig() Config {
	return Config{
		Workers:         8,
		DrugParallelism: 4,
		QueueSize:       1024,
	}
}

// Outcome is the result of one patient: either Result or Err is set.
type Outcome struct {
	PatientID string
	Result    *adherence.Result
	Err       error
}

// Report gathers the outcomes of a batch keyed by patient id.
type Report struct {
	RunID    string
	Outcomes map[string]Outcome
	Duration time.Duration
}

// Results returns the successful results ordered by patient id.
func (r *Report) Results() []*adherence.Result {
	out := make([]*adherence.Result, 0, len(r.Outcomes))
	for _, id := range r.patientIDs() {
		if o := r.Outcomes[id]; o.Err == nil {
			out = append(out, o.Result)
		}
	}
	return out
}

// Failures returns the failed outcomes ordered by patient id.
func (r *Report) Failures() []Outcome {
	var out []Outcome
	for _, id := range r.patientIDs() {
		if o := r.Outcomes[id]; o.Err != nil {
			out = append(out, o)
		}
	}
	return out
}

func (r *Report) patientIDs() []string {
	ids := make([]string, 0, len(r.Outcomes))
	for id := range r.Outcomes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Runner computes adherence for every patient ledger on a worker pool.
type Runner struct {
	config  Config
	metrics *metrics.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer
}

// New creates a runner. m may be nil.
func New(cfg Config, m *metrics.Metrics, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.DrugParallelism <= 0 {
		cfg.DrugParallelism = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	return &Runner{
		config:  cfg,
		metrics: m,
		logger:  logger,
		tracer:  otel.Tracer("batch-runner"),
	}
}

// Run computes adherence for all ledgers. Each ledger is handed to exactly one
// worker. A patient's failure is recorded in its Outcome and never affects
// other patients. When ctx is cancelled, patients not yet started get the
// context error and Run returns it with the partial report.
func (r *Runner) Run(ctx context.Context, runID string, ledgers map[string]*adherence.PatientLedger) (*Report, error) {
	ctx, span := r.tracer.Start(ctx, "batch_run",
		trace.WithAttributes(
			attribute.String("run_id", runID),
			attribute.Int("patients", len(ledgers)),
		))
	defer span.End()

	start := time.Now()
	report := &Report{RunID: runID, Outcomes: make(map[string]Outcome, len(ledgers))}
	if len(ledgers) == 0 {
		return report, nil
	}

	pool, err := workerpool.New(workerpool.Config{
		Workers:   r.config.Workers,
		QueueSize: r.config.QueueSize,
	}, r.process, r.logger)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	pool.Start()

	ids := make([]string, 0, len(ledgers))
	for id := range ledgers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	unsubmitted := make(chan []string, 1)
	go func() {
		var skipped []string
		for i, id := range ids {
			task := &workerpool.Task{ID: id, Payload: ledgers[id], Context: ctx}
			if err := pool.Submit(ctx, task); err != nil {
				skipped = append(skipped, ids[i:]...)
				break
			}
		}
		pool.Close()
		unsubmitted <- skipped
	}()

	for res := range pool.Results() {
		o := Outcome{PatientID: res.TaskID, Err: res.Error}
		if res.Success {
			o.Result = res.Data.(*adherence.Result)
			o.Err = nil
		} else if o.Err == nil {
			o.Err = errors.New("patient computation failed")
		}
		report.Outcomes[res.TaskID] = o
	}

	for _, id := range <-unsubmitted {
		report.Outcomes[id] = Outcome{PatientID: id, Err: ctx.Err()}
	}

	report.Duration = time.Since(start)
	if r.metrics != nil {
		r.metrics.BatchDuration.Set(report.Duration.Seconds())
	}

	stats := pool.Stats()
	r.logger.Info("batch complete",
		zap.String("run_id", runID),
		zap.Int("patients", len(ledgers)),
		zap.Int64("completed", stats.TasksCompleted),
		zap.Int64("failed", stats.TasksFailed),
		zap.Int("workers", stats.Workers),
		zap.Duration("duration", report.Duration))

	if err := ctx.Err(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return report, err
	}
	return report, nil
}

// process is the worker function: one patient per task.
func (r *Runner) process(ctx context.Context, task *workerpool.Task) *workerpool.Result {
	ledger := task.Payload.(*adherence.PatientLedger)

	_, span := r.tracer.Start(ctx, "compute_patient",
		trace.WithAttributes(
			attribute.String("patient_id", ledger.PatientID()),
			attribute.Int("doses", ledger.DoseCount()),
		))
	defer span.End()

	start := time.Now()
	res, err := r.computePatient(ledger)
	if r.metrics != nil {
		r.metrics.PatientDuration.Observe(time.Since(start).Seconds())
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if r.metrics != nil {
			r.metrics.PatientsFailed.WithLabelValues(failureReason(err)).Inc()
		}
		return &workerpool.Result{TaskID: task.ID, Error: err}
	}

	span.SetAttributes(attribute.Float64("overall_adherence", res.OverallAdherence))
	if r.metrics != nil {
		r.metrics.PatientsProcessed.Inc()
		r.metrics.OverallAdherence.Observe(res.OverallAdherence)
	}
	return &workerpool.Result{TaskID: task.ID, Success: true, Data: res}
}

// computePatient builds each drug's calendar, in parallel up to
// DrugParallelism, then aggregates once all calendars are done.
func (r *Runner) computePatient(ledger *adherence.PatientLedger) (*adherence.Result, error) {
	drugs := ledger.Drugs()
	calendars := make([]*adherence.CoverageCalendar, len(drugs))

	var g errgroup.Group
	g.SetLimit(r.config.DrugParallelism)
	for i, drug := range drugs {
		g.Go(func() (err error) {
			defer func() {
				if p := recover(); p != nil {
					err = fmt.Errorf("%w: drug %q: %v", workerpool.ErrTaskPanicked, drug, p)
				}
			}()

			cal, err := adherence.BuildCoverage(ledger.Doses(drug))
			if err != nil {
				var ie *adherence.InvariantError
				if errors.As(err, &ie) {
					ie.PatientID, ie.Drug = ledger.PatientID(), drug
				}
				return err
			}
			calendars[i] = cal
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	byDrug := make(map[string]*adherence.CoverageCalendar, len(drugs))
	for i, drug := range drugs {
		byDrug[drug] = calendars[i]
	}
	return adherence.Aggregate(ledger.PatientID(), byDrug)
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, workerpool.ErrTaskPanicked):
		return "panic"
	case adherence.IsInvariantViolation(err):
		return "invariant"
	default:
		return "other"
	}
}
