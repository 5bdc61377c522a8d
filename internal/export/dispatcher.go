package export

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-pdc/internal/domain/adherence"
	"github.com/drfirst/go-pdc/internal/observability/metrics"
	"github.com/drfirst/go-pdc/pkg/circuitbreaker"
)

// Sink is a remote destination for a run's results.
type Sink interface {
	Name() string
	Publish(ctx context.Context, runID string, results []*adherence.Result) error
	Close() error
}

// DefaultChunkSize is the number of results per Publish call
const DefaultChunkSize = 500

// Dispatcher publishes results to every sink in chunks. Each chunk runs
// through the sink's circuit breaker; once a breaker opens, the remaining
// chunks for that sink fail fast.
type Dispatcher struct {
	sinks     []Sink
	breakers  *circuitbreaker.Manager
	chunkSize int
	metrics   *metrics.Metrics
	logger    *zap.Logger
	tracer    trace.Tracer
}

// NewDispatcher creates a dispatcher. m may be nil.
func NewDispatcher(sinks []Sink, chunkSize int, m *metrics.Metrics, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Dispatcher{
		sinks:     sinks,
		breakers:  circuitbreaker.NewManager(logger),
		chunkSize: chunkSize,
		metrics:   m,
		logger:    logger,
		tracer:    otel.Tracer("export-dispatcher"),
	}
}

// Breakers exposes the per-sink breakers for health reporting
func (d *Dispatcher) Breakers() *circuitbreaker.Manager { return d.breakers }

// Dispatch publishes results to all sinks in order. The first sink failure is
// returned as an *ExportError; sinks after it are not attempted.
func (d *Dispatcher) Dispatch(ctx context.Context, runID string, results []*adherence.Result) error {
	for _, sink := range d.sinks {
		if err := d.publish(ctx, sink, runID, results); err != nil {
			return &ExportError{Destination: sink.Name(), Err: err}
		}
	}
	return nil
}

func (d *Dispatcher) publish(ctx context.Context, sink Sink, runID string, results []*adherence.Result) error {
	cfg := circuitbreaker.DefaultConfig(sink.Name())
	cfg.OnStateChange = func(name string, to circuitbreaker.State) {
		if d.metrics != nil {
			d.metrics.CircuitBreakerState.WithLabelValues(name).Set(to.Value())
		}
	}
	cb, err := d.breakers.GetOrCreate(sink.Name(), cfg)
	if err != nil {
		return fmt.Errorf("create circuit breaker: %w", err)
	}

	for start := 0; start < len(results); start += d.chunkSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(start+d.chunkSize, len(results))
		chunk := results[start:end]

		chunkCtx, span := d.tracer.Start(ctx, "export_chunk",
			trace.WithAttributes(
				attribute.String("sink", sink.Name()),
				attribute.String("run_id", runID),
				attribute.Int("offset", start),
				attribute.Int("results", len(chunk)),
			))
		err := cb.Execute(chunkCtx, func(ctx context.Context) error {
			return sink.Publish(ctx, runID, chunk)
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.End()
			d.logger.Error("export chunk failed",
				zap.String("sink", sink.Name()),
				zap.String("run_id", runID),
				zap.Int("offset", start),
				zap.Error(err))
			return err
		}
		span.End()

		if d.metrics != nil {
			d.metrics.ResultsExported.WithLabelValues(sink.Name()).Add(float64(len(chunk)))
		}
	}

	d.logger.Info("results exported",
		zap.String("sink", sink.Name()),
		zap.String("run_id", runID),
		zap.Int("results", len(results)))
	return nil
}

// Close closes every sink and returns the first error.
func (d *Dispatcher) Close() error {
	var first error
	for _, sink := range d.sinks {
		if err := sink.Close(); err != nil && first == nil {
			first = &ExportError{Destination: sink.Name(), Err: err}
		}
	}
	return first
}
