// Package postgres writes adherence results to PostgreSQL. Results are
// appended per run and never read back by the engine.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-pdc/internal/domain/adherence"
)

// Schema creates the result tables if they are missing.
const Schema = `
CREATE TABLE IF NOT EXISTS adherence_results (
	run_id            TEXT             NOT NULL,
	patient_id        TEXT             NOT NULL,
	overall_adherence DOUBLE PRECISION NOT NULL,
	covered_days      INTEGER          NOT NULL,
	window_days       INTEGER          NOT NULL,
	computed_at       TIMESTAMPTZ      NOT NULL,
	PRIMARY KEY (run_id, patient_id)
);

CREATE TABLE IF NOT EXISTS adherence_drug_results (
	run_id     TEXT             NOT NULL,
	patient_id TEXT             NOT NULL,
	drug_name  TEXT             NOT NULL,
	adherence  DOUBLE PRECISION NOT NULL,
	PRIMARY KEY (run_id, patient_id, drug_name),
	FOREIGN KEY (run_id, patient_id) REFERENCES adherence_results (run_id, patient_id) ON DELETE CASCADE
);
`

const upsertResult = `
INSERT INTO adherence_results (run_id, patient_id, overall_adherence, covered_days, window_days, computed_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (run_id, patient_id) DO UPDATE
SET overall_adherence = EXCLUDED.overall_adherence,
    covered_days = EXCLUDED.covered_days,
    window_days = EXCLUDED.window_days,
    computed_at = EXCLUDED.computed_at`

const upsertDrugResult = `
INSERT INTO adherence_drug_results (run_id, patient_id, drug_name, adherence)
VALUES ($1, $2, $3, $4)
ON CONFLICT (run_id, patient_id, drug_name) DO UPDATE
SET adherence = EXCLUDED.adherence`

// DB is the subset of *pgxpool.Pool the store needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	Close()
}

// ResultStore writes results with one batched round trip per Publish.
type ResultStore struct {
	db     DB
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// Connect opens a pool for databaseURL and verifies it.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	return pool, nil
}

// NewResultStore creates a store over db
func NewResultStore(db DB, logger *zap.Logger) *ResultStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResultStore{
		db:     db,
		logger: logger,
		tracer: otel.Tracer("postgres-results"),
		now:    time.Now,
	}
}

// EnsureSchema creates the result tables
func (s *ResultStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Name identifies the destination
func (s *ResultStore) Name() string { return "postgres" }

// Publish upserts results for runID. The batch runs in an implicit
// transaction: either every row of the chunk is written or none is.
func (s *ResultStore) Publish(ctx context.Context, runID string, results []*adherence.Result) error {
	ctx, span := s.tracer.Start(ctx, "store_results",
		trace.WithAttributes(
			attribute.String("run_id", runID),
			attribute.Int("results", len(results)),
		))
	defer span.End()

	batch := s.buildBatch(runID, results)
	br := s.db.SendBatch(ctx, batch)
	if err := br.Close(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to store results: %w", err)
	}

	s.logger.Debug("results stored",
		zap.String("run_id", runID),
		zap.Int("results", len(results)),
		zap.Int("statements", batch.Len()))
	return nil
}

func (s *ResultStore) buildBatch(runID string, results []*adherence.Result) *pgx.Batch {
	computedAt := s.now().UTC()
	batch := &pgx.Batch{}
	for _, res := range results {
		batch.Queue(upsertResult, runID, res.PatientID, res.OverallAdherence, res.CoveredDays, res.WindowDays, computedAt)
		for _, drug := range res.Drugs() {
			batch.Queue(upsertDrugResult, runID, res.PatientID, drug, res.DrugAdherence[drug])
		}
	}
	return batch
}

// Close closes the pool
func (s *ResultStore) Close() error {
	s.db.Close()
	return nil
}
