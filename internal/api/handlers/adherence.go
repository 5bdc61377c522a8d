// Package handlers provides HTTP handlers for the adherence API.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/drfirst/go-pdc/internal/api/middleware"
	"github.com/drfirst/go-pdc/internal/batch"
	"github.com/drfirst/go-pdc/internal/domain/adherence"
	"github.com/drfirst/go-pdc/internal/export"
	"github.com/drfirst/go-pdc/internal/ingest"
	"github.com/drfirst/go-pdc/internal/observability/metrics"
)

// Options configures the adherence handler
type Options struct {
	// DateLayout parses delimited fill dates
	DateLayout string
	// SkipInvalid drops bad records instead of rejecting the request
	SkipInvalid bool
}

// AdherenceHandler computes adherence for dose data posted in the body
type AdherenceHandler struct {
	runner     *batch.Runner
	dispatcher *export.Dispatcher
	metrics    *metrics.Metrics
	opts       Options
	logger     *zap.Logger
}

// NewAdherenceHandler creates a handler. dispatcher and m may be nil; when a
// dispatcher is set, computed results are also published to its sinks.
func NewAdherenceHandler(runner *batch.Runner, dispatcher *export.Dispatcher, m *metrics.Metrics, opts Options, logger *zap.Logger) *AdherenceHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdherenceHandler{
		runner:     runner,
		dispatcher: dispatcher,
		metrics:    m,
		opts:       opts,
		logger:     logger,
	}
}

// Routes returns the handler routes
func (h *AdherenceHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Compute)
	r.Post("/export", h.Export)
	return r
}

// Failure reports a patient whose computation failed
type Failure struct {
	PatientID string `json:"patient_id"`
	Error     string `json:"error"`
}

// ComputeResponse is the response body of Compute
type ComputeResponse struct {
	RunID    string              `json:"run_id"`
	Patients int                 `json:"patients"`
	Skipped  int                 `json:"skipped,omitempty"`
	Filtered int                 `json:"filtered,omitempty"`
	Results  []*adherence.Result `json:"results"`
	Failures []Failure           `json:"failures"`
}

// ErrorResponse is the body of every error reply
type ErrorResponse struct {
	Error  string `json:"error"`
	Line   int    `json:"line,omitempty"`
	Column string `json:"column,omitempty"`
	Value  string `json:"value,omitempty"`
}

// Compute handles POST /adherence
func (h *AdherenceHandler) Compute(w http.ResponseWriter, r *http.Request) {
	report, stats, ok := h.run(w, r)
	if !ok {
		return
	}

	results := report.Results()
	if h.dispatcher != nil && len(results) > 0 {
		if err := h.dispatcher.Dispatch(r.Context(), report.RunID, results); err != nil {
			h.logger.Error("export failed", zap.String("run_id", report.RunID), zap.Error(err))
			h.jsonError(w, ErrorResponse{Error: err.Error()}, http.StatusBadGateway)
			return
		}
	}

	if !queryBool(r, "drug_detail", true) {
		for i, res := range results {
			trimmed := *res
			trimmed.DrugAdherence = nil
			results[i] = &trimmed
		}
	}

	resp := ComputeResponse{
		RunID:    report.RunID,
		Patients: len(report.Outcomes),
		Skipped:  stats.Skipped,
		Filtered: stats.Filtered,
		Results:  results,
		Failures: []Failure{},
	}
	for _, f := range report.Failures() {
		resp.Failures = append(resp.Failures, Failure{PatientID: f.PatientID, Error: f.Err.Error()})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// Export handles POST /adherence/export
func (h *AdherenceHandler) Export(w http.ResponseWriter, r *http.Request) {
	report, _, ok := h.run(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("X-Run-ID", report.RunID)
	if err := export.WriteAll(export.NewCSVWriter(w, queryBool(r, "drug_detail", false)), report.Results()); err != nil {
		h.logger.Error("csv export failed", zap.String("run_id", report.RunID), zap.Error(err))
	}
}

// run loads the request body and computes every patient. It writes the error
// reply itself and reports false when the request cannot be served.
func (h *AdherenceHandler) run(w http.ResponseWriter, r *http.Request) (*batch.Report, ingest.Stats, bool) {
	ctx, span := otel.Tracer("adherence-handler").Start(r.Context(), "compute_adherence")
	defer span.End()

	format, err := ingest.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		h.jsonError(w, ErrorResponse{Error: err.Error()}, http.StatusBadRequest)
		return nil, ingest.Stats{}, false
	}

	runID := uuid.New().String()
	span.SetAttributes(attribute.String("run_id", runID))

	src, err := ingest.NewSource(r.Body, "request", format, h.opts.DateLayout)
	if err != nil {
		h.parseError(w, err)
		return nil, ingest.Stats{}, false
	}
	defer src.Close()

	policy := ingest.PolicyRejectBatch
	if queryBool(r, "skip_invalid", h.opts.SkipInvalid) {
		policy = ingest.PolicySkipRecord
	}
	ledgers, stats, err := ingest.NewLoader(policy, h.metrics, h.logger).Load(src)
	if err != nil {
		h.parseError(w, err)
		return nil, stats, false
	}

	report, err := h.runner.Run(ctx, runID, ledgers)
	if err != nil {
		h.logger.Warn("batch interrupted",
			zap.String("run_id", runID),
			zap.String("request_id", middleware.GetRequestID(ctx)),
			zap.Error(err))
		h.jsonError(w, ErrorResponse{Error: err.Error()}, http.StatusServiceUnavailable)
		return nil, stats, false
	}

	h.logger.Info("adherence computed",
		zap.String("run_id", runID),
		zap.String("request_id", middleware.GetRequestID(ctx)),
		zap.Int("patients", len(report.Outcomes)),
		zap.Int("failures", len(report.Failures())))
	return report, stats, true
}

func (h *AdherenceHandler) parseError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		h.jsonError(w, ErrorResponse{Error: "request body too large"}, http.StatusRequestEntityTooLarge)
		return
	}

	resp := ErrorResponse{Error: err.Error()}
	var perr *ingest.ParseError
	if errors.As(err, &perr) {
		resp.Error = perr.Err.Error()
		resp.Line = perr.Line
		resp.Column = perr.Column
		resp.Value = perr.Value
	}
	h.jsonError(w, resp, http.StatusBadRequest)
}

func (h *AdherenceHandler) jsonError(w http.ResponseWriter, resp ErrorResponse, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(resp)
}

func queryBool(r *http.Request, key string, def bool) bool {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
