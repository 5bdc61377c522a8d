// Package metrics provides Prometheus metrics for the adherence engine.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Metrics holds all application metrics
type Metrics struct {
	DosesIngested       prometheus.Counter
	DosesRejected       prometheus.Counter
	PatientsProcessed   prometheus.Counter
	PatientsFailed      *prometheus.CounterVec
	PatientDuration     prometheus.Histogram
	OverallAdherence    prometheus.Histogram
	BatchDuration       prometheus.Gauge
	ResultsExported     *prometheus.CounterVec
	CircuitBreakerState *prometheus.GaugeVec
}

// New creates all metrics and registers them with reg. A nil reg uses the
// default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		DosesIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pdc_doses_ingested_total",
			Help: "Total dose records accepted at ingestion",
		}),
		DosesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pdc_doses_rejected_total",
			Help: "Total dose records rejected at ingestion",
		}),
		PatientsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pdc_patients_processed_total",
			Help: "Total patients with a computed adherence result",
		}),
		PatientsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pdc_patients_failed_total",
			Help: "Total patients whose computation failed",
		}, []string{"reason"}),
		PatientDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pdc_patient_duration_seconds",
			Help:    "Per-patient adherence computation duration",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		}),
		OverallAdherence: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pdc_overall_adherence_ratio",
			Help:    "Distribution of overall proportion of days covered",
			Buckets: prometheus.LinearBuckets(0.1, 0.1, 10),
		}),
		BatchDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pdc_batch_duration_seconds",
			Help: "Duration of the last batch run",
		}),
		ResultsExported: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pdc_results_exported_total",
			Help: "Total results written per destination",
		}, []string{"sink"}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pdc_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	reg.MustRegister(
		m.DosesIngested,
		m.DosesRejected,
		m.PatientsProcessed,
		m.PatientsFailed,
		m.PatientDuration,
		m.OverallAdherence,
		m.BatchDuration,
		m.ResultsExported,
		m.CircuitBreakerState,
	)

	return m
}

// Handler returns the Prometheus HTTP handler for g
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Push sends everything gathered from g to a Pushgateway under job.
func Push(ctx context.Context, url, job string, g prometheus.Gatherer) error {
	return push.New(url, job).Gatherer(g).PushContext(ctx)
}
