package main

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drfirst/go-pdc/internal/batch"
	"github.com/drfirst/go-pdc/internal/config"
	"github.com/drfirst/go-pdc/internal/export"
	"github.com/drfirst/go-pdc/internal/infrastructure/postgres"
	"github.com/drfirst/go-pdc/internal/infrastructure/redpanda"
	"github.com/drfirst/go-pdc/internal/observability/logging"
	"github.com/drfirst/go-pdc/internal/observability/metrics"
	"github.com/drfirst/go-pdc/internal/observability/tracing"
)

// app holds what every command needs
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	tracing  *tracing.Provider
}

func newApp(ctx context.Context, cmd *cobra.Command, service string) (*app, error) {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.Env)
	if err != nil {
		return nil, err
	}

	tcfg := tracing.DefaultConfig(service)
	tcfg.Environment = cfg.Env
	tcfg.OTLPEndpoint = cfg.OTLPEndpoint
	tcfg.SampleRate = cfg.SampleRate
	tp, err := tracing.Init(ctx, tcfg)
	if err != nil {
		logger.Sync()
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &app{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		metrics:  metrics.New(registry),
		tracing:  tp,
	}, nil
}

func (a *app) runner() *batch.Runner {
	return batch.New(batch.Config{
		Workers:         a.cfg.Workers,
		DrugParallelism: a.cfg.DrugParallelism,
		QueueSize:       a.cfg.QueueSize,
	}, a.metrics, a.logger)
}

// dispatcher builds the remote sinks that are configured. It returns nil when
// there are none.
func (a *app) dispatcher(ctx context.Context) (*export.Dispatcher, error) {
	var sinks []export.Sink

	if brokers := a.cfg.Brokers(); len(brokers) > 0 {
		pcfg := redpanda.DefaultProducerConfig()
		pcfg.Brokers = brokers
		producer, err := redpanda.NewProducer(pcfg, a.logger)
		if err != nil {
			return nil, fmt.Errorf("create producer: %w", err)
		}
		sinks = append(sinks, redpanda.NewResultPublisher(producer, a.cfg.KafkaResultsTopic, a.logger))
		a.logger.Info("publishing results to redpanda",
			zap.Strings("brokers", brokers),
			zap.String("topic", a.cfg.KafkaResultsTopic))
	}

	if a.cfg.DatabaseURL != "" {
		pool, err := postgres.Connect(ctx, a.cfg.DatabaseURL)
		if err != nil {
			closeSinks(sinks)
			return nil, err
		}
		store := postgres.NewResultStore(pool, a.logger)
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			closeSinks(sinks)
			return nil, err
		}
		sinks = append(sinks, store)
		a.logger.Info("storing results in postgres")
	}

	if len(sinks) == 0 {
		return nil, nil
	}
	return export.NewDispatcher(sinks, a.cfg.SinkChunkSize, a.metrics, a.logger), nil
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.tracing.Shutdown(ctx); err != nil {
		a.logger.Warn("tracing shutdown failed", zap.Error(err))
	}
	a.logger.Sync()
}

func closeSinks(sinks []export.Sink) {
	for _, s := range sinks {
		s.Close()
	}
}
