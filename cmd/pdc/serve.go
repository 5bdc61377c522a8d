package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drfirst/go-pdc/internal/api/handlers"
	"github.com/drfirst/go-pdc/internal/api/middleware"
	"github.com/drfirst/go-pdc/internal/export"
	"github.com/drfirst/go-pdc/internal/infrastructure/redpanda"
	"github.com/drfirst/go-pdc/internal/observability/metrics"
	"github.com/drfirst/go-pdc/pkg/circuitbreaker"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the adherence HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cmd)
		},
	}

	f := cmd.Flags()
	f.String("port", "", "listen port")
	f.Int("workers", 0, "patients computed concurrently per request")
	f.String("date-layout", "", "Go time layout of fill dates in delimited input")
	f.Bool("skip-invalid", false, "drop unparseable records instead of rejecting the request")
	f.String("kafka-brokers", "", "comma separated brokers to publish results to")
	f.String("database-url", "", "PostgreSQL database to store results in")
	return cmd
}

func runServer(ctx context.Context, cmd *cobra.Command) error {
	a, err := newApp(ctx, cmd, "pdc-api")
	if err != nil {
		return err
	}
	defer a.close()
	logger := a.logger

	dispatcher, err := a.dispatcher(ctx)
	if err != nil {
		return err
	}
	if dispatcher != nil {
		defer dispatcher.Close()
	}

	adherenceHandler := handlers.NewAdherenceHandler(a.runner(), dispatcher, a.metrics, handlers.Options{
		DateLayout:  a.cfg.DateLayout,
		SkipInvalid: a.cfg.SkipInvalid,
	}, logger)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing("pdc-api"))

	r.Get("/health", healthHandler(a.cfg.Brokers(), dispatcher))
	r.Handle("/metrics", metrics.Handler(a.registry))

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.MaxBodySize(a.cfg.MaxBodyBytes))
		r.Mount("/adherence", adherenceHandler.Routes())
	})

	server := &http.Server{
		Addr:         ":" + a.cfg.Port,
		Handler:      r,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting adherence API", zap.String("port", a.cfg.Port))
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
			return err
		}
	}

	logger.Info("server stopped")
	return nil
}

// healthStatus is the body of GET /health
type healthStatus struct {
	Status   string                        `json:"status"`
	Service  string                        `json:"service"`
	Kafka    string                        `json:"kafka,omitempty"`
	Breakers []circuitbreaker.HealthStatus `json:"breakers,omitempty"`
}

func healthHandler(brokers []string, dispatcher *export.Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := healthStatus{Status: "healthy", Service: "pdc-api"}
		code := http.StatusOK

		if len(brokers) > 0 {
			status.Kafka = "ok"
			if err := redpanda.HealthCheck(r.Context(), brokers); err != nil {
				status.Kafka = err.Error()
				status.Status = "degraded"
				code = http.StatusServiceUnavailable
			}
		}
		if dispatcher != nil {
			status.Breakers = dispatcher.Breakers().GetHealthStatus()
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(status)
	}
}
