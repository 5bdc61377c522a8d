package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drfirst/go-pdc/internal/export"
	"github.com/drfirst/go-pdc/internal/ingest"
	"github.com/drfirst/go-pdc/internal/observability/metrics"
)

type runOptions struct {
	input        string
	output       string
	inputFormat  string
	outputFormat string
	drugDetail   bool
}

func runCmd() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Compute adherence for every patient in a dose file",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runBatch(ctx, cmd, opts)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.input, "input", "i", "", "dose file to read")
	f.StringVarP(&opts.output, "output", "o", "", "result file to write")
	f.StringVar(&opts.inputFormat, "input-format", "csv", "input format (csv, fhir)")
	f.StringVar(&opts.outputFormat, "output-format", "csv", "output format (csv, parquet)")
	f.BoolVar(&opts.drugDetail, "drug-detail", false, "write one row per patient and drug")
	f.Int("workers", 0, "patients computed concurrently")
	f.Int("drug-parallelism", 0, "drugs computed concurrently within a patient")
	f.String("date-layout", "", "Go time layout of fill dates in delimited input")
	f.Bool("skip-invalid", false, "drop unparseable records instead of failing the batch")
	f.String("kafka-brokers", "", "comma separated brokers to publish results to")
	f.String("kafka-topic", "", "topic for published results")
	f.String("database-url", "", "PostgreSQL database to store results in")
	f.String("pushgateway-url", "", "Pushgateway to push batch metrics to")
	cmd.MarkFlagRequired("input")
	cmd.MarkFlagRequired("output")

	return cmd
}

func runBatch(ctx context.Context, cmd *cobra.Command, opts runOptions) error {
	inFormat, err := ingest.ParseFormat(opts.inputFormat)
	if err != nil {
		return err
	}
	outFormat, err := export.ParseFormat(opts.outputFormat)
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cmd, "pdc-batch")
	if err != nil {
		return err
	}
	defer a.close()

	runID := uuid.New().String()
	logger := a.logger.With(zap.String("run_id", runID))
	start := time.Now()

	src, err := ingest.Open(opts.input, inFormat, a.cfg.DateLayout)
	if err != nil {
		return err
	}
	policy := ingest.PolicyRejectBatch
	if a.cfg.SkipInvalid {
		policy = ingest.PolicySkipRecord
	}
	ledgers, stats, err := ingest.NewLoader(policy, a.metrics, logger).Load(src)
	src.Close()
	if err != nil {
		return fmt.Errorf("load %s: %w", opts.input, err)
	}

	report, err := a.runner().Run(ctx, runID, ledgers)
	if err != nil {
		return fmt.Errorf("batch interrupted: %w", err)
	}
	results := report.Results()

	w, err := export.Create(opts.output, outFormat, opts.drugDetail)
	if err != nil {
		return err
	}
	if err := export.WriteAll(w, results); err != nil {
		return err
	}

	dispatcher, err := a.dispatcher(ctx)
	if err != nil {
		return err
	}
	if dispatcher != nil {
		err := dispatcher.Dispatch(ctx, runID, results)
		if cerr := dispatcher.Close(); cerr != nil {
			logger.Warn("closing sinks failed", zap.Error(cerr))
		}
		if err != nil {
			return err
		}
	}

	if a.cfg.PushgatewayURL != "" {
		if err := metrics.Push(ctx, a.cfg.PushgatewayURL, "pdc_batch", a.registry); err != nil {
			logger.Warn("metrics push failed", zap.Error(err))
		}
	}

	failures := report.Failures()
	for _, f := range failures {
		logger.Warn("patient failed", zap.String("patient_id", f.PatientID), zap.Error(f.Err))
	}
	logger.Info("run complete",
		zap.String("input", opts.input),
		zap.String("output", opts.output),
		zap.Int("records", stats.Records),
		zap.Int("skipped", stats.Skipped),
		zap.Int("filtered", stats.Filtered),
		zap.Int("patients", len(report.Outcomes)),
		zap.Int("results", len(results)),
		zap.Int("failures", len(failures)),
		zap.Duration("duration", time.Since(start)))

	if len(failures) > 0 {
		return &exitError{
			code: exitPartial,
			err:  fmt.Errorf("%d of %d patients failed", len(failures), len(report.Outcomes)),
		}
	}
	return nil
}
