package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/riverqueue/river/rivertype"
	"github.com/spf13/cobra"

	"github.com/sujun1972/stock-analysis-sub000/internal/config"
	"github.com/sujun1972/stock-analysis-sub000/internal/csvsource"
	"github.com/sujun1972/stock-analysis-sub000/internal/domain/integrity"
	"github.com/sujun1972/stock-analysis-sub000/internal/jobs"
	"github.com/sujun1972/stock-analysis-sub000/internal/metrics"
	"github.com/sujun1972/stock-analysis-sub000/internal/telemetry"
)

var workerMetricsAddr string

func newWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the background job worker",
		Long: `Run the job worker until SIGINT or SIGTERM.

The worker:
- Works ingest_file jobs enqueued with "datavc ingest --enqueue"
- Schedules ingest jobs for hourly and daily entries of the dataset catalogue
- Prunes old versions every RETENTION_INTERVAL
- Re-verifies every dataset every VERIFY_INTERVAL
- Serves Prometheus metrics on METRICS_ADDR

Examples:
  datavc worker
  datavc worker --metrics-addr :9464 --log-format console`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd)
		},
	}
	cmd.Flags().StringVar(&workerMetricsAddr, "metrics-addr", "", "metrics listen address (default: METRICS_ADDR)")
	return cmd
}

func runWorker(cmd *cobra.Command) error {
	if memoryStore {
		return fmt.Errorf("the worker needs a database; drop --memory")
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, appMode{asyncAudit: true, verifyRate: true})
	if err != nil {
		return err
	}
	defer a.Close()
	logger := a.logger
	cfg := a.cfg
	logger.Info().Str("version", Version).Msg("starting worker")

	shutdownTracing, err := telemetry.InitTracing(ctx, cfg.Tracing, Version)
	if err != nil {
		logger.Error().Err(err).Msg("failed to initialize tracing")
	} else {
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownTracing(flushCtx)
		}()
	}

	metrics.Init(Version, GitCommit, BuildDate)
	pools := metrics.NewPoolCollector(map[string]metrics.PoolSource{"datasets": metrics.PgxPool(a.pool)})
	go pools.Run(ctx, 15*time.Second)

	addr := cfg.Metrics.Addr
	if workerMetricsAddr != "" {
		addr = workerMetricsAddr
	}
	if addr != "" {
		go func() {
			if err := metrics.Serve(ctx, addr); err != nil {
				logger.Error().Err(err).Str("addr", addr).Msg("metrics server error")
			}
		}()
		logger.Info().Str("addr", addr).Msg("metrics server started")
	}

	datasets, err := config.LoadDatasets(cfg.DatasetsFile)
	if err != nil {
		return err
	}

	workers, err := jobs.NewWorkers(jobs.Dependencies{
		Engine:     a.engine,
		Read:       csvsource.ReadFile,
		Versions:   a.versions,
		Verifier:   a.verifier,
		KeepRecent: cfg.Versioning.KeepRecent,
		OnMismatch: func(_ context.Context, report integrity.Report) {
			logger.Error().
				Str("dataset_key", report.DatasetKey).
				Str("version", report.VersionNumber).
				Int("mismatches", len(report.Mismatches())).
				Msg("stored rows no longer match their version")
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	periodic := append(
		jobs.NewPeriodicJobs(cfg.Jobs, cfg.Versioning.KeepRecent),
		jobs.NewIngestPeriodicJobs(cfg.Jobs, datasets)...,
	)

	instance, _ := os.Hostname()
	hooks := []rivertype.Hook{metrics.NewRiverMetricsHook(instance)}
	client, err := jobs.NewClient(a.pool, cfg.Jobs, workers, slog.Default(), hooks, periodic, jobs.LogAlert(logger))
	if err != nil {
		return fmt.Errorf("create job client: %w", err)
	}
	if err := client.Start(ctx); err != nil {
		return fmt.Errorf("river workers failed to start: %w", err)
	}
	logger.Info().
		Int("periodic_jobs", len(periodic)).
		Int("datasets", len(datasets)).
		Msg("river background job workers started")

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := client.Stop(stopCtx); err != nil {
		logger.Error().Err(err).Msg("river workers shutdown error")
		return err
	}
	logger.Info().Msg("river workers stopped")
	return nil
}
