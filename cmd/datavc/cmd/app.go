package cmd

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/sujun1972/stock-analysis-sub000/internal/audit"
	"github.com/sujun1972/stock-analysis-sub000/internal/config"
	"github.com/sujun1972/stock-analysis-sub000/internal/domain/diff"
	"github.com/sujun1972/stock-analysis-sub000/internal/domain/fingerprint"
	"github.com/sujun1972/stock-analysis-sub000/internal/domain/integrity"
	"github.com/sujun1972/stock-analysis-sub000/internal/domain/repair"
	"github.com/sujun1972/stock-analysis-sub000/internal/domain/versions"
	"github.com/sujun1972/stock-analysis-sub000/internal/storage"
	"github.com/sujun1972/stock-analysis-sub000/internal/storage/memory"
	"github.com/sujun1972/stock-analysis-sub000/internal/storage/postgres"
)

var (
	_ storage.Store = (*postgres.Repository)(nil)
	_ storage.Store = (*memory.Store)(nil)
)

// app holds the services wired for one command invocation.
type app struct {
	cfg    config.Config
	logger zerolog.Logger
	// pool is nil with --memory.
	pool     *pgxpool.Pool
	store    storage.Store
	fp       *fingerprint.Engine
	versions *versions.Service
	repairer *repair.Orchestrator
	engine   *diff.Engine
	verifier *integrity.Verifier

	closers []func()
}

// appMode selects the wiring of long-running and one-shot commands.
type appMode struct {
	// asyncAudit queues update and repair logs instead of writing them inline.
	asyncAudit bool
	// verifyRate applies the configured verification rate limit.
	verifyRate bool
}

// openApp is replaced in tests to share one in-process store across commands.
var openApp = func(ctx context.Context, mode appMode) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	logger := config.NewLogger(cfg.Logging)

	if memoryStore {
		logger.Warn().Msg("using in-process store; nothing is persisted")
		return newApp(cfg, logger, memory.NewStore(), mode)
	}

	if err := cfg.RequireDatabase(); err != nil {
		return nil, err
	}
	pool, err := postgres.NewPool(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	repo, err := postgres.NewRepository(pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	a, err := newApp(cfg, logger, repo, mode)
	if err != nil {
		pool.Close()
		return nil, err
	}
	a.pool = pool
	a.closers = append([]func(){pool.Close}, a.closers...)
	return a, nil
}

func newApp(cfg config.Config, logger zerolog.Logger, st storage.Store, mode appMode) (*app, error) {
	fp, err := fingerprint.NewEngine(cfg.Versioning.ChecksumMethod, logger)
	if err != nil {
		return nil, err
	}
	fp = fp.WithWorkers(cfg.Versioning.HashWorkers)

	methods, err := repair.ParseMethods(cfg.Repair.MissingMethod, cfg.Repair.OutlierMethod, cfg.Repair.IQRMultiplier)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, store: st, fp: fp}
	a.versions = versions.NewService(st, logger)

	repairOpts := []repair.Option{repair.WithMethods(methods)}
	diffOpts := []diff.Option{
		diff.WithEpsilon(cfg.Versioning.DiffEpsilon),
		diff.WithChunkType(cfg.Versioning.ChunkType),
	}
	if mode.asyncAudit {
		repairLogs := audit.NewAsyncRecorder[repair.LogEntry]("repair_logs", st.InsertRepairLog, 256, logger)
		updateLogs := audit.NewAsyncRecorder[diff.UpdateLog]("update_logs", st.InsertUpdateLog, 256, logger)
		repairLogs.Start()
		updateLogs.Start()
		a.closers = append(a.closers,
			func() { _ = updateLogs.Close() },
			func() { _ = repairLogs.Close() },
		)
		repairOpts = append(repairOpts, repair.WithRecorder(repairLogs))
		diffOpts = append(diffOpts, diff.WithRecorder(updateLogs))
	}

	a.repairer = repair.NewOrchestrator(fp, nil, st, logger, repairOpts...)
	diffOpts = append(diffOpts, diff.WithRepairer(a.repairer))
	a.engine = diff.NewEngine(fp, st, a.versions, st, logger, diffOpts...)

	verifyOpts := []integrity.Option{integrity.WithWorkers(cfg.Jobs.VerifyWorkers)}
	if mode.verifyRate {
		verifyOpts = append(verifyOpts, integrity.WithRateLimit(cfg.Jobs.VerifyRate))
	}
	a.verifier = integrity.NewVerifier(fp, a.versions, st, logger, verifyOpts...)
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func loadConfig() (config.Config, error) {
	if envFile != "" {
		config.LoadEnvFile(envFile)
	}
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}

	// Override logging from flags if provided
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}
	return cfg, nil
}
