package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/riverqueue/river/rivertype"

	"github.com/sujun1972/stock-analysis-sub000/internal/config"
)

const (
	JobKindIngestFile       = "ingest_file"
	JobKindVersionRetention = "version_retention"
	JobKindIntegrityVerify  = "integrity_verify"
)

// QueueMaintenance holds retention and verification jobs and works one at a time.
const QueueMaintenance = "maintenance"

const (
	IngestMaxAttempts    = 5
	RetentionMaxAttempts = 3
	VerifyMaxAttempts    = 3
)

// RetryConfig controls per-kind retry behavior.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// RetryPolicy implements River's ClientRetryPolicy with per-kind exponential backoff.
type RetryPolicy struct {
	Default RetryConfig
	ByKind  map[string]RetryConfig
}

// NewRetryPolicy returns the default retry policy configuration.
func NewRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		Default: RetryConfig{
			MaxAttempts: IngestMaxAttempts,
			BaseDelay:   30 * time.Second,
			MaxDelay:    30 * time.Minute,
		},
		ByKind: map[string]RetryConfig{
			JobKindIngestFile: {
				MaxAttempts: IngestMaxAttempts,
				BaseDelay:   30 * time.Second,
				MaxDelay:    15 * time.Minute,
			},
			JobKindVersionRetention: {
				MaxAttempts: RetentionMaxAttempts,
				BaseDelay:   5 * time.Minute,
				MaxDelay:    1 * time.Hour,
			},
			JobKindIntegrityVerify: {
				MaxAttempts: VerifyMaxAttempts,
				BaseDelay:   2 * time.Minute,
				MaxDelay:    30 * time.Minute,
			},
		},
	}
}

// RetryPolicyFromConfig overrides the per-kind attempt counts with cfg.
func RetryPolicyFromConfig(cfg config.JobsConfig) *RetryPolicy {
	policy := NewRetryPolicy()
	overrides := map[string]int{
		JobKindIngestFile:       cfg.RetryIngest,
		JobKindVersionRetention: cfg.RetryRetention,
		JobKindIntegrityVerify:  cfg.RetryVerify,
	}
	for kind, attempts := range overrides {
		if attempts <= 0 {
			continue
		}
		c := policy.ByKind[kind]
		c.MaxAttempts = attempts
		policy.ByKind[kind] = c
	}
	return policy
}

// NextRetry determines the next retry time for a failed job.
func (p *RetryPolicy) NextRetry(job *rivertype.JobRow) time.Time {
	config := p.configFor(job.Kind)
	if config.BaseDelay == 0 {
		return time.Now()
	}

	attempt := job.Attempt
	if attempt < 1 {
		attempt = 1
	}

	delay := time.Duration(float64(config.BaseDelay) * math.Pow(2, float64(attempt-1)))
	if config.MaxDelay > 0 && delay > config.MaxDelay {
		delay = config.MaxDelay
	}

	if job.AttemptedAt != nil {
		return job.AttemptedAt.Add(delay)
	}

	return time.Now().Add(delay)
}

// InsertOpts returns the insert options for a job kind.
func (p *RetryPolicy) InsertOpts(kind string) river.InsertOpts {
	opts := river.InsertOpts{MaxAttempts: p.configFor(kind).MaxAttempts}
	if kind == JobKindVersionRetention || kind == JobKindIntegrityVerify {
		opts.Queue = QueueMaintenance
	}
	return opts
}

// InsertOptsForKind returns default insert options for a job kind.
func InsertOptsForKind(kind string) river.InsertOpts {
	return NewRetryPolicy().InsertOpts(kind)
}

// NewClientConfig builds a River client configuration with retry policy.
func NewClientConfig(cfg config.JobsConfig, workers *river.Workers, logger *slog.Logger, hooks []rivertype.Hook, periodicJobs []*river.PeriodicJob, notify AlertFunc) *river.Config {
	policy := RetryPolicyFromConfig(cfg)
	maxWorkers := cfg.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = 4
	}
	config := &river.Config{
		Workers:      workers,
		RetryPolicy:  policy,
		MaxAttempts:  policy.Default.MaxAttempts,
		PeriodicJobs: periodicJobs,
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: maxWorkers},
			QueueMaintenance:   {MaxWorkers: 1},
		},
		Hooks: hooks,
	}
	if logger != nil {
		config.Logger = logger
		config.ErrorHandler = NewAlertingErrorHandler(logger, notify)
	}
	return config
}

// NewClient creates a River client using pgx v5.
func NewClient(pool *pgxpool.Pool, cfg config.JobsConfig, workers *river.Workers, logger *slog.Logger, hooks []rivertype.Hook, periodicJobs []*river.PeriodicJob, notify AlertFunc) (*river.Client[pgx.Tx], error) {
	return river.NewClient(riverpgxv5.New(pool), NewClientConfig(cfg, workers, logger, hooks, periodicJobs, notify))
}

// NewInsertOnlyClient creates a client that can enqueue jobs but works none.
func NewInsertOnlyClient(pool *pgxpool.Pool) (*river.Client[pgx.Tx], error) {
	return river.NewClient(riverpgxv5.New(pool), &river.Config{})
}

// MigrateRiver applies River's own schema migrations.
func MigrateRiver(ctx context.Context, pool *pgxpool.Pool) error {
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return fmt.Errorf("init river migrator: %w", err)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, &rivermigrate.MigrateOpts{}); err != nil {
		return fmt.Errorf("migrate river: %w", err)
	}
	return nil
}

// NewPeriodicJobs creates the maintenance schedule. A non-positive interval
// disables the corresponding job.
func NewPeriodicJobs(cfg config.JobsConfig, keepRecent int) []*river.PeriodicJob {
	policy := RetryPolicyFromConfig(cfg)
	var jobs []*river.PeriodicJob
	if cfg.RetentionInterval > 0 {
		jobs = append(jobs, river.NewPeriodicJob(
			river.PeriodicInterval(cfg.RetentionInterval),
			func() (river.JobArgs, *river.InsertOpts) {
				opts := policy.InsertOpts(JobKindVersionRetention)
				return VersionRetentionArgs{KeepRecent: keepRecent}, &opts
			},
			&river.PeriodicJobOpts{RunOnStart: false},
		))
	}
	if cfg.VerifyInterval > 0 {
		jobs = append(jobs, river.NewPeriodicJob(
			river.PeriodicInterval(cfg.VerifyInterval),
			func() (river.JobArgs, *river.InsertOpts) {
				opts := policy.InsertOpts(JobKindIntegrityVerify)
				return IntegrityVerifyArgs{}, &opts
			},
			&river.PeriodicJobOpts{RunOnStart: true},
		))
	}
	return jobs
}

// ScheduleInterval maps a catalogue schedule to its period. Manual and
// unknown schedules return zero.
func ScheduleInterval(schedule string) time.Duration {
	switch schedule {
	case "hourly":
		return time.Hour
	case "daily":
		return 24 * time.Hour
	default:
		return 0
	}
}

// NewIngestPeriodicJobs schedules an ingest_file job for every enabled
// catalogue entry with a periodic schedule.
func NewIngestPeriodicJobs(cfg config.JobsConfig, datasets []config.DatasetConfig) []*river.PeriodicJob {
	policy := RetryPolicyFromConfig(cfg)
	var jobs []*river.PeriodicJob
	for _, ds := range datasets {
		interval := ScheduleInterval(ds.Schedule)
		if !ds.Enabled || interval == 0 {
			continue
		}
		args := IngestFileArgs{
			DatasetKey: ds.Key,
			Path:       ds.File,
			Source:     ds.Source,
			UpdateType: ds.UpdateType,
			Repair:     ds.Repair,
		}
		jobs = append(jobs, river.NewPeriodicJob(
			river.PeriodicInterval(interval),
			func() (river.JobArgs, *river.InsertOpts) {
				opts := policy.InsertOpts(JobKindIngestFile)
				return args, &opts
			},
			&river.PeriodicJobOpts{RunOnStart: true},
		))
	}
	return jobs
}

func (p *RetryPolicy) configFor(kind string) RetryConfig {
	if p == nil {
		return RetryConfig{MaxAttempts: IngestMaxAttempts, BaseDelay: 1 * time.Minute, MaxDelay: 1 * time.Hour}
	}
	if config, ok := p.ByKind[kind]; ok {
		return config
	}
	return p.Default
}
