package jobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/riverqueue/river"
	"github.com/rs/zerolog"

	"github.com/sujun1972/stock-analysis-sub000/internal/domain/dataset"
	"github.com/sujun1972/stock-analysis-sub000/internal/domain/diff"
	"github.com/sujun1972/stock-analysis-sub000/internal/domain/integrity"
	"github.com/sujun1972/stock-analysis-sub000/internal/domain/versions"
)

// IngestFileArgs defines the job that ingests one CSV snapshot of a dataset.
type IngestFileArgs struct {
	DatasetKey string `json:"dataset_key"`
	Path       string `json:"path"`
	Source     string `json:"source"`
	UpdateType string `json:"update_type,omitempty"`
	Repair     bool   `json:"repair,omitempty"`
}

func (IngestFileArgs) Kind() string { return JobKindIngestFile }

// Applier runs one ingest cycle.
type Applier interface {
	Apply(ctx context.Context, datasetKey string, remote dataset.Snapshot, opts diff.ApplyOptions) (diff.Result, error)
}

// SnapshotReader loads the snapshot stored at path.
type SnapshotReader func(path string) (dataset.Snapshot, error)

// IngestFileWorker reads a snapshot file and applies it. Malformed files and
// validation failures cancel the job; storage failures are retried.
type IngestFileWorker struct {
	river.WorkerDefaults[IngestFileArgs]
	Engine Applier
	Read   SnapshotReader
	Logger zerolog.Logger
}

func (IngestFileWorker) Kind() string { return JobKindIngestFile }

func (IngestFileWorker) Timeout(*river.Job[IngestFileArgs]) time.Duration { return 15 * time.Minute }

func (w IngestFileWorker) Work(ctx context.Context, job *river.Job[IngestFileArgs]) error {
	if w.Engine == nil || w.Read == nil {
		return fmt.Errorf("ingest worker not configured")
	}
	args := job.Args
	if args.DatasetKey == "" || args.Path == "" {
		return river.JobCancel(fmt.Errorf("ingest job %d: dataset_key and path are required", job.ID))
	}
	logger := w.Logger.With().
		Str("dataset_key", args.DatasetKey).
		Str("path", args.Path).
		Int("attempt", job.Attempt).
		Logger()

	snap, err := w.Read(args.Path)
	if err != nil {
		if errors.Is(err, dataset.ErrInvalidDataFormat) || errors.Is(err, os.ErrPermission) {
			return river.JobCancel(err)
		}
		// The file may not have landed yet.
		return fmt.Errorf("read snapshot: %w", err)
	}

	res, err := w.Engine.Apply(ctx, args.DatasetKey, snap, diff.ApplyOptions{
		Source:     args.Source,
		UpdateType: args.UpdateType,
		Repair:     args.Repair,
	})
	if err != nil {
		if dataset.IsValidation(err) {
			return river.JobCancel(err)
		}
		return err
	}

	event := logger.Info().
		Str("status", string(res.Status)).
		Str("run_id", res.RunID).
		Int("new", res.NewCount).
		Int("updated", res.UpdatedCount)
	if res.Version != nil {
		event = event.Str("version", res.Version.Number)
	}
	event.Msg("ingest job finished")
	return nil
}

// VersionRetentionArgs defines the job that prunes old versions. An empty
// DatasetKey covers every dataset; a zero KeepRecent uses the worker default.
type VersionRetentionArgs struct {
	DatasetKey string `json:"dataset_key,omitempty"`
	KeepRecent int    `json:"keep_recent,omitempty"`
	DryRun     bool   `json:"dry_run,omitempty"`
}

func (VersionRetentionArgs) Kind() string { return JobKindVersionRetention }

// Cleaner prunes old versions.
type Cleaner interface {
	CleanupOldVersions(ctx context.Context, datasetKey string, keepRecent int, dryRun bool) (versions.CleanupResult, error)
}

// VersionRetentionWorker deletes all but the newest versions of each dataset,
// never the active one.
type VersionRetentionWorker struct {
	river.WorkerDefaults[VersionRetentionArgs]
	Versions   Cleaner
	KeepRecent int
	Logger     zerolog.Logger
}

func (VersionRetentionWorker) Kind() string { return JobKindVersionRetention }

func (w VersionRetentionWorker) Work(ctx context.Context, job *river.Job[VersionRetentionArgs]) error {
	if w.Versions == nil {
		return fmt.Errorf("retention worker not configured")
	}
	keep := job.Args.KeepRecent
	if keep <= 0 {
		keep = w.KeepRecent
	}

	start := time.Now()
	res, err := w.Versions.CleanupOldVersions(ctx, job.Args.DatasetKey, keep, job.Args.DryRun)
	if err != nil {
		if dataset.IsValidation(err) {
			return river.JobCancel(err)
		}
		return fmt.Errorf("cleanup old versions: %w", err)
	}

	w.Logger.Info().
		Str("dataset_key", job.Args.DatasetKey).
		Int("keep_recent", keep).
		Bool("dry_run", res.DryRun).
		Int("datasets", len(res.Datasets)).
		Int("deleted", res.Deleted).
		Int("kept", res.Kept).
		Dur("duration", time.Since(start)).
		Msg("version retention finished")
	return nil
}

// IntegrityVerifyArgs defines the job that re-hashes active versions. An empty
// list covers every dataset.
type IntegrityVerifyArgs struct {
	DatasetKeys []string `json:"dataset_keys,omitempty"`
}

func (IntegrityVerifyArgs) Kind() string { return JobKindIntegrityVerify }

// Sweeper verifies datasets.
type Sweeper interface {
	VerifyAll(ctx context.Context, keys ...string) (integrity.Summary, error)
}

// IntegrityVerifyWorker reports mismatches through the logger and OnMismatch.
// A mismatch is not a job failure; datasets that could not be verified are,
// so the sweep is retried.
type IntegrityVerifyWorker struct {
	river.WorkerDefaults[IntegrityVerifyArgs]
	Verifier   Sweeper
	OnMismatch func(ctx context.Context, report integrity.Report)
	Logger     zerolog.Logger
}

func (IntegrityVerifyWorker) Kind() string { return JobKindIntegrityVerify }

func (w IntegrityVerifyWorker) Work(ctx context.Context, job *river.Job[IntegrityVerifyArgs]) error {
	if w.Verifier == nil {
		return fmt.Errorf("verify worker not configured")
	}
	summary, err := w.Verifier.VerifyAll(ctx, job.Args.DatasetKeys...)
	if err != nil {
		return fmt.Errorf("verify datasets: %w", err)
	}

	for _, report := range summary.Reports {
		if report.OK() {
			continue
		}
		for _, m := range report.Mismatches() {
			w.Logger.Warn().
				Str("dataset_key", report.DatasetKey).
				Str("version", report.VersionNumber).
				Str("scope", m.Scope).
				Str("expected", m.Expected).
				Str("actual", m.Actual).
				Str("detail", m.Detail).
				Msg("integrity mismatch")
		}
		if w.OnMismatch != nil {
			w.OnMismatch(ctx, report)
		}
	}

	if len(summary.Failed) > 0 {
		keys := make([]string, 0, len(summary.Failed))
		for k := range summary.Failed {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		errs := make([]error, 0, len(keys))
		for _, k := range keys {
			errs = append(errs, fmt.Errorf("%s: %w", k, summary.Failed[k]))
		}
		return fmt.Errorf("verify %d datasets failed: %w", len(keys), errors.Join(errs...))
	}
	return nil
}

// Dependencies are the services the workers need.
type Dependencies struct {
	Engine     Applier
	Read       SnapshotReader
	Versions   Cleaner
	Verifier   Sweeper
	KeepRecent int
	OnMismatch func(ctx context.Context, report integrity.Report)
	Logger     zerolog.Logger
}

// NewWorkers registers every worker.
func NewWorkers(deps Dependencies) (*river.Workers, error) {
	logger := deps.Logger.With().Str("component", "jobs").Logger()
	workers := river.NewWorkers()
	if err := river.AddWorkerSafely(workers, IngestFileWorker{Engine: deps.Engine, Read: deps.Read, Logger: logger}); err != nil {
		return nil, fmt.Errorf("register %s: %w", JobKindIngestFile, err)
	}
	if err := river.AddWorkerSafely(workers, VersionRetentionWorker{Versions: deps.Versions, KeepRecent: deps.KeepRecent, Logger: logger}); err != nil {
		return nil, fmt.Errorf("register %s: %w", JobKindVersionRetention, err)
	}
	if err := river.AddWorkerSafely(workers, IntegrityVerifyWorker{Verifier: deps.Verifier, OnMismatch: deps.OnMismatch, Logger: logger}); err != nil {
		return nil, fmt.Errorf("register %s: %w", JobKindIntegrityVerify, err)
	}
	return workers, nil
}
