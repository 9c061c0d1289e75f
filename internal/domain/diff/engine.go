// Package diff classifies a freshly fetched snapshot against the persisted
// dataset and commits the changes as a new version.
//
// One cycle moves through DETECT, FULL or INCREMENTAL, APPLY, COMMIT and LOG,
// and ends as success, no_changes or failed. Every cycle writes exactly one
// update log entry. Retrying a failed cycle is the caller's decision.
package diff

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/sujun1972/stock-analysis-sub000/internal/audit"
	"github.com/sujun1972/stock-analysis-sub000/internal/domain/dataset"
	"github.com/sujun1972/stock-analysis-sub000/internal/domain/fingerprint"
	"github.com/sujun1972/stock-analysis-sub000/internal/domain/ids"
	"github.com/sujun1972/stock-analysis-sub000/internal/domain/versions"
	"github.com/sujun1972/stock-analysis-sub000/internal/metrics"
	"github.com/sujun1972/stock-analysis-sub000/internal/telemetry"
)

const tracerName = "github.com/sujun1972/stock-analysis-sub000/internal/domain/diff"

// Engine runs ingest cycles. It keeps no per-dataset state; callers
// serialize cycles for the same dataset key.
type Engine struct {
	fp       *fingerprint.Engine
	loader   dataset.Loader
	store    VersionStore
	logs     UpdateLogRepository
	recorder audit.Recorder[UpdateLog]
	repairer Repairer
	logger   zerolog.Logger

	epsilon   float64
	chunkType string
	now       func() time.Time
}

// Option customises an Engine.
type Option func(*Engine)

// WithEpsilon sets the float tolerance used to tell modified from unchanged rows.
func WithEpsilon(eps float64) Option {
	return func(e *Engine) {
		if eps >= 0 {
			e.epsilon = eps
		}
	}
}

// WithChunkType sets the calendar bucket of persisted chunk checksums.
func WithChunkType(chunkType string) Option {
	return func(e *Engine) { e.chunkType = chunkType }
}

// WithRecorder replaces the update log recorder. By default entries are
// written synchronously to the UpdateLogRepository.
func WithRecorder(r audit.Recorder[UpdateLog]) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithRepairer enables ApplyOptions.Repair.
func WithRepairer(r Repairer) Option {
	return func(e *Engine) { e.repairer = r }
}

// WithClock replaces the clock used for log timestamps and durations.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine wires a diff engine to its collaborators. Changed rows are
// written through store in the transaction that commits their version.
func NewEngine(fp *fingerprint.Engine, loader dataset.Loader, store VersionStore, logs UpdateLogRepository, logger zerolog.Logger, opts ...Option) *Engine {
	e := &Engine{
		fp:        fp,
		loader:    loader,
		store:     store,
		logs:      logs,
		logger:    logger.With().Str("component", "diff").Logger(),
		epsilon:   DefaultEpsilon,
		chunkType: string(fingerprint.DefaultChunkType),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.recorder == nil {
		sink := audit.LogSink[UpdateLog](e.logger)
		if logs != nil {
			sink = logs.InsertUpdateLog
		}
		e.recorder = audit.NewSyncRecorder[UpdateLog]("update_logs", sink, logger)
	}
	return e
}

// Detect classifies remote against the rows persisted under the active
// version's key range. With no active version, or no persisted rows in that
// range, every remote key is added. Repeated remote keys count once.
func (e *Engine) Detect(ctx context.Context, datasetKey string, remote dataset.Snapshot) (Classification, error) {
	cls := Classification{DatasetKey: datasetKey, Mode: ModeFull}

	active, err := e.store.GetActiveVersion(ctx, datasetKey)
	switch {
	case errors.Is(err, versions.ErrNotFound):
		cls.Added = uniqueKeys(remote)
		return cls, nil
	case err != nil:
		return Classification{}, dataset.NewStorageError(datasetKey, "detect_active_version", nil, err)
	}
	cls.Active = active

	local, err := e.loader.Load(ctx, datasetKey, active.KeyRange)
	if err != nil {
		return Classification{}, dataset.NewStorageError(datasetKey, "detect_load_local", nil, err)
	}
	if local.IsEmpty() {
		cls.Added = uniqueKeys(remote)
		return cls, nil
	}

	cls.Mode = ModeIncremental
	columns := sharedColumns(remote, local)
	localIndex := local.Index()
	seen := make(map[string]struct{}, remote.Len())
	remote.Each(func(_ int, r dataset.Row) bool {
		key := dataset.KeyString(r.Key)
		if _, dup := seen[key]; dup {
			return true
		}
		seen[key] = struct{}{}

		prev, ok := localIndex[key]
		switch {
		case !ok:
			cls.Added = append(cls.Added, r.Key)
		case rowsEqual(r, prev, columns, e.epsilon):
			cls.Unchanged = append(cls.Unchanged, r.Key)
		default:
			cls.Modified = append(cls.Modified, r.Key)
		}
		return true
	})
	local.Each(func(_ int, r dataset.Row) bool {
		key := dataset.KeyString(r.Key)
		if _, ok := seen[key]; ok {
			return true
		}
		seen[key] = struct{}{}
		cls.Deleted = append(cls.Deleted, r.Key)
		return true
	})
	return cls, nil
}

func uniqueKeys(snap dataset.Snapshot) []time.Time {
	out := make([]time.Time, 0, snap.Len())
	snap.Each(func(_ int, r dataset.Row) bool {
		if n := len(out); n == 0 || !out[n-1].Equal(r.Key) {
			out = append(out, r.Key)
		}
		return true
	})
	return out
}

// Apply runs one ingest cycle for remote.
//
// Only added and modified rows are upserted, in the same transaction that
// commits the new version, so a failed cycle leaves no rows behind. The
// checksum covers the entire remote snapshot. The new version's parent is the
// prior active version. Chunk checksums follow the commit; their failure is
// logged but not fatal. When nothing was added or modified the write path is
// skipped and a no_changes entry is still logged. Any other persistence
// failure aborts the cycle, is logged as failed and returned as a
// StorageError.
func (e *Engine) Apply(ctx context.Context, datasetKey string, remote dataset.Snapshot, opts ApplyOptions) (Result, error) {
	ctx, span := telemetry.GetTracer(tracerName).Start(ctx, "diff.Apply")
	defer span.End()

	start := e.now()
	if opts.UpdateType == "" {
		opts.UpdateType = DefaultUpdateType
	}
	runID := ids.NewRunID()
	span.SetAttributes(
		attribute.String("dataset.key", datasetKey),
		attribute.String("run.id", runID),
		attribute.Int("remote.rows", remote.Len()),
	)
	res := Result{RunID: runID, DatasetKey: datasetKey}
	logger := e.logger.With().Str("dataset_key", datasetKey).Str("run_id", runID).Logger()

	entry := UpdateLog{
		RunID:      runID,
		DatasetKey: datasetKey,
		UpdateType: opts.UpdateType,
		Source:     opts.Source,
		CreatedAt:  start.UTC(),
	}
	fail := func(err error) (Result, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		res.Status = StatusFailed
		res.Duration = e.now().Sub(start)
		entry.Status = StatusFailed
		entry.ErrorMessage = err.Error()
		e.finish(ctx, &entry, res)
		logger.Error().Err(err).Msg("update failed")
		return res, err
	}

	if opts.Repair && e.repairer != nil {
		repaired, err := e.repairer.PreCommit(ctx, datasetKey, remote)
		if err != nil {
			return fail(err)
		}
		remote = repaired
		res.Repaired = true
	}

	cls, err := e.Detect(ctx, datasetKey, remote)
	if err != nil {
		return fail(err)
	}
	res.Mode = cls.Mode
	res.IsFullUpdate = cls.IsFull()
	res.NewCount = len(cls.Added)
	res.UpdatedCount = len(cls.Modified)
	res.UnchangedCount = len(cls.Unchanged)
	res.DeletedCount = len(cls.Deleted)
	entry.IsFullUpdate = res.IsFullUpdate
	entry.NewCount, entry.UpdatedCount = res.NewCount, res.UpdatedCount
	entry.UnchangedCount, entry.DeletedCount = res.UnchangedCount, res.DeletedCount

	checksum, err := e.fp.Checksum(remote)
	if err != nil {
		return fail(err)
	}
	res.Checksum = checksum

	if !cls.HasChanges() {
		res.Status = StatusNoChanges
		res.Duration = e.now().Sub(start)
		entry.Status = StatusNoChanges
		e.finish(ctx, &entry, res)
		logger.Info().Int("unchanged", res.UnchangedCount).Int("deleted", res.DeletedCount).Msg("no changes")
		return res, nil
	}

	params := versions.CreateParams{
		DatasetKey:  datasetKey,
		KeyRange:    remote.KeyRange(),
		Source:      opts.Source,
		Checksum:    checksum,
		RecordCount: remote.Len(),
		Metadata: map[string]any{
			"run_id":         runID,
			"update_type":    opts.UpdateType,
			"is_full_update": res.IsFullUpdate,
			"new_count":      res.NewCount,
			"updated_count":  res.UpdatedCount,
			"deleted_count":  res.DeletedCount,
			"repaired":       res.Repaired,
			"columns":        remote.Columns(),
		},
	}
	if cls.Active != nil {
		params.ParentID = cls.Active.ID
	}
	version, written, err := e.store.CommitVersion(ctx, params, changedRows(remote, cls))
	if err != nil {
		return fail(err)
	}
	res.Version = version
	res.Written = written
	entry.VersionNumber = version.Number

	chunks, err := e.fp.ChunkedChecksum(ctx, version.ID, remote, e.chunkType)
	if err == nil {
		err = e.store.SaveChunkChecksums(ctx, datasetKey, chunks)
	}
	if err != nil {
		metrics.ChunkPersistFailures.Inc()
		logger.Warn().Err(err).Str("version", version.Number).Msg("chunk checksums not persisted")
	} else {
		res.Chunks = len(chunks)
	}

	res.Status = StatusSuccess
	res.Duration = e.now().Sub(start)
	entry.Status = StatusSuccess
	e.finish(ctx, &entry, res)
	metrics.VersionsCreated.WithLabelValues(opts.UpdateType).Inc()

	logger.Info().
		Str("version", version.Number).
		Bool("full", res.IsFullUpdate).
		Int("new", res.NewCount).
		Int("updated", res.UpdatedCount).
		Int("unchanged", res.UnchangedCount).
		Int("deleted", res.DeletedCount).
		Dur("duration", res.Duration).
		Msg("update committed")
	return res, nil
}

// changedRows returns the first remote row of every added or modified key.
func changedRows(remote dataset.Snapshot, cls Classification) []dataset.Row {
	want := make(map[string]struct{}, len(cls.Added)+len(cls.Modified))
	for _, k := range cls.Added {
		want[dataset.KeyString(k)] = struct{}{}
	}
	for _, k := range cls.Modified {
		want[dataset.KeyString(k)] = struct{}{}
	}
	rows := make([]dataset.Row, 0, len(want))
	remote.Each(func(_ int, r dataset.Row) bool {
		key := dataset.KeyString(r.Key)
		if _, ok := want[key]; ok {
			rows = append(rows, r.Clone())
			delete(want, key)
		}
		return true
	})
	return rows
}

func (e *Engine) finish(ctx context.Context, entry *UpdateLog, res Result) {
	entry.Duration = res.Duration
	entry.CompletedAt = entry.CreatedAt.Add(res.Duration)
	e.recorder.Record(ctx, *entry)

	metrics.UpdatesTotal.WithLabelValues(entry.UpdateType, string(entry.Status)).Inc()
	metrics.UpdateDuration.WithLabelValues(entry.UpdateType).Observe(res.Duration.Seconds())
	metrics.UpdateRows.WithLabelValues("added").Add(float64(res.NewCount))
	metrics.UpdateRows.WithLabelValues("modified").Add(float64(res.UpdatedCount))
	metrics.UpdateRows.WithLabelValues("unchanged").Add(float64(res.UnchangedCount))
	metrics.UpdateRows.WithLabelValues("deleted").Add(float64(res.DeletedCount))
}

// UpdateHistory returns update log entries newest first. An empty dataset key
// lists every dataset.
func (e *Engine) UpdateHistory(ctx context.Context, datasetKey string, limit int) ([]UpdateLog, error) {
	if e.logs == nil {
		return nil, nil
	}
	list, err := e.logs.ListUpdateLogs(ctx, datasetKey, limit)
	if err != nil {
		return nil, dataset.NewStorageError(datasetKey, "update_history", nil, err)
	}
	return list, nil
}
