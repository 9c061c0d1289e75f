// Package integrity re-hashes persisted rows against the checksums recorded
// by each dataset's active version.
package integrity

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sujun1972/stock-analysis-sub000/internal/domain/dataset"
	"github.com/sujun1972/stock-analysis-sub000/internal/domain/fingerprint"
	"github.com/sujun1972/stock-analysis-sub000/internal/domain/versions"
	"github.com/sujun1972/stock-analysis-sub000/internal/telemetry"
)

const tracerName = "github.com/sujun1972/stock-analysis-sub000/internal/domain/integrity"

// VersionReader is the read side of the version store used by the verifier.
type VersionReader interface {
	GetActiveVersion(ctx context.Context, datasetKey string) (*versions.Version, error)
	ListChunkChecksums(ctx context.Context, datasetKey, versionID string) ([]fingerprint.ChunkChecksum, error)
	ListDatasets(ctx context.Context) ([]string, error)
}

var _ VersionReader = (*versions.Service)(nil)

// Report is the outcome of verifying one dataset. Mismatches are values.
type Report struct {
	DatasetKey    string
	VersionID     string
	VersionNumber string
	KeyRange      dataset.KeyRange
	ExpectedRows  int
	ActualRows    int
	Checksum      fingerprint.Verification
	Chunks        fingerprint.ChunkVerification
	CheckedAt     time.Time
}

// OK reports whether the persisted rows reproduce the version exactly.
func (r Report) OK() bool {
	return r.Checksum.Matches && r.ExpectedRows == r.ActualRows && r.Chunks.OK()
}

// Mismatches lists every failed comparison.
func (r Report) Mismatches() []dataset.IntegrityMismatch {
	var out []dataset.IntegrityMismatch
	if m, ok := r.Checksum.Mismatch("version " + r.VersionNumber); ok {
		out = append(out, m)
	}
	if r.ExpectedRows != r.ActualRows {
		out = append(out, dataset.IntegrityMismatch{
			Scope:    "record_count",
			Expected: fmt.Sprint(r.ExpectedRows),
			Actual:   fmt.Sprint(r.ActualRows),
		})
	}
	out = append(out, r.Chunks.Mismatched...)
	for _, k := range r.Chunks.Missing {
		out = append(out, dataset.IntegrityMismatch{Scope: "chunk " + k, Detail: "no persisted rows"})
	}
	for _, k := range r.Chunks.Unexpected {
		out = append(out, dataset.IntegrityMismatch{Scope: "chunk " + k, Detail: "rows without stored checksum"})
	}
	return out
}

// Summary aggregates VerifyAll.
type Summary struct {
	Reports []Report
	// Skipped lists datasets without an active version.
	Skipped []string
	// Failed maps datasets whose verification could not run to the cause.
	Failed map[string]error
}

// Mismatched counts reports that are not OK.
func (s Summary) Mismatched() int {
	n := 0
	for _, r := range s.Reports {
		if !r.OK() {
			n++
		}
	}
	return n
}

type Verifier struct {
	fp      *fingerprint.Engine
	store   VersionReader
	loader  dataset.Loader
	logger  zerolog.Logger
	workers int
	limiter *rate.Limiter
	now     func() time.Time
}

type Option func(*Verifier)

// WithWorkers bounds the datasets VerifyAll checks concurrently.
func WithWorkers(n int) Option {
	return func(v *Verifier) {
		if n > 0 {
			v.workers = n
		}
	}
}

// WithRateLimit caps dataset loads per second. A non-positive limit disables it.
func WithRateLimit(perSecond float64) Option {
	return func(v *Verifier) {
		if perSecond > 0 {
			v.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

func NewVerifier(fp *fingerprint.Engine, store VersionReader, loader dataset.Loader, logger zerolog.Logger, opts ...Option) *Verifier {
	v := &Verifier{
		fp:      fp,
		store:   store,
		loader:  loader,
		logger:  logger.With().Str("component", "integrity").Logger(),
		workers: 4,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// VerifyActive loads the rows covered by the active version of datasetKey and
// compares them with the version checksum and its stored chunk checksums.
// It returns versions.ErrNotFound when the dataset has no active version.
func (v *Verifier) VerifyActive(ctx context.Context, datasetKey string) (Report, error) {
	ctx, span := telemetry.GetTracer(tracerName).Start(ctx, "integrity.VerifyActive")
	defer span.End()
	span.SetAttributes(attribute.String("dataset.key", datasetKey))

	active, err := v.store.GetActiveVersion(ctx, datasetKey)
	if err != nil {
		return Report{}, err
	}
	report := Report{
		DatasetKey:    datasetKey,
		VersionID:     active.ID,
		VersionNumber: active.Number,
		KeyRange:      active.KeyRange,
		ExpectedRows:  active.RecordCount,
		CheckedAt:     v.now().UTC(),
	}

	if v.limiter != nil {
		if err := v.limiter.Wait(ctx); err != nil {
			return Report{}, err
		}
	}
	snap := dataset.Empty()
	if !active.KeyRange.IsZero() {
		snap, err = v.loader.Load(ctx, datasetKey, active.KeyRange)
		if err != nil {
			return Report{}, dataset.NewStorageError(datasetKey, "load_rows", nil, err)
		}
	}
	report.ActualRows = snap.Len()

	columns := versionColumns(active, snap)
	report.Checksum, err = v.fp.Validate(snap, active.Checksum, columns...)
	if err != nil {
		return Report{}, err
	}

	stored, err := v.store.ListChunkChecksums(ctx, datasetKey, active.ID)
	if err != nil {
		return Report{}, err
	}
	report.Chunks, err = v.fp.VerifyChunks(ctx, snap, stored)
	if err != nil {
		return Report{}, err
	}

	span.SetAttributes(
		attribute.String("version.number", active.Number),
		attribute.Bool("integrity.ok", report.OK()),
	)
	event := v.logger.Info()
	if !report.OK() {
		event = v.logger.Warn().Int("mismatches", len(report.Mismatches()))
	}
	event.Str("dataset_key", datasetKey).
		Str("version", active.Number).
		Int("rows", report.ActualRows).
		Int("chunks_checked", report.Chunks.Checked).
		Bool("ok", report.OK()).
		Msg("integrity verified")
	return report, nil
}

// VerifyAll verifies keys concurrently, or every dataset with a version when
// keys is empty. Per-dataset failures are collected in the summary; only a
// failure to list datasets or a cancelled context is returned as an error.
func (v *Verifier) VerifyAll(ctx context.Context, keys ...string) (Summary, error) {
	if len(keys) == 0 {
		var err error
		keys, err = v.store.ListDatasets(ctx)
		if err != nil {
			return Summary{}, err
		}
	}

	var (
		mu      sync.Mutex
		summary = Summary{Failed: make(map[string]error)}
	)
	g := new(errgroup.Group)
	g.SetLimit(v.workers)
	for _, key := range keys {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			report, err := v.VerifyActive(ctx, key)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, versions.ErrNotFound):
				summary.Skipped = append(summary.Skipped, key)
			case err != nil:
				if ctx.Err() != nil {
					return ctx.Err()
				}
				summary.Failed[key] = err
			default:
				summary.Reports = append(summary.Reports, report)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return summary, err
	}

	sort.Slice(summary.Reports, func(i, j int) bool { return summary.Reports[i].DatasetKey < summary.Reports[j].DatasetKey })
	sort.Strings(summary.Skipped)
	v.logger.Info().
		Int("datasets", len(keys)).
		Int("mismatched", summary.Mismatched()).
		Int("skipped", len(summary.Skipped)).
		Int("failed", len(summary.Failed)).
		Msg("integrity sweep finished")
	return summary, nil
}

// versionColumns returns the columns recorded in the version metadata that
// are still present in snap, or nil (every column) when none were recorded.
func versionColumns(active *versions.Version, snap dataset.Snapshot) []string {
	var recorded []string
	switch cols := active.Metadata["columns"].(type) {
	case []string:
		recorded = cols
	case []any:
		for _, c := range cols {
			if s, ok := c.(string); ok {
				recorded = append(recorded, s)
			}
		}
	}
	if len(recorded) == 0 {
		return nil
	}
	out := make([]string, 0, len(recorded))
	for _, c := range recorded {
		if snap.HasColumn(c) {
			out = append(out, c)
		}
	}
	return out
}
