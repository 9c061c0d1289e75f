package integrity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/sujun1972/stock-analysis-sub000/internal/domain/dataset"
	"github.com/sujun1972/stock-analysis-sub000/internal/domain/diff"
	"github.com/sujun1972/stock-analysis-sub000/internal/domain/fingerprint"
	"github.com/sujun1972/stock-analysis-sub000/internal/domain/versions"
	"github.com/sujun1972/stock-analysis-sub000/internal/storage/memory"
)

func day(d int) time.Time {
	return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, d)
}

func bar(d int, close float64) dataset.Row {
	r := dataset.NewRow(day(d))
	r.Open, r.Close = close, close
	r.High, r.Low = close+0.5, close-0.5
	r.Volume, r.Amount = 1000, close*1000
	return r
}

func series(n int) []dataset.Row {
	rows := make([]dataset.Row, n)
	for i := range rows {
		rows[i] = bar(i, 10+float64(i%9))
	}
	return rows
}

type fixture struct {
	store    *memory.Store
	versions *versions.Service
	fp       *fingerprint.Engine
	engine   *diff.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fp, err := fingerprint.NewEngine("sha256", zerolog.Nop())
	require.NoError(t, err)
	mem := memory.NewStore()
	svc := versions.NewService(mem, zerolog.Nop())
	return &fixture{
		store:    mem,
		versions: svc,
		fp:       fp,
		engine:   diff.NewEngine(fp, mem, svc, mem, zerolog.Nop()),
	}
}

func (f *fixture) ingest(t *testing.T, key string, rows []dataset.Row) {
	t.Helper()
	_, err := f.engine.Apply(context.Background(), key, dataset.MustFromRows(rows), diff.ApplyOptions{Source: "test"})
	require.NoError(t, err)
}

func (f *fixture) verifier(loader dataset.Loader, opts ...Option) *Verifier {
	if loader == nil {
		loader = f.store
	}
	return NewVerifier(f.fp, f.versions, loader, zerolog.Nop(), opts...)
}

func TestVerifyActiveMatches(t *testing.T) {
	f := newFixture(t)
	f.ingest(t, "AAA", series(90))

	report, err := f.verifier(nil).VerifyActive(context.Background(), "AAA")
	require.NoError(t, err)
	require.True(t, report.OK())
	require.Empty(t, report.Mismatches())
	require.Equal(t, 90, report.ActualRows)
	require.Equal(t, 3, report.Chunks.Checked)
	require.Equal(t, "v", report.VersionNumber[:1])
}

func TestVerifyActiveReportsTamperedChunk(t *testing.T) {
	f := newFixture(t)
	f.ingest(t, "AAA", series(90))

	// Rewrite one February row behind the version's back.
	tampered := bar(40, 99)
	_, err := f.store.Upsert(context.Background(), "AAA", []dataset.Row{tampered})
	require.NoError(t, err)

	report, err := f.verifier(nil).VerifyActive(context.Background(), "AAA")
	require.NoError(t, err)
	require.False(t, report.OK())
	require.False(t, report.Checksum.Matches)
	require.Len(t, report.Chunks.Mismatched, 1)
	require.Contains(t, report.Chunks.Mismatched[0].Scope, "2025-02")

	mismatches := report.Mismatches()
	require.Len(t, mismatches, 2)
}

func TestVerifyActiveWithoutVersion(t *testing.T) {
	f := newFixture(t)
	_, err := f.verifier(nil).VerifyActive(context.Background(), "NONE")
	require.ErrorIs(t, err, versions.ErrNotFound)
}

func TestVerifyActiveIgnoresColumnsAddedLater(t *testing.T) {
	f := newFixture(t)
	f.ingest(t, "AAA", series(10))

	// A row gains an optional column the version never recorded.
	extra := bar(3, 13)
	extra.Extra = map[string]any{"adj_factor": 1.1}
	_, err := f.store.Upsert(context.Background(), "AAA", []dataset.Row{extra})
	require.NoError(t, err)

	report, err := f.verifier(nil).VerifyActive(context.Background(), "AAA")
	require.NoError(t, err)
	require.True(t, report.Checksum.Matches)
}

type failingLoader struct{}

func (failingLoader) Load(context.Context, string, dataset.KeyRange) (dataset.Snapshot, error) {
	return dataset.Snapshot{}, errors.New("connection reset")
}

func TestVerifyAll(t *testing.T) {
	f := newFixture(t)
	f.ingest(t, "AAA", series(30))
	f.ingest(t, "BBB", series(30))
	_, err := f.store.Upsert(context.Background(), "BBB", []dataset.Row{bar(5, 77)})
	require.NoError(t, err)

	summary, err := f.verifier(nil, WithWorkers(2), WithRateLimit(1000)).VerifyAll(context.Background())
	require.NoError(t, err)
	require.Len(t, summary.Reports, 2)
	require.Equal(t, "AAA", summary.Reports[0].DatasetKey)
	require.Equal(t, 1, summary.Mismatched())
	require.Empty(t, summary.Failed)

	summary, err = f.verifier(nil).VerifyAll(context.Background(), "AAA", "NONE")
	require.NoError(t, err)
	require.Len(t, summary.Reports, 1)
	require.Equal(t, []string{"NONE"}, summary.Skipped)

	summary, err = f.verifier(failingLoader{}).VerifyAll(context.Background())
	require.NoError(t, err)
	require.Len(t, summary.Failed, 2)
	var storageErr *dataset.StorageError
	require.ErrorAs(t, summary.Failed["AAA"], &storageErr)
	require.True(t, dataset.IsRetryable(summary.Failed["AAA"]))
}

func TestVerifyAllStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	f.ingest(t, "AAA", series(10))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.verifier(nil).VerifyAll(ctx, "AAA")
	require.ErrorIs(t, err, context.Canceled)
}

func TestVersionColumns(t *testing.T) {
	snap := dataset.MustFromRows([]dataset.Row{bar(0, 10)})
	v := &versions.Version{Metadata: map[string]any{"columns": []any{"close", "adj_factor", "open"}}}
	require.Equal(t, []string{"close", "open"}, versionColumns(v, snap))

	require.Nil(t, versionColumns(&versions.Version{}, snap))
}
