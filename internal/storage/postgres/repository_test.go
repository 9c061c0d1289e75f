package postgres

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/sujun1972/stock-analysis-sub000/internal/domain/dataset"
	"github.com/sujun1972/stock-analysis-sub000/internal/domain/diff"
	"github.com/sujun1972/stock-analysis-sub000/internal/domain/fingerprint"
	"github.com/sujun1972/stock-analysis-sub000/internal/domain/ids"
	"github.com/sujun1972/stock-analysis-sub000/internal/domain/repair"
	"github.com/sujun1972/stock-analysis-sub000/internal/domain/versions"
)

const testKey = "600519.SH"

func day(d int) time.Time {
	return time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC).AddDate(0, 0, d)
}

func bar(d int, close float64) dataset.Row {
	r := dataset.NewRow(day(d))
	r.Open, r.Close = close, close
	r.High, r.Low = close+1, close-1
	r.Volume, r.Amount = 2500, close*2500
	return r
}

func steppingClock() func() time.Time {
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		now = now.Add(time.Minute)
		return now
	}
}

func insertParams(number string) versions.InsertParams {
	return versions.InsertParams{
		ID:          ids.NewVersionID(),
		DatasetKey:  testKey,
		Number:      number,
		KeyRange:    dataset.KeyRange{Start: day(0), End: day(9)},
		Source:      "test",
		RecordCount: 10,
		Checksum:    "abcd",
		Metadata:    map[string]any{"note": "seed"},
		CreatedAt:   time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
	}
}

func TestVersionServiceOnPostgres(t *testing.T) {
	repo, _ := setupPostgres(t)
	ctx := context.Background()
	svc := versions.NewService(repo, zerolog.Nop(), versions.WithClock(steppingClock()))

	var created []*versions.Version
	parent := ""
	for i := 0; i < 3; i++ {
		v, err := svc.CreateVersion(ctx, versions.CreateParams{
			DatasetKey:  testKey,
			KeyRange:    dataset.KeyRange{Start: day(0), End: day(i)},
			Source:      "tushare",
			Checksum:    "0123abcd",
			RecordCount: i + 1,
			ParentID:    parent,
			Metadata:    map[string]any{"run": float64(i)},
		})
		require.NoError(t, err)
		created = append(created, v)
		parent = v.ID
	}
	require.Equal(t, "v20260314_001", created[0].Number)
	require.Equal(t, "v20260314_003", created[2].Number)

	active, err := svc.GetActiveVersion(ctx, testKey)
	require.NoError(t, err)
	require.Equal(t, created[2].ID, active.ID)
	require.Equal(t, created[1].ID, active.ParentID)
	require.True(t, active.KeyRange.Equal(dataset.KeyRange{Start: day(0), End: day(2)}))
	require.Equal(t, map[string]any{"run": float64(2)}, active.Metadata)

	history, err := svc.GetVersionHistory(ctx, testKey, 0)
	require.NoError(t, err)
	require.Len(t, history, 3)
	require.Equal(t, created[2].Number, history[0].Number)

	_, err = svc.SetActiveVersion(ctx, testKey, created[0].Number)
	require.NoError(t, err)
	active, err = svc.GetActiveVersion(ctx, testKey)
	require.NoError(t, err)
	require.Equal(t, created[0].ID, active.ID)

	chain, err := svc.GetVersionChain(ctx, testKey, created[2].Number)
	require.NoError(t, err)
	require.Len(t, chain, 3)
	require.Equal(t, created[0].ID, chain[2].ID)

	res, err := svc.CleanupOldVersions(ctx, testKey, 1, false)
	require.NoError(t, err)
	require.Equal(t, 1, res.Deleted)

	count, err := repo.Count(ctx, testKey)
	require.NoError(t, err)
	require.Equal(t, 2, count)

	// created[1] was removed; its child lost the parent link.
	newest, err := repo.GetByID(ctx, created[2].ID)
	require.NoError(t, err)
	require.Empty(t, newest.ParentID)
}

func TestInsertConflicts(t *testing.T) {
	repo, _ := setupPostgres(t)
	ctx := context.Background()

	_, err := repo.Insert(ctx, insertParams("v20260314_001"))
	require.NoError(t, err)

	dup := insertParams("v20260314_001")
	require.NoError(t, repo.DeactivateAll(ctx, testKey))
	_, err = repo.Insert(ctx, dup)
	require.ErrorIs(t, err, versions.ErrVersionConflict)

	// A second active version for the same dataset violates the partial index.
	_, err = repo.Insert(ctx, insertParams("v20260314_002"))
	require.NoError(t, err)
	_, err = repo.Insert(ctx, insertParams("v20260314_003"))
	require.ErrorIs(t, err, versions.ErrVersionConflict)

	exists, err := repo.NumberExists(ctx, testKey, "v20260314_002")
	require.NoError(t, err)
	require.True(t, exists)

	maxSeq, err := repo.MaxSequence(ctx, testKey, "v20260314")
	require.NoError(t, err)
	require.Equal(t, 2, maxSeq)

	maxSeq, err = repo.MaxSequence(ctx, testKey, "v20260315")
	require.NoError(t, err)
	require.Zero(t, maxSeq)
}

func TestLookupsReturnNotFound(t *testing.T) {
	repo, _ := setupPostgres(t)
	ctx := context.Background()

	_, err := repo.GetActive(ctx, testKey)
	require.ErrorIs(t, err, versions.ErrNotFound)
	_, err = repo.GetByNumber(ctx, testKey, "v20260314_001")
	require.ErrorIs(t, err, versions.ErrNotFound)
	_, err = repo.GetByID(ctx, "not-a-uuid")
	require.ErrorIs(t, err, versions.ErrNotFound)
	require.ErrorIs(t, repo.Activate(ctx, testKey, "v20260314_001"), versions.ErrNotFound)
}

func TestWithTxRollsBack(t *testing.T) {
	repo, _ := setupPostgres(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := repo.WithTx(ctx, func(ctx context.Context, tx versions.Repository) error {
		if _, err := tx.Insert(ctx, insertParams("v20260314_001")); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	count, err := repo.Count(ctx, testKey)
	require.NoError(t, err)
	require.Zero(t, count)

	err = repo.WithTx(ctx, func(ctx context.Context, tx versions.Repository) error {
		_, err := tx.Insert(ctx, insertParams("v20260314_001"))
		return err
	})
	require.NoError(t, err)
	count, err = repo.Count(ctx, testKey)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestChunkChecksums(t *testing.T) {
	repo, _ := setupPostgres(t)
	ctx := context.Background()

	v, err := repo.Insert(ctx, insertParams("v20260314_001"))
	require.NoError(t, err)

	chunks := []fingerprint.ChunkChecksum{
		{VersionID: v.ID, ChunkType: fingerprint.ChunkMonthly, ChunkKey: "2025-07", Checksum: "bb", RecordCount: 3, StartKey: day(29), EndKey: day(31)},
		{VersionID: v.ID, ChunkType: fingerprint.ChunkMonthly, ChunkKey: "2025-06", Checksum: "aa", RecordCount: 2, StartKey: day(0), EndKey: day(1)},
	}
	require.NoError(t, repo.SaveChunks(ctx, chunks))

	chunks[1].Checksum = "cc"
	require.NoError(t, repo.SaveChunks(ctx, chunks[1:]))

	stored, err := repo.ListChunks(ctx, v.ID)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	require.Equal(t, "2025-06", stored[0].ChunkKey)
	require.Equal(t, "cc", stored[0].Checksum)
	require.Equal(t, day(0), stored[0].StartKey)

	orphan := chunks[0]
	orphan.VersionID = ids.NewVersionID()
	require.ErrorIs(t, repo.SaveChunks(ctx, []fingerprint.ChunkChecksum{orphan}), versions.ErrNotFound)

	n, err := repo.Delete(ctx, []string{v.ID})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	stored, err = repo.ListChunks(ctx, v.ID)
	require.NoError(t, err)
	require.Empty(t, stored)
}

func TestPricesRoundTripKeepsFingerprint(t *testing.T) {
	repo, _ := setupPostgres(t)
	ctx := context.Background()

	rows := []dataset.Row{bar(0, 10), bar(1, 11), bar(2, 12)}
	rows[1].Volume = math.NaN()
	for i := range rows {
		rows[i].Extra = map[string]any{
			"adj_factor": 1.5,
			"limit_up":   int64(i),
			"board":      "main",
			"listed":     time.Date(2001, 8, 27, 0, 0, 0, 0, time.UTC),
			"halted":     false,
			"note":       nil,
		}
	}
	snap := dataset.MustFromRows(rows)

	n, err := repo.Upsert(ctx, testKey, snap.Rows())
	require.NoError(t, err)
	require.Equal(t, 3, n)

	loaded, err := repo.Load(ctx, testKey, dataset.KeyRange{})
	require.NoError(t, err)
	require.Equal(t, 3, loaded.Len())
	require.True(t, math.IsNaN(loaded.Row(1).Volume))
	require.Equal(t, int64(2), loaded.Row(2).Extra["limit_up"])

	fp, err := fingerprint.NewEngine("sha256", zerolog.Nop())
	require.NoError(t, err)
	want, err := fp.Checksum(snap)
	require.NoError(t, err)
	got, err := fp.Checksum(loaded)
	require.NoError(t, err)
	require.Equal(t, want, got)

	partial, err := repo.Load(ctx, testKey, dataset.KeyRange{Start: day(1), End: day(2)})
	require.NoError(t, err)
	require.Equal(t, 2, partial.Len())

	updated := bar(2, 99)
	_, err = repo.Upsert(ctx, testKey, []dataset.Row{updated})
	require.NoError(t, err)
	loaded, err = repo.Load(ctx, testKey, dataset.KeyRange{})
	require.NoError(t, err)
	require.Equal(t, 3, loaded.Len())
	require.Equal(t, 99.0, loaded.Row(2).Close)
}

func TestLogsNewestFirst(t *testing.T) {
	repo, _ := setupPostgres(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	for i, key := range []string{testKey, "000001.SZ", testKey} {
		require.NoError(t, repo.InsertUpdateLog(ctx, diff.UpdateLog{
			RunID:        "run",
			DatasetKey:   key,
			UpdateType:   diff.DefaultUpdateType,
			Status:       diff.StatusSuccess,
			NewCount:     i,
			Duration:     1500 * time.Millisecond,
			CreatedAt:    base.Add(time.Duration(i) * time.Minute),
			CompletedAt:  base.Add(time.Duration(i)*time.Minute + time.Second),
			ErrorMessage: "",
		}))
	}

	all, err := repo.ListUpdateLogs(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, 2, all[0].NewCount)

	own, err := repo.ListUpdateLogs(ctx, testKey, 1)
	require.NoError(t, err)
	require.Len(t, own, 1)
	require.Equal(t, 1500*time.Millisecond, own[0].Duration)
	require.Empty(t, own[0].VersionNumber)

	require.NoError(t, repo.InsertRepairLog(ctx, repair.LogEntry{
		RunID:          "run",
		DatasetKey:     testKey,
		IssueType:      repair.IssueLogicError,
		IssueCount:     1,
		IssueDetails:   map[string]any{"keys": []any{"2025-06-02"}},
		RepairMethod:   "swap_clamp",
		RepairStatus:   "success",
		BeforeChecksum: "aa",
		AfterChecksum:  "bb",
		CreatedAt:      base,
	}))
	entries, err := repo.ListRepairLogs(ctx, testKey, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, repair.IssueLogicError, entries[0].IssueType)
	require.Equal(t, dataset.NormalizeKey(base), entries[0].RepairDate)
	require.Equal(t, []any{"2025-06-02"}, entries[0].IssueDetails["keys"])
}

func TestDiffEngineOnPostgres(t *testing.T) {
	repo, _ := setupPostgres(t)
	ctx := context.Background()

	fp, err := fingerprint.NewEngine("sha256", zerolog.Nop())
	require.NoError(t, err)
	svc := versions.NewService(repo, zerolog.Nop(), versions.WithClock(steppingClock()))
	engine := diff.NewEngine(fp, repo, svc, repo, zerolog.Nop())

	rows := make([]dataset.Row, 40)
	for i := range rows {
		rows[i] = bar(i, 20+float64(i%5))
	}
	first, err := engine.Apply(ctx, testKey, dataset.MustFromRows(rows), diff.ApplyOptions{Source: "test"})
	require.NoError(t, err)
	require.Equal(t, diff.StatusSuccess, first.Status)
	require.NotNil(t, first.Version)

	second, err := engine.Apply(ctx, testKey, dataset.MustFromRows(rows), diff.ApplyOptions{Source: "test"})
	require.NoError(t, err)
	require.Equal(t, diff.StatusNoChanges, second.Status)

	rows = append(rows, bar(40, 30))
	third, err := engine.Apply(ctx, testKey, dataset.MustFromRows(rows), diff.ApplyOptions{Source: "test"})
	require.NoError(t, err)
	require.Equal(t, 1, third.NewCount)
	require.Equal(t, first.Version.ID, third.Version.ParentID)

	logs, err := engine.UpdateHistory(ctx, testKey, 0)
	require.NoError(t, err)
	require.Len(t, logs, 3)
}

func TestCommitVersionRollsBackRowsOnPostgres(t *testing.T) {
	repo, _ := setupPostgres(t)
	ctx := context.Background()
	svc := versions.NewService(repo, zerolog.Nop(), versions.WithClock(steppingClock()))

	rows := []dataset.Row{bar(0, 20), bar(1, 21)}
	_, _, err := svc.CommitVersion(ctx, versions.CreateParams{
		DatasetKey:  testKey,
		KeyRange:    dataset.KeyRange{Start: day(0), End: day(1)},
		Source:      "test",
		Checksum:    "abc",
		RecordCount: 2,
		ParentID:    ids.NewVersionID(),
	}, rows)
	require.True(t, dataset.IsValidation(err))

	stored, err := repo.Load(ctx, testKey, dataset.KeyRange{})
	require.NoError(t, err)
	require.True(t, stored.IsEmpty())

	v, written, err := svc.CommitVersion(ctx, versions.CreateParams{
		DatasetKey:  testKey,
		KeyRange:    dataset.KeyRange{Start: day(0), End: day(1)},
		Source:      "test",
		Checksum:    "abc",
		RecordCount: 2,
	}, rows)
	require.NoError(t, err)
	require.Equal(t, 2, written)
	require.True(t, v.IsActive)

	stored, err = repo.Load(ctx, testKey, dataset.KeyRange{})
	require.NoError(t, err)
	require.Equal(t, 2, stored.Len())
}
