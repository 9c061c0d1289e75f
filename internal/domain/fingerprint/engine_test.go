package fingerprint

import (
	"context"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/sujun1972/stock-analysis-sub000/internal/domain/dataset"
)

func day(d int) time.Time {
	return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, d)
}

func row(d int, close float64) dataset.Row {
	r := dataset.NewRow(day(d))
	r.Open, r.High, r.Low, r.Close = close-0.5, close+1, close-1, close
	r.Volume, r.Amount = 1000, close*1000
	return r
}

func series(n int) []dataset.Row {
	rows := make([]dataset.Row, n)
	for i := range rows {
		rows[i] = row(i, 10+float64(i)*0.1)
	}
	return rows
}

func newEngine(t *testing.T, method string) *Engine {
	t.Helper()
	e, err := NewEngine(method, zerolog.Nop())
	require.NoError(t, err)
	return e
}

func TestNewEngineRejectsUnknownMethod(t *testing.T) {
	_, err := NewEngine("crc32", zerolog.Nop())
	require.Error(t, err)
	require.ErrorIs(t, err, ErrUnsupportedHashMethod)
	require.True(t, dataset.IsValidation(err))
}

func TestChecksumIsDeterministicUnderPermutation(t *testing.T) {
	e := newEngine(t, "")
	rows := series(50)
	base, err := e.Checksum(dataset.MustFromRows(rows))
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 10; i++ {
		shuffled := append([]dataset.Row(nil), rows...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })

		cols := append([]string(nil), dataset.CoreColumns...)
		rng.Shuffle(len(cols), func(a, b int) { cols[a], cols[b] = cols[b], cols[a] })
		snap, err := dataset.New(cols, shuffled)
		require.NoError(t, err)

		got, err := e.Checksum(snap)
		require.NoError(t, err)
		require.Equal(t, base, got)
	}
}

func TestChecksumDuplicateKeysIgnoreInputOrder(t *testing.T) {
	e := newEngine(t, "")
	a, b := row(1, 10), row(1, 20)

	first, err := e.Checksum(dataset.MustFromRows([]dataset.Row{a, b}))
	require.NoError(t, err)
	second, err := e.Checksum(dataset.MustFromRows([]dataset.Row{b, a}))
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestChecksumIsSensitiveToEveryCell(t *testing.T) {
	e := newEngine(t, "")
	rows := series(5)
	base, err := e.Checksum(dataset.MustFromRows(rows))
	require.NoError(t, err)

	for _, col := range dataset.CoreColumns {
		changed := dataset.MustFromRows(series(5)).Rows()
		v, _ := changed[2].Float(col)
		changed[2].SetFloat(col, v+0.001)

		got, err := e.Checksum(dataset.MustFromRows(changed))
		require.NoError(t, err)
		require.NotEqual(t, base, got, "column %s", col)
	}

	shifted := series(5)
	shifted[4].Key = day(9)
	got, err := e.Checksum(dataset.MustFromRows(shifted))
	require.NoError(t, err)
	require.NotEqual(t, base, got)
}

func TestChecksumMissingValuesAreStable(t *testing.T) {
	e := newEngine(t, "")
	r := row(1, 10)
	r.Close = math.NaN()
	a, err := e.Checksum(dataset.MustFromRows([]dataset.Row{r}))
	require.NoError(t, err)

	r2 := row(1, 10)
	r2.Close = math.NaN()
	b, err := e.Checksum(dataset.MustFromRows([]dataset.Row{r2}))
	require.NoError(t, err)
	require.Equal(t, a, b)

	r2.Close = 10
	c, err := e.Checksum(dataset.MustFromRows([]dataset.Row{r2}))
	require.NoError(t, err)
	require.NotEqual(t, a, c)
}

func TestChecksumEmptySnapshot(t *testing.T) {
	for _, m := range SupportedMethods {
		t.Run(string(m), func(t *testing.T) {
			e := newEngine(t, string(m))
			want, err := EmptyChecksum(m)
			require.NoError(t, err)

			got, err := e.Checksum(dataset.Empty())
			require.NoError(t, err)
			require.Equal(t, want, got)
		})
	}

	sha, err := EmptyChecksum(MethodSHA256)
	require.NoError(t, err)
	require.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", sha)
}

func TestChecksumMethodsProduceDistinctDigests(t *testing.T) {
	snap := dataset.MustFromRows(series(3))
	lengths := map[Method]int{
		MethodSHA256:  64,
		MethodMD5:     32,
		MethodSHA1:    40,
		MethodBLAKE2b: 64,
		MethodXXH3:    16,
	}
	seen := map[string]Method{}
	for m, n := range lengths {
		sum, err := newEngine(t, string(m)).Checksum(snap)
		require.NoError(t, err)
		require.Len(t, sum, n)
		_, dup := seen[sum]
		require.False(t, dup)
		seen[sum] = m
	}
}

func TestChecksumColumnSubset(t *testing.T) {
	e := newEngine(t, "")
	rows := series(3)
	snap := dataset.MustFromRows(rows)

	closeOnly, err := e.Checksum(snap, dataset.ColumnClose)
	require.NoError(t, err)

	rows[1].Volume = 42
	changedVolume, err := e.Checksum(dataset.MustFromRows(rows), dataset.ColumnClose)
	require.NoError(t, err)
	require.Equal(t, closeOnly, changedVolume)

	_, err = e.Checksum(snap, "turnover")
	require.ErrorIs(t, err, dataset.ErrInvalidDataFormat)
	require.True(t, dataset.IsValidation(err))
}

type ticker struct{ Symbol string }

func TestChecksumFallsBackForUnsupportedValues(t *testing.T) {
	e := newEngine(t, "")

	plain := row(1, 10)
	plain.Extra = map[string]any{"meta": "x"}
	snap := dataset.MustFromRows([]dataset.Row{plain})
	require.True(t, vectorizable(snap, snap.Columns()))
	_, path, err := e.checksum(snap, nil)
	require.NoError(t, err)
	require.Equal(t, PathVectorized, path)

	odd := row(1, 10)
	odd.Extra = map[string]any{"meta": ticker{Symbol: "ACME"}}
	oddSnap := dataset.MustFromRows([]dataset.Row{odd})
	require.False(t, vectorizable(oddSnap, oddSnap.Columns()))

	first, path, err := e.checksum(oddSnap, nil)
	require.NoError(t, err)
	require.Equal(t, PathSerialized, path)

	second, _, err := e.checksum(dataset.MustFromRows([]dataset.Row{odd}), nil)
	require.NoError(t, err)
	require.Equal(t, first, second)

	odd.Extra["meta"] = ticker{Symbol: "OTHER"}
	third, _, err := e.checksum(dataset.MustFromRows([]dataset.Row{odd}), nil)
	require.NoError(t, err)
	require.NotEqual(t, first, third)
}

func TestValidate(t *testing.T) {
	e := newEngine(t, "")
	snap := dataset.MustFromRows(series(4))
	sum, err := e.Checksum(snap)
	require.NoError(t, err)

	v, err := e.Validate(snap, sum)
	require.NoError(t, err)
	require.True(t, v.Matches)
	_, bad := v.Mismatch("snapshot")
	require.False(t, bad)

	v, err = e.Validate(snap, "deadbeef")
	require.NoError(t, err)
	require.False(t, v.Matches)
	require.Equal(t, sum, v.Actual)
	m, bad := v.Mismatch("snapshot")
	require.True(t, bad)
	require.Equal(t, "deadbeef", m.Expected)
}

func TestIncrementalChecksum(t *testing.T) {
	e := newEngine(t, "")
	old := dataset.MustFromRows(series(10))

	next := series(12)[1:] // drop day 0, add days 10 and 11
	next[3].Close += 0.5   // day 4 modified
	res, err := e.IncrementalChecksum(dataset.MustFromRows(next), old)
	require.NoError(t, err)

	require.Equal(t, 2, res.Added.Count)
	require.Equal(t, []time.Time{day(10), day(11)}, res.Added.Keys)
	require.Equal(t, 1, res.Deleted.Count)
	require.Equal(t, []time.Time{day(0)}, res.Deleted.Keys)
	require.Equal(t, 1, res.Modified.Count)
	require.Equal(t, []time.Time{day(4)}, res.Modified.Keys)
	require.Equal(t, 8, res.Unchanged.Count)
	require.True(t, res.Changed())

	same, err := e.IncrementalChecksum(old, old)
	require.NoError(t, err)
	require.False(t, same.Changed())
	require.Equal(t, 10, same.Unchanged.Count)
	wantEmpty, _ := EmptyChecksum(MethodSHA256)
	require.Equal(t, wantEmpty, same.Added.Checksum)
}

func TestIncrementalChecksumDetectsTinyChanges(t *testing.T) {
	e := newEngine(t, "")
	old := series(3)
	next := series(3)
	next[1].Close = math.Nextafter(next[1].Close, math.Inf(1))

	res, err := e.IncrementalChecksum(dataset.MustFromRows(next), dataset.MustFromRows(old))
	require.NoError(t, err)
	require.Equal(t, 1, res.Modified.Count)
}

func TestChunkedChecksum(t *testing.T) {
	e := newEngine(t, "").WithWorkers(2)
	// 2026-01-01 through 2026-03-01
	snap := dataset.MustFromRows(series(60))

	tests := []struct {
		chunkType string
		chunks    int
		firstKey  string
	}{
		{"daily", 60, "2026-01-01"},
		{"weekly", 9, "2026-W01"},
		{"monthly", 3, "2026-01"},
		{"", 3, "2026-01"},
	}
	for _, tt := range tests {
		t.Run(tt.chunkType, func(t *testing.T) {
			chunks, err := e.ChunkedChecksum(context.Background(), "v-1", snap, tt.chunkType)
			require.NoError(t, err)
			require.Len(t, chunks, tt.chunks)
			require.Equal(t, tt.firstKey, chunks[0].ChunkKey)

			total := 0
			for i, c := range chunks {
				total += c.RecordCount
				require.Equal(t, "v-1", c.VersionID)
				if i > 0 {
					require.Less(t, chunks[i-1].ChunkKey, c.ChunkKey)
				}
			}
			require.Equal(t, snap.Len(), total)
		})
	}

	_, err := e.ChunkedChecksum(context.Background(), "v-1", snap, "hourly")
	require.ErrorIs(t, err, ErrInvalidChunkType)
	require.True(t, dataset.IsValidation(err))
}

func TestChunkedChecksumMatchesBucketChecksum(t *testing.T) {
	e := newEngine(t, "")
	snap := dataset.MustFromRows(series(40))

	chunks, err := e.ChunkedChecksum(context.Background(), "v-1", snap, "monthly")
	require.NoError(t, err)

	jan := snap.Between(dataset.KeyRange{Start: day(0), End: day(30)})
	want, err := e.Checksum(jan)
	require.NoError(t, err)
	require.Equal(t, want, chunks[0].Checksum)
	require.Equal(t, day(0), chunks[0].StartKey)
	require.Equal(t, day(30), chunks[0].EndKey)
}

func TestVerifyChunks(t *testing.T) {
	e := newEngine(t, "")
	ctx := context.Background()
	rows := series(60)
	stored, err := e.ChunkedChecksum(ctx, "v-1", dataset.MustFromRows(rows), "monthly")
	require.NoError(t, err)

	ok, err := e.VerifyChunks(ctx, dataset.MustFromRows(rows), stored)
	require.NoError(t, err)
	require.True(t, ok.OK())
	require.Equal(t, 3, ok.Matched)

	tampered := series(60)
	tampered[40].Close = 999 // February
	res, err := e.VerifyChunks(ctx, dataset.MustFromRows(tampered[:59]), stored)
	require.NoError(t, err)
	require.False(t, res.OK())
	require.Len(t, res.Mismatched, 1)
	require.Contains(t, res.Mismatched[0].Scope, "2026-02")
	require.Equal(t, []string{"2026-03"}, res.Missing)
	require.Empty(t, res.Unexpected)
}
