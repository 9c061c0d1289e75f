package repair_test

import (
	"bytes"
	"context"
	"errors"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/sujun1972/stock-analysis-sub000/internal/domain/dataset"
	"github.com/sujun1972/stock-analysis-sub000/internal/domain/fingerprint"
	"github.com/sujun1972/stock-analysis-sub000/internal/domain/repair"
	"github.com/sujun1972/stock-analysis-sub000/internal/storage/memory"
)

func day(d int) time.Time {
	return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, d)
}

func bar(d int, close float64) dataset.Row {
	r := dataset.NewRow(day(d))
	r.Open, r.Close = close, close
	r.High, r.Low = close+1, close-1
	r.Volume, r.Amount = 1000, close*1000
	return r
}

func linear(n int) []dataset.Row {
	rows := make([]dataset.Row, n)
	for i := range rows {
		rows[i] = bar(i, 100+float64(i))
	}
	return rows
}

func newOrchestrator(t *testing.T, opts ...repair.Option) (*repair.Orchestrator, *memory.Store) {
	t.Helper()
	fp, err := fingerprint.NewEngine("sha256", zerolog.Nop())
	require.NoError(t, err)
	store := memory.NewStore()
	return repair.NewOrchestrator(fp, nil, store, zerolog.Nop(), opts...), store
}

func TestSwappedHighLowIsRepaired(t *testing.T) {
	o, store := newOrchestrator(t)
	rows := []dataset.Row{bar(0, 7), bar(1, 7.5), bar(2, 8)}
	rows[1].High, rows[1].Low = 5, 10

	out, report, err := o.DiagnoseAndRepair(context.Background(), "AAPL", dataset.MustFromRows(rows), repair.Options{AutoRepair: true})
	require.NoError(t, err)

	fixed := out.Row(1)
	require.Equal(t, 10.0, fixed.High)
	require.Equal(t, 5.0, fixed.Low)

	applied, ok := report.Applied(repair.IssueLogicError)
	require.True(t, ok)
	require.GreaterOrEqual(t, applied.Count, 1)
	require.True(t, report.ChecksumChanged)
	require.NotEqual(t, report.BeforeChecksum, report.AfterChecksum)

	history, err := o.GetRepairHistory(context.Background(), "AAPL", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, repair.IssueLogicError, history[0].IssueType)
	require.Equal(t, repair.StatusSuccess, history[0].RepairStatus)
	require.Equal(t, report.BeforeChecksum, history[0].BeforeChecksum)
	require.Equal(t, report.AfterChecksum, history[0].AfterChecksum)

	logs, err := store.ListRepairLogs(context.Background(), "MSFT", 10)
	require.NoError(t, err)
	require.Empty(t, logs)
}

func TestNilLogsRecordToLogger(t *testing.T) {
	fp, err := fingerprint.NewEngine("sha256", zerolog.Nop())
	require.NoError(t, err)
	var buf bytes.Buffer
	o := repair.NewOrchestrator(fp, nil, nil, zerolog.New(&buf))

	rows := []dataset.Row{bar(0, 7), bar(1, 7.5), bar(2, 8)}
	rows[1].High, rows[1].Low = 5, 10
	_, report, err := o.DiagnoseAndRepair(context.Background(), "AAPL", dataset.MustFromRows(rows), repair.Options{AutoRepair: true})
	require.NoError(t, err)
	require.True(t, report.ChecksumChanged)
	require.Contains(t, buf.String(), `"message":"audit entry"`)
	require.Contains(t, buf.String(), `"component":"repair"`)

	history, err := o.GetRepairHistory(context.Background(), "AAPL", 10)
	require.NoError(t, err)
	require.Empty(t, history)
}

func TestPriceLogicHoldsOnEveryRowAfterRepair(t *testing.T) {
	o, _ := newOrchestrator(t)
	rng := rand.New(rand.NewSource(7))
	rows := make([]dataset.Row, 200)
	for i := range rows {
		r := dataset.NewRow(day(i))
		r.Open = 50 + rng.Float64()*50
		r.High = 50 + rng.Float64()*50
		r.Low = 50 + rng.Float64()*50
		r.Close = 50 + rng.Float64()*50
		r.Volume, r.Amount = 1, 1
		rows[i] = r
	}

	out, report, err := o.DiagnoseAndRepair(context.Background(), "RND", dataset.MustFromRows(rows), repair.Options{AutoRepair: true})
	require.NoError(t, err)
	require.Empty(t, report.Failures)

	out.Each(func(_ int, r dataset.Row) bool {
		require.GreaterOrEqual(t, r.High, math.Max(math.Max(r.Open, r.Close), r.Low), "row %s", dataset.KeyString(r.Key))
		require.LessOrEqual(t, r.Low, math.Min(math.Min(r.Open, r.Close), r.High), "row %s", dataset.KeyString(r.Key))
		return true
	})
}

func TestCleanSnapshotPassesThrough(t *testing.T) {
	o, store := newOrchestrator(t)
	snap := dataset.MustFromRows(linear(30))

	out, report, err := o.DiagnoseAndRepair(context.Background(), "AAPL", snap, repair.Options{AutoRepair: true})
	require.NoError(t, err)
	require.True(t, report.Passthrough)
	require.Empty(t, report.Issues)
	require.Equal(t, report.BeforeChecksum, report.AfterChecksum)
	require.False(t, report.ChecksumChanged)
	require.Equal(t, snap.Rows(), out.Rows())

	logs, err := store.ListRepairLogs(context.Background(), "", 0)
	require.NoError(t, err)
	require.Empty(t, logs)
}

func TestDiagnoseOnlyLeavesSnapshotUntouched(t *testing.T) {
	o, store := newOrchestrator(t)
	rows := []dataset.Row{bar(0, 7), bar(1, 7.5), bar(2, 8)}
	rows[1].High, rows[1].Low = 5, 10
	snap := dataset.MustFromRows(rows)

	out, report, err := o.DiagnoseAndRepair(context.Background(), "AAPL", snap, repair.Options{})
	require.NoError(t, err)
	require.False(t, report.Passthrough)
	require.Len(t, report.Issues, 1)
	require.Equal(t, repair.IssueLogicError, report.Issues[0].Type)
	require.Empty(t, report.RepairsApplied)
	require.Equal(t, 5.0, out.Row(1).High)

	logs, err := store.ListRepairLogs(context.Background(), "", 0)
	require.NoError(t, err)
	require.Empty(t, logs)
}

func TestMissingCloseColumnIsValidationError(t *testing.T) {
	o, _ := newOrchestrator(t)
	snap, err := dataset.New([]string{dataset.ColumnOpen}, []dataset.Row{dataset.NewRow(day(0))})
	require.NoError(t, err)

	_, _, err = o.DiagnoseAndRepair(context.Background(), "AAPL", snap, repair.Options{AutoRepair: true})
	require.Error(t, err)
	require.True(t, dataset.IsValidation(err))
	require.ErrorIs(t, err, dataset.ErrMissingColumn)
}

func TestMissingValuesForwardFilledAndVolumeZeroed(t *testing.T) {
	o, _ := newOrchestrator(t)
	rows := []dataset.Row{bar(0, 10), bar(1, 11), bar(2, 12)}
	rows[0].Close = math.NaN()
	rows[2].Close = math.NaN()
	rows[1].Volume = math.NaN()

	out, report, err := o.DiagnoseAndRepair(context.Background(), "AAPL", dataset.MustFromRows(rows), repair.Options{AutoRepair: true})
	require.NoError(t, err)

	require.Equal(t, 11.0, out.Row(0).Close)
	require.Equal(t, 11.0, out.Row(2).Close)
	require.Equal(t, 0.0, out.Row(1).Volume)
	require.Equal(t, 3, out.Len())

	applied, ok := report.Applied(repair.IssueMissingValues)
	require.True(t, ok)
	require.Equal(t, 3, applied.Count)
	require.Equal(t, "ffill", applied.Method)
}

func TestMissingValuesDropped(t *testing.T) {
	o, _ := newOrchestrator(t)
	rows := []dataset.Row{bar(0, 10), bar(1, 11), bar(2, 12)}
	rows[1].Close = math.NaN()

	out, report, err := o.DiagnoseAndRepair(context.Background(), "AAPL", dataset.MustFromRows(rows),
		repair.Options{AutoRepair: true, Methods: repair.Methods{Missing: repair.MissingDrop}})
	require.NoError(t, err)
	require.Equal(t, 2, out.Len())
	require.Equal(t, 3, report.RowsBefore)
	require.Equal(t, 2, report.RowsAfter)
}

func TestUndeclaredColumnsAreNotMissing(t *testing.T) {
	o, _ := newOrchestrator(t)
	rows := make([]dataset.Row, 10)
	for i := range rows {
		rows[i] = bar(i, 10+0.1*float64(i))
		rows[i].Amount = math.NaN()
	}
	snap, err := dataset.New([]string{
		dataset.ColumnClose, dataset.ColumnHigh, dataset.ColumnLow, dataset.ColumnOpen, dataset.ColumnVolume,
	}, rows)
	require.NoError(t, err)

	out, report, err := o.DiagnoseAndRepair(context.Background(), "AAPL", snap,
		repair.Options{AutoRepair: true, Methods: repair.Methods{Missing: repair.MissingDrop}})
	require.NoError(t, err)
	require.Equal(t, 10, out.Len())
	for _, issue := range report.Issues {
		require.NotEqual(t, repair.IssueMissingValues, issue.Type)
	}
	_, ok := report.Applied(repair.IssueMissingValues)
	require.False(t, ok)
}

func TestSwappedHighLowIsRepairedOnALongSeries(t *testing.T) {
	o, _ := newOrchestrator(t)
	rows := make([]dataset.Row, 30)
	for i := range rows {
		rows[i] = bar(i, 10+0.05*float64(i%3))
	}
	rows[15].High, rows[15].Low = 5, 10

	out, report, err := o.DiagnoseAndRepair(context.Background(), "AAPL", dataset.MustFromRows(rows), repair.Options{AutoRepair: true})
	require.NoError(t, err)
	require.Equal(t, 30, out.Len())

	fixed := out.Row(15)
	require.Equal(t, 10.0, fixed.High)
	require.Equal(t, 5.0, fixed.Low)
	require.Equal(t, 10.0, fixed.Close)

	applied, ok := report.Applied(repair.IssueLogicError)
	require.True(t, ok)
	require.GreaterOrEqual(t, applied.Count, 1)
	_, ok = report.Applied(repair.IssueOutliers)
	require.False(t, ok)
}

func TestFlatSeriesSmallMoveIsNotAnOutlier(t *testing.T) {
	o, _ := newOrchestrator(t)
	rows := make([]dataset.Row, 20)
	for i := range rows {
		rows[i] = bar(i, 10)
	}
	rows[12] = bar(12, 10.1)

	out, report, err := o.DiagnoseAndRepair(context.Background(), "AAPL", dataset.MustFromRows(rows), repair.Options{AutoRepair: true})
	require.NoError(t, err)
	require.True(t, report.Passthrough)
	require.Equal(t, 10.1, out.Row(12).Close)
}

func spiked() []dataset.Row {
	rows := linear(20)
	rows[10] = bar(10, 330)
	return rows
}

func TestOutlierTreatments(t *testing.T) {
	tests := []struct {
		name   string
		method repair.OutlierMethod
		check  func(t *testing.T, out dataset.Snapshot)
	}{
		{
			name:   "clip",
			method: repair.OutlierClip,
			check: func(t *testing.T, out dataset.Snapshot) {
				require.Equal(t, 20, out.Len())
				c := out.Row(10).Close
				require.Greater(t, c, 110.0)
				require.LessOrEqual(t, c, 119.0)
			},
		},
		{
			name:   "interpolate",
			method: repair.OutlierInterpolate,
			check: func(t *testing.T, out dataset.Snapshot) {
				require.Equal(t, 20, out.Len())
				r := out.Row(10)
				require.InDelta(t, 110.0, r.Close, 1e-9)
				require.InDelta(t, 111.0, r.High, 1e-9)
				require.InDelta(t, 109.0, r.Low, 1e-9)
			},
		},
		{
			name:   "remove",
			method: repair.OutlierRemove,
			check: func(t *testing.T, out dataset.Snapshot) {
				require.Equal(t, 19, out.Len())
				for _, k := range out.Keys() {
					require.False(t, k.Equal(day(10)))
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, _ := newOrchestrator(t)
			out, report, err := o.DiagnoseAndRepair(context.Background(), "AAPL", dataset.MustFromRows(spiked()),
				repair.Options{AutoRepair: true, Methods: repair.Methods{Outliers: tt.method}})
			require.NoError(t, err)

			applied, ok := report.Applied(repair.IssueOutliers)
			require.True(t, ok)
			require.Equal(t, 1, applied.Count)
			tt.check(t, out)
		})
	}
}

func TestDuplicateKeysKeepFirst(t *testing.T) {
	o, _ := newOrchestrator(t)
	first := bar(1, 11)
	second := bar(1, 12)
	rows := []dataset.Row{bar(0, 10), first, second, bar(2, 12)}

	out, report, err := o.DiagnoseAndRepair(context.Background(), "AAPL", dataset.MustFromRows(rows), repair.Options{AutoRepair: true})
	require.NoError(t, err)
	require.Equal(t, 3, out.Len())
	require.False(t, out.HasDuplicateKeys())
	require.Equal(t, 11.0, out.Row(1).Close)

	applied, ok := report.Applied(repair.IssueDuplicates)
	require.True(t, ok)
	require.Equal(t, 1, applied.Count)
}

func TestFailingCategoryDoesNotStopOthers(t *testing.T) {
	o, store := newOrchestrator(t)
	rows := []dataset.Row{bar(0, 7), bar(1, 7.5), bar(2, 8)}
	rows[0].Close = math.NaN()
	rows[1].High, rows[1].Low = 5, 10

	out, report, err := o.DiagnoseAndRepair(context.Background(), "AAPL", dataset.MustFromRows(rows),
		repair.Options{AutoRepair: true, Methods: repair.Methods{Missing: "bogus"}})
	require.NoError(t, err)

	require.Len(t, report.Failures, 1)
	require.Equal(t, string(repair.IssueMissingValues), report.Failures[0].Category)
	require.True(t, errors.Is(report.Failures[0], repair.ErrInvalidMethod))

	_, ok := report.Applied(repair.IssueLogicError)
	require.True(t, ok)
	require.True(t, math.IsNaN(out.Row(0).Close))

	logs, err := store.ListRepairLogs(context.Background(), "AAPL", 0)
	require.NoError(t, err)
	statuses := map[repair.IssueType]string{}
	for _, l := range logs {
		statuses[l.IssueType] = l.RepairStatus
	}
	require.Equal(t, repair.StatusFailed, statuses[repair.IssueMissingValues])
	require.Equal(t, repair.StatusSuccess, statuses[repair.IssueLogicError])
}

func TestDefaultMethodsOption(t *testing.T) {
	o, _ := newOrchestrator(t, repair.WithMethods(repair.Methods{Outliers: repair.OutlierRemove}))
	out, _, err := o.DiagnoseAndRepair(context.Background(), "AAPL", dataset.MustFromRows(spiked()), repair.Options{AutoRepair: true})
	require.NoError(t, err)
	require.Equal(t, 19, out.Len())
}

func TestPreCommitReturnsRepairedSnapshot(t *testing.T) {
	o, _ := newOrchestrator(t)
	rows := []dataset.Row{bar(0, 7), bar(1, 7.5), bar(2, 8)}
	rows[1].High, rows[1].Low = 5, 10

	out, err := o.PreCommit(context.Background(), "AAPL", dataset.MustFromRows(rows))
	require.NoError(t, err)
	require.Equal(t, 10.0, out.Row(1).High)
}

func TestParseMethods(t *testing.T) {
	m, err := repair.ParseMethods("", "", 0)
	require.NoError(t, err)
	require.Equal(t, repair.DefaultMethods(), m)

	m, err = repair.ParseMethods("DROP", "interpolate", 1.5)
	require.NoError(t, err)
	require.Equal(t, repair.MissingDrop, m.Missing)
	require.Equal(t, repair.OutlierInterpolate, m.Outliers)
	require.Equal(t, 1.5, m.IQRMultiplier)

	_, err = repair.ParseMethods("mean", "", 0)
	require.ErrorIs(t, err, repair.ErrInvalidMethod)
	_, err = repair.ParseMethods("", "winsorize", 0)
	require.ErrorIs(t, err, repair.ErrInvalidMethod)
	_, err = repair.ParseMethods("", "", -1)
	require.ErrorIs(t, err, repair.ErrInvalidMethod)
}
