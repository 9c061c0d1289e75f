package repair

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sujun1972/stock-analysis-sub000/internal/domain/dataset"
)

func TestPriceValidatorReportsIssuesInRepairOrder(t *testing.T) {
	rows := closes(10, 11, 12, 13)
	for i := range rows {
		rows[i].Open = rows[i].Close
		rows[i].High = rows[i].Close + 1
		rows[i].Low = rows[i].Close - 1
		rows[i].Volume, rows[i].Amount = 1, 1
	}
	rows[0].Volume = math.NaN()
	rows[1].High, rows[1].Low = rows[1].Low, rows[1].High
	rows[3].Key = rows[2].Key

	issues, err := NewPriceValidator(0).Validate(context.Background(), dataset.MustFromRows(rows))
	require.NoError(t, err)
	require.Len(t, issues, 3)

	require.Equal(t, IssueMissingValues, issues[0].Type)
	require.Equal(t, 1, issues[0].Count)
	require.Equal(t, map[string]int{dataset.ColumnVolume: 1}, issues[0].Columns)

	require.Equal(t, IssueLogicError, issues[1].Type)
	require.Equal(t, 1, issues[1].Count)

	require.Equal(t, IssueDuplicates, issues[2].Type)
	require.Equal(t, 1, issues[2].Count)
	require.Equal(t, rows[2].Key, issues[2].Keys[0])
}

func TestPriceValidatorCapsIssueKeys(t *testing.T) {
	values := make([]float64, maxIssueKeys+5)
	for i := range values {
		values[i] = math.NaN()
	}
	issues, err := NewPriceValidator(0).Validate(context.Background(), dataset.MustFromRows(closes(values...)))
	require.NoError(t, err)
	require.Equal(t, IssueMissingValues, issues[0].Type)
	require.Len(t, issues[0].Keys, maxIssueKeys)
}

func TestPriceValidatorHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewPriceValidator(0).Validate(ctx, dataset.Empty())
	require.ErrorIs(t, err, context.Canceled)
}
