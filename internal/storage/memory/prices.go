package memory

import (
	"context"
	"sort"

	"github.com/sujun1972/stock-analysis-sub000/internal/domain/dataset"
)

var (
	_ dataset.Loader = (*Store)(nil)
	_ dataset.Writer = (*Store)(nil)
)

// Load returns the rows of datasetKey inside kr. A zero range returns every row.
func (s *Store) Load(ctx context.Context, datasetKey string, kr dataset.KeyRange) (dataset.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return dataset.Snapshot{}, err
	}
	defer s.lock()()

	stored := s.db.prices[datasetKey]
	rows := make([]dataset.Row, 0, len(stored))
	for _, r := range stored {
		if kr.IsZero() || kr.Contains(r.Key) {
			rows = append(rows, r.Clone())
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Key.Before(rows[j].Key) })
	return dataset.FromRows(rows)
}

// Upsert inserts or replaces rows by key and returns how many were written.
func (s *Store) Upsert(ctx context.Context, datasetKey string, rows []dataset.Row) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	defer s.lock()()

	stored := s.db.pricesForWrite(datasetKey)
	for _, r := range rows {
		c := r.Clone()
		c.Key = dataset.NormalizeKey(r.Key)
		stored[dataset.KeyString(c.Key)] = c
	}
	return len(rows), nil
}
