package memory

import (
	"context"
	"sort"

	"github.com/sujun1972/stock-analysis-sub000/internal/domain/diff"
	"github.com/sujun1972/stock-analysis-sub000/internal/domain/repair"
)

var (
	_ diff.UpdateLogRepository = (*Store)(nil)
	_ repair.LogRepository     = (*Store)(nil)
)

func (s *Store) InsertUpdateLog(ctx context.Context, entry diff.UpdateLog) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	defer s.lock()()
	entry.ID = int64(len(s.db.updateLogs) + 1)
	s.db.updateLogs = append(s.db.updateLogs, entry)
	return nil
}

// ListUpdateLogs returns entries newest first. Limit <= 0 returns all.
func (s *Store) ListUpdateLogs(ctx context.Context, datasetKey string, limit int) ([]diff.UpdateLog, error) {
	defer s.lock()()
	out := make([]diff.UpdateLog, 0)
	for i := len(s.db.updateLogs) - 1; i >= 0; i-- {
		e := s.db.updateLogs[i]
		if datasetKey != "" && e.DatasetKey != datasetKey {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return truncate(out, limit), nil
}

func (s *Store) InsertRepairLog(ctx context.Context, entry repair.LogEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	defer s.lock()()
	entry.ID = int64(len(s.db.repairLogs) + 1)
	entry.IssueDetails = cloneMap(entry.IssueDetails)
	s.db.repairLogs = append(s.db.repairLogs, entry)
	return nil
}

// ListRepairLogs returns entries newest first. Limit <= 0 returns all.
func (s *Store) ListRepairLogs(ctx context.Context, datasetKey string, limit int) ([]repair.LogEntry, error) {
	defer s.lock()()
	out := make([]repair.LogEntry, 0)
	for i := len(s.db.repairLogs) - 1; i >= 0; i-- {
		e := s.db.repairLogs[i]
		if datasetKey != "" && e.DatasetKey != datasetKey {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return truncate(out, limit), nil
}

func truncate[T any](list []T, limit int) []T {
	if limit > 0 && len(list) > limit {
		return list[:limit]
	}
	return list
}
