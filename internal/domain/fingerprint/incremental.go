package fingerprint

import (
	"sort"
	"time"

	"github.com/sujun1972/stock-analysis-sub000/internal/domain/dataset"
)

// Bucket summarises one class of rows in an incremental comparison.
type Bucket struct {
	Count    int
	Keys     []time.Time
	Checksum string
}

// IncrementalResult classifies the keys of a new snapshot against an old one.
type IncrementalResult struct {
	Added     Bucket
	Deleted   Bucket
	Modified  Bucket
	Unchanged Bucket
}

// Changed reports whether anything was added, deleted or modified.
func (r IncrementalResult) Changed() bool {
	return r.Added.Count+r.Deleted.Count+r.Modified.Count > 0
}

// IncrementalChecksum compares newSnap with oldSnap by row key. Rows on a
// common key are modified unless they are exactly equal over the union of
// both snapshots' columns; bucket checksums are never used as proof of row
// equality. Repeated keys are compared by their first occurrence.
func (e *Engine) IncrementalChecksum(newSnap, oldSnap dataset.Snapshot) (IncrementalResult, error) {
	columns := unionColumns(newSnap.Columns(), oldSnap.Columns())
	oldIndex := oldSnap.Index()
	newIndex := newSnap.Index()

	var added, modified, unchanged, deleted []dataset.Row
	newSnap.Each(func(_ int, r dataset.Row) bool {
		key := dataset.KeyString(r.Key)
		if _, ok := newIndex[key]; !ok {
			return true
		}
		delete(newIndex, key)
		prev, ok := oldIndex[key]
		switch {
		case !ok:
			added = append(added, r)
		case rowsEqualExact(r, prev, columns):
			unchanged = append(unchanged, r)
		default:
			modified = append(modified, r)
		}
		return true
	})
	seen := newSnap.Index()
	oldSnap.Each(func(_ int, r dataset.Row) bool {
		key := dataset.KeyString(r.Key)
		if _, ok := seen[key]; ok {
			return true
		}
		seen[key] = r
		deleted = append(deleted, r)
		return true
	})

	var (
		res IncrementalResult
		err error
	)
	if res.Added, err = e.bucket(newSnap, added); err != nil {
		return IncrementalResult{}, err
	}
	if res.Modified, err = e.bucket(newSnap, modified); err != nil {
		return IncrementalResult{}, err
	}
	if res.Unchanged, err = e.bucket(newSnap, unchanged); err != nil {
		return IncrementalResult{}, err
	}
	if res.Deleted, err = e.bucket(oldSnap, deleted); err != nil {
		return IncrementalResult{}, err
	}
	return res, nil
}

func (e *Engine) bucket(from dataset.Snapshot, rows []dataset.Row) (Bucket, error) {
	snap, err := from.WithRows(rows)
	if err != nil {
		return Bucket{}, dataset.NewValidationError("", "incremental_checksum", err)
	}
	sum, err := e.Checksum(snap)
	if err != nil {
		return Bucket{}, err
	}
	return Bucket{Count: len(rows), Keys: snap.Keys(), Checksum: sum}, nil
}

func unionColumns(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, c := range list {
			if _, ok := seen[c]; ok {
				continue
			}
			seen[c] = struct{}{}
			out = append(out, c)
		}
	}
	sort.Strings(out)
	return out
}
