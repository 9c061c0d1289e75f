package dataset

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Snapshot is an immutable, key-ordered set of rows together with the
// columns present in it. Accessors hand out copies.
type Snapshot struct {
	columns []string
	rows    []Row
}

// New builds a snapshot with an explicit column set. Rows are ordered by key;
// rows sharing a key keep their input order.
func New(columns []string, rows []Row) (Snapshot, error) {
	cols, err := normalizeColumns(columns)
	if err != nil {
		return Snapshot{}, err
	}
	known := make(map[string]struct{}, len(cols))
	for _, c := range cols {
		known[c] = struct{}{}
	}

	out := make([]Row, len(rows))
	for i, r := range rows {
		if r.Key.IsZero() {
			return Snapshot{}, fmt.Errorf("%w: row %d has no %s", ErrInvalidDataFormat, i, ColumnKey)
		}
		for name := range r.Extra {
			if _, ok := known[name]; !ok {
				return Snapshot{}, fmt.Errorf("%w: row %d has undeclared column %q", ErrInvalidDataFormat, i, name)
			}
		}
		c := r.Clone()
		c.Key = NormalizeKey(r.Key)
		out[i] = c
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Key.Before(out[j].Key) })

	return Snapshot{columns: cols, rows: out}, nil
}

// FromRows builds a snapshot carrying every core column plus the union of
// optional columns found in the rows.
func FromRows(rows []Row) (Snapshot, error) {
	cols := append([]string(nil), CoreColumns...)
	seen := map[string]struct{}{}
	for _, r := range rows {
		for name := range r.Extra {
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			cols = append(cols, name)
		}
	}
	return New(cols, rows)
}

// MustFromRows is FromRows for fixtures known to be valid.
func MustFromRows(rows []Row) Snapshot {
	s, err := FromRows(rows)
	if err != nil {
		panic(err)
	}
	return s
}

// Empty returns a snapshot with no rows and the given columns (core columns
// when none are given).
func Empty(columns ...string) Snapshot {
	if len(columns) == 0 {
		columns = CoreColumns
	}
	s, err := New(columns, nil)
	if err != nil {
		return Snapshot{columns: append([]string(nil), CoreColumns...)}
	}
	return s
}

func normalizeColumns(columns []string) ([]string, error) {
	seen := make(map[string]struct{}, len(columns))
	out := make([]string, 0, len(columns))
	for _, c := range columns {
		name := strings.TrimSpace(c)
		if name == "" {
			return nil, fmt.Errorf("%w: empty column name", ErrInvalidDataFormat)
		}
		if name == ColumnKey {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

// Len returns the number of rows.
func (s Snapshot) Len() int { return len(s.rows) }

// IsEmpty reports whether the snapshot holds no rows.
func (s Snapshot) IsEmpty() bool { return len(s.rows) == 0 }

// Columns returns the present value columns in alphabetical order.
func (s Snapshot) Columns() []string {
	return append([]string(nil), s.columns...)
}

// HasColumn reports whether column is present.
func (s Snapshot) HasColumn(column string) bool {
	i := sort.SearchStrings(s.columns, column)
	return i < len(s.columns) && s.columns[i] == column
}

// Rows returns a deep copy of the rows in key order.
func (s Snapshot) Rows() []Row {
	out := make([]Row, len(s.rows))
	for i, r := range s.rows {
		out[i] = r.Clone()
	}
	return out
}

// Row returns a copy of row i.
func (s Snapshot) Row(i int) Row { return s.rows[i].Clone() }

// Each visits rows in key order without copying. fn must not modify Extra.
// Iteration stops when fn returns false.
func (s Snapshot) Each(fn func(i int, r Row) bool) {
	for i, r := range s.rows {
		if !fn(i, r) {
			return
		}
	}
}

// Keys returns row keys in order, duplicates included.
func (s Snapshot) Keys() []time.Time {
	out := make([]time.Time, len(s.rows))
	for i, r := range s.rows {
		out[i] = r.Key
	}
	return out
}

// KeyRange returns the first and last key, or a zero range when empty.
func (s Snapshot) KeyRange() KeyRange {
	if len(s.rows) == 0 {
		return KeyRange{}
	}
	return KeyRange{Start: s.rows[0].Key, End: s.rows[len(s.rows)-1].Key}
}

// Index maps each key to the first row carrying it.
func (s Snapshot) Index() map[string]Row {
	out := make(map[string]Row, len(s.rows))
	for _, r := range s.rows {
		k := KeyString(r.Key)
		if _, ok := out[k]; ok {
			continue
		}
		out[k] = r
	}
	return out
}

// HasDuplicateKeys reports whether any key appears more than once.
func (s Snapshot) HasDuplicateKeys() bool {
	for i := 1; i < len(s.rows); i++ {
		if s.rows[i].Key.Equal(s.rows[i-1].Key) {
			return true
		}
	}
	return false
}

// WithRows returns a new snapshot over rows with the same column set.
func (s Snapshot) WithRows(rows []Row) (Snapshot, error) {
	return New(s.columns, rows)
}

// Filter returns the rows for which keep reports true.
func (s Snapshot) Filter(keep func(Row) bool) Snapshot {
	out := make([]Row, 0, len(s.rows))
	for _, r := range s.rows {
		if keep(r) {
			out = append(out, r.Clone())
		}
	}
	return Snapshot{columns: s.Columns(), rows: out}
}

// Between returns the rows whose key falls inside kr.
func (s Snapshot) Between(kr KeyRange) Snapshot {
	return s.Filter(func(r Row) bool { return kr.Contains(r.Key) })
}
