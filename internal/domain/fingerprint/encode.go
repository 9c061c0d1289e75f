package fingerprint

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/sujun1972/stock-analysis-sub000/internal/domain/dataset"
)

const fieldSep = 0x1f

// vectorizable is the capability check that picks the hashing path: every
// value in the selected columns must be a kind with a canonical text form.
func vectorizable(snap dataset.Snapshot, columns []string) bool {
	extras := make([]string, 0, len(columns))
	for _, c := range columns {
		if !dataset.IsCoreColumn(c) {
			extras = append(extras, c)
		}
	}
	if len(extras) == 0 {
		return true
	}
	ok := true
	snap.Each(func(_ int, r dataset.Row) bool {
		for _, c := range extras {
			if !supportedValue(r.Extra[c]) {
				ok = false
				return false
			}
		}
		return true
	})
	return ok
}

func supportedValue(v any) bool {
	switch v.(type) {
	case nil, float64, int64, int, string, bool, time.Time:
		return true
	}
	return false
}

// appendRow writes the canonical per-row form used by the vectorised path.
// Missing optional values and explicit nil encode identically.
func appendRow(buf []byte, r dataset.Row, columns []string) []byte {
	buf = append(buf, dataset.KeyString(r.Key)...)
	for _, c := range columns {
		buf = append(buf, fieldSep)
		v, _ := r.Value(c)
		buf = appendValue(buf, v)
	}
	return buf
}

func appendValue(buf []byte, v any) []byte {
	switch x := v.(type) {
	case nil:
		return append(buf, "null"...)
	case float64:
		return appendFloat(buf, x)
	case int64:
		return strconv.AppendInt(buf, x, 10)
	case int:
		return strconv.AppendInt(buf, int64(x), 10)
	case string:
		return strconv.AppendQuote(buf, x)
	case bool:
		return strconv.AppendBool(buf, x)
	case time.Time:
		return append(buf, x.UTC().Format(time.RFC3339Nano)...)
	}
	return append(buf, fmt.Sprintf("%#v", v)...)
}

func appendFloat(buf []byte, f float64) []byte {
	switch {
	case math.IsNaN(f):
		return append(buf, "NaN"...)
	case math.IsInf(f, 1):
		return append(buf, "+Inf"...)
	case math.IsInf(f, -1):
		return append(buf, "-Inf"...)
	case f == 0:
		return append(buf, '0')
	}
	return strconv.AppendFloat(buf, f, 'g', -1, 64)
}

// serializeRow is the full-content fallback encoding: a JSON array of the key
// and every selected value. Floats are pre-rendered so NaN and signed zero
// stay deterministic.
func serializeRow(r dataset.Row, columns []string) ([]byte, error) {
	values := make([]any, 0, len(columns)+1)
	values = append(values, dataset.KeyString(r.Key))
	for _, c := range columns {
		v, _ := r.Value(c)
		switch x := v.(type) {
		case float64:
			values = append(values, json.RawMessage(strconv.Quote(string(appendFloat(nil, x)))))
		case time.Time:
			values = append(values, x.UTC().Format(time.RFC3339Nano))
		default:
			values = append(values, v)
		}
	}
	out, err := json.Marshal(values)
	if err != nil {
		return nil, fmt.Errorf("%w: serialize row %s: %v", dataset.ErrInvalidDataFormat, dataset.KeyString(r.Key), err)
	}
	return out, nil
}

// eachCanonical visits rows in canonical order: by key, then by encoded bytes
// for rows sharing a key. Only one key group is buffered at a time.
func eachCanonical(snap dataset.Snapshot, encode func(dataset.Row) ([]byte, error), fn func([]byte) error) error {
	var (
		group    [][]byte
		groupKey time.Time
		failure  error
	)
	flush := func() error {
		if len(group) > 1 {
			sort.Slice(group, func(i, j int) bool { return bytes.Compare(group[i], group[j]) < 0 })
		}
		for _, enc := range group {
			if err := fn(enc); err != nil {
				return err
			}
		}
		group = group[:0]
		return nil
	}

	snap.Each(func(_ int, r dataset.Row) bool {
		if len(group) > 0 && !r.Key.Equal(groupKey) {
			if failure = flush(); failure != nil {
				return false
			}
		}
		enc, err := encode(r)
		if err != nil {
			failure = err
			return false
		}
		groupKey = r.Key
		group = append(group, enc)
		return true
	})
	if failure != nil {
		return failure
	}
	return flush()
}

func rowsEqualExact(a, b dataset.Row, columns []string) bool {
	return bytes.Equal(appendRow(nil, a, columns), appendRow(nil, b, columns))
}
