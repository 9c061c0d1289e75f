// Package dataset defines the row and snapshot model shared by the fingerprint,
// version, diff and repair components, plus the I/O collaborators they consume.
package dataset

import (
	"math"
	"time"
)

// Column names of the fixed core schema.
const (
	ColumnKey    = "trade_date"
	ColumnOpen   = "open"
	ColumnHigh   = "high"
	ColumnLow    = "low"
	ColumnClose  = "close"
	ColumnVolume = "volume"
	ColumnAmount = "amount"
)

// KeyLayout is the canonical text form of a row key.
const KeyLayout = "2006-01-02"

// CoreColumns lists the fixed value columns in schema order.
var CoreColumns = []string{ColumnOpen, ColumnHigh, ColumnLow, ColumnClose, ColumnVolume, ColumnAmount}

// PriceColumns are the continuous price columns tracked for outliers and price logic.
var PriceColumns = []string{ColumnOpen, ColumnHigh, ColumnLow, ColumnClose}

// VolumeColumns are zero-filled rather than forward-filled when missing.
var VolumeColumns = []string{ColumnVolume, ColumnAmount}

// Row is one keyed record. Missing core values are NaN.
// Extra holds optional columns; supported value kinds are float64, int64,
// string, bool, time.Time and nil.
type Row struct {
	Key    time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
	Amount float64
	Extra  map[string]any
}

// NewRow returns a row for key with every core value missing.
func NewRow(key time.Time) Row {
	nan := math.NaN()
	return Row{
		Key:    NormalizeKey(key),
		Open:   nan,
		High:   nan,
		Low:    nan,
		Close:  nan,
		Volume: nan,
		Amount: nan,
	}
}

// NormalizeKey truncates t to its calendar day, expressed in UTC.
func NormalizeKey(t time.Time) time.Time {
	if t.IsZero() {
		return time.Time{}
	}
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// KeyString formats a key in KeyLayout.
func KeyString(t time.Time) string {
	return t.Format(KeyLayout)
}

// ParseKey parses a KeyLayout date.
func ParseKey(value string) (time.Time, error) {
	return time.ParseInLocation(KeyLayout, value, time.UTC)
}

// IsCoreColumn reports whether name is part of the fixed schema.
func IsCoreColumn(name string) bool {
	switch name {
	case ColumnOpen, ColumnHigh, ColumnLow, ColumnClose, ColumnVolume, ColumnAmount:
		return true
	}
	return false
}

// IsMissing reports whether v represents a missing value.
func IsMissing(v float64) bool {
	return math.IsNaN(v)
}

// Value returns the value stored under column. Core columns always exist;
// optional columns report false when absent from Extra.
func (r Row) Value(column string) (any, bool) {
	if f, ok := r.core(column); ok {
		return f, true
	}
	v, ok := r.Extra[column]
	return v, ok
}

// Float returns column as a float64. Optional int64 values are widened.
func (r Row) Float(column string) (float64, bool) {
	if f, ok := r.core(column); ok {
		return f, true
	}
	switch v := r.Extra[column].(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// SetFloat stores v under column. It returns false for optional columns
// that do not already hold a numeric value.
func (r *Row) SetFloat(column string, v float64) bool {
	switch column {
	case ColumnOpen:
		r.Open = v
	case ColumnHigh:
		r.High = v
	case ColumnLow:
		r.Low = v
	case ColumnClose:
		r.Close = v
	case ColumnVolume:
		r.Volume = v
	case ColumnAmount:
		r.Amount = v
	default:
		if _, ok := r.Extra[column].(float64); !ok {
			return false
		}
		r.Extra[column] = v
	}
	return true
}

// Clone returns a copy that shares no mutable state with r.
func (r Row) Clone() Row {
	out := r
	if r.Extra != nil {
		out.Extra = make(map[string]any, len(r.Extra))
		for k, v := range r.Extra {
			out.Extra[k] = v
		}
	}
	return out
}

func (r Row) core(column string) (float64, bool) {
	switch column {
	case ColumnOpen:
		return r.Open, true
	case ColumnHigh:
		return r.High, true
	case ColumnLow:
		return r.Low, true
	case ColumnClose:
		return r.Close, true
	case ColumnVolume:
		return r.Volume, true
	case ColumnAmount:
		return r.Amount, true
	}
	return 0, false
}

// KeyRange is an inclusive range of row keys.
type KeyRange struct {
	Start time.Time
	End   time.Time
}

// IsZero reports whether the range is unset.
func (k KeyRange) IsZero() bool {
	return k.Start.IsZero() && k.End.IsZero()
}

// Contains reports whether key falls inside the range. A zero bound is open.
func (k KeyRange) Contains(key time.Time) bool {
	key = NormalizeKey(key)
	if !k.Start.IsZero() && key.Before(k.Start) {
		return false
	}
	return k.End.IsZero() || !key.After(k.End)
}

// Equal compares two ranges by calendar day.
func (k KeyRange) Equal(other KeyRange) bool {
	return k.Start.Equal(other.Start) && k.End.Equal(other.End)
}

func (k KeyRange) String() string {
	if k.IsZero() {
		return "[]"
	}
	return "[" + KeyString(k.Start) + ", " + KeyString(k.End) + "]"
}
