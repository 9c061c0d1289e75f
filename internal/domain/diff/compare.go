package diff

import (
	"math"
	"reflect"
	"time"

	"github.com/sujun1972/stock-analysis-sub000/internal/domain/dataset"
)

// sharedColumns returns the columns present in both snapshots. Columns the
// store does not persist cannot be diffed.
func sharedColumns(a, b dataset.Snapshot) []string {
	out := make([]string, 0, len(a.Columns()))
	for _, c := range a.Columns() {
		if b.HasColumn(c) {
			out = append(out, c)
		}
	}
	return out
}

// rowsEqual compares two rows over columns. Floats within epsilon are equal,
// as are two missing values.
func rowsEqual(a, b dataset.Row, columns []string, epsilon float64) bool {
	for _, c := range columns {
		if !valuesEqual(a, b, c, epsilon) {
			return false
		}
	}
	return true
}

func valuesEqual(a, b dataset.Row, column string, epsilon float64) bool {
	av, aok := a.Value(column)
	bv, bok := b.Value(column)
	if !aok {
		av = nil
	}
	if !bok {
		bv = nil
	}
	if av == nil || bv == nil {
		return av == nil && bv == nil
	}

	af, aNum := a.Float(column)
	bf, bNum := b.Float(column)
	if aNum && bNum {
		return floatsEqual(af, bf, epsilon)
	}
	if at, ok := av.(time.Time); ok {
		bt, ok := bv.(time.Time)
		return ok && at.Equal(bt)
	}
	return reflect.DeepEqual(av, bv)
}

func floatsEqual(a, b, epsilon float64) bool {
	aNaN, bNaN := math.IsNaN(a), math.IsNaN(b)
	if aNaN || bNaN {
		return aNaN && bNaN
	}
	if a == b {
		return true
	}
	return math.Abs(a-b) < epsilon
}
