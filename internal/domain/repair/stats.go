package repair

import (
	"math"
	"sort"

	"github.com/sujun1972/stock-analysis-sub000/internal/domain/dataset"
)

// quantile returns the q-quantile of sorted using linear interpolation
// between closest ranks.
func quantile(sorted []float64, q float64) float64 {
	n := len(sorted)
	switch {
	case n == 0:
		return math.NaN()
	case n == 1:
		return sorted[0]
	}
	pos := q * float64(n-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	return sorted[lo] + (pos-float64(lo))*(sorted[hi]-sorted[lo])
}

func sortedFinite(values []float64) []float64 {
	out := make([]float64, 0, len(values))
	for _, v := range values {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			out = append(out, v)
		}
	}
	sort.Float64s(out)
	return out
}

// minChanges is the fewest period-over-period changes needed for a fence.
const minChanges = 4

// minIQR floors the interquartile range of relative changes. A flat series
// has an IQR of zero and would otherwise flag every ordinary move.
const minIQR = 0.01

// outlierMask flags rows whose per-period relative change against the last
// unflagged value falls outside the IQR fence of the column's consecutive
// relative changes. Flags are unioned across columns. Rows breaking price
// logic are left to the logic repair and never flagged.
func outlierMask(rows []dataset.Row, columns []string, multiplier float64) []bool {
	mask := make([]bool, len(rows))
	for _, c := range columns {
		for i, flagged := range columnOutliers(rows, c, multiplier) {
			if flagged {
				mask[i] = true
			}
		}
	}
	return mask
}

// stepChange is the mean geometric change per position when moving from base
// to v across gap positions.
func stepChange(base, v float64, gap int) float64 {
	ratio := v / base
	if gap <= 1 || ratio <= 0 {
		return ratio - 1
	}
	return math.Pow(ratio, 1/float64(gap)) - 1
}

func columnOutliers(rows []dataset.Row, column string, multiplier float64) []bool {
	flags := make([]bool, len(rows))
	values := make([]float64, len(rows))
	for i, r := range rows {
		if logicViolation(r) {
			values[i] = math.NaN()
			continue
		}
		values[i] = floatOrNaN(r, column)
	}

	changes := make([]float64, 0, len(rows))
	prev := -1
	for i, v := range values {
		if math.IsNaN(v) {
			continue
		}
		if prev >= 0 && values[prev] != 0 {
			changes = append(changes, stepChange(values[prev], v, i-prev))
		}
		prev = i
	}
	sorted := sortedFinite(changes)
	if len(sorted) < minChanges {
		return flags
	}
	q1, q3 := quantile(sorted, 0.25), quantile(sorted, 0.75)
	iqr := math.Max(q3-q1, minIQR)
	lower, upper := q1-multiplier*iqr, q3+multiplier*iqr

	base := -1
	for i, v := range values {
		if math.IsNaN(v) {
			continue
		}
		if base < 0 || values[base] == 0 {
			base = i
			continue
		}
		change := stepChange(values[base], v, i-base)
		if change < lower || change > upper {
			flags[i] = true
			continue
		}
		base = i
	}
	return flags
}

// logicViolation reports whether a row breaks low <= open, close <= high.
func logicViolation(r dataset.Row) bool {
	if dataset.IsMissing(r.High) || dataset.IsMissing(r.Low) {
		return false
	}
	if r.High < r.Low {
		return true
	}
	for _, v := range []float64{r.Open, r.Close} {
		if !dataset.IsMissing(v) && (v < r.Low || v > r.High) {
			return true
		}
	}
	return false
}

// columnSet holds the declared columns the strategies read and write.
// Columns absent from the snapshot are never inspected.
type columnSet struct {
	continuous []string // forward-filled: prices plus numeric optional columns
	volume     []string // zero-filled
	price      []string
}

func (c columnSet) nullable() []string {
	return append(append([]string(nil), c.continuous...), c.volume...)
}

func declaredColumns(snap dataset.Snapshot) columnSet {
	var cols columnSet
	for _, c := range dataset.PriceColumns {
		if snap.HasColumn(c) {
			cols.price = append(cols.price, c)
		}
	}
	for _, c := range dataset.VolumeColumns {
		if snap.HasColumn(c) {
			cols.volume = append(cols.volume, c)
		}
	}
	cols.continuous = append([]string(nil), cols.price...)
	for _, c := range snap.Columns() {
		if dataset.IsCoreColumn(c) {
			continue
		}
		numeric := false
		snap.Each(func(_ int, r dataset.Row) bool {
			_, numeric = r.Extra[c].(float64)
			return !numeric
		})
		if numeric {
			cols.continuous = append(cols.continuous, c)
		}
	}
	return cols
}

func isMissingCell(r dataset.Row, column string) bool {
	v, ok := r.Float(column)
	return ok && dataset.IsMissing(v)
}

func floatOrNaN(r dataset.Row, column string) float64 {
	v, ok := r.Float(column)
	if !ok {
		return math.NaN()
	}
	return v
}
