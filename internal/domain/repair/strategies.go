package repair

import (
	"fmt"
	"math"

	"github.com/sujun1972/stock-analysis-sub000/internal/domain/dataset"
)

// strategy repairs one category. It receives its own copy of the rows and
// returns the repaired rows plus how many rows or cells it changed.
type strategy func(rows []dataset.Row, cols columnSet, m Methods) ([]dataset.Row, int, error)

func strategyFor(category IssueType) strategy {
	switch category {
	case IssueMissingValues:
		return repairMissing
	case IssueOutliers:
		return repairOutliers
	case IssueLogicError:
		return repairPriceLogic
	case IssueDuplicates:
		return repairDuplicates
	}
	return nil
}

func methodName(category IssueType, m Methods) string {
	switch category {
	case IssueMissingValues:
		return string(m.Missing)
	case IssueOutliers:
		return fmt.Sprintf("%s(iqr=%g)", m.Outliers, m.IQRMultiplier)
	case IssueLogicError:
		return "swap_clamp"
	case IssueDuplicates:
		return "keep_first"
	}
	return ""
}

// repairMissing forward-fills continuous columns, back-filling a missing
// head, and zero-fills volume columns. With MissingDrop it instead drops
// every row holding a missing value in a declared column. The count is
// filled cells or dropped rows.
func repairMissing(rows []dataset.Row, cols columnSet, m Methods) ([]dataset.Row, int, error) {
	all := cols.nullable()

	switch m.Missing {
	case MissingDrop:
		out := rows[:0]
		dropped := 0
		for _, r := range rows {
			missing := false
			for _, c := range all {
				if isMissingCell(r, c) {
					missing = true
					break
				}
			}
			if missing {
				dropped++
				continue
			}
			out = append(out, r)
		}
		return out, dropped, nil

	case MissingForwardFill:
		filled := 0
		for _, c := range cols.continuous {
			filled += fillColumn(rows, c)
		}
		for _, c := range cols.volume {
			for i := range rows {
				if isMissingCell(rows[i], c) {
					rows[i].SetFloat(c, 0)
					filled++
				}
			}
		}
		return rows, filled, nil
	}
	return nil, 0, fmt.Errorf("%w: missing method %q", ErrInvalidMethod, m.Missing)
}

// fillColumn forward-fills then back-fills column in place.
func fillColumn(rows []dataset.Row, column string) int {
	filled := 0
	last := math.NaN()
	firstValid := -1
	for i := range rows {
		v, ok := rows[i].Float(column)
		if !ok {
			continue
		}
		if !dataset.IsMissing(v) {
			last = v
			if firstValid < 0 {
				firstValid = i
			}
			continue
		}
		if !math.IsNaN(last) && rows[i].SetFloat(column, last) {
			filled++
		}
	}
	if firstValid <= 0 {
		return filled
	}
	head, _ := rows[firstValid].Float(column)
	for i := 0; i < firstValid; i++ {
		if isMissingCell(rows[i], column) && rows[i].SetFloat(column, head) {
			filled++
		}
	}
	return filled
}

// repairOutliers treats rows flagged by the union outlier mask across the
// declared price columns. The count is the number of treated rows.
func repairOutliers(rows []dataset.Row, cols columnSet, m Methods) ([]dataset.Row, int, error) {
	mask := outlierMask(rows, cols.price, m.IQRMultiplier)
	flagged := 0
	for _, f := range mask {
		if f {
			flagged++
		}
	}
	if flagged == 0 {
		return rows, 0, nil
	}

	switch m.Outliers {
	case OutlierRemove:
		out := rows[:0]
		for i, r := range rows {
			if !mask[i] {
				out = append(out, r)
			}
		}
		return out, flagged, nil

	case OutlierClip:
		changed := make([]bool, len(rows))
		for _, c := range cols.price {
			unflagged := make([]float64, 0, len(rows))
			for i, r := range rows {
				if !mask[i] {
					unflagged = append(unflagged, floatOrNaN(r, c))
				}
			}
			sorted := sortedFinite(unflagged)
			if len(sorted) == 0 {
				continue
			}
			lo, hi := quantile(sorted, 0.01), quantile(sorted, 0.99)
			for i := range rows {
				if !mask[i] {
					continue
				}
				v := floatOrNaN(rows[i], c)
				if math.IsNaN(v) {
					continue
				}
				if clipped := math.Min(math.Max(v, lo), hi); clipped != v {
					rows[i].SetFloat(c, clipped)
					changed[i] = true
				}
			}
		}
		return rows, countTrue(changed), nil

	case OutlierInterpolate:
		changed := make([]bool, len(rows))
		for _, c := range cols.price {
			for i := range rows {
				if !mask[i] {
					continue
				}
				v, ok := interpolateAt(rows, mask, c, i)
				if ok && v != floatOrNaN(rows[i], c) {
					rows[i].SetFloat(c, v)
					changed[i] = true
				}
			}
		}
		return rows, countTrue(changed), nil
	}
	return nil, 0, fmt.Errorf("%w: outlier method %q", ErrInvalidMethod, m.Outliers)
}

// interpolateAt linearly interpolates column at i from the nearest unflagged
// neighbours by position, or copies the only neighbour available.
func interpolateAt(rows []dataset.Row, mask []bool, column string, i int) (float64, bool) {
	prev, next := -1, -1
	for j := i - 1; j >= 0; j-- {
		if !mask[j] && !math.IsNaN(floatOrNaN(rows[j], column)) {
			prev = j
			break
		}
	}
	for j := i + 1; j < len(rows); j++ {
		if !mask[j] && !math.IsNaN(floatOrNaN(rows[j], column)) {
			next = j
			break
		}
	}
	switch {
	case prev >= 0 && next >= 0:
		a, b := floatOrNaN(rows[prev], column), floatOrNaN(rows[next], column)
		return a + (b-a)*float64(i-prev)/float64(next-prev), true
	case prev >= 0:
		return floatOrNaN(rows[prev], column), true
	case next >= 0:
		return floatOrNaN(rows[next], column), true
	}
	return 0, false
}

// repairPriceLogic swaps high and low when inverted and clamps open and close
// into [low, high]. The count is the number of changed rows.
func repairPriceLogic(rows []dataset.Row, _ columnSet, _ Methods) ([]dataset.Row, int, error) {
	changed := 0
	for i := range rows {
		r := &rows[i]
		if dataset.IsMissing(r.High) || dataset.IsMissing(r.Low) {
			continue
		}
		touched := false
		if r.High < r.Low {
			r.High, r.Low = r.Low, r.High
			touched = true
		}
		if !dataset.IsMissing(r.Open) {
			if v := clamp(r.Open, r.Low, r.High); v != r.Open {
				r.Open = v
				touched = true
			}
		}
		if !dataset.IsMissing(r.Close) {
			if v := clamp(r.Close, r.Low, r.High); v != r.Close {
				r.Close = v
				touched = true
			}
		}
		if touched {
			changed++
		}
	}
	return rows, changed, nil
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}

// repairDuplicates keeps the first row of every repeated key. Rows always
// carry their key, so full-row duplicates are a subset of key duplicates.
func repairDuplicates(rows []dataset.Row, _ columnSet, _ Methods) ([]dataset.Row, int, error) {
	out := rows[:0]
	removed := 0
	for _, r := range rows {
		if n := len(out); n > 0 && out[n-1].Key.Equal(r.Key) {
			removed++
			continue
		}
		out = append(out, r)
	}
	return out, removed, nil
}

func countTrue(flags []bool) int {
	n := 0
	for _, f := range flags {
		if f {
			n++
		}
	}
	return n
}
