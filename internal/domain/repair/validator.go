package repair

import (
	"context"

	"github.com/sujun1972/stock-analysis-sub000/internal/domain/dataset"
)

// PriceValidator diagnoses daily OHLCV series.
type PriceValidator struct {
	IQRMultiplier float64
}

// NewPriceValidator returns a validator using multiplier for the outlier fence.
func NewPriceValidator(multiplier float64) *PriceValidator {
	if multiplier <= 0 {
		multiplier = DefaultIQRMultiplier
	}
	return &PriceValidator{IQRMultiplier: multiplier}
}

var _ Validator = (*PriceValidator)(nil)

// Validate returns one issue per category that has findings, in repair order.
func (v *PriceValidator) Validate(ctx context.Context, snap dataset.Snapshot) ([]Issue, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows := snap.Rows()
	cols := declaredColumns(snap)
	var issues []Issue

	missing := Issue{Type: IssueMissingValues, Columns: map[string]int{}}
	nullable := cols.nullable()
	for _, r := range rows {
		hit := false
		for _, c := range nullable {
			if isMissingCell(r, c) {
				missing.Columns[c]++
				missing.Count++
				hit = true
			}
		}
		if hit {
			missing.addKey(r)
		}
	}
	issues = appendIssue(issues, missing)

	outliers := Issue{Type: IssueOutliers, Columns: map[string]int{}}
	for _, c := range cols.price {
		for _, flagged := range columnOutliers(rows, c, v.IQRMultiplier) {
			if flagged {
				outliers.Columns[c]++
			}
		}
	}
	for i, flagged := range outlierMask(rows, cols.price, v.IQRMultiplier) {
		if flagged {
			outliers.Count++
			outliers.addKey(rows[i])
		}
	}
	issues = appendIssue(issues, outliers)

	logic := Issue{Type: IssueLogicError}
	for _, r := range rows {
		if logicViolation(r) {
			logic.Count++
			logic.addKey(r)
		}
	}
	issues = appendIssue(issues, logic)

	dups := Issue{Type: IssueDuplicates}
	for i := 1; i < len(rows); i++ {
		if rows[i].Key.Equal(rows[i-1].Key) {
			dups.Count++
			dups.addKey(rows[i])
		}
	}
	issues = appendIssue(issues, dups)

	return issues, nil
}

func (i *Issue) addKey(r dataset.Row) {
	if len(i.Keys) >= maxIssueKeys {
		return
	}
	if n := len(i.Keys); n > 0 && i.Keys[n-1].Equal(r.Key) {
		return
	}
	i.Keys = append(i.Keys, r.Key)
}

func appendIssue(issues []Issue, issue Issue) []Issue {
	if issue.Count == 0 {
		return issues
	}
	if len(issue.Columns) == 0 {
		issue.Columns = nil
	}
	return append(issues, issue)
}
