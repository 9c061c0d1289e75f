package repair

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sujun1972/stock-analysis-sub000/internal/domain/dataset"
)

// IssueType names a class of data-quality problem and its repair category.
type IssueType string

const (
	IssueMissingValues IssueType = "missing_values"
	IssueOutliers      IssueType = "outliers"
	IssueLogicError    IssueType = "logic_error"
	IssueDuplicates    IssueType = "duplicates"

	// IssueUnexplainedChange is logged when the checksum changed but no
	// repair category reported a change.
	IssueUnexplainedChange IssueType = "unexplained_change"
)

// Categories is the fixed repair order.
var Categories = []IssueType{IssueMissingValues, IssueOutliers, IssueLogicError, IssueDuplicates}

// MissingMethod selects the missing-value repair.
type MissingMethod string

const (
	MissingForwardFill MissingMethod = "ffill"
	MissingDrop        MissingMethod = "drop"
)

// OutlierMethod selects the treatment of flagged outlier rows.
type OutlierMethod string

const (
	OutlierClip        OutlierMethod = "clip"
	OutlierInterpolate OutlierMethod = "interpolate"
	OutlierRemove      OutlierMethod = "remove"
)

// DefaultIQRMultiplier widens the interquartile fence used for outliers.
const DefaultIQRMultiplier = 3.0

// ErrInvalidMethod is returned for unknown repair method names.
var ErrInvalidMethod = errors.New("invalid repair method")

// Methods selects the repair applied per category.
type Methods struct {
	Missing       MissingMethod
	Outliers      OutlierMethod
	IQRMultiplier float64
}

// DefaultMethods returns ffill, clip and the default IQR multiplier.
func DefaultMethods() Methods {
	return Methods{Missing: MissingForwardFill, Outliers: OutlierClip, IQRMultiplier: DefaultIQRMultiplier}
}

// ParseMethods validates method names; empty values take the defaults.
func ParseMethods(missing, outliers string, iqrMultiplier float64) (Methods, error) {
	m := DefaultMethods()
	switch v := MissingMethod(strings.ToLower(strings.TrimSpace(missing))); v {
	case "":
	case MissingForwardFill, MissingDrop:
		m.Missing = v
	default:
		return Methods{}, fmt.Errorf("%w: missing method %q", ErrInvalidMethod, missing)
	}
	switch v := OutlierMethod(strings.ToLower(strings.TrimSpace(outliers))); v {
	case "":
	case OutlierClip, OutlierInterpolate, OutlierRemove:
		m.Outliers = v
	default:
		return Methods{}, fmt.Errorf("%w: outlier method %q", ErrInvalidMethod, outliers)
	}
	if iqrMultiplier < 0 {
		return Methods{}, fmt.Errorf("%w: iqr multiplier %v", ErrInvalidMethod, iqrMultiplier)
	}
	if iqrMultiplier > 0 {
		m.IQRMultiplier = iqrMultiplier
	}
	return m, nil
}

func (m Methods) withDefaults() Methods {
	d := DefaultMethods()
	if m.Missing == "" {
		m.Missing = d.Missing
	}
	if m.Outliers == "" {
		m.Outliers = d.Outliers
	}
	if m.IQRMultiplier <= 0 {
		m.IQRMultiplier = d.IQRMultiplier
	}
	return m
}

// Options control one DiagnoseAndRepair run.
type Options struct {
	// AutoRepair false only diagnoses.
	AutoRepair bool
	// Methods zero values fall back to the orchestrator defaults.
	Methods Methods
}

// Issue is one finding of a Validator.
type Issue struct {
	Type  IssueType
	Count int
	// Columns breaks Count down per column where that is meaningful.
	Columns map[string]int
	// Keys holds up to maxIssueKeys affected row keys.
	Keys []time.Time
}

const maxIssueKeys = 20

// Validator diagnoses a snapshot.
type Validator interface {
	Validate(ctx context.Context, snap dataset.Snapshot) ([]Issue, error)
}

// AppliedRepair is a category that changed the snapshot.
type AppliedRepair struct {
	Category IssueType
	Method   string
	Count    int
}

// Report is the outcome of DiagnoseAndRepair.
type Report struct {
	RunID           string
	DatasetKey      string
	Issues          []Issue
	Passthrough     bool
	RepairsApplied  []AppliedRepair
	Failures        []*dataset.RepairFailure
	BeforeChecksum  string
	AfterChecksum   string
	ChecksumChanged bool
	RowsBefore      int
	RowsAfter       int
}

// Applied returns the applied repair of category, if any.
func (r Report) Applied(category IssueType) (AppliedRepair, bool) {
	for _, a := range r.RepairsApplied {
		if a.Category == category {
			return a, true
		}
	}
	return AppliedRepair{}, false
}

// Repair log statuses.
const (
	StatusSuccess     = "success"
	StatusFailed      = "failed"
	StatusUnexplained = "unexplained"
)

// LogEntry is one row of the repair history.
type LogEntry struct {
	ID             int64
	RunID          string
	DatasetKey     string
	RepairDate     time.Time
	IssueType      IssueType
	IssueCount     int
	IssueDetails   map[string]any
	RepairMethod   string
	RepairStatus   string
	BeforeChecksum string
	AfterChecksum  string
	CreatedAt      time.Time
}

// LogRepository persists and reads the repair history.
type LogRepository interface {
	InsertRepairLog(ctx context.Context, entry LogEntry) error
	ListRepairLogs(ctx context.Context, datasetKey string, limit int) ([]LogEntry, error)
}
