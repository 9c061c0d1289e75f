package dataset

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrInvalidDataFormat covers bad or missing keys and columns.
var ErrInvalidDataFormat = errors.New("invalid data format")

// ErrMissingColumn is returned when a required column is absent.
var ErrMissingColumn = errors.New("missing required column")

// ValidationError is fatal and must not be retried: missing key or column,
// unsupported hash method, malformed chunk type.
type ValidationError struct {
	DatasetKey string
	Step       string
	Err        error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed%s: %v", describe(e.DatasetKey, e.Step, nil), e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// StorageError wraps a persistence failure. The partial transaction has been
// rolled back and the caller may retry.
type StorageError struct {
	DatasetKey string
	Step       string
	Counts     map[string]int
	Err        error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure%s: %v", describe(e.DatasetKey, e.Step, e.Counts), e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// RepairFailure records a failed repair category. The orchestrator reports it
// and moves on to the next category.
type RepairFailure struct {
	DatasetKey string
	Category   string
	Err        error
}

func (e *RepairFailure) Error() string {
	return fmt.Sprintf("repair %s failed%s: %v", e.Category, describe(e.DatasetKey, "", nil), e.Err)
}

func (e *RepairFailure) Unwrap() error { return e.Err }

// IntegrityMismatch describes a checksum verification failure. It is a
// reported value and deliberately does not implement error.
type IntegrityMismatch struct {
	Scope    string
	Expected string
	Actual   string
	Detail   string
}

// NewValidationError wraps err for datasetKey at step.
func NewValidationError(datasetKey, step string, err error) error {
	if err == nil {
		return nil
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return err
	}
	return &ValidationError{DatasetKey: datasetKey, Step: step, Err: err}
}

// NewStorageError wraps err for datasetKey at step.
func NewStorageError(datasetKey, step string, counts map[string]int, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{DatasetKey: datasetKey, Step: step, Counts: counts, Err: err}
}

// IsRetryable reports whether err is a transient storage failure.
func IsRetryable(err error) bool {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return false
	}
	var se *StorageError
	return errors.As(err, &se)
}

// IsValidation reports whether err is a fatal validation error.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func describe(datasetKey, step string, counts map[string]int) string {
	var parts []string
	if datasetKey != "" {
		parts = append(parts, "dataset="+datasetKey)
	}
	if step != "" {
		parts = append(parts, "step="+step)
	}
	if len(counts) > 0 {
		keys := make([]string, 0, len(counts))
		for k := range counts {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%d", k, counts[k]))
		}
	}
	if len(parts) == 0 {
		return ""
	}
	return " (" + strings.Join(parts, " ") + ")"
}
