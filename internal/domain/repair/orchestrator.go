// Package repair diagnoses a snapshot and applies bounded, ordered repairs:
// missing values, outliers, price logic and duplicate keys.
//
// Every run fingerprints the snapshot before and after so a change that no
// category reported is still visible in the report and the repair history.
package repair

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/sujun1972/stock-analysis-sub000/internal/audit"
	"github.com/sujun1972/stock-analysis-sub000/internal/domain/dataset"
	"github.com/sujun1972/stock-analysis-sub000/internal/domain/fingerprint"
	"github.com/sujun1972/stock-analysis-sub000/internal/domain/ids"
	"github.com/sujun1972/stock-analysis-sub000/internal/metrics"
	"github.com/sujun1972/stock-analysis-sub000/internal/telemetry"
)

const tracerName = "github.com/sujun1972/stock-analysis-sub000/internal/domain/repair"

// Orchestrator runs diagnose-and-repair passes. It holds no per-dataset state.
type Orchestrator struct {
	fp        *fingerprint.Engine
	validator Validator
	logs      LogRepository
	recorder  audit.Recorder[LogEntry]
	methods   Methods
	logger    zerolog.Logger
	now       func() time.Time
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithMethods sets the default repair methods used when a run leaves them empty.
func WithMethods(m Methods) Option {
	return func(o *Orchestrator) { o.methods = m.withDefaults() }
}

// WithRecorder replaces the repair log recorder.
func WithRecorder(r audit.Recorder[LogEntry]) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithClock replaces the clock used for log timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// NewOrchestrator wires an orchestrator. A nil validator selects
// PriceValidator with the configured IQR multiplier. With nil logs, repair
// entries go to the logger and history is empty.
func NewOrchestrator(fp *fingerprint.Engine, validator Validator, logs LogRepository, logger zerolog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		fp:        fp,
		validator: validator,
		logs:      logs,
		methods:   DefaultMethods(),
		logger:    logger.With().Str("component", "repair").Logger(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.validator == nil {
		o.validator = NewPriceValidator(o.methods.IQRMultiplier)
	}
	if o.recorder == nil {
		sink := audit.LogSink[LogEntry](o.logger)
		if logs != nil {
			sink = logs.InsertRepairLog
		}
		o.recorder = audit.NewSyncRecorder[LogEntry]("repair_logs", sink, logger)
	}
	return o
}

// DiagnoseAndRepair validates snap and, when opts.AutoRepair is set, repairs
// it category by category. A failing category is reported in
// Report.Failures and leaves the rows as the previous category produced them.
//
// Only a missing close column or a failing validator return an error.
func (o *Orchestrator) DiagnoseAndRepair(ctx context.Context, datasetKey string, snap dataset.Snapshot, opts Options) (dataset.Snapshot, Report, error) {
	ctx, span := telemetry.GetTracer(tracerName).Start(ctx, "repair.DiagnoseAndRepair")
	defer span.End()

	runID := ids.NewRunID()
	span.SetAttributes(
		attribute.String("dataset.key", datasetKey),
		attribute.String("run.id", runID),
		attribute.Int("rows", snap.Len()),
	)
	report := Report{RunID: runID, DatasetKey: datasetKey, RowsBefore: snap.Len()}
	logger := o.logger.With().Str("dataset_key", datasetKey).Str("run_id", runID).Logger()

	fail := func(err error) (dataset.Snapshot, Report, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return snap, report, err
	}

	if !snap.HasColumn(dataset.ColumnClose) {
		return fail(dataset.NewValidationError(datasetKey, "repair_required_column",
			fmt.Errorf("%w: %s", dataset.ErrMissingColumn, dataset.ColumnClose)))
	}

	before, err := o.fp.Checksum(snap)
	if err != nil {
		return fail(err)
	}
	report.BeforeChecksum = before

	issues, err := o.validator.Validate(ctx, snap)
	if err != nil {
		return fail(fmt.Errorf("validate %s: %w", datasetKey, err))
	}
	report.Issues = issues

	if len(issues) == 0 || !opts.AutoRepair {
		report.Passthrough = len(issues) == 0
		report.AfterChecksum = before
		report.RowsAfter = snap.Len()
		outcome := "passthrough"
		if !report.Passthrough {
			outcome = "diagnosed"
		}
		metrics.RepairRuns.WithLabelValues(outcome).Inc()
		logger.Debug().Int("issues", len(issues)).Str("outcome", outcome).Msg("repair skipped")
		return snap, report, nil
	}

	methods := o.resolve(opts.Methods)
	cols := declaredColumns(snap)
	rows := snap.Rows()

	for _, category := range Categories {
		next, count, err := o.runCategory(category, rows, cols, methods)
		if err != nil {
			failure := &dataset.RepairFailure{DatasetKey: datasetKey, Category: string(category), Err: err}
			report.Failures = append(report.Failures, failure)
			metrics.RepairFailures.WithLabelValues(string(category)).Inc()
			logger.Error().Err(err).Str("category", string(category)).Msg("repair category failed")
			continue
		}
		rows = next
		if count > 0 {
			report.RepairsApplied = append(report.RepairsApplied, AppliedRepair{
				Category: category,
				Method:   methodName(category, methods),
				Count:    count,
			})
			metrics.RepairsApplied.WithLabelValues(string(category)).Inc()
		}
	}

	repaired, err := snap.WithRows(rows)
	if err != nil {
		return fail(dataset.NewValidationError(datasetKey, "repair_rebuild", err))
	}
	after, err := o.fp.Checksum(repaired)
	if err != nil {
		return fail(err)
	}
	report.AfterChecksum = after
	report.ChecksumChanged = before != after
	report.RowsAfter = repaired.Len()

	o.record(ctx, report)
	metrics.RepairRuns.WithLabelValues("repaired").Inc()
	span.SetAttributes(
		attribute.Int("repairs.applied", len(report.RepairsApplied)),
		attribute.Bool("checksum.changed", report.ChecksumChanged),
	)

	logger.Info().
		Int("issues", len(issues)).
		Int("applied", len(report.RepairsApplied)).
		Int("failures", len(report.Failures)).
		Int("rows_before", report.RowsBefore).
		Int("rows_after", report.RowsAfter).
		Bool("checksum_changed", report.ChecksumChanged).
		Msg("repair finished")
	return repaired, report, nil
}

func (o *Orchestrator) resolve(m Methods) Methods {
	if m.Missing == "" {
		m.Missing = o.methods.Missing
	}
	if m.Outliers == "" {
		m.Outliers = o.methods.Outliers
	}
	if m.IQRMultiplier <= 0 {
		m.IQRMultiplier = o.methods.IQRMultiplier
	}
	return m.withDefaults()
}

// runCategory applies one strategy to a private copy of rows. A panic is
// converted to an error so the remaining categories still run.
func (o *Orchestrator) runCategory(category IssueType, rows []dataset.Row, cols columnSet, m Methods) (out []dataset.Row, count int, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, count, err = nil, 0, fmt.Errorf("panic: %v", r)
		}
	}()
	fn := strategyFor(category)
	if fn == nil {
		return nil, 0, fmt.Errorf("no strategy for %s", category)
	}
	work := make([]dataset.Row, len(rows))
	for i, r := range rows {
		work[i] = r.Clone()
	}
	return fn(work, cols, m)
}

// record writes one history entry per applied or failed category, and an
// unexplained_change entry when the checksum moved without any applied repair.
func (o *Orchestrator) record(ctx context.Context, report Report) {
	now := o.now().UTC()
	base := LogEntry{
		RunID:          report.RunID,
		DatasetKey:     report.DatasetKey,
		RepairDate:     now,
		BeforeChecksum: report.BeforeChecksum,
		AfterChecksum:  report.AfterChecksum,
		CreatedAt:      now,
	}

	for _, applied := range report.RepairsApplied {
		entry := base
		entry.IssueType = applied.Category
		entry.IssueCount = applied.Count
		entry.RepairMethod = applied.Method
		entry.RepairStatus = StatusSuccess
		entry.IssueDetails = issueDetails(report.Issues, applied.Category)
		o.recorder.Record(ctx, entry)
	}
	for _, failure := range report.Failures {
		entry := base
		entry.IssueType = IssueType(failure.Category)
		entry.RepairStatus = StatusFailed
		entry.IssueDetails = issueDetails(report.Issues, entry.IssueType)
		entry.IssueDetails["error"] = failure.Err.Error()
		for _, issue := range report.Issues {
			if issue.Type == entry.IssueType {
				entry.IssueCount = issue.Count
			}
		}
		o.recorder.Record(ctx, entry)
	}
	if report.ChecksumChanged && len(report.RepairsApplied) == 0 {
		entry := base
		entry.IssueType = IssueUnexplainedChange
		entry.RepairStatus = StatusUnexplained
		entry.IssueDetails = map[string]any{
			"rows_before": report.RowsBefore,
			"rows_after":  report.RowsAfter,
		}
		o.recorder.Record(ctx, entry)
		o.logger.Warn().
			Str("dataset_key", report.DatasetKey).
			Str("before", report.BeforeChecksum).
			Str("after", report.AfterChecksum).
			Msg("checksum changed without an applied repair")
	}
}

func issueDetails(issues []Issue, category IssueType) map[string]any {
	details := map[string]any{}
	for _, issue := range issues {
		if issue.Type != category {
			continue
		}
		details["detected"] = issue.Count
		if len(issue.Columns) > 0 {
			details["columns"] = issue.Columns
		}
		if len(issue.Keys) > 0 {
			keys := make([]string, len(issue.Keys))
			for i, k := range issue.Keys {
				keys[i] = dataset.KeyString(k)
			}
			details["keys"] = keys
		}
	}
	return details
}

// GetRepairHistory returns repair log entries newest first. An empty dataset
// key lists every dataset.
func (o *Orchestrator) GetRepairHistory(ctx context.Context, datasetKey string, limit int) ([]LogEntry, error) {
	if o.logs == nil {
		return nil, nil
	}
	list, err := o.logs.ListRepairLogs(ctx, datasetKey, limit)
	if err != nil {
		return nil, dataset.NewStorageError(datasetKey, "repair_history", nil, err)
	}
	return list, nil
}

// PreCommit repairs remote with the default methods before it is diffed.
// Category failures are logged and do not stop the ingest cycle.
func (o *Orchestrator) PreCommit(ctx context.Context, datasetKey string, remote dataset.Snapshot) (dataset.Snapshot, error) {
	repaired, _, err := o.DiagnoseAndRepair(ctx, datasetKey, remote, Options{AutoRepair: true})
	if err != nil {
		return dataset.Snapshot{}, err
	}
	return repaired, nil
}
