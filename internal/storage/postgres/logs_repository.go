package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/sujun1972/stock-analysis-sub000/internal/domain/diff"
	"github.com/sujun1972/stock-analysis-sub000/internal/domain/repair"
)

func (r *Repository) InsertUpdateLog(ctx context.Context, entry diff.UpdateLog) (err error) {
	defer observe("insert_update_log", &err)()

	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err = r.queryer().Exec(ctx, `
INSERT INTO update_logs (
    run_id, dataset_key, update_type, is_full_update,
    new_count, updated_count, unchanged_count, deleted_count,
    status, duration_ms, source, version_number, error_message,
    created_at, completed_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		entry.RunID, entry.DatasetKey, entry.UpdateType, entry.IsFullUpdate,
		entry.NewCount, entry.UpdatedCount, entry.UnchangedCount, entry.DeletedCount,
		string(entry.Status), entry.Duration.Milliseconds(), entry.Source,
		nullText(entry.VersionNumber), nullText(entry.ErrorMessage),
		createdAt, nullTime(entry.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert update log: %w", err)
	}
	return nil
}

// ListUpdateLogs returns entries newest first. An empty datasetKey lists every
// dataset; a limit <= 0 lists everything.
func (r *Repository) ListUpdateLogs(ctx context.Context, datasetKey string, limit int) (out []diff.UpdateLog, err error) {
	defer observe("list_update_logs", &err)()

	rows, err := r.queryer().Query(ctx, `
SELECT id, run_id, dataset_key, update_type, is_full_update,
       new_count, updated_count, unchanged_count, deleted_count,
       status, duration_ms, source, version_number, error_message,
       created_at, completed_at
  FROM update_logs
 WHERE ($1 = '' OR dataset_key = $1)
 ORDER BY created_at DESC, id DESC
 LIMIT $2`,
		datasetKey, toLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("list update logs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			entry      diff.UpdateLog
			status     string
			durationMS int64
			number     pgtype.Text
			message    pgtype.Text
			completed  pgtype.Timestamptz
		)
		if err := rows.Scan(
			&entry.ID, &entry.RunID, &entry.DatasetKey, &entry.UpdateType, &entry.IsFullUpdate,
			&entry.NewCount, &entry.UpdatedCount, &entry.UnchangedCount, &entry.DeletedCount,
			&status, &durationMS, &entry.Source, &number, &message,
			&entry.CreatedAt, &completed,
		); err != nil {
			return nil, fmt.Errorf("scan update log: %w", err)
		}
		entry.Status = diff.Status(status)
		entry.Duration = time.Duration(durationMS) * time.Millisecond
		entry.VersionNumber = number.String
		entry.ErrorMessage = message.String
		entry.CreatedAt = entry.CreatedAt.UTC()
		if completed.Valid {
			entry.CompletedAt = completed.Time.UTC()
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate update logs: %w", err)
	}
	return out, nil
}

func (r *Repository) InsertRepairLog(ctx context.Context, entry repair.LogEntry) (err error) {
	defer observe("insert_repair_log", &err)()

	details, err := encodeJSON(entry.IssueDetails)
	if err != nil {
		return fmt.Errorf("encode issue details: %w", err)
	}
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	repairDate := entry.RepairDate
	if repairDate.IsZero() {
		repairDate = createdAt
	}
	_, err = r.queryer().Exec(ctx, `
INSERT INTO repair_logs (
    run_id, dataset_key, repair_date, issue_type, issue_count, issue_details,
    repair_method, repair_status, before_checksum, after_checksum, created_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		entry.RunID, entry.DatasetKey, toDate(repairDate), string(entry.IssueType), entry.IssueCount, details,
		entry.RepairMethod, entry.RepairStatus, entry.BeforeChecksum, entry.AfterChecksum, createdAt,
	)
	if err != nil {
		return fmt.Errorf("insert repair log: %w", err)
	}
	return nil
}

// ListRepairLogs returns entries newest first with the same filters as ListUpdateLogs.
func (r *Repository) ListRepairLogs(ctx context.Context, datasetKey string, limit int) (out []repair.LogEntry, err error) {
	defer observe("list_repair_logs", &err)()

	rows, err := r.queryer().Query(ctx, `
SELECT id, run_id, dataset_key, repair_date, issue_type, issue_count, issue_details,
       repair_method, repair_status, before_checksum, after_checksum, created_at
  FROM repair_logs
 WHERE ($1 = '' OR dataset_key = $1)
 ORDER BY created_at DESC, id DESC
 LIMIT $2`,
		datasetKey, toLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("list repair logs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			entry      repair.LogEntry
			repairDate pgtype.Date
			issueType  string
			details    []byte
		)
		if err := rows.Scan(
			&entry.ID, &entry.RunID, &entry.DatasetKey, &repairDate, &issueType, &entry.IssueCount, &details,
			&entry.RepairMethod, &entry.RepairStatus, &entry.BeforeChecksum, &entry.AfterChecksum, &entry.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan repair log: %w", err)
		}
		entry.RepairDate = fromDate(repairDate)
		entry.IssueType = repair.IssueType(issueType)
		entry.CreatedAt = entry.CreatedAt.UTC()
		if len(details) > 0 {
			if err := json.Unmarshal(details, &entry.IssueDetails); err != nil {
				return nil, fmt.Errorf("decode issue details: %w", err)
			}
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate repair logs: %w", err)
	}
	return out, nil
}

func nullText(value string) pgtype.Text {
	return pgtype.Text{String: value, Valid: value != ""}
}

func nullTime(value time.Time) pgtype.Timestamptz {
	return pgtype.Timestamptz{Time: value, Valid: !value.IsZero()}
}
