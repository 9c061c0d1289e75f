package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/sujun1972/stock-analysis-sub000/internal/domain/dataset"
	"github.com/sujun1972/stock-analysis-sub000/internal/domain/fingerprint"
	"github.com/sujun1972/stock-analysis-sub000/internal/domain/ids"
	"github.com/sujun1972/stock-analysis-sub000/internal/domain/versions"
	"github.com/sujun1972/stock-analysis-sub000/internal/metrics"
)

const versionColumns = `id, dataset_key, version_number, key_start, key_end, source,
       record_count, checksum, parent_version_id, is_active, metadata, created_at`

// observe records the latency and outcome of one repository call.
func observe(operation string, err *error) func() {
	start := time.Now()
	return func() { metrics.RecordQuery(operation, start, *err) }
}

func (r *Repository) MaxSequence(ctx context.Context, datasetKey, prefix string) (n int, err error) {
	defer observe("max_sequence", &err)()

	pattern := "^" + regexp.QuoteMeta(prefix) + "_[0-9]{3}$"
	err = r.queryer().QueryRow(ctx, `
SELECT COALESCE(MAX(CAST(right(version_number, 3) AS INTEGER)), 0)
  FROM dataset_versions
 WHERE dataset_key = $1
   AND version_number ~ $2`,
		datasetKey, pattern,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("max version sequence: %w", err)
	}
	return n, nil
}

func (r *Repository) NumberExists(ctx context.Context, datasetKey, number string) (exists bool, err error) {
	defer observe("number_exists", &err)()

	err = r.queryer().QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM dataset_versions WHERE dataset_key = $1 AND version_number = $2)`,
		datasetKey, number,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("version number exists: %w", err)
	}
	return exists, nil
}

func (r *Repository) Insert(ctx context.Context, params versions.InsertParams) (v *versions.Version, err error) {
	defer observe("insert_version", &err)()

	id, err := ids.ParseUUID(params.ID)
	if err != nil {
		return nil, fmt.Errorf("version id %q: %w", params.ID, err)
	}
	parent, err := ids.ParseUUID(params.ParentID)
	if err != nil {
		return nil, fmt.Errorf("parent id %q: %w", params.ParentID, err)
	}
	metadata, err := encodeJSON(params.Metadata)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	createdAt := params.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	row := r.queryer().QueryRow(ctx, `
INSERT INTO dataset_versions (
    id, dataset_key, version_number, key_start, key_end, source,
    record_count, checksum, parent_version_id, is_active, metadata, created_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, true, $10, $11)
RETURNING `+versionColumns,
		id, params.DatasetKey, params.Number,
		toDate(params.KeyRange.Start), toDate(params.KeyRange.End),
		params.Source, params.RecordCount, params.Checksum, parent, metadata, createdAt,
	)
	v, err = scanVersion(row)
	if err != nil {
		return nil, translate(err)
	}
	return v, nil
}

func (r *Repository) DeactivateAll(ctx context.Context, datasetKey string) (err error) {
	defer observe("deactivate_versions", &err)()

	_, err = r.queryer().Exec(ctx,
		`UPDATE dataset_versions SET is_active = false WHERE dataset_key = $1 AND is_active`,
		datasetKey,
	)
	if err != nil {
		return fmt.Errorf("deactivate versions: %w", err)
	}
	return nil
}

func (r *Repository) Activate(ctx context.Context, datasetKey, number string) (err error) {
	defer observe("activate_version", &err)()

	tag, err := r.queryer().Exec(ctx,
		`UPDATE dataset_versions SET is_active = true WHERE dataset_key = $1 AND version_number = $2`,
		datasetKey, number,
	)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		return versions.ErrNotFound
	}
	return nil
}

// Delete removes versions by id. Chunk checksums cascade and children keep
// existing with a NULL parent.
func (r *Repository) Delete(ctx context.Context, idList []string) (n int, err error) {
	defer observe("delete_versions", &err)()

	uuids := make([]pgtype.UUID, 0, len(idList))
	for _, raw := range idList {
		id, parseErr := ids.ParseUUID(raw)
		if parseErr != nil || !id.Valid {
			continue
		}
		uuids = append(uuids, id)
	}
	if len(uuids) == 0 {
		return 0, nil
	}

	tag, err := r.queryer().Exec(ctx, `DELETE FROM dataset_versions WHERE id = ANY($1)`, uuids)
	if err != nil {
		return 0, fmt.Errorf("delete versions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *Repository) GetActive(ctx context.Context, datasetKey string) (v *versions.Version, err error) {
	defer observe("get_active_version", &err)()

	row := r.queryer().QueryRow(ctx,
		`SELECT `+versionColumns+` FROM dataset_versions WHERE dataset_key = $1 AND is_active`,
		datasetKey,
	)
	v, err = scanVersion(row)
	if err != nil {
		return nil, translate(err)
	}
	return v, nil
}

func (r *Repository) GetByNumber(ctx context.Context, datasetKey, number string) (v *versions.Version, err error) {
	defer observe("get_version", &err)()

	row := r.queryer().QueryRow(ctx,
		`SELECT `+versionColumns+` FROM dataset_versions WHERE dataset_key = $1 AND version_number = $2`,
		datasetKey, number,
	)
	v, err = scanVersion(row)
	if err != nil {
		return nil, translate(err)
	}
	return v, nil
}

func (r *Repository) GetByID(ctx context.Context, id string) (v *versions.Version, err error) {
	defer observe("get_version_by_id", &err)()

	uuid, err := ids.ParseUUID(id)
	if err != nil || !uuid.Valid {
		return nil, versions.ErrNotFound
	}
	row := r.queryer().QueryRow(ctx,
		`SELECT `+versionColumns+` FROM dataset_versions WHERE id = $1`,
		uuid,
	)
	v, err = scanVersion(row)
	if err != nil {
		return nil, translate(err)
	}
	return v, nil
}

// List returns versions newest first. A limit <= 0 returns all of them.
func (r *Repository) List(ctx context.Context, datasetKey string, limit int) (out []versions.Version, err error) {
	defer observe("list_versions", &err)()

	rows, err := r.queryer().Query(ctx, `
SELECT `+versionColumns+`
  FROM dataset_versions
 WHERE dataset_key = $1
 ORDER BY created_at DESC, seq DESC
 LIMIT $2`,
		datasetKey, toLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		out = append(out, *v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate versions: %w", err)
	}
	return out, nil
}

func (r *Repository) Count(ctx context.Context, datasetKey string) (n int, err error) {
	defer observe("count_versions", &err)()

	err = r.queryer().QueryRow(ctx,
		`SELECT COUNT(*) FROM dataset_versions WHERE dataset_key = $1`,
		datasetKey,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count versions: %w", err)
	}
	return n, nil
}

func (r *Repository) ListDatasets(ctx context.Context) (out []string, err error) {
	defer observe("list_datasets", &err)()

	rows, err := r.queryer().Query(ctx,
		`SELECT DISTINCT dataset_key FROM dataset_versions ORDER BY dataset_key COLLATE "C"`)
	if err != nil {
		return nil, fmt.Errorf("list datasets: %w", err)
	}
	out, err = pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("list datasets: %w", err)
	}
	return out, nil
}

// SaveChunks upserts by (version_id, chunk_type, chunk_key) in one batch.
func (r *Repository) SaveChunks(ctx context.Context, chunks []fingerprint.ChunkChecksum) (err error) {
	defer observe("save_chunks", &err)()

	if len(chunks) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, c := range chunks {
		id, parseErr := ids.ParseUUID(c.VersionID)
		if parseErr != nil || !id.Valid {
			return fmt.Errorf("chunk %s/%s: %w", c.ChunkType, c.ChunkKey, versions.ErrNotFound)
		}
		batch.Queue(`
INSERT INTO chunk_checksums (version_id, chunk_type, chunk_key, checksum, record_count, start_key, end_key)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (version_id, chunk_type, chunk_key) DO UPDATE
   SET checksum = EXCLUDED.checksum,
       record_count = EXCLUDED.record_count,
       start_key = EXCLUDED.start_key,
       end_key = EXCLUDED.end_key`,
			id, string(c.ChunkType), c.ChunkKey, c.Checksum, c.RecordCount,
			toDate(c.StartKey), toDate(c.EndKey),
		)
	}

	results := r.queryer().SendBatch(ctx, batch)
	for range chunks {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return translate(err)
		}
	}
	if err := results.Close(); err != nil {
		return translate(err)
	}
	return nil
}

func (r *Repository) ListChunks(ctx context.Context, versionID string) (out []fingerprint.ChunkChecksum, err error) {
	defer observe("list_chunks", &err)()

	id, err := ids.ParseUUID(versionID)
	if err != nil || !id.Valid {
		return nil, nil
	}
	rows, err := r.queryer().Query(ctx, `
SELECT chunk_type, chunk_key, checksum, record_count, start_key, end_key
  FROM chunk_checksums
 WHERE version_id = $1
 ORDER BY chunk_type COLLATE "C", chunk_key COLLATE "C"`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			c          fingerprint.ChunkChecksum
			chunkType  string
			start, end pgtype.Date
		)
		if err := rows.Scan(&chunkType, &c.ChunkKey, &c.Checksum, &c.RecordCount, &start, &end); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		c.VersionID = versionID
		c.ChunkType = fingerprint.ChunkType(chunkType)
		c.StartKey = fromDate(start)
		c.EndKey = fromDate(end)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunks: %w", err)
	}
	return out, nil
}

func scanVersion(row pgx.Row) (*versions.Version, error) {
	var (
		v          versions.Version
		id, parent pgtype.UUID
		start, end pgtype.Date
		metadata   []byte
	)
	if err := row.Scan(
		&id, &v.DatasetKey, &v.Number, &start, &end, &v.Source,
		&v.RecordCount, &v.Checksum, &parent, &v.IsActive, &metadata, &v.CreatedAt,
	); err != nil {
		return nil, err
	}
	v.ID = ids.UUIDToString(id)
	v.ParentID = ids.UUIDToString(parent)
	if start.Valid && end.Valid {
		v.KeyRange = dataset.KeyRange{Start: fromDate(start), End: fromDate(end)}
	}
	v.CreatedAt = v.CreatedAt.UTC()
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &v.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return &v, nil
}

func toDate(t time.Time) pgtype.Date {
	if t.IsZero() {
		return pgtype.Date{}
	}
	return pgtype.Date{Time: dataset.NormalizeKey(t), Valid: true}
}

func fromDate(d pgtype.Date) time.Time {
	if !d.Valid {
		return time.Time{}
	}
	return dataset.NormalizeKey(d.Time)
}

// toLimit converts a non-positive limit to SQL NULL, which LIMIT treats as unbounded.
func toLimit(limit int) pgtype.Int8 {
	return pgtype.Int8{Int64: int64(limit), Valid: limit > 0}
}

func encodeJSON(value map[string]any) ([]byte, error) {
	if value == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(value)
}
