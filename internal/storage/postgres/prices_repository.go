package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/sujun1972/stock-analysis-sub000/internal/domain/dataset"
)

// upsertBatchSize bounds the statements queued per round trip.
const upsertBatchSize = 500

// Load returns the persisted rows of datasetKey inside kr, ordered by key.
// A zero range returns every row.
func (r *Repository) Load(ctx context.Context, datasetKey string, kr dataset.KeyRange) (snap dataset.Snapshot, err error) {
	defer observe("load_prices", &err)()

	start, end := pgtype.Date{}, pgtype.Date{}
	if !kr.IsZero() {
		start, end = toDate(kr.Start), toDate(kr.End)
	}
	rows, err := r.queryer().Query(ctx, `
SELECT trade_date, open, high, low, close, volume, amount, extra
  FROM daily_prices
 WHERE dataset_key = $1
   AND ($2::date IS NULL OR trade_date >= $2)
   AND ($3::date IS NULL OR trade_date <= $3)
 ORDER BY trade_date`,
		datasetKey, start, end,
	)
	if err != nil {
		return dataset.Snapshot{}, fmt.Errorf("load prices: %w", err)
	}
	defer rows.Close()

	var out []dataset.Row
	for rows.Next() {
		var (
			key    pgtype.Date
			values [6]pgtype.Float8
			extra  []byte
		)
		if err := rows.Scan(&key, &values[0], &values[1], &values[2], &values[3], &values[4], &values[5], &extra); err != nil {
			return dataset.Snapshot{}, fmt.Errorf("scan price row: %w", err)
		}
		row := dataset.NewRow(fromDate(key))
		for i, column := range dataset.CoreColumns {
			row.SetFloat(column, fromFloat(values[i]))
		}
		if row.Extra, err = decodeExtra(extra); err != nil {
			return dataset.Snapshot{}, fmt.Errorf("decode extra for %s: %w", dataset.KeyString(row.Key), err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return dataset.Snapshot{}, fmt.Errorf("iterate prices: %w", err)
	}
	return dataset.FromRows(out)
}

// Upsert inserts or replaces rows by (dataset_key, trade_date) and returns
// how many were written.
func (r *Repository) Upsert(ctx context.Context, datasetKey string, rows []dataset.Row) (n int, err error) {
	defer observe("upsert_prices", &err)()

	for from := 0; from < len(rows); from += upsertBatchSize {
		to := min(from+upsertBatchSize, len(rows))
		batch := &pgx.Batch{}
		for _, row := range rows[from:to] {
			extra, err := encodeExtra(row.Extra)
			if err != nil {
				return n, fmt.Errorf("encode extra for %s: %w", dataset.KeyString(row.Key), err)
			}
			batch.Queue(`
INSERT INTO daily_prices (dataset_key, trade_date, open, high, low, close, volume, amount, extra, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
ON CONFLICT (dataset_key, trade_date) DO UPDATE
   SET open = EXCLUDED.open,
       high = EXCLUDED.high,
       low = EXCLUDED.low,
       close = EXCLUDED.close,
       volume = EXCLUDED.volume,
       amount = EXCLUDED.amount,
       extra = EXCLUDED.extra,
       updated_at = now()`,
				datasetKey, toDate(row.Key),
				toFloat(row.Open), toFloat(row.High), toFloat(row.Low),
				toFloat(row.Close), toFloat(row.Volume), toFloat(row.Amount),
				extra,
			)
		}
		if err := sendBatch(ctx, r.queryer(), batch); err != nil {
			return n, fmt.Errorf("upsert prices: %w", err)
		}
		n += to - from
	}
	return n, nil
}

func sendBatch(ctx context.Context, q queryer, batch *pgx.Batch) error {
	results := q.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return err
		}
	}
	return results.Close()
}

// Missing core values are stored as NULL.
func toFloat(v float64) pgtype.Float8 {
	if math.IsNaN(v) {
		return pgtype.Float8{}
	}
	return pgtype.Float8{Float64: v, Valid: true}
}

func fromFloat(v pgtype.Float8) float64 {
	if !v.Valid {
		return math.NaN()
	}
	return v.Float64
}

// typedValue keeps the Go kind of an optional column across the JSONB column,
// so a reloaded row fingerprints exactly as it did before it was written.
type typedValue struct {
	Kind  string `json:"k"`
	Value string `json:"v,omitempty"`
}

func encodeExtra(extra map[string]any) ([]byte, error) {
	if len(extra) == 0 {
		return nil, nil
	}
	out := make(map[string]typedValue, len(extra))
	for name, v := range extra {
		switch x := v.(type) {
		case nil:
			out[name] = typedValue{Kind: "null"}
		case float64:
			out[name] = typedValue{Kind: "float", Value: strconv.FormatFloat(x, 'g', -1, 64)}
		case int64:
			out[name] = typedValue{Kind: "int", Value: strconv.FormatInt(x, 10)}
		case int:
			out[name] = typedValue{Kind: "int", Value: strconv.Itoa(x)}
		case string:
			out[name] = typedValue{Kind: "string", Value: x}
		case bool:
			out[name] = typedValue{Kind: "bool", Value: strconv.FormatBool(x)}
		case time.Time:
			out[name] = typedValue{Kind: "time", Value: x.UTC().Format(time.RFC3339Nano)}
		default:
			return nil, fmt.Errorf("%w: column %s holds %T", dataset.ErrInvalidDataFormat, name, v)
		}
	}
	return json.Marshal(out)
}

func decodeExtra(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var stored map[string]typedValue
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, err
	}
	if len(stored) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(stored))
	for name, tv := range stored {
		var (
			v   any
			err error
		)
		switch tv.Kind {
		case "null":
			v = nil
		case "float":
			v, err = strconv.ParseFloat(tv.Value, 64)
		case "int":
			v, err = strconv.ParseInt(tv.Value, 10, 64)
		case "string":
			v = tv.Value
		case "bool":
			v, err = strconv.ParseBool(tv.Value)
		case "time":
			v, err = time.Parse(time.RFC3339Nano, tv.Value)
		default:
			err = fmt.Errorf("unknown kind %q", tv.Kind)
		}
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", name, err)
		}
		out[name] = v
	}
	return out, nil
}
