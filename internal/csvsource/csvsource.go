// Package csvsource reads and writes dataset snapshots as CSV files.
//
// The first line is a header. Core columns are matched by name (with a few
// common aliases such as "vol" and "date"); every other column is carried in
// Row.Extra, numeric cells as float64 and the rest as strings. Empty cells
// are missing values.
package csvsource

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jszwec/csvutil"

	"github.com/sujun1972/stock-analysis-sub000/internal/domain/dataset"
)

// record is the core-column view of one CSV line.
type record struct {
	TradeDate string   `csv:"trade_date"`
	Open      *float64 `csv:"open,omitempty"`
	High      *float64 `csv:"high,omitempty"`
	Low       *float64 `csv:"low,omitempty"`
	Close     *float64 `csv:"close,omitempty"`
	Volume    *float64 `csv:"volume,omitempty"`
	Amount    *float64 `csv:"amount,omitempty"`
}

var aliases = map[string]string{
	"date":       dataset.ColumnKey,
	"trade_day":  dataset.ColumnKey,
	"vol":        dataset.ColumnVolume,
	"turnover":   dataset.ColumnAmount,
	"amt":        dataset.ColumnAmount,
	"open_price": dataset.ColumnOpen,
}

// keyLayouts are the accepted trade_date formats.
var keyLayouts = []string{dataset.KeyLayout, "20060102", "2006/01/02", time.RFC3339}

// ReadFile reads the CSV file at path.
func ReadFile(path string) (dataset.Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return dataset.Snapshot{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	snap, err := Read(f)
	if err != nil {
		return dataset.Snapshot{}, fmt.Errorf("read %s: %w", path, err)
	}
	return snap, nil
}

// Read decodes a CSV stream into a snapshot ordered by key.
func Read(r io.Reader) (dataset.Snapshot, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.ReuseRecord = false

	raw, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return dataset.Snapshot{}, fmt.Errorf("%w: empty file", dataset.ErrInvalidDataFormat)
	}
	if err != nil {
		return dataset.Snapshot{}, fmt.Errorf("read header: %w", err)
	}
	header, err := normalizeHeader(raw)
	if err != nil {
		return dataset.Snapshot{}, err
	}

	dec, err := csvutil.NewDecoder(reader, header...)
	if err != nil {
		return dataset.Snapshot{}, fmt.Errorf("init decoder: %w", err)
	}

	var rows []dataset.Row
	for line := 2; ; line++ {
		var rec record
		if err := dec.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return dataset.Snapshot{}, fmt.Errorf("%w: line %d: %v", dataset.ErrInvalidDataFormat, line, err)
		}
		row, err := toRow(rec, header, dec.Record(), dec.Unused())
		if err != nil {
			return dataset.Snapshot{}, fmt.Errorf("%w: line %d: %v", dataset.ErrInvalidDataFormat, line, err)
		}
		rows = append(rows, row)
	}
	return dataset.FromRows(rows)
}

func normalizeHeader(raw []string) ([]string, error) {
	header := make([]string, len(raw))
	seen := make(map[string]struct{}, len(raw))
	hasKey := false
	for i, name := range raw {
		name = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))
		if alias, ok := aliases[name]; ok {
			name = alias
		}
		if name == "" {
			return nil, fmt.Errorf("%w: header column %d is empty", dataset.ErrInvalidDataFormat, i+1)
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("%w: duplicate header column %q", dataset.ErrInvalidDataFormat, name)
		}
		seen[name] = struct{}{}
		if name == dataset.ColumnKey {
			hasKey = true
		}
		header[i] = name
	}
	if !hasKey {
		return nil, fmt.Errorf("%w: header has no %s column", dataset.ErrInvalidDataFormat, dataset.ColumnKey)
	}
	return header, nil
}

func toRow(rec record, header, cells []string, unused []int) (dataset.Row, error) {
	key, err := parseKey(rec.TradeDate)
	if err != nil {
		return dataset.Row{}, err
	}
	row := dataset.NewRow(key)
	row.Open = orNaN(rec.Open)
	row.High = orNaN(rec.High)
	row.Low = orNaN(rec.Low)
	row.Close = orNaN(rec.Close)
	row.Volume = orNaN(rec.Volume)
	row.Amount = orNaN(rec.Amount)

	if len(unused) > 0 {
		row.Extra = make(map[string]any, len(unused))
		for _, i := range unused {
			row.Extra[header[i]] = parseExtra(cells[i])
		}
	}
	return row, nil
}

func parseKey(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, fmt.Errorf("missing %s", dataset.ColumnKey)
	}
	for _, layout := range keyLayouts {
		if t, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return dataset.NormalizeKey(t), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable %s %q", dataset.ColumnKey, value)
}

func orNaN(v *float64) float64 {
	if v == nil {
		return math.NaN()
	}
	return *v
}

func parseExtra(cell string) any {
	cell = strings.TrimSpace(cell)
	if cell == "" {
		return nil
	}
	if f, err := strconv.ParseFloat(cell, 64); err == nil {
		return f
	}
	return cell
}

// WriteFile writes snap to path, replacing any existing file.
func WriteFile(path string, snap dataset.Snapshot) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("close %s: %w", path, cerr)
		}
	}()
	return Write(f, snap)
}

// Write encodes snap as CSV: the key and core columns first, then the
// optional columns in name order. Missing values are empty cells.
func Write(w io.Writer, snap dataset.Snapshot) error {
	core, err := csvutil.Header(record{}, "csv")
	if err != nil {
		return fmt.Errorf("core header: %w", err)
	}
	var extras []string
	for _, c := range snap.Columns() {
		if !dataset.IsCoreColumn(c) && c != dataset.ColumnKey {
			extras = append(extras, c)
		}
	}
	sort.Strings(extras)

	out := csv.NewWriter(w)
	if err := out.Write(append(core, extras...)); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	var failure error
	cells := make([]string, len(core)+len(extras))
	snap.Each(func(_ int, r dataset.Row) bool {
		cells[0] = dataset.KeyString(r.Key)
		for i, c := range core[1:] {
			v, _ := r.Float(c)
			cells[i+1] = formatFloat(v)
		}
		for i, c := range extras {
			v, _ := r.Value(c)
			cells[len(core)+i] = formatValue(v)
		}
		if failure = out.Write(cells); failure != nil {
			return false
		}
		return true
	})
	if failure != nil {
		return fmt.Errorf("write row: %w", failure)
	}
	out.Flush()
	if err := out.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}

func formatFloat(v float64) string {
	if math.IsNaN(v) {
		return ""
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case float64:
		return formatFloat(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case int:
		return strconv.Itoa(x)
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339)
	case string:
		return x
	}
	return fmt.Sprint(v)
}
