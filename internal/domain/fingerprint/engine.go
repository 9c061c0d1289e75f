// Package fingerprint computes deterministic content checksums over
// snapshots, whole, per diff bucket, or per calendar chunk.
package fingerprint

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/zeebo/xxh3"

	"github.com/sujun1972/stock-analysis-sub000/internal/domain/dataset"
	"github.com/sujun1972/stock-analysis-sub000/internal/metrics"
)

// Hashing paths chosen by the capability check.
const (
	PathVectorized = "vectorized"
	PathSerialized = "serialized"
)

// DefaultWorkers bounds concurrent chunk hashing.
const DefaultWorkers = 4

// Engine computes checksums with a single configured method.
// It holds no mutable state and is safe for concurrent use.
type Engine struct {
	method  Method
	workers int
	logger  zerolog.Logger
}

// NewEngine returns an engine for the named method. An unknown method is a
// ValidationError wrapping ErrUnsupportedHashMethod.
func NewEngine(method string, logger zerolog.Logger) (*Engine, error) {
	m, err := ParseMethod(method)
	if err != nil {
		return nil, dataset.NewValidationError("", "new_engine", err)
	}
	return &Engine{
		method:  m,
		workers: DefaultWorkers,
		logger:  logger.With().Str("component", "fingerprint").Str("method", string(m)).Logger(),
	}, nil
}

// WithWorkers returns a copy of the engine using n concurrent chunk workers.
func (e *Engine) WithWorkers(n int) *Engine {
	if n < 1 {
		n = 1
	}
	c := *e
	c.workers = n
	return &c
}

// Method returns the configured hash method.
func (e *Engine) Method() Method { return e.method }

// Checksum hashes snap over columns (all present columns when none given).
// Row and column order never affect the result. An empty snapshot yields
// EmptyChecksum for the engine's method.
func (e *Engine) Checksum(snap dataset.Snapshot, columns ...string) (string, error) {
	sum, _, err := e.checksum(snap, columns)
	return sum, err
}

// Verification is the outcome of Validate. A mismatch is a value, not an error.
type Verification struct {
	Matches  bool
	Expected string
	Actual   string
}

// Mismatch returns the verification as an IntegrityMismatch when it failed.
func (v Verification) Mismatch(scope string) (dataset.IntegrityMismatch, bool) {
	if v.Matches {
		return dataset.IntegrityMismatch{}, false
	}
	return dataset.IntegrityMismatch{Scope: scope, Expected: v.Expected, Actual: v.Actual}, true
}

// Validate recomputes the checksum and compares it with expected.
func (e *Engine) Validate(snap dataset.Snapshot, expected string, columns ...string) (Verification, error) {
	actual, err := e.Checksum(snap, columns...)
	if err != nil {
		return Verification{}, err
	}
	v := Verification{
		Matches:  strings.EqualFold(actual, strings.TrimSpace(expected)),
		Expected: expected,
		Actual:   actual,
	}
	if !v.Matches {
		metrics.IntegrityMismatches.WithLabelValues("snapshot").Inc()
		e.logger.Debug().Str("expected", expected).Str("actual", actual).Msg("checksum mismatch")
	}
	return v, nil
}

func (e *Engine) checksum(snap dataset.Snapshot, columns []string) (string, string, error) {
	start := time.Now()

	cols, err := selectColumns(snap, columns)
	if err != nil {
		return "", "", dataset.NewValidationError("", "checksum", err)
	}

	h, err := e.method.newHash()
	if err != nil {
		return "", "", dataset.NewValidationError("", "checksum", err)
	}
	if snap.IsEmpty() {
		return hex.EncodeToString(h.Sum(nil)), PathVectorized, nil
	}

	writeHeader(h, cols)

	path := PathVectorized
	if vectorizable(snap, cols) {
		err = hashVectorized(h, snap, cols)
	} else {
		path = PathSerialized
		metrics.ChecksumFallbacks.Inc()
		err = hashSerialized(h, snap, cols)
	}
	if err != nil {
		return "", "", dataset.NewValidationError("", "checksum", err)
	}

	metrics.ChecksumDuration.WithLabelValues(string(e.method), path).Observe(time.Since(start).Seconds())
	return hex.EncodeToString(h.Sum(nil)), path, nil
}

func writeHeader(h hash.Hash, cols []string) {
	_, _ = h.Write([]byte(dataset.ColumnKey))
	for _, c := range cols {
		_, _ = h.Write([]byte{fieldSep})
		_, _ = h.Write([]byte(c))
	}
	_, _ = h.Write([]byte{'\n'})
}

// hashVectorized reduces each row to a 64-bit digest and streams the digests
// into h.
func hashVectorized(h hash.Hash, snap dataset.Snapshot, cols []string) error {
	var digest [8]byte
	encode := func(r dataset.Row) ([]byte, error) { return appendRow(nil, r, cols), nil }
	return eachCanonical(snap, encode, func(enc []byte) error {
		binary.LittleEndian.PutUint64(digest[:], xxh3.Hash(enc))
		_, err := h.Write(digest[:])
		return err
	})
}

// hashSerialized streams the full JSON serialization of each row into h.
func hashSerialized(h hash.Hash, snap dataset.Snapshot, cols []string) error {
	encode := func(r dataset.Row) ([]byte, error) { return serializeRow(r, cols) }
	return eachCanonical(snap, encode, func(enc []byte) error {
		if _, err := h.Write(enc); err != nil {
			return err
		}
		_, err := h.Write([]byte{'\n'})
		return err
	})
}

func selectColumns(snap dataset.Snapshot, columns []string) ([]string, error) {
	if len(columns) == 0 {
		return snap.Columns(), nil
	}
	seen := make(map[string]struct{}, len(columns))
	out := make([]string, 0, len(columns))
	for _, c := range columns {
		c = strings.TrimSpace(c)
		if c == dataset.ColumnKey {
			continue
		}
		if !snap.HasColumn(c) {
			return nil, fmt.Errorf("%w: column %q not in snapshot", dataset.ErrInvalidDataFormat, c)
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	sort.Strings(out)
	return out, nil
}
