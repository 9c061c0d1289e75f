// Package memory is an in-process implementation of every storage port. It
// backs the domain tests and the CLI's --memory mode.
package memory

import (
	"context"
	"sync"

	"github.com/sujun1972/stock-analysis-sub000/internal/domain/dataset"
	"github.com/sujun1972/stock-analysis-sub000/internal/domain/diff"
	"github.com/sujun1972/stock-analysis-sub000/internal/domain/fingerprint"
	"github.com/sujun1972/stock-analysis-sub000/internal/domain/repair"
	"github.com/sujun1972/stock-analysis-sub000/internal/domain/versions"
)

type versionRecord struct {
	versions.Version
	seq int64
}

type state struct {
	nextSeq  int64
	versions map[string]*versionRecord
	chunks   map[string][]fingerprint.ChunkChecksum

	prices map[string]map[string]dataset.Row
	// ownPrices marks the datasets whose rows a transaction has already
	// copied; the others still share the committed maps.
	ownPrices map[string]bool

	updateLogs []diff.UpdateLog
	repairLogs []repair.LogEntry
}

func newState() *state {
	return &state{
		versions: make(map[string]*versionRecord),
		chunks:   make(map[string][]fingerprint.ChunkChecksum),
		prices:   make(map[string]map[string]dataset.Row),
	}
}

// cloneForTx copies the version state and the price index. Row maps are
// copied on first write. Logs are never written inside a transaction.
func (s *state) cloneForTx() *state {
	out := *s
	out.versions = make(map[string]*versionRecord, len(s.versions))
	for id, rec := range s.versions {
		c := *rec
		c.Metadata = cloneMap(rec.Metadata)
		out.versions[id] = &c
	}
	out.chunks = make(map[string][]fingerprint.ChunkChecksum, len(s.chunks))
	for id, list := range s.chunks {
		out.chunks[id] = append([]fingerprint.ChunkChecksum(nil), list...)
	}
	out.prices = make(map[string]map[string]dataset.Row, len(s.prices))
	for key, rows := range s.prices {
		out.prices[key] = rows
	}
	out.ownPrices = make(map[string]bool)
	return &out
}

// pricesForWrite returns the row map of datasetKey that may be mutated.
func (s *state) pricesForWrite(datasetKey string) map[string]dataset.Row {
	stored, ok := s.prices[datasetKey]
	switch {
	case !ok:
		stored = make(map[string]dataset.Row)
	case s.ownPrices != nil && !s.ownPrices[datasetKey]:
		copied := make(map[string]dataset.Row, len(stored))
		for k, r := range stored {
			copied[k] = r
		}
		stored = copied
	default:
		return stored
	}
	s.prices[datasetKey] = stored
	if s.ownPrices != nil {
		s.ownPrices[datasetKey] = true
	}
	return stored
}

// Store is safe for concurrent use. Transactions serialize with every other
// access and are rolled back by discarding a private copy of the state.
type Store struct {
	mu *sync.Mutex
	db *state
	tx bool
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{mu: &sync.Mutex{}, db: newState()}
}

func (s *Store) lock() func() {
	if s.tx {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

// WithTx runs fn against a private copy of the version state and the rows,
// and publishes it only when fn succeeds. Nested calls join the outer
// transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, repo versions.Repository) error) error {
	if s.tx {
		return fn(ctx, s)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.db.cloneForTx()
	if err := fn(ctx, &Store{mu: s.mu, db: work, tx: true}); err != nil {
		return err
	}
	s.db.nextSeq = work.nextSeq
	s.db.versions = work.versions
	s.db.chunks = work.chunks
	s.db.prices = work.prices
	return nil
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
