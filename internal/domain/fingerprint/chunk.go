package fingerprint

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sujun1972/stock-analysis-sub000/internal/domain/dataset"
	"github.com/sujun1972/stock-analysis-sub000/internal/metrics"
)

// ErrInvalidChunkType is returned for chunk types other than daily, weekly or monthly.
var ErrInvalidChunkType = errors.New("invalid chunk type")

// ChunkType selects the calendar bucket used by ChunkedChecksum.
type ChunkType string

const (
	ChunkDaily   ChunkType = "daily"
	ChunkWeekly  ChunkType = "weekly"
	ChunkMonthly ChunkType = "monthly"
)

// DefaultChunkType is used when no chunk type is configured.
const DefaultChunkType = ChunkMonthly

// ParseChunkType resolves a chunk type name. Empty selects DefaultChunkType.
func ParseChunkType(name string) (ChunkType, error) {
	switch ct := ChunkType(strings.ToLower(strings.TrimSpace(name))); ct {
	case "":
		return DefaultChunkType, nil
	case ChunkDaily, ChunkWeekly, ChunkMonthly:
		return ct, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidChunkType, name)
}

// Key returns the bucket label of t: 2006-01-02, ISO 2006-W02 or 2006-01.
func (c ChunkType) Key(t time.Time) string {
	switch c {
	case ChunkDaily:
		return dataset.KeyString(t)
	case ChunkWeekly:
		y, w := t.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", y, w)
	default:
		return t.Format("2006-01")
	}
}

// ChunkChecksum is the persisted checksum of one calendar bucket of a version.
type ChunkChecksum struct {
	VersionID   string
	ChunkType   ChunkType
	ChunkKey    string
	Checksum    string
	RecordCount int
	StartKey    time.Time
	EndKey      time.Time
}

type chunkSlice struct {
	key   string
	start int
	end   int
}

// partition splits the key-ordered snapshot into contiguous bucket slices.
// ISO weeks and calendar months are both monotonic in key order.
func partition(snap dataset.Snapshot, ct ChunkType) []chunkSlice {
	var out []chunkSlice
	snap.Each(func(i int, r dataset.Row) bool {
		k := ct.Key(r.Key)
		if n := len(out); n > 0 && out[n-1].key == k {
			out[n-1].end = i + 1
			return true
		}
		out = append(out, chunkSlice{key: k, start: i, end: i + 1})
		return true
	})
	return out
}

// ChunkedChecksum returns one record per calendar bucket of snap, ordered by
// chunk key. Buckets are hashed concurrently with at most the engine's worker
// count in flight.
func (e *Engine) ChunkedChecksum(ctx context.Context, versionID string, snap dataset.Snapshot, chunkType string) ([]ChunkChecksum, error) {
	ct, err := ParseChunkType(chunkType)
	if err != nil {
		return nil, dataset.NewValidationError("", "chunked_checksum", err)
	}

	slices := partition(snap, ct)
	rows := snap.Rows()
	out := make([]ChunkChecksum, len(slices))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i, sl := range slices {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			part, err := snap.WithRows(rows[sl.start:sl.end])
			if err != nil {
				return err
			}
			sum, err := e.Checksum(part)
			if err != nil {
				return err
			}
			kr := part.KeyRange()
			out[i] = ChunkChecksum{
				VersionID:   versionID,
				ChunkType:   ct,
				ChunkKey:    sl.key,
				Checksum:    sum,
				RecordCount: part.Len(),
				StartKey:    kr.Start,
				EndKey:      kr.End,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	e.logger.Debug().Str("version_id", versionID).Str("chunk_type", string(ct)).Int("chunks", len(out)).Msg("chunk checksums computed")
	return out, nil
}

// ChunkVerification is the result of re-hashing a snapshot against stored chunks.
type ChunkVerification struct {
	Checked    int
	Matched    int
	Mismatched []dataset.IntegrityMismatch
	// Missing lists stored chunk keys that have no rows in the snapshot.
	Missing []string
	// Unexpected lists snapshot chunk keys that were never stored.
	Unexpected []string
}

// OK reports whether every stored chunk matched and no chunk was missing or unexpected.
func (v ChunkVerification) OK() bool {
	return len(v.Mismatched) == 0 && len(v.Missing) == 0 && len(v.Unexpected) == 0
}

// VerifyChunks re-hashes snap with the chunk type of stored and compares each bucket.
// Mismatches are reported as values; only a malformed input is an error.
func (e *Engine) VerifyChunks(ctx context.Context, snap dataset.Snapshot, stored []ChunkChecksum) (ChunkVerification, error) {
	if len(stored) == 0 {
		return ChunkVerification{}, nil
	}
	ct := stored[0].ChunkType
	for _, c := range stored[1:] {
		if c.ChunkType != ct {
			return ChunkVerification{}, dataset.NewValidationError("", "verify_chunks",
				fmt.Errorf("%w: mixed chunk types %q and %q", ErrInvalidChunkType, ct, c.ChunkType))
		}
	}

	actual, err := e.ChunkedChecksum(ctx, stored[0].VersionID, snap, string(ct))
	if err != nil {
		return ChunkVerification{}, err
	}
	byKey := make(map[string]ChunkChecksum, len(actual))
	for _, c := range actual {
		byKey[c.ChunkKey] = c
	}

	var res ChunkVerification
	for _, want := range stored {
		got, ok := byKey[want.ChunkKey]
		if !ok {
			res.Missing = append(res.Missing, want.ChunkKey)
			continue
		}
		delete(byKey, want.ChunkKey)
		res.Checked++
		if strings.EqualFold(got.Checksum, want.Checksum) {
			res.Matched++
			continue
		}
		metrics.IntegrityMismatches.WithLabelValues("chunk").Inc()
		res.Mismatched = append(res.Mismatched, dataset.IntegrityMismatch{
			Scope:    fmt.Sprintf("chunk %s/%s", ct, want.ChunkKey),
			Expected: want.Checksum,
			Actual:   got.Checksum,
			Detail:   fmt.Sprintf("records stored=%d actual=%d", want.RecordCount, got.RecordCount),
		})
	}
	for k := range byKey {
		res.Unexpected = append(res.Unexpected, k)
	}
	sort.Strings(res.Unexpected)
	return res, nil
}
