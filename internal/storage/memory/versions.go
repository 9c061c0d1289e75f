package memory

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"github.com/sujun1972/stock-analysis-sub000/internal/domain/fingerprint"
	"github.com/sujun1972/stock-analysis-sub000/internal/domain/versions"
)

var _ versions.Repository = (*Store)(nil)

func (s *Store) MaxSequence(ctx context.Context, datasetKey, prefix string) (int, error) {
	defer s.lock()()
	maxSeq := 0
	for _, rec := range s.db.versions {
		if rec.DatasetKey != datasetKey {
			continue
		}
		rest, ok := strings.CutPrefix(rec.Number, prefix+"_")
		if !ok || len(rest) != 3 {
			continue
		}
		if n, err := strconv.Atoi(rest); err == nil && n > maxSeq {
			maxSeq = n
		}
	}
	return maxSeq, nil
}

func (s *Store) NumberExists(ctx context.Context, datasetKey, number string) (bool, error) {
	defer s.lock()()
	return s.findByNumber(datasetKey, number) != nil, nil
}

func (s *Store) findByNumber(datasetKey, number string) *versionRecord {
	for _, rec := range s.db.versions {
		if rec.DatasetKey == datasetKey && rec.Number == number {
			return rec
		}
	}
	return nil
}

func (s *Store) Insert(ctx context.Context, params versions.InsertParams) (*versions.Version, error) {
	defer s.lock()()
	if s.findByNumber(params.DatasetKey, params.Number) != nil {
		return nil, versions.ErrVersionConflict
	}
	for _, rec := range s.db.versions {
		if rec.DatasetKey == params.DatasetKey && rec.IsActive {
			return nil, versions.ErrVersionConflict
		}
	}
	s.db.nextSeq++
	rec := &versionRecord{
		Version: versions.Version{
			ID:          params.ID,
			DatasetKey:  params.DatasetKey,
			KeyRange:    params.KeyRange,
			Number:      params.Number,
			Source:      params.Source,
			RecordCount: params.RecordCount,
			Checksum:    params.Checksum,
			ParentID:    params.ParentID,
			IsActive:    true,
			Metadata:    cloneMap(params.Metadata),
			CreatedAt:   params.CreatedAt,
		},
		seq: s.db.nextSeq,
	}
	s.db.versions[rec.ID] = rec
	return rec.copy(), nil
}

func (r *versionRecord) copy() *versions.Version {
	v := r.Version
	v.Metadata = cloneMap(r.Metadata)
	return &v
}

func (s *Store) DeactivateAll(ctx context.Context, datasetKey string) error {
	defer s.lock()()
	for _, rec := range s.db.versions {
		if rec.DatasetKey == datasetKey {
			rec.IsActive = false
		}
	}
	return nil
}

func (s *Store) Activate(ctx context.Context, datasetKey, number string) error {
	defer s.lock()()
	rec := s.findByNumber(datasetKey, number)
	if rec == nil {
		return versions.ErrNotFound
	}
	rec.IsActive = true
	return nil
}

// Delete removes versions and their chunks; children lose their parent link.
func (s *Store) Delete(ctx context.Context, ids []string) (int, error) {
	defer s.lock()()
	deleted := 0
	for _, id := range ids {
		if _, ok := s.db.versions[id]; !ok {
			continue
		}
		delete(s.db.versions, id)
		delete(s.db.chunks, id)
		deleted++
		for _, rec := range s.db.versions {
			if rec.ParentID == id {
				rec.ParentID = ""
			}
		}
	}
	return deleted, nil
}

func (s *Store) GetActive(ctx context.Context, datasetKey string) (*versions.Version, error) {
	defer s.lock()()
	for _, rec := range s.db.versions {
		if rec.DatasetKey == datasetKey && rec.IsActive {
			return rec.copy(), nil
		}
	}
	return nil, versions.ErrNotFound
}

func (s *Store) GetByNumber(ctx context.Context, datasetKey, number string) (*versions.Version, error) {
	defer s.lock()()
	rec := s.findByNumber(datasetKey, number)
	if rec == nil {
		return nil, versions.ErrNotFound
	}
	return rec.copy(), nil
}

func (s *Store) GetByID(ctx context.Context, id string) (*versions.Version, error) {
	defer s.lock()()
	rec, ok := s.db.versions[id]
	if !ok {
		return nil, versions.ErrNotFound
	}
	return rec.copy(), nil
}

// List returns versions newest first by created_at, ties broken by insertion order.
func (s *Store) List(ctx context.Context, datasetKey string, limit int) ([]versions.Version, error) {
	defer s.lock()()
	recs := make([]*versionRecord, 0)
	for _, rec := range s.db.versions {
		if rec.DatasetKey == datasetKey {
			recs = append(recs, rec)
		}
	}
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.After(recs[j].CreatedAt)
		}
		return recs[i].seq > recs[j].seq
	})
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	out := make([]versions.Version, len(recs))
	for i, rec := range recs {
		out[i] = *rec.copy()
	}
	return out, nil
}

func (s *Store) Count(ctx context.Context, datasetKey string) (int, error) {
	defer s.lock()()
	n := 0
	for _, rec := range s.db.versions {
		if rec.DatasetKey == datasetKey {
			n++
		}
	}
	return n, nil
}

func (s *Store) ListDatasets(ctx context.Context) ([]string, error) {
	defer s.lock()()
	seen := map[string]struct{}{}
	for _, rec := range s.db.versions {
		seen[rec.DatasetKey] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

// SaveChunks upserts by (version_id, chunk_type, chunk_key).
func (s *Store) SaveChunks(ctx context.Context, chunks []fingerprint.ChunkChecksum) error {
	defer s.lock()()
	for _, c := range chunks {
		if _, ok := s.db.versions[c.VersionID]; !ok {
			return versions.ErrNotFound
		}
	}
	for _, c := range chunks {
		list := s.db.chunks[c.VersionID]
		replaced := false
		for i := range list {
			if list[i].ChunkType == c.ChunkType && list[i].ChunkKey == c.ChunkKey {
				list[i] = c
				replaced = true
				break
			}
		}
		if !replaced {
			list = append(list, c)
		}
		s.db.chunks[c.VersionID] = list
	}
	return nil
}

func (s *Store) ListChunks(ctx context.Context, versionID string) ([]fingerprint.ChunkChecksum, error) {
	defer s.lock()()
	out := append([]fingerprint.ChunkChecksum(nil), s.db.chunks[versionID]...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].ChunkType != out[j].ChunkType {
			return out[i].ChunkType < out[j].ChunkType
		}
		return out[i].ChunkKey < out[j].ChunkKey
	})
	return out, nil
}
