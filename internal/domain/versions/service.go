// Package versions is the version store: an append-only lineage of dataset
// snapshots with exactly one active version per dataset.
//
// Core operations:
//   - CreateVersion: commit a new active version, deactivating the previous one
//   - CommitVersion: CreateVersion plus the version's rows in the same transaction
//   - SetActiveVersion: roll back or forward to a named historical version
//   - GetVersionChain: walk parent links back to the root
//   - CleanupOldVersions: retention that never removes the active version
//
// Activation changes always run inside a single repository transaction so a
// failure leaves the previous active version untouched.
package versions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/sujun1972/stock-analysis-sub000/internal/domain/dataset"
	"github.com/sujun1972/stock-analysis-sub000/internal/domain/fingerprint"
	"github.com/sujun1972/stock-analysis-sub000/internal/domain/ids"
	"github.com/sujun1972/stock-analysis-sub000/internal/metrics"
)

const (
	// MaxSequence is the highest daily sequence before numbers switch to the
	// timestamp form.
	MaxSequence = 999

	// maxCreateAttempts bounds CreateVersion retries after a number conflict.
	maxCreateAttempts = 3
)

// Service implements the version store on top of a Repository.
type Service struct {
	repo      Repository
	logger    zerolog.Logger
	validator *validator.Validate
	now       func() time.Time
}

// Option customises a Service.
type Option func(*Service)

// WithClock replaces the wall clock used for version numbers and created_at.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a version store service.
func NewService(repo Repository, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		repo:      repo,
		logger:    logger.With().Str("component", "versions").Logger(),
		validator: validator.New(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateVersion commits a new active version for params.DatasetKey.
//
// In one transaction it generates the version number, deactivates every
// version of the dataset and inserts the new one as active. If the insert
// collides with a concurrent writer's number the whole transaction is retried
// with a timestamp-suffixed number.
//
// Returns:
//   - ValidationError: invalid params or an unknown/foreign parent version
//   - StorageError: the transaction failed and was rolled back
func (s *Service) CreateVersion(ctx context.Context, params CreateParams) (*Version, error) {
	v, _, err := s.CommitVersion(ctx, params, nil)
	return v, err
}

// rowWriteError marks an upsert failure inside the commit transaction.
type rowWriteError struct{ err error }

func (e *rowWriteError) Error() string { return "upsert rows: " + e.err.Error() }
func (e *rowWriteError) Unwrap() error { return e.err }

// CommitVersion is CreateVersion with rows upserted inside the same
// transaction, ahead of the version insert. Either the rows and the version
// both land or neither does. It returns the number of rows written.
//
// A failed upsert is a StorageError with step "upsert_rows".
func (s *Service) CommitVersion(ctx context.Context, params CreateParams, rows []dataset.Row) (*Version, int, error) {
	if err := s.validateCreate(params); err != nil {
		return nil, 0, dataset.NewValidationError(params.DatasetKey, "create_version", err)
	}

	var (
		created        *Version
		written        int
		forceTimestamp bool
	)
	for attempt := 1; ; attempt++ {
		err := s.repo.WithTx(ctx, func(ctx context.Context, repo Repository) error {
			if len(rows) > 0 {
				n, err := repo.Upsert(ctx, params.DatasetKey, rows)
				if err != nil {
					return &rowWriteError{err: err}
				}
				written = n
			}
			if params.ParentID != "" {
				if err := checkParent(ctx, repo, params); err != nil {
					return err
				}
			}

			now := s.now().UTC()
			number, err := s.generateNumber(ctx, repo, params.DatasetKey, now, forceTimestamp)
			if err != nil {
				return err
			}
			if err := repo.DeactivateAll(ctx, params.DatasetKey); err != nil {
				return fmt.Errorf("deactivate versions: %w", err)
			}
			v, err := repo.Insert(ctx, InsertParams{
				ID:          ids.NewVersionID(),
				DatasetKey:  params.DatasetKey,
				Number:      number,
				KeyRange:    params.KeyRange,
				Source:      params.Source,
				RecordCount: params.RecordCount,
				Checksum:    params.Checksum,
				ParentID:    params.ParentID,
				Metadata:    params.Metadata,
				CreatedAt:   now,
			})
			if err != nil {
				return fmt.Errorf("insert version %s: %w", number, err)
			}
			created = v
			return nil
		})
		if err == nil {
			break
		}
		if dataset.IsValidation(err) {
			return nil, 0, err
		}
		if errors.Is(err, ErrVersionConflict) && attempt < maxCreateAttempts {
			metrics.VersionConflicts.Inc()
			s.logger.Warn().Err(err).Str("dataset_key", params.DatasetKey).Int("attempt", attempt).
				Msg("version number conflict, retrying with timestamp suffix")
			forceTimestamp = true
			continue
		}
		var rowErr *rowWriteError
		if errors.As(err, &rowErr) {
			return nil, 0, dataset.NewStorageError(params.DatasetKey, "upsert_rows",
				map[string]int{"attempt": attempt, "rows": len(rows)}, rowErr.err)
		}
		return nil, 0, dataset.NewStorageError(params.DatasetKey, "create_version",
			map[string]int{"attempt": attempt, "records": params.RecordCount}, err)
	}

	s.logger.Info().
		Str("dataset_key", created.DatasetKey).
		Str("version", created.Number).
		Str("version_id", created.ID).
		Str("parent_version_id", created.ParentID).
		Int("record_count", created.RecordCount).
		Int("rows_written", written).
		Msg("version created")

	return created, written, nil
}

func (s *Service) validateCreate(params CreateParams) error {
	if err := s.validator.Struct(params); err != nil {
		return err
	}
	kr := params.KeyRange
	if kr.Start.IsZero() != kr.End.IsZero() {
		return fmt.Errorf("%w: key range must set both start and end", dataset.ErrInvalidDataFormat)
	}
	if kr.End.Before(kr.Start) {
		return fmt.Errorf("%w: key range end %s before start %s", dataset.ErrInvalidDataFormat,
			dataset.KeyString(kr.End), dataset.KeyString(kr.Start))
	}
	return nil
}

// checkParent rejects parents that do not exist or belong to another dataset.
// Parents must already exist, so lineage can never form a cycle.
func checkParent(ctx context.Context, repo Repository, params CreateParams) error {
	parent, err := repo.GetByID(ctx, params.ParentID)
	if errors.Is(err, ErrNotFound) {
		return dataset.NewValidationError(params.DatasetKey, "create_version",
			fmt.Errorf("parent version %s: %w", params.ParentID, ErrNotFound))
	}
	if err != nil {
		return fmt.Errorf("load parent version: %w", err)
	}
	if parent.DatasetKey != params.DatasetKey {
		return dataset.NewValidationError(params.DatasetKey, "create_version",
			fmt.Errorf("parent version %s belongs to dataset %s", parent.ID, parent.DatasetKey))
	}
	return nil
}

// generateNumber returns v{YYYYMMDD}_{seq:03}, or the timestamp form when the
// daily sequence is exhausted, the candidate is already taken, or a prior
// attempt conflicted.
func (s *Service) generateNumber(ctx context.Context, repo Repository, datasetKey string, now time.Time, forceTimestamp bool) (string, error) {
	if forceTimestamp {
		return TimestampNumber(now), nil
	}

	prefix := SequencePrefix(now)
	maxSeq, err := repo.MaxSequence(ctx, datasetKey, prefix)
	if err != nil {
		return "", fmt.Errorf("read max sequence: %w", err)
	}
	seq := maxSeq + 1
	if seq > MaxSequence {
		s.logger.Warn().Str("dataset_key", datasetKey).Str("date", prefix).Msg("daily version sequence exhausted")
		return TimestampNumber(now), nil
	}

	number := SequenceNumber(prefix, seq)
	exists, err := repo.NumberExists(ctx, datasetKey, number)
	if err != nil {
		return "", fmt.Errorf("check version number: %w", err)
	}
	if exists {
		return TimestampNumber(now), nil
	}
	return number, nil
}

// SequencePrefix is the date part shared by every number minted on now's day.
func SequencePrefix(now time.Time) string {
	return "v" + now.UTC().Format("20060102")
}

// SequenceNumber formats a sequenced version number.
func SequenceNumber(prefix string, seq int) string {
	return fmt.Sprintf("%s_%03d", prefix, seq)
}

// TimestampNumber formats the microsecond-suffixed fallback number.
func TimestampNumber(now time.Time) string {
	now = now.UTC()
	return fmt.Sprintf("%s_%s%06d", SequencePrefix(now), now.Format("150405"), now.Nanosecond()/1000)
}

// GetActiveVersion returns the active version, or ErrNotFound when the
// dataset has none yet.
func (s *Service) GetActiveVersion(ctx context.Context, datasetKey string) (*Version, error) {
	v, err := s.repo.GetActive(ctx, datasetKey)
	if err != nil {
		return nil, readError(datasetKey, "get_active_version", err)
	}
	return v, nil
}

// GetVersionByNumber looks up one version.
func (s *Service) GetVersionByNumber(ctx context.Context, datasetKey, number string) (*Version, error) {
	v, err := s.repo.GetByNumber(ctx, datasetKey, number)
	if err != nil {
		return nil, readError(datasetKey, "get_version_by_number", err)
	}
	return v, nil
}

// GetVersionHistory lists versions newest first. limit <= 0 returns all.
func (s *Service) GetVersionHistory(ctx context.Context, datasetKey string, limit int) ([]Version, error) {
	list, err := s.repo.List(ctx, datasetKey, limit)
	if err != nil {
		return nil, dataset.NewStorageError(datasetKey, "get_version_history", nil, err)
	}
	return list, nil
}

// ListDatasets returns every dataset key that has at least one version.
func (s *Service) ListDatasets(ctx context.Context) ([]string, error) {
	keys, err := s.repo.ListDatasets(ctx)
	if err != nil {
		return nil, dataset.NewStorageError("", "list_datasets", nil, err)
	}
	return keys, nil
}

func readError(datasetKey, step string, err error) error {
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%s %s: %w", step, datasetKey, err)
	}
	return dataset.NewStorageError(datasetKey, step, nil, err)
}

// CompareVersions reports how version v2 differs from v1.
func (s *Service) CompareVersions(ctx context.Context, datasetKey, v1, v2 string) (Comparison, error) {
	from, err := s.GetVersionByNumber(ctx, datasetKey, v1)
	if err != nil {
		return Comparison{}, err
	}
	to, err := s.GetVersionByNumber(ctx, datasetKey, v2)
	if err != nil {
		return Comparison{}, err
	}
	return Compare(*from, *to), nil
}

// Compare reports how to differs from from.
func Compare(from, to Version) Comparison {
	return Comparison{
		From:             from,
		To:               to,
		RecordCountDelta: to.RecordCount - from.RecordCount,
		ChecksumChanged:  from.Checksum != to.Checksum,
		SourceChanged:    from.Source != to.Source,
		KeyRangeChanged:  !from.KeyRange.Equal(to.KeyRange),
	}
}

// SetActiveVersion makes the named version the only active one. The
// deactivate and activate run in one transaction.
func (s *Service) SetActiveVersion(ctx context.Context, datasetKey, number string) (*Version, error) {
	var activated *Version
	err := s.repo.WithTx(ctx, func(ctx context.Context, repo Repository) error {
		target, err := repo.GetByNumber(ctx, datasetKey, number)
		if err != nil {
			return err
		}
		if err := repo.DeactivateAll(ctx, datasetKey); err != nil {
			return fmt.Errorf("deactivate versions: %w", err)
		}
		if err := repo.Activate(ctx, datasetKey, number); err != nil {
			return fmt.Errorf("activate %s: %w", number, err)
		}
		target.IsActive = true
		activated = target
		return nil
	})
	if err != nil {
		return nil, readError(datasetKey, "set_active_version", err)
	}

	s.logger.Info().Str("dataset_key", datasetKey).Str("version", number).Msg("active version set")
	return activated, nil
}

// GetVersionChain returns the lineage of the named version in root-to-target
// order. The walk stops at a missing parent, on a revisited id, or after as
// many steps as the dataset has versions.
func (s *Service) GetVersionChain(ctx context.Context, datasetKey, number string) ([]Version, error) {
	target, err := s.GetVersionByNumber(ctx, datasetKey, number)
	if err != nil {
		return nil, err
	}
	limit, err := s.repo.Count(ctx, datasetKey)
	if err != nil {
		return nil, dataset.NewStorageError(datasetKey, "get_version_chain", nil, err)
	}

	chain := []Version{*target}
	visited := map[string]struct{}{target.ID: {}}
	current := target
	for current.ParentID != "" && len(chain) < limit {
		if _, seen := visited[current.ParentID]; seen {
			s.logger.Error().Str("dataset_key", datasetKey).Str("version_id", current.ID).
				Str("parent_version_id", current.ParentID).Msg("cycle in version lineage")
			break
		}
		parent, err := s.repo.GetByID(ctx, current.ParentID)
		if errors.Is(err, ErrNotFound) {
			break
		}
		if err != nil {
			return nil, dataset.NewStorageError(datasetKey, "get_version_chain", map[string]int{"depth": len(chain)}, err)
		}
		visited[parent.ID] = struct{}{}
		chain = append(chain, *parent)
		current = parent
	}

	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// CleanupOldVersions keeps the keepRecent newest versions of each dataset
// (all datasets when datasetKey is empty) plus the active version, and
// deletes the rest. A dry run reports the same counts without deleting.
func (s *Service) CleanupOldVersions(ctx context.Context, datasetKey string, keepRecent int, dryRun bool) (CleanupResult, error) {
	if keepRecent < 0 {
		return CleanupResult{}, dataset.NewValidationError(datasetKey, "cleanup_old_versions",
			fmt.Errorf("keep_recent must be >= 0, got %d", keepRecent))
	}

	keys := []string{datasetKey}
	if datasetKey == "" {
		var err error
		if keys, err = s.ListDatasets(ctx); err != nil {
			return CleanupResult{}, err
		}
	}

	res := CleanupResult{
		DryRun:         dryRun,
		Datasets:       make(map[string]CleanupCounts, len(keys)),
		DeletedNumbers: make(map[string][]string, len(keys)),
	}
	for _, key := range keys {
		counts, numbers, err := s.cleanupDataset(ctx, key, keepRecent, dryRun)
		if err != nil {
			return res, err
		}
		res.Datasets[key] = counts
		res.DeletedNumbers[key] = numbers
		res.Deleted += counts.Deleted
		res.Kept += counts.Kept
	}

	s.logger.Info().Str("dataset_key", datasetKey).Int("keep_recent", keepRecent).Bool("dry_run", dryRun).
		Int("deleted", res.Deleted).Int("kept", res.Kept).Msg("version cleanup finished")
	return res, nil
}

func (s *Service) cleanupDataset(ctx context.Context, datasetKey string, keepRecent int, dryRun bool) (CleanupCounts, []string, error) {
	var (
		counts  CleanupCounts
		numbers []string
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, repo Repository) error {
		all, err := repo.List(ctx, datasetKey, 0)
		if err != nil {
			return err
		}
		doomed, _ := selectForCleanup(all, keepRecent)
		counts = CleanupCounts{Deleted: len(doomed), Kept: len(all) - len(doomed)}
		numbers = make([]string, 0, len(doomed))
		idList := make([]string, 0, len(doomed))
		for _, v := range doomed {
			numbers = append(numbers, v.Number)
			idList = append(idList, v.ID)
		}
		if dryRun || len(idList) == 0 {
			return nil
		}
		n, err := repo.Delete(ctx, idList)
		if err != nil {
			return err
		}
		if n != len(idList) {
			return fmt.Errorf("deleted %d of %d versions", n, len(idList))
		}
		return nil
	})
	if err != nil {
		return CleanupCounts{}, nil, dataset.NewStorageError(datasetKey, "cleanup_old_versions",
			map[string]int{"keep_recent": keepRecent}, err)
	}
	if !dryRun {
		metrics.VersionsDeleted.Add(float64(counts.Deleted))
	}
	return counts, numbers, nil
}

// selectForCleanup splits newest-first versions into those to delete and
// those to keep. The active version is always kept.
func selectForCleanup(newestFirst []Version, keepRecent int) (doomed, kept []Version) {
	for i, v := range newestFirst {
		if i < keepRecent || v.IsActive {
			kept = append(kept, v)
			continue
		}
		doomed = append(doomed, v)
	}
	return doomed, kept
}

// SaveChunkChecksums persists per-chunk checksums of a version.
func (s *Service) SaveChunkChecksums(ctx context.Context, datasetKey string, chunks []fingerprint.ChunkChecksum) error {
	if len(chunks) == 0 {
		return nil
	}
	if err := s.repo.SaveChunks(ctx, chunks); err != nil {
		return dataset.NewStorageError(datasetKey, "save_chunk_checksums", map[string]int{"chunks": len(chunks)}, err)
	}
	return nil
}

// ListChunkChecksums returns the stored chunk checksums of a version ordered by chunk key.
func (s *Service) ListChunkChecksums(ctx context.Context, datasetKey, versionID string) ([]fingerprint.ChunkChecksum, error) {
	chunks, err := s.repo.ListChunks(ctx, versionID)
	if err != nil {
		return nil, dataset.NewStorageError(datasetKey, "list_chunk_checksums", nil, err)
	}
	return chunks, nil
}
