package versions

import (
	"context"
	"errors"
	"time"

	"github.com/sujun1972/stock-analysis-sub000/internal/domain/dataset"
	"github.com/sujun1972/stock-analysis-sub000/internal/domain/fingerprint"
)

var (
	// ErrNotFound is returned when a version lookup matches nothing.
	ErrNotFound = errors.New("version not found")

	// ErrVersionConflict is returned by a Repository when an insert collides
	// with an existing (dataset_key, version_number).
	ErrVersionConflict = errors.New("version number already exists")
)

// Version is one immutable snapshot record of a dataset.
type Version struct {
	ID          string
	DatasetKey  string
	KeyRange    dataset.KeyRange
	Number      string
	Source      string
	RecordCount int
	Checksum    string
	// ParentID is empty for a root version.
	ParentID  string
	IsActive  bool
	Metadata  map[string]any
	CreatedAt time.Time
}

// CreateParams describes a version to commit.
type CreateParams struct {
	DatasetKey  string `validate:"required,max=64"`
	KeyRange    dataset.KeyRange
	Source      string `validate:"required,max=64"`
	Checksum    string `validate:"required,hexadecimal,max=128"`
	RecordCount int    `validate:"gte=0"`
	ParentID    string `validate:"omitempty,uuid"`
	Metadata    map[string]any
}

// InsertParams is the storage-level row written by CreateVersion.
type InsertParams struct {
	ID          string
	DatasetKey  string
	Number      string
	KeyRange    dataset.KeyRange
	Source      string
	RecordCount int
	Checksum    string
	ParentID    string
	Metadata    map[string]any
	CreatedAt   time.Time
}

// Comparison summarises how version To differs from version From.
type Comparison struct {
	From             Version
	To               Version
	RecordCountDelta int
	ChecksumChanged  bool
	SourceChanged    bool
	KeyRangeChanged  bool
}

// CleanupCounts are the per-dataset outcome of CleanupOldVersions.
type CleanupCounts struct {
	Deleted int
	Kept    int
}

// CleanupResult aggregates CleanupOldVersions across datasets.
type CleanupResult struct {
	DryRun   bool
	Deleted  int
	Kept     int
	Datasets map[string]CleanupCounts
	// DeletedNumbers lists the removed (or, on a dry run, removable) version numbers per dataset.
	DeletedNumbers map[string][]string
}

// Repository is the persistence port of the version store.
//
// Implementations must enforce UNIQUE(dataset_key, version_number), returning
// ErrVersionConflict on collision, and ErrNotFound for single-row lookups
// that match nothing. List returns newest first by created_at. Rows upserted
// through the repository handed to WithTx commit or roll back with it.
type Repository interface {
	dataset.Writer
	WithTx(ctx context.Context, fn func(ctx context.Context, repo Repository) error) error

	MaxSequence(ctx context.Context, datasetKey, prefix string) (int, error)
	NumberExists(ctx context.Context, datasetKey, number string) (bool, error)
	Insert(ctx context.Context, params InsertParams) (*Version, error)
	DeactivateAll(ctx context.Context, datasetKey string) error
	Activate(ctx context.Context, datasetKey, number string) error
	Delete(ctx context.Context, ids []string) (int, error)

	GetActive(ctx context.Context, datasetKey string) (*Version, error)
	GetByNumber(ctx context.Context, datasetKey, number string) (*Version, error)
	GetByID(ctx context.Context, id string) (*Version, error)
	List(ctx context.Context, datasetKey string, limit int) ([]Version, error)
	Count(ctx context.Context, datasetKey string) (int, error)
	ListDatasets(ctx context.Context) ([]string, error)

	SaveChunks(ctx context.Context, chunks []fingerprint.ChunkChecksum) error
	ListChunks(ctx context.Context, versionID string) ([]fingerprint.ChunkChecksum, error)
}
