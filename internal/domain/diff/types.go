package diff

import (
	"context"
	"time"

	"github.com/sujun1972/stock-analysis-sub000/internal/domain/dataset"
	"github.com/sujun1972/stock-analysis-sub000/internal/domain/fingerprint"
	"github.com/sujun1972/stock-analysis-sub000/internal/domain/versions"
)

// Mode is the DETECT outcome.
type Mode string

const (
	ModeFull        Mode = "full"
	ModeIncremental Mode = "incremental"
)

// Status is the terminal state of an ingest cycle.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusNoChanges Status = "no_changes"
	StatusFailed    Status = "failed"
)

// DefaultEpsilon is the tolerance below which float differences are not a modification.
const DefaultEpsilon = 1e-6

// DefaultUpdateType labels cycles whose caller gave no update type.
const DefaultUpdateType = "incremental"

// Classification is the key-level comparison of a remote snapshot with the
// locally persisted rows under the active version's key range.
type Classification struct {
	DatasetKey string
	Mode       Mode
	// Active is nil when the dataset has no version yet.
	Active    *versions.Version
	Added     []time.Time
	Modified  []time.Time
	Unchanged []time.Time
	// Deleted keys are reported only; the store is append-only.
	Deleted []time.Time
}

// IsFull reports whether every remote row counts as new.
func (c Classification) IsFull() bool { return c.Mode == ModeFull }

// HasChanges reports whether any row must be written.
func (c Classification) HasChanges() bool { return len(c.Added)+len(c.Modified) > 0 }

// ApplyOptions describe one ingest cycle.
type ApplyOptions struct {
	Source     string
	UpdateType string
	// Repair runs the configured repairer on the remote snapshot before DETECT.
	Repair bool
}

// Result is the outcome of Apply.
type Result struct {
	RunID          string
	DatasetKey     string
	Status         Status
	Mode           Mode
	IsFullUpdate   bool
	NewCount       int
	UpdatedCount   int
	UnchangedCount int
	DeletedCount   int
	Written        int
	Checksum       string
	// Version is nil unless a new version was committed.
	Version  *versions.Version
	Chunks   int
	Repaired bool
	Duration time.Duration
}

// UpdateLog is one row of the update history.
type UpdateLog struct {
	ID             int64
	RunID          string
	DatasetKey     string
	UpdateType     string
	IsFullUpdate   bool
	NewCount       int
	UpdatedCount   int
	UnchangedCount int
	DeletedCount   int
	Status         Status
	Duration       time.Duration
	Source         string
	VersionNumber  string
	ErrorMessage   string
	CreatedAt      time.Time
	CompletedAt    time.Time
}

// UpdateLogRepository persists and reads the update history.
type UpdateLogRepository interface {
	InsertUpdateLog(ctx context.Context, entry UpdateLog) error
	ListUpdateLogs(ctx context.Context, datasetKey string, limit int) ([]UpdateLog, error)
}

// VersionStore is the subset of the version store used by the diff engine.
// CommitVersion upserts rows and commits their version atomically.
type VersionStore interface {
	GetActiveVersion(ctx context.Context, datasetKey string) (*versions.Version, error)
	CommitVersion(ctx context.Context, params versions.CreateParams, rows []dataset.Row) (*versions.Version, int, error)
	SaveChunkChecksums(ctx context.Context, datasetKey string, chunks []fingerprint.ChunkChecksum) error
}

// Repairer cleans a snapshot before it is classified.
type Repairer interface {
	PreCommit(ctx context.Context, datasetKey string, snap dataset.Snapshot) (dataset.Snapshot, error)
}

var _ VersionStore = (*versions.Service)(nil)
