package dataset

import "context"

// Loader reads the persisted rows of a dataset bounded by a key range.
type Loader interface {
	Load(ctx context.Context, datasetKey string, keyRange KeyRange) (Snapshot, error)
}

// Writer upserts rows into the persisted store and returns the number written.
type Writer interface {
	Upsert(ctx context.Context, datasetKey string, rows []Row) (int, error)
}
