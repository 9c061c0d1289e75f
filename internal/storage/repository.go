// Package storage groups the persistence ports of the store. Implementations
// live in the postgres and memory subpackages.
package storage

import (
	"github.com/sujun1972/stock-analysis-sub000/internal/domain/dataset"
	"github.com/sujun1972/stock-analysis-sub000/internal/domain/diff"
	"github.com/sujun1972/stock-analysis-sub000/internal/domain/repair"
	"github.com/sujun1972/stock-analysis-sub000/internal/domain/versions"
)

// Store is every port the commands and workers wire together: version
// metadata, dataset rows, and the update and repair histories.
type Store interface {
	versions.Repository
	dataset.Loader
	dataset.Writer
	diff.UpdateLogRepository
	repair.LogRepository
}
