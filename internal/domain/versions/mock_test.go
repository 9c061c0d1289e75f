package versions

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/sujun1972/stock-analysis-sub000/internal/domain/dataset"
	"github.com/sujun1972/stock-analysis-sub000/internal/domain/fingerprint"
)

// mockRepository implements Repository with overridable functions. Unset
// functions report errUnexpectedCall.
type mockRepository struct {
	getByNumberFn func(ctx context.Context, datasetKey, number string) (*Version, error)
	getByIDFn     func(ctx context.Context, id string) (*Version, error)
	countFn       func(ctx context.Context, datasetKey string) (int, error)
	listFn        func(ctx context.Context, datasetKey string, limit int) ([]Version, error)
	deleteFn      func(ctx context.Context, ids []string) (int, error)
}

var errUnexpectedCall = errors.New("unexpected call")

func (m *mockRepository) WithTx(ctx context.Context, fn func(ctx context.Context, repo Repository) error) error {
	return fn(ctx, m)
}

func (m *mockRepository) Upsert(context.Context, string, []dataset.Row) (int, error) {
	return 0, errUnexpectedCall
}

func (m *mockRepository) MaxSequence(context.Context, string, string) (int, error) {
	return 0, errUnexpectedCall
}

func (m *mockRepository) NumberExists(context.Context, string, string) (bool, error) {
	return false, errUnexpectedCall
}

func (m *mockRepository) Insert(context.Context, InsertParams) (*Version, error) {
	return nil, errUnexpectedCall
}

func (m *mockRepository) DeactivateAll(context.Context, string) error { return errUnexpectedCall }

func (m *mockRepository) Activate(context.Context, string, string) error { return errUnexpectedCall }

func (m *mockRepository) Delete(ctx context.Context, ids []string) (int, error) {
	if m.deleteFn != nil {
		return m.deleteFn(ctx, ids)
	}
	return 0, errUnexpectedCall
}

func (m *mockRepository) GetActive(context.Context, string) (*Version, error) {
	return nil, errUnexpectedCall
}

func (m *mockRepository) GetByNumber(ctx context.Context, datasetKey, number string) (*Version, error) {
	if m.getByNumberFn != nil {
		return m.getByNumberFn(ctx, datasetKey, number)
	}
	return nil, errUnexpectedCall
}

func (m *mockRepository) GetByID(ctx context.Context, id string) (*Version, error) {
	if m.getByIDFn != nil {
		return m.getByIDFn(ctx, id)
	}
	return nil, errUnexpectedCall
}

func (m *mockRepository) List(ctx context.Context, datasetKey string, limit int) ([]Version, error) {
	if m.listFn != nil {
		return m.listFn(ctx, datasetKey, limit)
	}
	return nil, errUnexpectedCall
}

func (m *mockRepository) Count(ctx context.Context, datasetKey string) (int, error) {
	if m.countFn != nil {
		return m.countFn(ctx, datasetKey)
	}
	return 0, errUnexpectedCall
}

func (m *mockRepository) ListDatasets(context.Context) ([]string, error) {
	return nil, errUnexpectedCall
}

func (m *mockRepository) SaveChunks(context.Context, []fingerprint.ChunkChecksum) error {
	return errUnexpectedCall
}

func (m *mockRepository) ListChunks(context.Context, string) ([]fingerprint.ChunkChecksum, error) {
	return nil, errUnexpectedCall
}

var _ Repository = (*mockRepository)(nil)

func TestGetVersionChainStopsOnCorruptCycle(t *testing.T) {
	byID := map[string]*Version{
		"a": {ID: "a", Number: "v20260101_001", ParentID: "c"},
		"b": {ID: "b", Number: "v20260101_002", ParentID: "a"},
		"c": {ID: "c", Number: "v20260101_003", ParentID: "b"},
	}
	repo := &mockRepository{
		getByNumberFn: func(_ context.Context, _, number string) (*Version, error) {
			for _, v := range byID {
				if v.Number == number {
					c := *v
					return &c, nil
				}
			}
			return nil, ErrNotFound
		},
		getByIDFn: func(_ context.Context, id string) (*Version, error) {
			v, ok := byID[id]
			if !ok {
				return nil, ErrNotFound
			}
			c := *v
			return &c, nil
		},
		countFn: func(context.Context, string) (int, error) { return 100, nil },
	}

	chain, err := NewService(repo, zerolog.Nop()).GetVersionChain(context.Background(), "AAPL", "v20260101_003")
	require.NoError(t, err)
	require.Len(t, chain, 3)
	require.Equal(t, "c", chain[2].ID)
}

func TestGetVersionChainIsCappedByVersionCount(t *testing.T) {
	calls := 0
	repo := &mockRepository{
		getByNumberFn: func(context.Context, string, string) (*Version, error) {
			return &Version{ID: "v0", ParentID: "v1"}, nil
		},
		getByIDFn: func(_ context.Context, id string) (*Version, error) {
			calls++
			return &Version{ID: id + "x", ParentID: id + "xx"}, nil
		},
		countFn: func(context.Context, string) (int, error) { return 5, nil },
	}

	chain, err := NewService(repo, zerolog.Nop()).GetVersionChain(context.Background(), "AAPL", "v")
	require.NoError(t, err)
	require.Len(t, chain, 5)
	require.Equal(t, 4, calls)
}

func TestGetVersionChainStorageFailure(t *testing.T) {
	repo := &mockRepository{
		getByNumberFn: func(context.Context, string, string) (*Version, error) {
			return &Version{ID: "v0", ParentID: "v1"}, nil
		},
		countFn: func(context.Context, string) (int, error) { return 3, nil },
	}

	_, err := NewService(repo, zerolog.Nop()).GetVersionChain(context.Background(), "AAPL", "v")
	require.ErrorIs(t, err, errUnexpectedCall)
	require.True(t, dataset.IsRetryable(err))
}

func TestCleanupRollsBackOnPartialDelete(t *testing.T) {
	repo := &mockRepository{
		listFn: func(context.Context, string, int) ([]Version, error) {
			return []Version{{ID: "3", IsActive: true}, {ID: "2"}, {ID: "1"}}, nil
		},
		deleteFn: func(context.Context, []string) (int, error) { return 1, nil },
	}

	_, err := NewService(repo, zerolog.Nop()).CleanupOldVersions(context.Background(), "AAPL", 1, false)
	require.Error(t, err)
	require.True(t, dataset.IsRetryable(err))
}

func TestSelectForCleanup(t *testing.T) {
	list := []Version{{ID: "5"}, {ID: "4"}, {ID: "3"}, {ID: "2", IsActive: true}, {ID: "1"}}
	doomed, kept := selectForCleanup(list, 2)
	require.Equal(t, []Version{{ID: "3"}, {ID: "1"}}, doomed)
	require.Len(t, kept, 3)

	doomed, kept = selectForCleanup(list, 0)
	require.Len(t, doomed, 4)
	require.Equal(t, []Version{{ID: "2", IsActive: true}}, kept)
}
