package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/muselabs/mnemo/internal/embedding"
	"github.com/muselabs/mnemo/internal/index"
	"github.com/muselabs/mnemo/internal/policy"
	"github.com/muselabs/mnemo/internal/storage"
	"github.com/muselabs/mnemo/internal/storage/sqlite"
	"github.com/muselabs/mnemo/pkg/types"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type assertableErr string

func (e assertableErr) Error() string { return string(e) }

// MockEmbedder implements Embedder for testing.
type MockEmbedder struct {
	mock.Mock
	configured bool
}

func (m *MockEmbedder) Configured() bool { return m.configured }

func (m *MockEmbedder) EmbedBatch(ctx context.Context, texts []string) (*embedding.Result, error) {
	args := m.Called(ctx, texts)
	var res *embedding.Result
	if r := args.Get(0); r != nil {
		res = r.(*embedding.Result)
	}
	return res, args.Error(1)
}

// embedResult builds one unit vector per input.
func embedResult(n int) *embedding.Result {
	vectors := make([][]float32, n)
	for i := range vectors {
		vectors[i] = []float32{0.1, 0.2, 0.3}
	}
	return &embedding.Result{Embeddings: vectors, Model: "test-model", Dimensions: 3}
}

// MockIndex implements VectorIndex for testing.
type MockIndex struct {
	mock.Mock
	configured bool
}

func (m *MockIndex) Configured() bool { return m.configured }

func (m *MockIndex) Upsert(ctx context.Context, points []index.Point) error {
	args := m.Called(ctx, points)
	return args.Error(0)
}

func (m *MockIndex) Search(ctx context.Context, vector []float32, limit int, filter *index.Filter) ([]index.ScoredPoint, error) {
	args := m.Called(ctx, vector, limit, filter)
	var hits []index.ScoredPoint
	if r := args.Get(0); r != nil {
		hits = r.([]index.ScoredPoint)
	}
	return hits, args.Error(1)
}

func (m *MockIndex) Scroll(ctx context.Context, filter *index.Filter, limit int, orderBy *index.OrderBy) ([]index.Point, error) {
	args := m.Called(ctx, filter, limit, orderBy)
	var points []index.Point
	if r := args.Get(0); r != nil {
		points = r.([]index.Point)
	}
	return points, args.Error(1)
}

func (m *MockIndex) DeleteByIDs(ctx context.Context, ids []string) error {
	args := m.Called(ctx, ids)
	return args.Error(0)
}

func (m *MockIndex) DeleteByFilter(ctx context.Context, filter *index.Filter) error {
	args := m.Called(ctx, filter)
	return args.Error(0)
}

func (m *MockIndex) Count(ctx context.Context, filter *index.Filter) (int, error) {
	args := m.Called(ctx, filter)
	return args.Int(0), args.Error(1)
}

// MockDurableStore implements storage.DurableStore for failure
// injection; happy paths use a real in-memory SQLite store instead.
type MockDurableStore struct {
	mock.Mock
}

func (m *MockDurableStore) UpsertBatch(ctx context.Context, memories []*types.Memory) error {
	args := m.Called(ctx, memories)
	return args.Error(0)
}

func (m *MockDurableStore) GetByIDs(ctx context.Context, projectID string, ids []string) ([]*types.Memory, error) {
	args := m.Called(ctx, projectID, ids)
	var res []*types.Memory
	if r := args.Get(0); r != nil {
		res = r.([]*types.Memory)
	}
	return res, args.Error(1)
}

func (m *MockDurableStore) List(ctx context.Context, opts storage.ListOptions) ([]*types.Memory, error) {
	args := m.Called(ctx, opts)
	var res []*types.Memory
	if r := args.Get(0); r != nil {
		res = r.([]*types.Memory)
	}
	return res, args.Error(1)
}

func (m *MockDurableStore) ListBySyncStatus(ctx context.Context, statuses []types.SyncStatus, limit int) ([]*types.Memory, error) {
	args := m.Called(ctx, statuses, limit)
	var res []*types.Memory
	if r := args.Get(0); r != nil {
		res = r.([]*types.Memory)
	}
	return res, args.Error(1)
}

func (m *MockDurableStore) UpdateSyncStatus(ctx context.Context, ids []string, status types.SyncStatus, syncedAt *time.Time, lastError string) error {
	args := m.Called(ctx, ids, status, syncedAt, lastError)
	return args.Error(0)
}

func (m *MockDurableStore) CountWhere(ctx context.Context, f storage.RowFilter) (int, error) {
	args := m.Called(ctx, f)
	return args.Int(0), args.Error(1)
}

func (m *MockDurableStore) DeleteWhere(ctx context.Context, f storage.RowFilter) (int, error) {
	args := m.Called(ctx, f)
	return args.Int(0), args.Error(1)
}

func (m *MockDurableStore) Close() error {
	args := m.Called()
	return args.Error(0)
}

// newTestEngine wires an engine over a real in-memory SQLite store with
// mock embedder and index, on a fixed clock.
func newTestEngine(t *testing.T) (*Engine, *sqlite.Store, *MockEmbedder, *MockIndex) {
	t.Helper()

	store, err := sqlite.NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	embedder := &MockEmbedder{configured: true}
	idx := &MockIndex{configured: true}

	eng, err := NewEngine(store, embedder, idx, policy.NewEngine())
	require.NoError(t, err)
	eng.now = func() time.Time { return testNow }

	return eng, store, embedder, idx
}
