package cluster

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirrornode/edgenode/internal/logging"
	"github.com/mirrornode/edgenode/internal/models"
	"github.com/mirrornode/edgenode/internal/storage"
)

type fakeSource struct {
	files  []models.FileRecord
	policy models.SyncPolicy
	fail   map[string]error
	delay  time.Duration

	mu          sync.Mutex
	downloaded  []string
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (s *fakeSource) GetFileList(context.Context) (*models.FileList, error) {
	return &models.FileList{Files: s.files}, nil
}

func (s *fakeSource) GetConfiguration(context.Context) (*models.AgentConfiguration, error) {
	return &models.AgentConfiguration{Sync: s.policy}, nil
}

func (s *fakeSource) Download(ctx context.Context, file models.FileRecord) ([]byte, error) {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		m := s.maxInFlight.Load()
		if n <= m || s.maxInFlight.CompareAndSwap(m, n) {
			break
		}
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}

	if err := s.fail[file.Hash]; err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.downloaded = append(s.downloaded, file.Hash)
	s.mu.Unlock()
	return make([]byte, file.Size), nil
}

func newLocalStore(t *testing.T) (*storage.Local, string) {
	t.Helper()
	root := t.TempDir()
	l := storage.NewLocal(root, logging.NewNop())
	require.NoError(t, l.Init(context.Background()))
	return l, root
}

func storeObject(t *testing.T, l *storage.Local, hash string, size int) {
	t.Helper()
	rec := models.FileRecord{Hash: hash, Size: int64(size)}
	require.NoError(t, l.WriteFile(context.Background(), storage.ShardPath(hash), make([]byte, size), rec))
}

func TestAgent_ReconcileScenario(t *testing.T) {
	store, root := newLocalStore(t)
	storeObject(t, store, "h1", 100)
	storeObject(t, store, "h3", 50)

	src := &fakeSource{
		files: []models.FileRecord{
			{Path: "/a", Hash: "h1", Size: 100},
			{Path: "/b", Hash: "h2", Size: 200},
		},
		policy: models.SyncPolicy{Source: "center", Concurrency: 2},
	}
	a := newTestAgent(t, store, src)
	ctx := context.Background()

	list, policy, err := a.FetchFileList(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, policy.Concurrency)

	missing, err := store.GetMissingFiles(ctx, list.Files)
	require.NoError(t, err)
	require.Len(t, missing, 1)
	assert.Equal(t, "h2", missing[0].Hash)

	require.NoError(t, a.Reconcile(ctx, list, policy))

	assert.Equal(t, []string{"h2"}, src.downloaded)
	assert.Equal(t, int64(200), a.rec.synced.Load())
	assert.Equal(t, int32(1), a.rec.gcRuns.Load())

	missing, err = store.GetMissingFiles(ctx, list.Files)
	require.NoError(t, err)
	assert.Empty(t, missing)

	_, err = os.Stat(filepath.Join(root, "h3", "h3"))
	assert.True(t, os.IsNotExist(err))
	for _, h := range []string{"h1", "h2"} {
		_, err = os.Stat(filepath.Join(root, h, h))
		assert.NoError(t, err, h)
	}

	_, ok := a.Index().Lookup("h2")
	assert.True(t, ok)
	assert.Equal(t, int64(2), a.rec.indexed.Load())

	// A second pass has nothing to do
	require.NoError(t, a.Reconcile(ctx, list, policy))
	assert.Len(t, src.downloaded, 1)
}

func TestAgent_SyncFailureAbortsBeforeGC(t *testing.T) {
	store, root := newLocalStore(t)
	storeObject(t, store, "h3", 10)

	src := &fakeSource{
		files: []models.FileRecord{{Path: "/b", Hash: "h2", Size: 20}},
		fail:  map[string]error{"h2": errors.New("origin 502")},
	}
	a := newTestAgent(t, store, src)

	err := a.Reconcile(context.Background(), &models.FileList{Files: src.files}, models.SyncPolicy{Concurrency: 1})
	require.Error(t, err)
	assert.ErrorContains(t, err, "origin 502")

	_, err = os.Stat(filepath.Join(root, "h3", "h3"))
	assert.NoError(t, err)
	assert.Equal(t, int32(0), a.rec.gcRuns.Load())
	assert.Equal(t, 0, a.Index().Len())
}

type gcFailingStore struct {
	*storage.Local
	err error
}

func (s gcFailingStore) GC(context.Context, []models.FileRecord) error {
	return s.err
}

func TestAgent_ReconcileToleratesGCFailure(t *testing.T) {
	local, root := newLocalStore(t)
	storeObject(t, local, "h3", 10)

	src := &fakeSource{files: []models.FileRecord{{Path: "/b", Hash: "h2", Size: 20}}}
	a := newTestAgent(t, gcFailingStore{Local: local, err: errors.New("disk gone read-only")}, src)

	require.NoError(t, a.Reconcile(context.Background(), &models.FileList{Files: src.files}, models.SyncPolicy{Concurrency: 1}))

	assert.Equal(t, []string{"h2"}, src.downloaded)
	assert.Equal(t, int32(1), a.rec.gcRuns.Load())

	// the index is installed even though nothing was collected
	_, ok := a.Index().Lookup("h2")
	assert.True(t, ok)
	assert.Equal(t, 1, a.Index().Len())
	assert.Equal(t, int64(1), a.rec.indexed.Load())

	_, err := os.Stat(filepath.Join(root, "h3", "h3"))
	assert.NoError(t, err)
}

func TestAgent_SyncConcurrencyBound(t *testing.T) {
	store, _ := newLocalStore(t)

	var files []models.FileRecord
	for _, h := range []string{"a1", "a2", "a3", "a4", "a5", "a6", "a7", "a8", "a9", "b1", "b2", "b3"} {
		files = append(files, models.FileRecord{Path: "/" + h, Hash: h, Size: 8})
	}
	src := &fakeSource{files: files, delay: 10 * time.Millisecond}
	a := newTestAgent(t, store, src)
	a.cfg.SyncConcurrency = 2

	// The larger of the local and control plane bounds wins
	err := a.SyncFiles(context.Background(), &models.FileList{Files: files}, models.SyncPolicy{Concurrency: 3})
	require.NoError(t, err)

	assert.Len(t, src.downloaded, len(files))
	assert.LessOrEqual(t, src.maxInFlight.Load(), int32(3))
}

func TestAgent_SyncNothingMissing(t *testing.T) {
	store, _ := newLocalStore(t)
	storeObject(t, store, "h1", 5)

	src := &fakeSource{}
	a := newTestAgent(t, store, src)

	files := []models.FileRecord{{Hash: "h1", Size: 5}}
	require.NoError(t, a.SyncFiles(context.Background(), &models.FileList{Files: files}, models.SyncPolicy{}))
	assert.Empty(t, src.downloaded)
}
