package gc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cagojeiger/codehub-controlplane/pkg/objectstore"
	"github.com/cagojeiger/codehub-controlplane/pkg/redisstate"
	"github.com/cagojeiger/codehub-controlplane/pkg/storage"
	"github.com/cagojeiger/codehub-controlplane/pkg/types"
)

type fakeStore struct {
	mu sync.Mutex
	ws []*types.Workspace
}

func newFakeStore(ws ...*types.Workspace) *fakeStore { return &fakeStore{ws: ws} }

func (f *fakeStore) CreateWorkspace(ctx context.Context, w *types.Workspace) error { return nil }
func (f *fakeStore) GetWorkspace(ctx context.Context, id string) (*types.Workspace, error) {
	return nil, storage.ErrNotFound
}

func (f *fakeStore) ListWorkspaces(ctx context.Context, filter storage.Filter) ([]*types.Workspace, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ws, nil
}

func (f *fakeStore) UpdateDesired(ctx context.Context, w *types.Workspace) error { return nil }
func (f *fakeStore) UpdateObserved(ctx context.Context, id string, conditions types.Conditions, phase types.Phase, observedAt time.Time) error {
	return nil
}
func (f *fakeStore) ClaimOperation(ctx context.Context, id string, op types.Operation, opID string) (*types.Workspace, error) {
	return nil, storage.ErrCASFailed
}
func (f *fakeStore) CompleteOperation(ctx context.Context, id, opID string, result storage.OperationResult) error {
	return nil
}
func (f *fakeStore) UpdateOperationProgress(ctx context.Context, id, opID string, archiveKey string, homeCtx types.HomeContext) error {
	return nil
}
func (f *fakeStore) ResetError(ctx context.Context, id string) error { return nil }
func (f *fakeStore) CountRunning(ctx context.Context, ownerUserID string) (int, int, error) {
	return 0, 0, nil
}
func (f *fakeStore) TryAcquireLeaderLock(ctx context.Context, key int64) (bool, error) {
	return true, nil
}
func (f *fakeStore) ReleaseLeaderLock(ctx context.Context, key int64) error { return nil }

func (f *fakeStore) LeaderLockAlive(ctx context.Context, key int64) (bool, error) { return true, nil }
func (f *fakeStore) ListenWorkspaceChanges(ctx context.Context, ch chan<- string) error {
	<-ctx.Done()
	return ctx.Err()
}
func (f *fakeStore) HardDeleteWorkspace(ctx context.Context, id string) error { return nil }
func (f *fakeStore) Close() error                                            { return nil }

var _ storage.Store = (*fakeStore)(nil)

// fakeObjectStore is a minimal in-memory objectstore.Store.
type fakeObjectStore struct {
	mu      sync.Mutex
	objects map[string]bool
	deleted []string
}

func newFakeObjectStore(keys ...string) *fakeObjectStore {
	o := &fakeObjectStore{objects: map[string]bool{}}
	for _, k := range keys {
		o.objects[k] = true
	}
	return o
}

func (o *fakeObjectStore) Head(ctx context.Context, key string) (objectstore.ObjectInfo, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return objectstore.ObjectInfo{Exists: o.objects[key]}, nil
}

func (o *fakeObjectStore) Delete(ctx context.Context, key string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.objects, key)
	o.deleted = append(o.deleted, key)
	return nil
}

func (o *fakeObjectStore) List(ctx context.Context, prefix string) ([]string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []string
	for k := range o.objects {
		out = append(out, k)
	}
	return out, nil
}

var _ objectstore.Store = (*fakeObjectStore)(nil)

func newTestRedis(t *testing.T) *redisstate.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return redisstate.NewWithClient(rdb)
}

func TestBuildProtectionSet_DeletedWorkspaceProtectsArchiveNotPrefix(t *testing.T) {
	now := time.Now()
	w := &types.Workspace{
		ID: "ws-1", DeletedAt: &now, ArchiveKey: "archives/ws-1/op-1/home.tar.zst", OpID: "op-2",
	}
	set := buildProtectionSet([]*types.Workspace{w})

	assert.True(t, set.protects("archives/ws-1/op-1/home.tar.zst"))
	assert.True(t, set.protects("archives/ws-1/op-1/home.tar.zst.meta"))
	assert.False(t, set.protects("archives/ws-1/op-2/home.tar.zst"))
}

func TestBuildProtectionSet_UnhealthyProtectsBothArchiveAndPrefix(t *testing.T) {
	w := &types.Workspace{
		ID: "ws-2", ArchiveKey: "archives/ws-2/op-1/home.tar.zst", OpID: "op-2",
		Conditions: types.Conditions{types.ConditionPolicyHealthy: {Status: false}},
	}
	set := buildProtectionSet([]*types.Workspace{w})

	assert.True(t, set.protects("archives/ws-2/op-1/home.tar.zst"))
	assert.True(t, set.protects("archives/ws-2/op-2/home.tar.zst"))
}

func TestBuildProtectionSet_HealthyNoOpIDOrArchiveProtectsNothing(t *testing.T) {
	w := &types.Workspace{
		ID: "ws-3",
		Conditions: types.Conditions{types.ConditionPolicyHealthy: {Status: true}},
	}
	set := buildProtectionSet([]*types.Workspace{w})

	assert.False(t, set.protects("archives/ws-3/op-9/home.tar.zst"))
}

func TestSweep_FirstSightingDoesNotDelete(t *testing.T) {
	objects := newFakeObjectStore("archives/ws-4/op-1/home.tar.zst")
	store := newFakeStore()
	rc := newTestRedis(t)
	c := New(store, map[string]objectstore.Store{"minio": objects}, rc, time.Hour, 2*time.Hour)

	c.sweep(context.Background())

	assert.Empty(t, objects.deleted)
}

func TestSweep_DeletesAfterHoldWindowElapses(t *testing.T) {
	objects := newFakeObjectStore("archives/ws-5/op-1/home.tar.zst")
	store := newFakeStore()
	rc := newTestRedis(t)
	c := New(store, map[string]objectstore.Store{"minio": objects}, rc, time.Hour, 2*time.Hour)

	require.NoError(t, rc.MarkOrphanSeen(context.Background(), "archives/ws-5/op-1/home.tar.zst", time.Now().Add(-3*time.Hour)))

	c.sweep(context.Background())

	assert.Contains(t, objects.deleted, "archives/ws-5/op-1/home.tar.zst")
}

func TestSweep_ProtectedObjectIsNeverDeletedEvenIfMarkedOrphanEarlier(t *testing.T) {
	objects := newFakeObjectStore("archives/ws-6/op-1/home.tar.zst")
	w := &types.Workspace{
		ID: "ws-6", ArchiveKey: "archives/ws-6/op-1/home.tar.zst", OpID: "op-1",
		Conditions: types.Conditions{types.ConditionPolicyHealthy: {Status: true}},
	}
	store := newFakeStore(w)
	rc := newTestRedis(t)
	require.NoError(t, rc.MarkOrphanSeen(context.Background(), "archives/ws-6/op-1/home.tar.zst", time.Now().Add(-3*time.Hour)))

	c := New(store, map[string]objectstore.Store{"minio": objects}, rc, time.Hour, 2*time.Hour)
	c.sweep(context.Background())

	assert.Empty(t, objects.deleted)
}

func TestSweep_NoRedisNeverDeletes(t *testing.T) {
	objects := newFakeObjectStore("archives/ws-7/op-1/home.tar.zst")
	store := newFakeStore()
	c := New(store, map[string]objectstore.Store{"minio": objects}, nil, time.Hour, 2*time.Hour)

	c.sweep(context.Background())
	c.sweep(context.Background())

	assert.Empty(t, objects.deleted)
}
