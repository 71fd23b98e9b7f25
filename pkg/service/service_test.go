package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cagojeiger/codehub-controlplane/pkg/config"
	"github.com/cagojeiger/codehub-controlplane/pkg/storage"
	"github.com/cagojeiger/codehub-controlplane/pkg/types"
)

type fakeStore struct {
	mu         sync.Mutex
	ws         map[string]*types.Workspace
	runningPer int
	runningAll int
}

func newFakeStore() *fakeStore { return &fakeStore{ws: map[string]*types.Workspace{}} }

func (f *fakeStore) CreateWorkspace(ctx context.Context, w *types.Workspace) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *w
	f.ws[w.ID] = &cp
	return nil
}

func (f *fakeStore) GetWorkspace(ctx context.Context, id string) (*types.Workspace, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.ws[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (f *fakeStore) ListWorkspaces(ctx context.Context, filter storage.Filter) ([]*types.Workspace, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.Workspace
	for _, w := range f.ws {
		if filter.OwnerUserID != "" && w.OwnerUserID != filter.OwnerUserID {
			continue
		}
		cp := *w
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeStore) UpdateDesired(ctx context.Context, w *types.Workspace) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *w
	f.ws[w.ID] = &cp
	return nil
}

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

func (f *fakeStore) ResetError(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.ws[id]
	if !ok {
		return storage.ErrNotFound
	}
	w.Error = nil
	w.ErrorCount = 0
	return nil
}

func (f *fakeStore) CountRunning(ctx context.Context, ownerUserID string) (int, int, error) {
	return f.runningPer, f.runningAll, nil
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


func (f *fakeStore) HardDeleteWorkspace(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.ws, id)
	return nil
}

func (f *fakeStore) Close() error { return nil }

var _ storage.Store = (*fakeStore)(nil)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.MaxRunningPerUser = 2
	cfg.MaxRunningGlobal = 5
	return cfg
}

func TestCreate_DefaultsPendingAndBackends(t *testing.T) {
	store := newFakeStore()
	svc := New(store, testConfig())

	w, err := svc.Create(context.Background(), CreateRequest{OwnerUserID: "u1", Name: "ws1"})
	require.NoError(t, err)
	assert.Equal(t, types.DesiredPending, w.DesiredState)
	assert.Equal(t, types.PhasePending, w.Phase)
	assert.Equal(t, "containerd", w.InstanceBackend)
	assert.Equal(t, "minio", w.StorageBackend)
	assert.NotEmpty(t, w.ID)
}

func TestCreate_RunningOverQuotaFails(t *testing.T) {
	store := newFakeStore()
	store.runningPer = 2
	svc := New(store, testConfig())

	_, err := svc.Create(context.Background(), CreateRequest{
		OwnerUserID: "u1", Name: "ws2", DesiredState: types.DesiredRunning,
	})
	assert.ErrorIs(t, err, ErrQuotaExceeded)
}

func TestUpdate_DesiredStateConflictWhileOperationInFlight(t *testing.T) {
	store := newFakeStore()
	svc := New(store, testConfig())
	w, err := svc.Create(context.Background(), CreateRequest{OwnerUserID: "u1", Name: "ws3"})
	require.NoError(t, err)

	w.OperationField = types.OperationProvisioning
	require.NoError(t, store.UpdateDesired(context.Background(), w))

	desired := types.DesiredRunning
	_, err = svc.Update(context.Background(), w.ID, UpdatePatch{DesiredState: &desired})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestUpdate_DesiredStateRunningOverQuota(t *testing.T) {
	store := newFakeStore()
	store.runningAll = 5
	svc := New(store, testConfig())
	w, err := svc.Create(context.Background(), CreateRequest{OwnerUserID: "u1", Name: "ws4"})
	require.NoError(t, err)

	desired := types.DesiredRunning
	_, err = svc.Update(context.Background(), w.ID, UpdatePatch{DesiredState: &desired})
	assert.ErrorIs(t, err, ErrQuotaExceeded)
}

func TestDelete_SetsDeletedAtAndDesiredDeleted(t *testing.T) {
	store := newFakeStore()
	svc := New(store, testConfig())
	w, err := svc.Create(context.Background(), CreateRequest{OwnerUserID: "u1", Name: "ws5"})
	require.NoError(t, err)

	require.NoError(t, svc.Delete(context.Background(), w.ID))

	got, err := svc.Get(context.Background(), w.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.DeletedAt)
	assert.Equal(t, types.DesiredDeleted, got.DesiredState)
}

func TestRequestDesiredState_NoopsWhenOperationInFlight(t *testing.T) {
	store := newFakeStore()
	svc := New(store, testConfig())
	w, err := svc.Create(context.Background(), CreateRequest{OwnerUserID: "u1", Name: "ws6"})
	require.NoError(t, err)
	w.OperationField = types.OperationArchiving
	require.NoError(t, store.UpdateDesired(context.Background(), w))

	require.NoError(t, svc.RequestDesiredState(context.Background(), w.ID, types.DesiredArchived))

	got, err := svc.Get(context.Background(), w.ID)
	require.NoError(t, err)
	assert.NotEqual(t, types.DesiredArchived, got.DesiredState)
}

func TestRequestDesiredState_AppliesWhenIdle(t *testing.T) {
	store := newFakeStore()
	svc := New(store, testConfig())
	w, err := svc.Create(context.Background(), CreateRequest{
		OwnerUserID: "u1", Name: "ws7", DesiredState: types.DesiredRunning,
	})
	require.NoError(t, err)

	require.NoError(t, svc.RequestDesiredState(context.Background(), w.ID, types.DesiredStandby))

	got, err := svc.Get(context.Background(), w.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DesiredStandby, got.DesiredState)
}
