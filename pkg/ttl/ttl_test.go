package ttl

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cagojeiger/codehub-controlplane/pkg/config"
	"github.com/cagojeiger/codehub-controlplane/pkg/redisstate"
	"github.com/cagojeiger/codehub-controlplane/pkg/service"
	"github.com/cagojeiger/codehub-controlplane/pkg/storage"
	"github.com/cagojeiger/codehub-controlplane/pkg/types"
)

type fakeStore struct {
	mu sync.Mutex
	ws map[string]*types.Workspace
}

func newFakeStore(ws ...*types.Workspace) *fakeStore {
	f := &fakeStore{ws: map[string]*types.Workspace{}}
	for _, w := range ws {
		cp := *w
		f.ws[w.ID] = &cp
	}
	return f
}

func (f *fakeStore) CreateWorkspace(ctx context.Context, w *types.Workspace) error { return nil }

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
		if filter.Phase != "" && w.Phase != filter.Phase {
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

func (f *fakeStore) Close() error { return nil }

func (f *fakeStore) get(id string) *types.Workspace {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *f.ws[id]
	return &cp
}

var _ storage.Store = (*fakeStore)(nil)

func newTestRedis(t *testing.T) *redisstate.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return redisstate.NewWithClient(rdb)
}

func TestCheckRunningToStandby_RequestsStandbyWhenIdle(t *testing.T) {
	w := &types.Workspace{ID: "ws-1", Phase: types.PhaseRunning, DesiredState: types.DesiredRunning, OperationField: types.OperationNone}
	store := newFakeStore(w)
	svc := service.New(store, config.DefaultConfig())
	rc := newTestRedis(t)

	ctrl := New(store, svc, rc, time.Minute)
	ctrl.checkRunningToStandby(context.Background(), store.get("ws-1"))

	assert.Equal(t, types.DesiredStandby, store.get("ws-1").DesiredState)
}

func TestCheckRunningToStandby_SkipsWhenConnectionsPresent(t *testing.T) {
	w := &types.Workspace{ID: "ws-2", Phase: types.PhaseRunning, DesiredState: types.DesiredRunning, OperationField: types.OperationNone}
	store := newFakeStore(w)
	svc := service.New(store, config.DefaultConfig())
	rc := newTestRedis(t)
	require.NoError(t, rc.IncrConn(context.Background(), "ws-2"))

	ctrl := New(store, svc, rc, time.Minute)
	ctrl.checkRunningToStandby(context.Background(), store.get("ws-2"))

	assert.Equal(t, types.DesiredRunning, store.get("ws-2").DesiredState)
}

func TestCheckRunningToStandby_SkipsWhenIdleTimerPresent(t *testing.T) {
	w := &types.Workspace{ID: "ws-3", Phase: types.PhaseRunning, DesiredState: types.DesiredRunning, OperationField: types.OperationNone}
	store := newFakeStore(w)
	svc := service.New(store, config.DefaultConfig())
	rc := newTestRedis(t)
	require.NoError(t, rc.ResetIdleTimer(context.Background(), "ws-3"))

	ctrl := New(store, svc, rc, time.Minute)
	ctrl.checkRunningToStandby(context.Background(), store.get("ws-3"))

	assert.Equal(t, types.DesiredRunning, store.get("ws-3").DesiredState)
}

func TestCheckStandbyToArchived_RequestsArchivedPastTTL(t *testing.T) {
	w := &types.Workspace{
		ID: "ws-4", Phase: types.PhaseStandby, DesiredState: types.DesiredStandby,
		OperationField: types.OperationNone, ArchiveTTLSec: 60,
		LastAccessAt: time.Now().Add(-time.Hour),
	}
	store := newFakeStore(w)
	svc := service.New(store, config.DefaultConfig())
	ctrl := New(store, svc, nil, time.Minute)

	ctrl.checkStandbyToArchived(context.Background(), store.get("ws-4"))

	assert.Equal(t, types.DesiredArchived, store.get("ws-4").DesiredState)
}

func TestCheckStandbyToArchived_SkipsWithinTTL(t *testing.T) {
	w := &types.Workspace{
		ID: "ws-5", Phase: types.PhaseStandby, DesiredState: types.DesiredStandby,
		OperationField: types.OperationNone, ArchiveTTLSec: 3600,
		LastAccessAt: time.Now(),
	}
	store := newFakeStore(w)
	svc := service.New(store, config.DefaultConfig())
	ctrl := New(store, svc, nil, time.Minute)

	ctrl.checkStandbyToArchived(context.Background(), store.get("ws-5"))

	assert.Equal(t, types.DesiredStandby, store.get("ws-5").DesiredState)
}

func TestCheckRunningToStandby_SkipsWhenOperationInFlight(t *testing.T) {
	w := &types.Workspace{ID: "ws-6", Phase: types.PhaseRunning, DesiredState: types.DesiredRunning, OperationField: types.OperationStopping}
	store := newFakeStore(w)
	svc := service.New(store, config.DefaultConfig())
	rc := newTestRedis(t)

	ctrl := New(store, svc, rc, time.Minute)
	ctrl.checkRunningToStandby(context.Background(), store.get("ws-6"))

	assert.Equal(t, types.DesiredRunning, store.get("ws-6").DesiredState)
}
