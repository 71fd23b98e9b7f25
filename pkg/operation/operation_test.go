package operation

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cagojeiger/codehub-controlplane/pkg/controlerror"
	"github.com/cagojeiger/codehub-controlplane/pkg/runtime"
	"github.com/cagojeiger/codehub-controlplane/pkg/storage"
	"github.com/cagojeiger/codehub-controlplane/pkg/types"
)

// fakeStore is an in-memory storage.Store sufficient to exercise the
// OperationController's claim/advance/complete cycle without a database.
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
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.ws[id]
	if !ok {
		return storage.ErrNotFound
	}
	w.Conditions = conditions
	w.Phase = phase
	w.ObservedAt = observedAt
	return nil
}

func (f *fakeStore) ClaimOperation(ctx context.Context, id string, op types.Operation, opID string) (*types.Workspace, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.ws[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if w.OperationField != types.OperationNone {
		return nil, storage.ErrCASFailed
	}
	w.OperationField = op
	w.OpID = opID
	now := time.Now()
	w.OpStartedAt = &now
	cp := *w
	return &cp, nil
}

func (f *fakeStore) CompleteOperation(ctx context.Context, id, opID string, result storage.OperationResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.ws[id]
	if !ok || w.OpID != opID {
		return storage.ErrCASFailed
	}
	w.OperationField = types.OperationNone
	if result.Success {
		w.Error = nil
		w.ErrorCount = 0
	} else {
		w.Error = result.Error
		w.ErrorCount++
	}
	return nil
}

func (f *fakeStore) UpdateOperationProgress(ctx context.Context, id, opID string, archiveKey string, homeCtx types.HomeContext) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.ws[id]
	if !ok || w.OpID != opID {
		return storage.ErrCASFailed
	}
	w.ArchiveKey = archiveKey
	w.HomeCtx = homeCtx
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


func (f *fakeStore) HardDeleteWorkspace(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.ws, id)
	return nil
}

func (f *fakeStore) Close() error { return nil }

func (f *fakeStore) get(id string) *types.Workspace {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *f.ws[id]
	return &cp
}

// fakeInstanceController tracks calls and lets tests flip is_running.
type fakeInstanceController struct {
	running map[string]bool
}

func (f *fakeInstanceController) Start(ctx context.Context, workspaceID, imageRef string) error {
	if f.running == nil {
		f.running = map[string]bool{}
	}
	f.running[workspaceID] = true
	return nil
}

func (f *fakeInstanceController) Delete(ctx context.Context, workspaceID string) error {
	if f.running == nil {
		f.running = map[string]bool{}
	}
	f.running[workspaceID] = false
	return nil
}

func (f *fakeInstanceController) IsRunning(ctx context.Context, workspaceID string) (bool, error) {
	return f.running[workspaceID], nil
}

var _ runtime.InstanceController = (*fakeInstanceController)(nil)

// fakeStorageProvider tracks calls for assertions.
type fakeStorageProvider struct {
	volumes      map[string]bool
	calls        []string
	provisionErr error
}

func (f *fakeStorageProvider) Provision(ctx context.Context, workspaceID string) error {
	f.calls = append(f.calls, "Provision:"+workspaceID)
	if f.provisionErr != nil {
		return f.provisionErr
	}
	if f.volumes == nil {
		f.volumes = map[string]bool{}
	}
	f.volumes[workspaceID] = true
	return nil
}

func (f *fakeStorageProvider) Restore(ctx context.Context, workspaceID, archiveKey string) (string, error) {
	f.calls = append(f.calls, "Restore:"+workspaceID)
	if f.volumes == nil {
		f.volumes = map[string]bool{}
	}
	f.volumes[workspaceID] = true
	return archiveKey, nil
}

func (f *fakeStorageProvider) Archive(ctx context.Context, workspaceID, opID string) (string, error) {
	f.calls = append(f.calls, "Archive:"+workspaceID)
	return "archives/" + workspaceID + "/" + opID + "/home.tar.zst", nil
}

func (f *fakeStorageProvider) DeleteVolume(ctx context.Context, workspaceID string) error {
	f.calls = append(f.calls, "DeleteVolume:"+workspaceID)
	if f.volumes == nil {
		f.volumes = map[string]bool{}
	}
	f.volumes[workspaceID] = false
	return nil
}

func (f *fakeStorageProvider) VolumeExists(ctx context.Context, workspaceID string) (bool, error) {
	return f.volumes[workspaceID], nil
}

func (f *fakeStorageProvider) ArchiveAccessible(ctx context.Context, archiveKey string) (bool, string, error) {
	if archiveKey == "" {
		return false, "NoArchive", nil
	}
	return true, "ArchiveUploaded", nil
}

func (f *fakeStorageProvider) DeleteArchive(ctx context.Context, archiveKey string) error {
	f.calls = append(f.calls, "DeleteArchive:"+archiveKey)
	return nil
}

var _ StorageProvider = (*fakeStorageProvider)(nil)

func newTestController(store *fakeStore, ic runtime.InstanceController, sp StorageProvider) *Controller {
	return New(store,
		map[string]runtime.InstanceController{"containerd": ic},
		map[string]StorageProvider{"minio": sp},
		4,
	)
}

func TestClaimAndRun_ProvisioningClaimsThenRunsActuator(t *testing.T) {
	w := &types.Workspace{
		ID: "ws-1", InstanceBackend: "containerd", StorageBackend: "minio",
		Phase: types.PhasePending, DesiredState: types.DesiredStandby,
		OperationField: types.OperationNone,
	}
	store := newFakeStore(w)
	sp := &fakeStorageProvider{}
	ctrl := newTestController(store, &fakeInstanceController{}, sp)

	ctrl.plan(context.Background(), store.get("ws-1"))

	got := store.get("ws-1")
	assert.Contains(t, sp.calls, "Provision:ws-1")
	// actuator ran but RO hasn't observed volume_ready yet, so operation stays in flight
	assert.Equal(t, types.OperationProvisioning, got.OperationField)
}

func TestAdvance_CompletesWhenConditionsSatisfied(t *testing.T) {
	started := time.Now()
	w := &types.Workspace{
		ID: "ws-2", InstanceBackend: "containerd", StorageBackend: "minio",
		Phase: types.PhasePending, DesiredState: types.DesiredStandby,
		OperationField: types.OperationProvisioning,
		OpID:            "op-1",
		OpStartedAt:     &started,
		Conditions: types.Conditions{
			types.ConditionVolumeReady: {Status: true, Reason: "VolumeProvisioned"},
		},
	}
	store := newFakeStore(w)
	sp := &fakeStorageProvider{volumes: map[string]bool{"ws-2": true}}
	ctrl := newTestController(store, &fakeInstanceController{}, sp)

	ctrl.advance(context.Background(), store.get("ws-2"))

	got := store.get("ws-2")
	assert.Equal(t, types.OperationNone, got.OperationField)
	assert.Nil(t, got.Error)
}

func TestAdvance_TimeoutGoesTerminal(t *testing.T) {
	started := time.Now().Add(-time.Hour)
	w := &types.Workspace{
		ID: "ws-3", InstanceBackend: "containerd", StorageBackend: "minio",
		Phase: types.PhasePending, DesiredState: types.DesiredStandby,
		OperationField: types.OperationProvisioning,
		OpID:            "op-1",
		OpStartedAt:     &started,
	}
	store := newFakeStore(w)
	sp := &fakeStorageProvider{}
	ctrl := newTestController(store, &fakeInstanceController{}, sp)

	ctrl.advance(context.Background(), store.get("ws-3"))

	got := store.get("ws-3")
	assert.Equal(t, types.OperationNone, got.OperationField)
	require.NotNil(t, got.Error)
	assert.Equal(t, types.ReasonTimeout, got.Error.Reason)
	assert.True(t, got.Error.IsTerminal)
}

func TestRunAttempt_TerminalImmediatelyBypassesAttemptBudget(t *testing.T) {
	started := time.Now()
	w := &types.Workspace{
		ID: "ws-data-lost", InstanceBackend: "containerd", StorageBackend: "minio",
		Phase: types.PhasePending, DesiredState: types.DesiredStandby,
		OperationField: types.OperationProvisioning,
		OpID:            "op-1",
		OpStartedAt:     &started,
	}
	store := newFakeStore(w)
	sp := &fakeStorageProvider{
		provisionErr: fmt.Errorf("provisioning volume: %w",
			controlerror.New(types.ReasonDataLost, "archive checksum mismatch", nil)),
	}
	ctrl := newTestController(store, &fakeInstanceController{}, sp)

	ctrl.runAttempt(context.Background(), store.get("ws-data-lost"))

	got := store.get("ws-data-lost")
	assert.Equal(t, types.OperationNone, got.OperationField)
	require.NotNil(t, got.Error)
	assert.Equal(t, types.ReasonDataLost, got.Error.Reason)
	assert.True(t, got.Error.IsTerminal)
	assert.Equal(t, 1, len(sp.calls)) // went terminal on the first attempt, no retry
}

func TestRunAttempt_RetryableReasonLeavesOperationInFlight(t *testing.T) {
	started := time.Now()
	w := &types.Workspace{
		ID: "ws-retry", InstanceBackend: "containerd", StorageBackend: "minio",
		Phase: types.PhasePending, DesiredState: types.DesiredStandby,
		OperationField: types.OperationProvisioning,
		OpID:            "op-1",
		OpStartedAt:     &started,
	}
	store := newFakeStore(w)
	sp := &fakeStorageProvider{
		provisionErr: fmt.Errorf("provisioning volume: %w",
			controlerror.New(types.ReasonActionFailed, "transient actuator error", nil)),
	}
	ctrl := newTestController(store, &fakeInstanceController{}, sp)

	ctrl.runAttempt(context.Background(), store.get("ws-retry"))

	got := store.get("ws-retry")
	assert.Equal(t, types.OperationProvisioning, got.OperationField)
	assert.Nil(t, got.Error)
}

func TestNeedsAttention(t *testing.T) {
	ctrl := newTestController(newFakeStore(), &fakeInstanceController{}, &fakeStorageProvider{})

	assert.True(t, ctrl.needsAttention(&types.Workspace{Phase: types.PhaseDeleting, OperationField: types.OperationNone}))
	assert.False(t, ctrl.needsAttention(&types.Workspace{Phase: types.PhaseDeleted, OperationField: types.OperationNone}))
	assert.True(t, ctrl.needsAttention(&types.Workspace{
		Phase: types.PhasePending, DesiredState: types.DesiredRunning, OperationField: types.OperationNone,
	}))
	assert.False(t, ctrl.needsAttention(&types.Workspace{
		Phase: types.PhasePending, DesiredState: types.DesiredPending, OperationField: types.OperationNone,
	}))
	assert.True(t, ctrl.needsAttention(&types.Workspace{
		Phase: types.PhaseError, DesiredState: types.DesiredDeleted, OperationField: types.OperationNone,
	}))
	assert.False(t, ctrl.needsAttention(&types.Workspace{
		Phase: types.PhaseError, DesiredState: types.DesiredRunning, OperationField: types.OperationNone,
	}))
}
