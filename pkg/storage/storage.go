// Package storage defines the persistence interface for workspaces and its
// Postgres-backed implementation: CAS claims, advisory locks, and the
// LISTEN/NOTIFY trigger that feeds the CDC bridge.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/cagojeiger/codehub-controlplane/pkg/types"
)

// ErrNotFound is returned when a workspace lookup finds no row.
var ErrNotFound = errors.New("storage: workspace not found")

// ErrCASFailed is returned when an UPDATE ... WHERE guard matched zero rows:
// another reconciler already claimed the operation, or the row moved under us.
var ErrCASFailed = errors.New("storage: compare-and-swap failed")

// ErrAlreadyExists is returned on a unique-constraint violation (duplicate name).
var ErrAlreadyExists = errors.New("storage: workspace already exists")

// Filter narrows ListWorkspaces. Zero-value fields are not applied.
type Filter struct {
	OwnerUserID string
	Phase       types.Phase
	Operation   types.Operation
	Deleted     *bool // nil: don't filter; non-nil: deleted_at IS [NOT] NULL
}

// Store is the persistence boundary every controller depends on. Columns are
// partitioned by writer (see pkg/types doc) and Store itself does not enforce
// that partition — callers must only touch the columns their component owns.
type Store interface {
	// CreateWorkspace inserts a new workspace row in PENDING/NONE state.
	CreateWorkspace(ctx context.Context, w *types.Workspace) error

	// GetWorkspace fetches by id. Returns ErrNotFound if absent.
	GetWorkspace(ctx context.Context, id string) (*types.Workspace, error)

	// ListWorkspaces returns workspaces matching filter, ordered by id.
	ListWorkspaces(ctx context.Context, filter Filter) ([]*types.Workspace, error)

	// UpdateDesired applies a service-layer write to desired_state and the
	// user-facing metadata fields. Only the service layer calls this.
	UpdateDesired(ctx context.Context, w *types.Workspace) error

	// UpdateObserved applies a ResourceObserver write to conditions/phase.
	// Only the ResourceObserver calls this.
	UpdateObserved(ctx context.Context, id string, conditions types.Conditions, phase types.Phase, observedAt time.Time) error

	// ClaimOperation performs the CAS claim `WHERE operation = 'NONE'`
	// (invariant I2). Returns ErrCASFailed if another reconciler won the race.
	ClaimOperation(ctx context.Context, id string, op types.Operation, opID string) (*types.Workspace, error)

	// CompleteOperation clears the operation field and, on success, nothing
	// else; on terminal failure, also writes error/error_count (I3).
	CompleteOperation(ctx context.Context, id, opID string, result OperationResult) error

	// UpdateOperationProgress persists incremental operation state (archive_key,
	// home_ctx) without releasing the claim.
	UpdateOperationProgress(ctx context.Context, id, opID string, archiveKey string, homeCtx types.HomeContext) error

	// ResetError clears a workspace's terminal error so the OperationController
	// may reattempt (service-layer "retry" action).
	ResetError(ctx context.Context, id string) error

	// CountRunning counts workspaces with phase=RUNNING or operation=STARTING,
	// optionally scoped to one owner, for the §6 admission check.
	CountRunning(ctx context.Context, ownerUserID string) (perOwner, global int, err error)

	// TryAcquireLeaderLock attempts the coordinator's Postgres advisory lock on
	// a connection dedicated to that key, held until ReleaseLeaderLock or the
	// connection is lost.
	TryAcquireLeaderLock(ctx context.Context, key int64) (bool, error)

	// ReleaseLeaderLock releases a held advisory lock and closes the
	// connection that held it.
	ReleaseLeaderLock(ctx context.Context, key int64) error

	// LeaderLockAlive reports whether the connection backing a previously
	// acquired lock is still usable. A coordinator that observes false has
	// lost leadership regardless of whether anyone called ReleaseLeaderLock.
	LeaderLockAlive(ctx context.Context, key int64) (bool, error)

	// ListenWorkspaceChanges blocks on a dedicated connection's LISTEN
	// workspace_changes, sending the changed workspace id on ch until ctx is done.
	ListenWorkspaceChanges(ctx context.Context, ch chan<- string) error

	// HardDeleteWorkspace removes the row entirely once DELETING has finished
	// all cleanup (I4: only after archive+volume+container teardown).
	HardDeleteWorkspace(ctx context.Context, id string) error

	Close() error
}

// OperationResult is what the OperationController reports back at completion.
type OperationResult struct {
	Success bool
	Error   *types.ErrorInfo // non-nil only when Success is false and terminal
}
