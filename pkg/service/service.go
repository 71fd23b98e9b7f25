// Package service is the single entry point for every write to desired_state,
// deleted_at, last_access_at, and the identity/metadata columns (§5's
// Single-Writer table). HTTP handlers, the proxy's record_activity call, and
// the TTL Controller all funnel through here rather than touching
// storage.Store directly, the way cuemby-warren's pkg/manager.Manager is the
// sole entry point in front of its store.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cagojeiger/codehub-controlplane/pkg/config"
	"github.com/cagojeiger/codehub-controlplane/pkg/storage"
	"github.com/cagojeiger/codehub-controlplane/pkg/types"
)

// ErrConflict is returned when a desired_state change is requested while an
// operation is already in flight (§6: 409 Conflict).
var ErrConflict = errors.New("service: workspace has an operation in flight")

// ErrQuotaExceeded is returned when starting a workspace would exceed
// max_running_per_user or max_running_global (§6: 429).
var ErrQuotaExceeded = errors.New("service: running quota exceeded")

// CreateRequest is the input to Create.
type CreateRequest struct {
	OwnerUserID     string
	Name            string
	Description     string
	Memo            string
	ImageRef        string
	InstanceBackend string
	StorageBackend  string
	DesiredState    types.DesiredState
	StandbyTTLSec   int64
	ArchiveTTLSec   int64
}

// UpdatePatch carries the subset of fields update(id, patch) may change. A nil
// pointer field means "leave unchanged."
type UpdatePatch struct {
	Name          *string
	Description   *string
	Memo          *string
	DesiredState  *types.DesiredState
	StandbyTTLSec *int64
	ArchiveTTLSec *int64
}

// Service implements §6's service-layer API.
type Service struct {
	store storage.Store
	cfg   *config.Config
}

// New builds a Service backed by store, enforcing cfg's running-count caps.
func New(store storage.Store, cfg *config.Config) *Service {
	return &Service{store: store, cfg: cfg}
}

// Create inserts a new workspace in PENDING/NONE state (§3). A DesiredState
// of RUNNING at creation time is subject to the same quota check as update.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*types.Workspace, error) {
	if req.DesiredState == types.DesiredRunning {
		if err := s.checkQuota(ctx, req.OwnerUserID); err != nil {
			return nil, err
		}
	}

	instanceBackend := req.InstanceBackend
	if instanceBackend == "" {
		instanceBackend = s.cfg.DefaultInstanceBackend
	}
	storageBackend := req.StorageBackend
	if storageBackend == "" {
		storageBackend = s.cfg.DefaultStorageBackend
	}
	desired := req.DesiredState
	if desired == "" {
		desired = types.DesiredPending
	}

	now := time.Now()
	w := &types.Workspace{
		ID:              uuid.NewString(),
		OwnerUserID:     req.OwnerUserID,
		Name:            req.Name,
		Description:     req.Description,
		Memo:            req.Memo,
		ImageRef:        req.ImageRef,
		InstanceBackend: instanceBackend,
		StorageBackend:  storageBackend,
		DesiredState:    desired,
		StandbyTTLSec:   req.StandbyTTLSec,
		ArchiveTTLSec:   req.ArchiveTTLSec,
		LastAccessAt:    now,
		CreatedAt:       now,
		UpdatedAt:       now,
		Phase:           types.PhasePending,
		OperationField:  types.OperationNone,
	}

	if err := s.store.CreateWorkspace(ctx, w); err != nil {
		return nil, fmt.Errorf("service: creating workspace: %w", err)
	}
	return w, nil
}

// Get fetches a workspace by id.
func (s *Service) Get(ctx context.Context, id string) (*types.Workspace, error) {
	w, err := s.store.GetWorkspace(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("service: getting workspace %s: %w", id, err)
	}
	return w, nil
}

// List returns an owner's workspaces, newest-first within the limit/offset
// window. limit<=0 means no bound.
func (s *Service) List(ctx context.Context, owner string, limit, offset int) ([]*types.Workspace, error) {
	all, err := s.store.ListWorkspaces(ctx, storage.Filter{OwnerUserID: owner})
	if err != nil {
		return nil, fmt.Errorf("service: listing workspaces for %s: %w", owner, err)
	}
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

// Update patches the mutable identity/meta/desired_state fields (§6 update).
// Changing DesiredState while an operation is in flight returns ErrConflict;
// changing it to RUNNING while over quota returns ErrQuotaExceeded.
func (s *Service) Update(ctx context.Context, id string, patch UpdatePatch) (*types.Workspace, error) {
	w, err := s.store.GetWorkspace(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("service: getting workspace %s: %w", id, err)
	}

	if patch.DesiredState != nil && *patch.DesiredState != w.DesiredState {
		if w.OperationField != types.OperationNone {
			return nil, ErrConflict
		}
		if *patch.DesiredState == types.DesiredRunning {
			if err := s.checkQuota(ctx, w.OwnerUserID); err != nil {
				return nil, err
			}
		}
		w.DesiredState = *patch.DesiredState
	}
	if patch.Name != nil {
		w.Name = *patch.Name
	}
	if patch.Description != nil {
		w.Description = *patch.Description
	}
	if patch.Memo != nil {
		w.Memo = *patch.Memo
	}
	if patch.StandbyTTLSec != nil {
		w.StandbyTTLSec = *patch.StandbyTTLSec
	}
	if patch.ArchiveTTLSec != nil {
		w.ArchiveTTLSec = *patch.ArchiveTTLSec
	}
	w.UpdatedAt = time.Now()

	if err := s.store.UpdateDesired(ctx, w); err != nil {
		return nil, fmt.Errorf("service: updating workspace %s: %w", id, err)
	}
	return w, nil
}

// RequestDesiredState is the narrow entry point the TTL Controller uses
// (§4.4): it never touches identity/meta fields, only desired_state, and
// silently no-ops a conflicting change rather than erroring — TTL's rules are
// advisory nudges, not user-facing requests, and the next tick will retry.
func (s *Service) RequestDesiredState(ctx context.Context, id string, desired types.DesiredState) error {
	w, err := s.store.GetWorkspace(ctx, id)
	if err != nil {
		return fmt.Errorf("service: getting workspace %s: %w", id, err)
	}
	if w.OperationField != types.OperationNone || w.DesiredState == desired {
		return nil
	}
	w.DesiredState = desired
	w.UpdatedAt = time.Now()
	if err := s.store.UpdateDesired(ctx, w); err != nil {
		return fmt.Errorf("service: requesting desired_state=%s for %s: %w", desired, id, err)
	}
	return nil
}

// Delete marks a workspace for deletion: deleted_at=now(), desired_state=DELETED
// (§6 delete). The reconciler drives the actual teardown.
func (s *Service) Delete(ctx context.Context, id string) error {
	w, err := s.store.GetWorkspace(ctx, id)
	if err != nil {
		return fmt.Errorf("service: getting workspace %s: %w", id, err)
	}
	now := time.Now()
	w.DeletedAt = &now
	w.DesiredState = types.DesiredDeleted
	w.UpdatedAt = now
	if err := s.store.UpdateDesired(ctx, w); err != nil {
		return fmt.Errorf("service: deleting workspace %s: %w", id, err)
	}
	return nil
}

// RecordActivity updates last_access_at (§6, used by the proxy on every
// connection). It takes no lock and is safe to call at high frequency.
func (s *Service) RecordActivity(ctx context.Context, id string) error {
	w, err := s.store.GetWorkspace(ctx, id)
	if err != nil {
		return fmt.Errorf("service: getting workspace %s: %w", id, err)
	}
	w.LastAccessAt = time.Now()
	if err := s.store.UpdateDesired(ctx, w); err != nil {
		return fmt.Errorf("service: recording activity for %s: %w", id, err)
	}
	return nil
}

// Retry clears a workspace's terminal error so the OperationController will
// reattempt on the next tick (exposed for an operator-triggered "retry" action;
// not named in §6 but a natural counterpart to the terminal-error state in §7).
func (s *Service) Retry(ctx context.Context, id string) error {
	if err := s.store.ResetError(ctx, id); err != nil {
		return fmt.Errorf("service: retrying workspace %s: %w", id, err)
	}
	return nil
}

func (s *Service) checkQuota(ctx context.Context, ownerUserID string) error {
	perOwner, global, err := s.store.CountRunning(ctx, ownerUserID)
	if err != nil {
		return fmt.Errorf("service: counting running workspaces: %w", err)
	}
	if perOwner >= s.cfg.MaxRunningPerUser || global >= s.cfg.MaxRunningGlobal {
		return ErrQuotaExceeded
	}
	return nil
}
