package operation

import (
	"context"
	"fmt"
	"time"

	"github.com/cagojeiger/codehub-controlplane/pkg/types"
)

// opSpec pairs one operation's idempotent Actuator sequence with the
// completion predicate checked against conditions (not Actuator return
// values — reality, as last observed by the ResourceObserver, is
// authoritative) and its timeout (§4.3's table).
type opSpec struct {
	timeout time.Duration
	// run executes the Actuator sequence for one attempt. It must be safe to
	// call repeatedly for the same (workspace, op_id) — a previous attempt
	// may have crashed partway through.
	run func(ctx context.Context, c *Controller, w *types.Workspace) error
	// done reports whether the completion predicate already holds, read
	// from w's conditions/archive_key/home_ctx as last written by the RO.
	done func(w *types.Workspace) bool
}

func condStatus(w *types.Workspace, key types.ConditionKey) bool {
	cond, ok := w.Conditions.Get(key)
	return ok && cond.Status
}

var opSpecs = map[types.Operation]opSpec{
	types.OperationCreateEmptyArchive: {
		timeout: 5 * time.Minute,
		run:     runCreateEmptyArchive,
		done: func(w *types.Workspace) bool {
			return condStatus(w, types.ConditionArchiveReady) && !condStatus(w, types.ConditionVolumeReady)
		},
	},
	types.OperationProvisioning: {
		timeout: 5 * time.Minute,
		run:     runProvisioning,
		done: func(w *types.Workspace) bool {
			return condStatus(w, types.ConditionVolumeReady)
		},
	},
	types.OperationRestoring: {
		timeout: 30 * time.Minute,
		run:     runRestoring,
		done: func(w *types.Workspace) bool {
			return condStatus(w, types.ConditionVolumeReady) && w.HomeCtx.RestoreMarker == w.ArchiveKey && w.ArchiveKey != ""
		},
	},
	types.OperationStarting: {
		timeout: 5 * time.Minute,
		run:     runStarting,
		done: func(w *types.Workspace) bool {
			return condStatus(w, types.ConditionContainerReady)
		},
	},
	types.OperationStopping: {
		timeout: 5 * time.Minute,
		run:     runStopping,
		done: func(w *types.Workspace) bool {
			return !condStatus(w, types.ConditionContainerReady) && condStatus(w, types.ConditionVolumeReady)
		},
	},
	types.OperationArchiving: {
		timeout: 30 * time.Minute,
		run:     runArchiving,
		done: func(w *types.Workspace) bool {
			return !condStatus(w, types.ConditionVolumeReady) && condStatus(w, types.ConditionArchiveReady) && w.ArchiveKey != ""
		},
	},
	types.OperationDeleting: {
		timeout: 10 * time.Minute,
		run:     runDeleting,
		done: func(w *types.Workspace) bool {
			return !condStatus(w, types.ConditionContainerReady) && !condStatus(w, types.ConditionVolumeReady)
		},
	},
}

func runCreateEmptyArchive(ctx context.Context, c *Controller, w *types.Workspace) error {
	sp, err := c.storageProviderFor(w)
	if err != nil {
		return err
	}
	if err := sp.Provision(ctx, w.ID); err != nil {
		return fmt.Errorf("provisioning empty volume: %w", err)
	}
	archiveKey, err := sp.Archive(ctx, w.ID, w.OpID)
	if err != nil {
		return fmt.Errorf("archiving empty volume: %w", err)
	}
	if err := c.store.UpdateOperationProgress(ctx, w.ID, w.OpID, archiveKey, w.HomeCtx); err != nil {
		return fmt.Errorf("persisting archive_key: %w", err)
	}
	if err := sp.DeleteVolume(ctx, w.ID); err != nil {
		return fmt.Errorf("deleting volume after archive: %w", err)
	}
	return nil
}

func runProvisioning(ctx context.Context, c *Controller, w *types.Workspace) error {
	sp, err := c.storageProviderFor(w)
	if err != nil {
		return err
	}
	if err := sp.Provision(ctx, w.ID); err != nil {
		return fmt.Errorf("provisioning volume: %w", err)
	}
	return nil
}

func runRestoring(ctx context.Context, c *Controller, w *types.Workspace) error {
	sp, err := c.storageProviderFor(w)
	if err != nil {
		return err
	}
	if err := sp.Provision(ctx, w.ID); err != nil {
		return fmt.Errorf("provisioning volume before restore: %w", err)
	}
	marker, err := sp.Restore(ctx, w.ID, w.ArchiveKey)
	if err != nil {
		return fmt.Errorf("restoring archive: %w", err)
	}
	homeCtx := w.HomeCtx
	homeCtx.RestoreMarker = marker
	if err := c.store.UpdateOperationProgress(ctx, w.ID, w.OpID, w.ArchiveKey, homeCtx); err != nil {
		return fmt.Errorf("persisting restore_marker: %w", err)
	}
	return nil
}

func runStarting(ctx context.Context, c *Controller, w *types.Workspace) error {
	ic, err := c.instanceControllerFor(w)
	if err != nil {
		return err
	}
	if err := ic.Start(ctx, w.ID, w.ImageRef); err != nil {
		return fmt.Errorf("starting container: %w", err)
	}
	return nil
}

func runStopping(ctx context.Context, c *Controller, w *types.Workspace) error {
	ic, err := c.instanceControllerFor(w)
	if err != nil {
		return err
	}
	if err := ic.Delete(ctx, w.ID); err != nil {
		return fmt.Errorf("stopping container: %w", err)
	}
	return nil
}

// runArchiving persists archive_key before deleting the volume (I4).
func runArchiving(ctx context.Context, c *Controller, w *types.Workspace) error {
	sp, err := c.storageProviderFor(w)
	if err != nil {
		return err
	}
	archiveKey, err := sp.Archive(ctx, w.ID, w.OpID)
	if err != nil {
		return fmt.Errorf("archiving volume: %w", err)
	}
	if err := c.store.UpdateOperationProgress(ctx, w.ID, w.OpID, archiveKey, w.HomeCtx); err != nil {
		return fmt.Errorf("persisting archive_key before volume delete: %w", err)
	}
	if err := sp.DeleteVolume(ctx, w.ID); err != nil {
		return fmt.Errorf("deleting volume after archive: %w", err)
	}
	return nil
}

func runDeleting(ctx context.Context, c *Controller, w *types.Workspace) error {
	ic, err := c.instanceControllerFor(w)
	if err != nil {
		return err
	}
	if err := ic.Delete(ctx, w.ID); err != nil {
		return fmt.Errorf("deleting container: %w", err)
	}
	sp, err := c.storageProviderFor(w)
	if err != nil {
		return err
	}
	if err := sp.DeleteVolume(ctx, w.ID); err != nil {
		return fmt.Errorf("deleting volume: %w", err)
	}
	return nil
}
