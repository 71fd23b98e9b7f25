package observer

import (
	"context"
	"time"

	"github.com/cagojeiger/codehub-controlplane/pkg/log"
	"github.com/cagojeiger/codehub-controlplane/pkg/types"
)

// probeOne implements the §4.2 per-workspace algorithm. Any probe failure
// degrades to "no change this tick" for this workspace alone — it never
// touches operation or error_info, and never propagates to siblings.
func (o *Observer) probeOne(ctx context.Context, w *types.Workspace) {
	ic, ok := o.instanceControllers[w.InstanceBackend]
	if !ok {
		log.Debug("observer: no instance controller for backend " + w.InstanceBackend + ", skipping " + w.ID)
		return
	}
	sp, ok := o.storageProviders[w.StorageBackend]
	if !ok {
		log.Debug("observer: no storage provider for backend " + w.StorageBackend + ", skipping " + w.ID)
		return
	}

	volExists, err := sp.VolumeExists(ctx, w.ID)
	if err != nil {
		log.Errorf("observer: probing volume_exists for "+w.ID, err)
		return
	}
	running, err := ic.IsRunning(ctx, w.ID)
	if err != nil {
		log.Errorf("observer: probing is_running for "+w.ID, err)
		return
	}

	var archiveReady bool
	archiveReason := "NoArchive"
	if w.ArchiveKey != "" {
		archiveReady, archiveReason, err = sp.ArchiveAccessible(ctx, w.ArchiveKey)
		if err != nil {
			log.Errorf("observer: probing archive_accessible for "+w.ID, err)
			return
		}
	}

	now := time.Now()
	conditions := cloneConditions(w.Conditions)
	conditions.Set(types.ConditionVolumeReady, volExists, volumeReason(volExists), "", now)
	conditions.Set(types.ConditionContainerReady, running, containerReason(running), "", now)
	conditions.Set(types.ConditionArchiveReady, archiveReady, archiveReason, "", now)

	healthy, healthyReason := evaluateHealthy(running, volExists, w.ArchiveKey, archiveReady, w.Error)
	conditions.Set(types.ConditionPolicyHealthy, healthy, healthyReason, "", now)

	phase := computePhase(w.DeletedAt, healthy, volExists, running, archiveReady)

	if err := o.store.UpdateObserved(ctx, w.ID, conditions, phase, now); err != nil {
		log.Errorf("observer: writing observed state for "+w.ID, err)
	}
}

func cloneConditions(c types.Conditions) types.Conditions {
	out := make(types.Conditions, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

func volumeReason(ready bool) string {
	if ready {
		return "VolumeProvisioned"
	}
	return "VolumeAbsent"
}

func containerReason(ready bool) string {
	if ready {
		return "ContainerRunning"
	}
	return "ContainerAbsent"
}

// evaluateHealthy implements §4.2 step 3's strict priority: P1 container
// without volume, P2 unreachable archive, P3 a terminal error surfaced by the
// OperationController, else healthy.
func evaluateHealthy(containerReady, volumeReady bool, archiveKey string, archiveReady bool, errInfo *types.ErrorInfo) (bool, string) {
	if containerReady && !volumeReady {
		return false, "ContainerWithoutVolume"
	}
	if archiveKey != "" && !archiveReady {
		return false, "ArchiveAccessError"
	}
	if errInfo != nil && errInfo.IsTerminal {
		return false, string(errInfo.Reason)
	}
	return true, "AllConditionsMet"
}

// computePhase implements §4.2 step 4's case table.
func computePhase(deletedAt *time.Time, healthy, volumeReady, containerReady, archiveReady bool) types.Phase {
	if deletedAt != nil {
		if volumeReady || containerReady || archiveReady {
			return types.PhaseDeleting
		}
		return types.PhaseDeleted
	}
	if !healthy {
		return types.PhaseError
	}
	switch {
	case volumeReady && containerReady:
		return types.PhaseRunning
	case volumeReady && !containerReady:
		return types.PhaseStandby
	case !volumeReady && archiveReady:
		return types.PhaseArchived
	default:
		return types.PhasePending
	}
}
