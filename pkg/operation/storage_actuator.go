package operation

import (
	"context"
	"fmt"

	"github.com/cagojeiger/codehub-controlplane/pkg/archivejob"
	"github.com/cagojeiger/codehub-controlplane/pkg/controlerror"
	"github.com/cagojeiger/codehub-controlplane/pkg/objectstore"
	"github.com/cagojeiger/codehub-controlplane/pkg/types"
	"github.com/cagojeiger/codehub-controlplane/pkg/volume"
)

// StorageProvider composes the volume and archive halves of §4.1's Storage
// Actuator contract behind one interface, with the archive/restore legwork
// delegated to an ephemeral Job launcher (§4.1.1) rather than done in-process.
type StorageProvider interface {
	Provision(ctx context.Context, workspaceID string) error
	Restore(ctx context.Context, workspaceID, archiveKey string) (restoreMarker string, err error)
	Archive(ctx context.Context, workspaceID, opID string) (archiveKey string, err error)
	DeleteVolume(ctx context.Context, workspaceID string) error
	VolumeExists(ctx context.Context, workspaceID string) (bool, error)
	ArchiveAccessible(ctx context.Context, archiveKey string) (bool, string, error)
	// DeleteArchive removes an archive blob and its integrity sidecar. Used
	// by the ARCHIVED->PENDING transition (§4.3), which has no named
	// operation of its own, and by the Archive GC sweep.
	DeleteArchive(ctx context.Context, archiveKey string) error
}

// storageProvider is the default StorageProvider, backed by a local volume
// manager, an object store backend, and a job launcher.
type storageProvider struct {
	volumes  *volume.Manager
	objects  objectstore.Store
	launcher archivejob.Launcher
}

// NewStorageProvider wires the three collaborators into one Actuator.
func NewStorageProvider(volumes *volume.Manager, objects objectstore.Store, launcher archivejob.Launcher) StorageProvider {
	return &storageProvider{volumes: volumes, objects: objects, launcher: launcher}
}

func (s *storageProvider) Provision(ctx context.Context, workspaceID string) error {
	if err := s.volumes.Provision(workspaceID); err != nil {
		return fmt.Errorf("provisioning volume: %w", err)
	}
	return nil
}

func (s *storageProvider) DeleteVolume(ctx context.Context, workspaceID string) error {
	if err := s.volumes.Delete(workspaceID); err != nil {
		return fmt.Errorf("deleting volume: %w", err)
	}
	return nil
}

func (s *storageProvider) VolumeExists(ctx context.Context, workspaceID string) (bool, error) {
	return s.volumes.Exists(workspaceID)
}

func (s *storageProvider) ArchiveAccessible(ctx context.Context, archiveKey string) (bool, string, error) {
	return objectstore.ArchiveAccessible(ctx, s.objects, archiveKey)
}

func (s *storageProvider) DeleteArchive(ctx context.Context, archiveKey string) error {
	if archiveKey == "" {
		return nil
	}
	if err := s.objects.Delete(ctx, archiveKey); err != nil {
		return fmt.Errorf("deleting archive blob %s: %w", archiveKey, err)
	}
	if err := s.objects.Delete(ctx, objectstore.MetaKey(archiveKey)); err != nil {
		return fmt.Errorf("deleting archive meta %s: %w", archiveKey, err)
	}
	return nil
}

// Archive runs the Archive Job for (workspaceID, opID) — the path is derived
// here, not by the job (I6, §4.1.1).
func (s *storageProvider) Archive(ctx context.Context, workspaceID, opID string) (string, error) {
	w := &types.Workspace{ID: workspaceID}
	archiveKey := w.NextArchiveKey(opID)

	outcome, err := s.launcher.Run(ctx, archivejob.JobSpec{
		WorkspaceID: workspaceID,
		Mode:        archivejob.ModeArchive,
		ArchiveURL:  "s3://" + archiveKey,
		VolumePath:  s.volumes.Path(workspaceID),
	})
	if err != nil {
		return "", fmt.Errorf("running archive job: %w", err)
	}
	if outcome.ExitCode != 0 {
		return "", jobFailure(outcome)
	}
	return archiveKey, nil
}

func (s *storageProvider) Restore(ctx context.Context, workspaceID, archiveKey string) (string, error) {
	outcome, err := s.launcher.Run(ctx, archivejob.JobSpec{
		WorkspaceID: workspaceID,
		Mode:        archivejob.ModeRestore,
		ArchiveURL:  "s3://" + archiveKey,
		VolumePath:  s.volumes.Path(workspaceID),
	})
	if err != nil {
		return "", fmt.Errorf("running restore job: %w", err)
	}
	if outcome.ExitCode != 0 {
		return "", jobFailure(outcome)
	}
	return archiveKey, nil
}

func jobFailure(outcome archivejob.Outcome) error {
	if outcome.CodehubError != "" {
		return controlerror.ClassifyJobError(outcome.CodehubError, "archive job reported failure")
	}
	return fmt.Errorf("job exited %d with no CODEHUB_ERROR tag", outcome.ExitCode)
}
