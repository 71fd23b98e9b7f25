// Package volume implements the volume half of the Storage Actuator:
// provision/delete/exists for a workspace's home directory, adapted from a
// local bind-mount driver into the containerd Instance Actuator's mount path.
package volume

import (
	"fmt"
	"os"
	"path/filepath"
)

// DefaultVolumesPath is the base directory for local workspace volumes.
const DefaultVolumesPath = "/var/lib/codehub/volumes"

// Manager provisions and removes per-workspace home directories.
type Manager struct {
	basePath string
}

// NewManager ensures the base volumes directory exists.
func NewManager(basePath string) (*Manager, error) {
	if basePath == "" {
		basePath = DefaultVolumesPath
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("creating volumes base directory %s: %w", basePath, err)
	}
	return &Manager{basePath: basePath}, nil
}

// Name computes the DNS-1123-safe volume name (I6).
func Name(workspaceID string) string { return "ws-" + workspaceID + "-home" }

func (m *Manager) path(workspaceID string) string {
	return filepath.Join(m.basePath, Name(workspaceID))
}

// Path exposes the host path for the containerd Actuator's bind mount.
func (m *Manager) Path(workspaceID string) string { return m.path(workspaceID) }

// Provision creates an empty home volume. Idempotent.
func (m *Manager) Provision(workspaceID string) error {
	if err := os.MkdirAll(m.path(workspaceID), 0o755); err != nil {
		return fmt.Errorf("provisioning volume for %s: %w", workspaceID, err)
	}
	return nil
}

// Delete removes the home volume and all its contents. Idempotent: it is not
// an error for the volume to already be absent.
func (m *Manager) Delete(workspaceID string) error {
	if err := os.RemoveAll(m.path(workspaceID)); err != nil {
		return fmt.Errorf("deleting volume for %s: %w", workspaceID, err)
	}
	return nil
}

// Exists reports whether the home volume directory is present.
func (m *Manager) Exists(workspaceID string) (bool, error) {
	_, err := os.Stat(m.path(workspaceID))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("statting volume for %s: %w", workspaceID, err)
	}
	return true, nil
}
