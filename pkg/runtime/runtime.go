// Package runtime implements the Instance Actuator: an idempotent capability
// interface over a workspace's container, with a containerd backend and a
// kubernetes backend selectable per-workspace by instance_backend.
package runtime

import (
	"context"
	"fmt"

	"github.com/cagojeiger/codehub-controlplane/pkg/controlerror"
	"github.com/cagojeiger/codehub-controlplane/pkg/types"
)

// InstanceController is the narrow capability interface every backend shares
// (§6). No backend-specific state leaks out of it — callers pass and receive
// only workspace ids and image refs.
type InstanceController interface {
	// Start is idempotent and returns only once IsRunning would report true.
	// If a container exists but isn't running, it is removed and recreated.
	Start(ctx context.Context, workspaceID, imageRef string) error

	// Delete sends an immediate kill (no graceful drain) and removes the
	// container. Succeeds if none exists.
	Delete(ctx context.Context, workspaceID string) error

	// IsRunning is a semantic probe: would a proxy request succeed right now.
	IsRunning(ctx context.Context, workspaceID string) (bool, error)
}

// ContainerName computes the DNS-1123-safe container name (I6).
func ContainerName(workspaceID string) string { return "ws-" + workspaceID }

// New constructs the configured backend.
func New(backend string, containerdSocket string, kubeconfigPath, namespace string) (InstanceController, error) {
	switch backend {
	case "containerd":
		return NewContainerdActuator(containerdSocket)
	case "kubernetes":
		return NewKubernetesActuator(kubeconfigPath, namespace)
	default:
		return nil, fmt.Errorf("runtime: unknown instance_backend %q", backend)
	}
}

func imagePullFailed(workspaceID string, err error) error {
	return controlerror.New(types.ReasonActionFailed, "IMAGE_PULL_FAILED: "+workspaceID, err)
}

func healthCheckFailed(workspaceID string, err error) error {
	return controlerror.New(types.ReasonActionFailed, "HEALTH_CHECK_FAILED: "+workspaceID, err)
}

func containerCreateFailed(workspaceID string, err error) error {
	return controlerror.New(types.ReasonActionFailed, "CONTAINER_CREATE_FAILED: "+workspaceID, err)
}
