package runtime

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/cagojeiger/codehub-controlplane/pkg/log"
)

const (
	containerdNamespace   = "codehub"
	defaultSocketPath     = "/run/containerd/containerd.sock"
	containerStopTimeout  = 10 * time.Second
)

// ContainerdActuator is the primary InstanceController backend.
type ContainerdActuator struct {
	client *containerd.Client
}

// NewContainerdActuator connects to a containerd socket.
func NewContainerdActuator(socketPath string) (*ContainerdActuator, error) {
	if socketPath == "" {
		socketPath = defaultSocketPath
	}
	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("connecting to containerd at %s: %w", socketPath, err)
	}
	return &ContainerdActuator{client: client}, nil
}

func (a *ContainerdActuator) ctx() context.Context {
	return namespaces.WithNamespace(context.Background(), containerdNamespace)
}

// Start creates (if absent) and runs the workspace container, mounting its
// home volume at /data, and waits until IsRunning is true.
func (a *ContainerdActuator) Start(ctx context.Context, workspaceID, imageRef string) error {
	ctx = namespaces.WithNamespace(ctx, containerdNamespace)
	name := ContainerName(workspaceID)

	existing, err := a.client.LoadContainer(ctx, name)
	if err == nil {
		task, terr := existing.Task(ctx, nil)
		if terr == nil {
			status, serr := task.Status(ctx)
			if serr == nil && status.Status == containerd.Running {
				return nil // already running, idempotent no-op
			}
		}
		// exists but not running: tear down and recreate
		if err := a.Delete(ctx, workspaceID); err != nil {
			return fmt.Errorf("removing stale container %s before restart: %w", name, err)
		}
	} else if !errdefs.IsNotFound(err) {
		return fmt.Errorf("loading container %s: %w", name, err)
	}

	image, err := a.client.Pull(ctx, imageRef, containerd.WithPullUnpack)
	if err != nil {
		return imagePullFailed(workspaceID, fmt.Errorf("pulling %s: %w", imageRef, err))
	}

	volumeMount := specs.Mount{
		Source:      "/var/lib/codehub/volumes/" + workspaceID + "-home",
		Destination: "/data",
		Type:        "bind",
		Options:     []string{"rbind", "rw"},
	}

	container, err := a.client.NewContainer(
		ctx,
		name,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(name+"-snapshot", image),
		containerd.WithNewSpec(
			oci.WithImageConfig(image),
			oci.WithMounts([]specs.Mount{volumeMount}),
		),
	)
	if err != nil {
		return containerCreateFailed(workspaceID, err)
	}

	task, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		return containerCreateFailed(workspaceID, fmt.Errorf("creating task: %w", err))
	}
	if err := task.Start(ctx); err != nil {
		return containerCreateFailed(workspaceID, fmt.Errorf("starting task: %w", err))
	}

	running, err := a.IsRunning(ctx, workspaceID)
	if err != nil {
		return healthCheckFailed(workspaceID, err)
	}
	if !running {
		return healthCheckFailed(workspaceID, fmt.Errorf("container did not report running after start"))
	}
	return nil
}

// Delete kills and removes the container if it exists. No graceful drain:
// user data lives on the volume, never in the container.
func (a *ContainerdActuator) Delete(ctx context.Context, workspaceID string) error {
	ctx = namespaces.WithNamespace(ctx, containerdNamespace)
	name := ContainerName(workspaceID)

	container, err := a.client.LoadContainer(ctx, name)
	if errdefs.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading container %s for delete: %w", name, err)
	}

	if task, terr := container.Task(ctx, nil); terr == nil {
		stopCtx, cancel := context.WithTimeout(ctx, containerStopTimeout)
		_ = task.Kill(stopCtx, syscall.SIGKILL)
		_, _ = task.Delete(stopCtx)
		cancel()
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("deleting container %s: %w", name, err)
	}
	return nil
}

// IsRunning is a semantic probe: the container's task must be in the running
// state. A process being merely present is not sufficient.
func (a *ContainerdActuator) IsRunning(ctx context.Context, workspaceID string) (bool, error) {
	ctx = namespaces.WithNamespace(ctx, containerdNamespace)
	name := ContainerName(workspaceID)

	container, err := a.client.LoadContainer(ctx, name)
	if errdefs.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("loading container %s: %w", name, err)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		return false, nil
	}
	status, err := task.Status(ctx)
	if err != nil {
		return false, nil
	}
	return status.Status == containerd.Running, nil
}

func (a *ContainerdActuator) Close() error {
	if a.client == nil {
		return nil
	}
	if err := a.client.Close(); err != nil {
		log.Errorf("closing containerd client", err)
		return err
	}
	return nil
}
