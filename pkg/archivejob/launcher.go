package archivejob

import (
	"context"
	"fmt"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/google/uuid"
)

const archiverImage = "ghcr.io/codehub/archiver:latest"
const jobNamespace = "codehub-jobs"

// Launcher runs one archive or restore job to completion and reports its
// outcome. It is the control-plane side of the Archive/Restore Job contract;
// the job program's own logic lives in RunArchive/RunRestore and ships as a
// separate binary (cmd/codehub-archiver) baked into archiverImage.
type Launcher interface {
	Run(ctx context.Context, spec JobSpec) (Outcome, error)
}

// JobSpec is everything the launcher needs to start one job run.
type JobSpec struct {
	WorkspaceID string
	Mode        Mode
	ArchiveURL  string
	VolumePath  string // host path bind-mounted at /data
	ObjectStore Config // endpoint/credentials forwarded as env
	Timeout     time.Duration
}

// Outcome is what the Actuator layer learns from one job run.
type Outcome struct {
	ExitCode     int
	CodehubError string // parsed from CODEHUB_ERROR in job output, if any
}

// ContainerdLauncher runs jobs as one-shot containerd tasks, matching the
// primary InstanceController backend's runtime.
type ContainerdLauncher struct {
	client *containerd.Client
}

// NewContainerdLauncher reuses a containerd socket connection.
func NewContainerdLauncher(socketPath string) (*ContainerdLauncher, error) {
	if socketPath == "" {
		socketPath = "/run/containerd/containerd.sock"
	}
	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("connecting to containerd for job launcher: %w", err)
	}
	return &ContainerdLauncher{client: client}, nil
}

func (l *ContainerdLauncher) Run(ctx context.Context, spec JobSpec) (Outcome, error) {
	ctx = namespaces.WithNamespace(ctx, jobNamespace)
	if spec.Timeout == 0 {
		spec.Timeout = DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, spec.Timeout)
	defer cancel()

	name := "job-" + spec.WorkspaceID + "-" + uuid.NewString()[:8]

	image, err := l.client.Pull(runCtx, archiverImage, containerd.WithPullUnpack)
	if err != nil {
		return Outcome{}, fmt.Errorf("pulling archiver image: %w", err)
	}

	env := []string{
		EnvArchiveURL + "=" + spec.ArchiveURL,
		EnvS3Endpoint + "=" + spec.ObjectStore.Endpoint,
		EnvS3AccessKey + "=" + spec.ObjectStore.AccessKey,
		EnvS3SecretKey + "=" + spec.ObjectStore.SecretKey,
		EnvMode + "=" + string(spec.Mode),
	}

	mount := specs.Mount{
		Source:      spec.VolumePath,
		Destination: "/data",
		Type:        "bind",
		Options:     []string{"rbind", "rw"},
	}

	container, err := l.client.NewContainer(
		runCtx, name,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(name+"-snapshot", image),
		containerd.WithNewSpec(
			oci.WithImageConfig(image),
			oci.WithEnv(env),
			oci.WithMounts([]specs.Mount{mount}),
		),
	)
	if err != nil {
		return Outcome{}, fmt.Errorf("creating job container: %w", err)
	}
	defer container.Delete(context.Background(), containerd.WithSnapshotCleanup)

	var output outputCollector
	task, err := container.NewTask(runCtx, cio.NewCreator(cio.WithStreams(nil, &output, &output)))
	if err != nil {
		return Outcome{}, fmt.Errorf("creating job task: %w", err)
	}
	defer task.Delete(context.Background())

	exitCh, err := task.Wait(runCtx)
	if err != nil {
		return Outcome{}, fmt.Errorf("waiting on job task: %w", err)
	}
	if err := task.Start(runCtx); err != nil {
		return Outcome{}, fmt.Errorf("starting job task: %w", err)
	}

	select {
	case status := <-exitCh:
		out := Outcome{ExitCode: int(status.ExitCode())}
		if ll, found := ParseJobOutput(output.String()); found {
			out.CodehubError = ll.CodehubError
		}
		return out, nil
	case <-runCtx.Done():
		_, _ = task.Delete(context.Background(), containerd.WithProcessKill)
		return Outcome{ExitCode: -1, CodehubError: "JOB_TIMEOUT"}, runCtx.Err()
	}
}

func (l *ContainerdLauncher) Close() error {
	if l.client == nil {
		return nil
	}
	return l.client.Close()
}

type outputCollector struct {
	buf []byte
}

func (o *outputCollector) Write(p []byte) (int, error) {
	o.buf = append(o.buf, p...)
	return len(p), nil
}

func (o *outputCollector) String() string { return string(o.buf) }
