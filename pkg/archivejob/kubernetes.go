package archivejob

import (
	"context"
	"fmt"
	"strings"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/google/uuid"
)

// KubernetesLauncher runs jobs as one-shot batch/v1 Jobs, the second pluggable
// backend matching runtime.KubernetesActuator.
type KubernetesLauncher struct {
	client    kubernetes.Interface
	namespace string
}

// NewKubernetesLauncher wraps an existing clientset.
func NewKubernetesLauncher(client kubernetes.Interface, namespace string) *KubernetesLauncher {
	if namespace == "" {
		namespace = "codehub-jobs"
	}
	return &KubernetesLauncher{client: client, namespace: namespace}
}

func (l *KubernetesLauncher) Run(ctx context.Context, spec JobSpec) (Outcome, error) {
	if spec.Timeout == 0 {
		spec.Timeout = DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, spec.Timeout)
	defer cancel()

	name := "job-" + spec.WorkspaceID + "-" + uuid.NewString()[:8]
	backoff := int32(0) // the job's own internal retries happen inside the
	// binary; a failed Pod here should surface as a failed Job, not retry.
	deadline := int64(spec.Timeout.Seconds())

	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: l.namespace},
		Spec: batchv1.JobSpec{
			BackoffLimit:          &backoff,
			ActiveDeadlineSeconds: &deadline,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: map[string]string{"app": "codehub-archiver"}},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Containers: []corev1.Container{
						{
							Name:  "archiver",
							Image: archiverImage,
							Env: []corev1.EnvVar{
								{Name: EnvArchiveURL, Value: spec.ArchiveURL},
								{Name: EnvS3Endpoint, Value: spec.ObjectStore.Endpoint},
								{Name: EnvS3AccessKey, Value: spec.ObjectStore.AccessKey},
								{Name: EnvS3SecretKey, Value: spec.ObjectStore.SecretKey},
								{Name: EnvMode, Value: string(spec.Mode)},
							},
							VolumeMounts: []corev1.VolumeMount{
								{Name: "home", MountPath: "/data"},
							},
						},
					},
					Volumes: []corev1.Volume{
						{
							Name: "home",
							VolumeSource: corev1.VolumeSource{
								PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{
									ClaimName: "ws-" + spec.WorkspaceID + "-home",
								},
							},
						},
					},
				},
			},
		},
	}

	if _, err := l.client.BatchV1().Jobs(l.namespace).Create(runCtx, job, metav1.CreateOptions{}); err != nil {
		return Outcome{}, fmt.Errorf("creating job %s: %w", name, err)
	}
	defer l.cleanup(name)

	return l.await(runCtx, name)
}

func (l *KubernetesLauncher) await(ctx context.Context, name string) (Outcome, error) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return Outcome{ExitCode: -1, CodehubError: "JOB_TIMEOUT"}, ctx.Err()
		case <-ticker.C:
			job, err := l.client.BatchV1().Jobs(l.namespace).Get(ctx, name, metav1.GetOptions{})
			if err != nil {
				return Outcome{}, fmt.Errorf("getting job %s: %w", name, err)
			}
			if job.Status.Succeeded > 0 {
				return Outcome{ExitCode: 0}, nil
			}
			if job.Status.Failed > 0 {
				ll, _ := l.podLogs(ctx, name)
				return Outcome{ExitCode: 1, CodehubError: ll.CodehubError}, nil
			}
		}
	}
}

func (l *KubernetesLauncher) podLogs(ctx context.Context, jobName string) (LogLine, error) {
	pods, err := l.client.CoreV1().Pods(l.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: "job-name=" + jobName,
	})
	if err != nil || len(pods.Items) == 0 {
		return LogLine{}, err
	}
	req := l.client.CoreV1().Pods(l.namespace).GetLogs(pods.Items[0].Name, &corev1.PodLogOptions{})
	stream, err := req.Stream(ctx)
	if err != nil {
		return LogLine{}, err
	}
	defer stream.Close()

	var sb strings.Builder
	buf := make([]byte, 4096)
	for {
		n, rerr := stream.Read(buf)
		sb.Write(buf[:n])
		if rerr != nil {
			break
		}
	}
	ll, _ := ParseJobOutput(sb.String())
	return ll, nil
}

func (l *KubernetesLauncher) cleanup(name string) {
	propagation := metav1.DeletePropagationForeground
	_ = l.client.BatchV1().Jobs(l.namespace).Delete(context.Background(), name, metav1.DeleteOptions{
		PropagationPolicy: &propagation,
	})
}
