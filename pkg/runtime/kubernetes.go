package runtime

import (
	"context"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// KubernetesActuator is the second pluggable InstanceController backend: one
// workspace container becomes one bare Pod (RestartPolicy: Never), the volume
// a hostPath-backed PVC-less bind for the reference implementation.
type KubernetesActuator struct {
	client    kubernetes.Interface
	namespace string
}

// NewKubernetesActuator builds a client from an explicit kubeconfig path, or
// in-cluster config when path is empty.
func NewKubernetesActuator(kubeconfigPath, namespace string) (*KubernetesActuator, error) {
	var cfg *rest.Config
	var err error
	if kubeconfigPath != "" {
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfigPath)
	} else {
		cfg, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("building kubernetes client config: %w", err)
	}

	client, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("building kubernetes clientset: %w", err)
	}
	if namespace == "" {
		namespace = "codehub-workspaces"
	}
	return &KubernetesActuator{client: client, namespace: namespace}, nil
}

func podName(workspaceID string) string { return ContainerName(workspaceID) }

func (a *KubernetesActuator) Start(ctx context.Context, workspaceID, imageRef string) error {
	name := podName(workspaceID)

	existing, err := a.client.CoreV1().Pods(a.namespace).Get(ctx, name, metav1.GetOptions{})
	switch {
	case err == nil:
		if existing.Status.Phase == corev1.PodRunning && podReady(existing) {
			return nil
		}
		// exists but not ready/running: recreate, matching the containerd
		// backend's "remove and recreate" idempotent-start behavior.
		if derr := a.Delete(ctx, workspaceID); derr != nil {
			return fmt.Errorf("removing stale pod %s before restart: %w", name, derr)
		}
	case !apierrors.IsNotFound(err):
		return fmt.Errorf("getting pod %s: %w", name, err)
	}

	pod := buildWorkspacePod(a.namespace, name, workspaceID, imageRef)
	created, err := a.client.CoreV1().Pods(a.namespace).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		if apierrors.IsAlreadyExists(err) {
			created, err = a.client.CoreV1().Pods(a.namespace).Get(ctx, name, metav1.GetOptions{})
			if err != nil {
				return containerCreateFailed(workspaceID, fmt.Errorf("getting pod after AlreadyExists: %w", err))
			}
		} else {
			return containerCreateFailed(workspaceID, err)
		}
	}
	_ = created

	if err := a.waitForReady(ctx, name); err != nil {
		return healthCheckFailed(workspaceID, err)
	}
	return nil
}

func (a *KubernetesActuator) Delete(ctx context.Context, workspaceID string) error {
	name := podName(workspaceID)
	gracePeriod := int64(0)
	policy := metav1.DeletePropagationForeground
	err := a.client.CoreV1().Pods(a.namespace).Delete(ctx, name, metav1.DeleteOptions{
		GracePeriodSeconds: &gracePeriod,
		PropagationPolicy:  &policy,
	})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("deleting pod %s: %w", name, err)
	}
	return nil
}

// IsRunning requires Ready, not just the Running phase — a pod can be Running
// with a failing readiness probe, which must not count as serving traffic.
func (a *KubernetesActuator) IsRunning(ctx context.Context, workspaceID string) (bool, error) {
	pod, err := a.client.CoreV1().Pods(a.namespace).Get(ctx, podName(workspaceID), metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("getting pod %s: %w", podName(workspaceID), err)
	}
	if pod.Status.Phase != corev1.PodRunning {
		return false, nil
	}
	return podReady(pod), nil
}

func podReady(pod *corev1.Pod) bool {
	for _, cond := range pod.Status.Conditions {
		if cond.Type == corev1.PodReady {
			return cond.Status == corev1.ConditionTrue
		}
	}
	return false
}

func (a *KubernetesActuator) waitForReady(ctx context.Context, name string) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			pod, err := a.client.CoreV1().Pods(a.namespace).Get(ctx, name, metav1.GetOptions{})
			if err != nil {
				return fmt.Errorf("getting pod %s: %w", name, err)
			}
			switch pod.Status.Phase {
			case corev1.PodFailed:
				return fmt.Errorf("pod %s failed: %s", name, pod.Status.Message)
			case corev1.PodRunning:
				if podReady(pod) {
					return nil
				}
			}
		}
	}
}

func buildWorkspacePod(namespace, name, workspaceID, imageRef string) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: namespace,
			Labels: map[string]string{
				"app":                     "codehub-workspace",
				"codehub.dev/workspace":   workspaceID,
			},
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			Containers: []corev1.Container{
				{
					Name:  "workspace",
					Image: imageRef,
					VolumeMounts: []corev1.VolumeMount{
						{Name: "home", MountPath: "/data"},
					},
					Resources: corev1.ResourceRequirements{
						Requests: corev1.ResourceList{
							corev1.ResourceCPU:    resource.MustParse("250m"),
							corev1.ResourceMemory: resource.MustParse("512Mi"),
						},
					},
					ReadinessProbe: &corev1.Probe{
						ProbeHandler: corev1.ProbeHandler{
							TCPSocket: &corev1.TCPSocketAction{Port: intstr.FromInt32(8080)},
						},
						InitialDelaySeconds: 3,
						PeriodSeconds:       5,
						FailureThreshold:    12,
					},
				},
			},
			Volumes: []corev1.Volume{
				{
					Name: "home",
					VolumeSource: corev1.VolumeSource{
						PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{
							ClaimName: "ws-" + workspaceID + "-home",
						},
					},
				},
			},
		},
	}
}
