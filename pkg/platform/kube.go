package platform

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/agentsea/nebulous/pkg/log"
	"github.com/agentsea/nebulous/pkg/storage"
	"github.com/agentsea/nebulous/pkg/types"
)

const (
	kubeWatchInterval = 30 * time.Second
	kubePVCName       = "nebu-pvc"
)

// KubePlatform runs containers as Kubernetes Jobs.
type KubePlatform struct {
	deps      Deps
	clientset kubernetes.Interface
	namespace string
	watchers  *watcherRegistry
}

// NewKubePlatform builds the Kubernetes adapter from a kubeconfig, falling
// back to in-cluster configuration.
func NewKubePlatform(deps Deps) (*KubePlatform, error) {
	cfg, err := kubeRestConfig(deps.Config.Kubeconfig, deps.Config.KubeContext)
	if err != nil {
		return nil, err
	}
	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build kubernetes client: %w", err)
	}
	return &KubePlatform{
		deps:      deps,
		clientset: clientset,
		namespace: deps.Config.KubeNamespace,
		watchers:  newWatcherRegistry(),
	}, nil
}

func kubeRestConfig(kubeconfig, kubeContext string) (*rest.Config, error) {
	if kubeconfig != "" {
		loadingRules := &clientcmd.ClientConfigLoadingRules{ExplicitPath: kubeconfig}
		overrides := &clientcmd.ConfigOverrides{CurrentContext: kubeContext}
		cfg, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, overrides).ClientConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to load kubeconfig: %w", err)
		}
		return cfg, nil
	}
	cfg, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("no kubeconfig and not in cluster: %w", err)
	}
	return cfg, nil
}

func (p *KubePlatform) Name() string { return "kube" }

// AcceleratorMap is identity here: the cluster schedules by nvidia.com/gpu
// count, not SKU, so every known capability maps to itself.
func (p *KubePlatform) AcceleratorMap() map[string]string {
	return map[string]string{
		"T4":   "T4",
		"A10G": "A10G",
		"L4":   "L4",
		"A100": "A100",
		"H100": "H100",
	}
}

func (p *KubePlatform) Declare(ctx context.Context, req *types.ContainerRequest, owner, namespace, createdBy string) (*types.Container, error) {
	return declareContainer(p.deps, req, owner, namespace, createdBy, p.Name())
}

func (p *KubePlatform) Reconcile(ctx context.Context, c *types.Container) error {
	status := c.CurrentStatus()
	switch {
	case status.NeedsStart():
		return p.create(ctx, c)
	case status.NeedsWatch():
		p.ensureWatch(c.ID)
		return nil
	default:
		return nil
	}
}

func (p *KubePlatform) create(ctx context.Context, c *types.Container) error {
	env, err := CommonEnv(ctx, p.deps, c)
	if err != nil {
		return err
	}

	creating := types.StatusCreating
	if err := p.deps.Store.MergeContainerStatus(c.ID, &types.ContainerState{Status: &creating}); err != nil {
		return err
	}

	job, err := buildJob(c, env)
	if err != nil {
		return err
	}

	if _, err := p.clientset.BatchV1().Jobs(p.namespace).Create(ctx, job, metav1.CreateOptions{}); err != nil {
		if !apierrors.IsAlreadyExists(err) {
			return fmt.Errorf("failed to create job: %w", err)
		}
	}

	if err := p.deps.Store.SetContainerResource(c.ID, job.Name, p.namespace); err != nil {
		return err
	}
	created := types.StatusCreated
	if err := p.deps.Store.MergeContainerStatus(c.ID, &types.ContainerState{Status: &created}); err != nil {
		return err
	}

	logger := log.WithContainerID(c.ID)
	logger.Info().Str("job", job.Name).Msg("submitted job")
	p.ensureWatch(c.ID)
	return nil
}

// buildJob projects a container record onto a batch Job: one attempt, no
// backoff, GPU limits from the accelerator count, and the shared PVC for
// the sync and HuggingFace caches.
func buildJob(c *types.Container, env []types.EnvVar) (*batchv1.Job, error) {
	gpuCount := 0
	for _, selector := range c.Accelerators {
		count, _, err := ParseAccelerator(selector)
		if err != nil {
			return nil, err
		}
		gpuCount += count
	}

	kubeEnv := make([]corev1.EnvVar, 0, len(env))
	for _, e := range env {
		kubeEnv = append(kubeEnv, corev1.EnvVar{Name: e.Key, Value: e.Value})
	}

	limits := corev1.ResourceList{}
	requests := corev1.ResourceList{}
	if gpuCount > 0 {
		limits["nvidia.com/gpu"] = *resource.NewQuantity(int64(gpuCount), resource.DecimalSI)
	}
	if c.Resources != nil {
		if c.Resources.MinCPU > 0 {
			requests[corev1.ResourceCPU] = *resource.NewMilliQuantity(int64(c.Resources.MinCPU*1000), resource.DecimalSI)
		}
		if c.Resources.MinMemory > 0 {
			requests[corev1.ResourceMemory] = *resource.NewQuantity(int64(c.Resources.MinMemory*1024*1024*1024), resource.BinarySI)
		}
		if c.Resources.MaxCPU > 0 {
			limits[corev1.ResourceCPU] = *resource.NewMilliQuantity(int64(c.Resources.MaxCPU*1000), resource.DecimalSI)
		}
		if c.Resources.MaxMemory > 0 {
			limits[corev1.ResourceMemory] = *resource.NewQuantity(int64(c.Resources.MaxMemory*1024*1024*1024), resource.BinarySI)
		}
	}

	labels := map[string]string{
		"app":               "nebulous",
		"nebu/container-id": c.ID,
	}
	for k, v := range c.Labels {
		labels[k] = v
	}

	var nodeSelector map[string]string
	if gpuCount > 0 {
		nodeSelector = map[string]string{"role": "gpu"}
	}

	container := corev1.Container{
		Name:  "workload",
		Image: c.Image,
		Env:   kubeEnv,
		Resources: corev1.ResourceRequirements{
			Limits:   limits,
			Requests: requests,
		},
		VolumeMounts: []corev1.VolumeMount{
			{Name: "nebu-cache", MountPath: "/nebu/cache", SubPath: "sync-cache"},
			{Name: "nebu-cache", MountPath: hfCacheDir, SubPath: "huggingface"},
		},
	}
	if c.Command != "" {
		container.Command = []string{"/bin/sh", "-c", strings.TrimSpace(c.Command + " " + strings.Join(c.Args, " "))}
	} else if len(c.Args) > 0 {
		container.Args = c.Args
	}

	backoffLimit := int32(0)
	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:   jobName(c.ID),
			Labels: labels,
		},
		Spec: batchv1.JobSpec{
			BackoffLimit: &backoffLimit,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					NodeSelector:  nodeSelector,
					Containers:    []corev1.Container{container},
					Volumes: []corev1.Volume{
						{
							Name: "nebu-cache",
							VolumeSource: corev1.VolumeSource{
								PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{
									ClaimName: kubePVCName,
								},
							},
						},
					},
				},
			},
		},
	}, nil
}

func jobName(containerID string) string {
	return "nebu-" + containerID
}

func (p *KubePlatform) ensureWatch(containerID string) {
	p.watchers.ensure(containerID, func(release func()) {
		defer release()
		watch(context.Background(), p.deps, containerID, p.Name(), kubeWatchInterval, p.poll)
	})
}

// poll derives the container status from Job conditions.
func (p *KubePlatform) poll(ctx context.Context, c *types.Container) (*types.ContainerState, bool, error) {
	if c.ResourceName == "" {
		return nil, false, fmt.Errorf("container has no job")
	}

	job, err := p.clientset.BatchV1().Jobs(p.namespace).Get(ctx, c.ResourceName, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return statusPatch(types.StatusFailed, "Job no longer exists"), true, nil
	}
	if err != nil {
		return nil, false, err
	}

	status := mapJobStatus(job)
	if status == c.CurrentStatus() {
		return nil, status.Terminal(), nil
	}
	return statusPatch(status, ""), status.Terminal(), nil
}

func mapJobStatus(job *batchv1.Job) types.ContainerStatus {
	switch {
	case job.Status.Active > 0:
		return types.StatusRunning
	case job.Status.CompletionTime != nil && job.Status.Succeeded > 0:
		return types.StatusCompleted
	case job.Status.Failed > 0:
		return types.StatusFailed
	default:
		return types.StatusPending
	}
}

func (p *KubePlatform) Logs(ctx context.Context, id string) (string, error) {
	c, err := p.deps.Store.GetContainer(id)
	if err != nil {
		return "", err
	}
	if c.ResourceName == "" {
		return "", fmt.Errorf("container has no job yet")
	}

	pods, err := p.clientset.CoreV1().Pods(p.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: "job-name=" + c.ResourceName,
	})
	if err != nil {
		return "", fmt.Errorf("failed to list job pods: %w", err)
	}
	if len(pods.Items) == 0 {
		return "", fmt.Errorf("no pods for job %s", c.ResourceName)
	}

	raw, err := p.clientset.CoreV1().Pods(p.namespace).
		GetLogs(pods.Items[0].Name, &corev1.PodLogOptions{}).
		Do(ctx).Raw()
	if err != nil {
		return "", fmt.Errorf("failed to fetch pod logs: %w", err)
	}
	return string(raw), nil
}

func (p *KubePlatform) Exec(ctx context.Context, id, command string) (string, error) {
	return "", fmt.Errorf("exec is not supported for batch jobs")
}

func (p *KubePlatform) Delete(ctx context.Context, id string) error {
	c, err := p.deps.Store.GetContainer(id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if c.ResourceName != "" {
		propagation := metav1.DeletePropagationBackground
		err := p.clientset.BatchV1().Jobs(p.namespace).Delete(ctx, c.ResourceName, metav1.DeleteOptions{
			PropagationPolicy: &propagation,
		})
		if err != nil && !apierrors.IsNotFound(err) {
			logger := log.WithContainerID(id)
			logger.Warn().Err(err).Msg("failed to delete job")
		}
	}
	return deleteRecord(ctx, p.deps, id)
}
