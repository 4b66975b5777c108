package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	gocache "github.com/patrickmn/go-cache"

	"github.com/agentsea/nebulous/pkg/log"
	"github.com/agentsea/nebulous/pkg/metrics"
	"github.com/agentsea/nebulous/pkg/storage"
	"github.com/agentsea/nebulous/pkg/types"
)

const (
	runpodWatchInterval = 20 * time.Second
	runpodDefaultGPU    = "T4"

	// Pod sizing defaults when the request leaves resources unset.
	runpodVolumeGB    = 500
	runpodDiskGB      = 1000
	runpodMinVCPU     = 8
	runpodMinMemoryGB = 30
	runpodDefaultPort = 8000
)

// errPodGone reports that the provider no longer lists the pod.
var errPodGone = errors.New("pod no longer listed")

// runpodPod is the provider's view of a running pod.
type runpodPod struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	DesiredStatus string            `json:"desiredStatus"`
	CostPerHr     float64           `json:"costPerHr"`
	PublicIP      string            `json:"publicIp,omitempty"`
	PortMappings  map[string]int    `json:"portMappings,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
}

// runpodGPUType is one SKU in the provider catalog.
type runpodGPUType struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	MemoryGB    int    `json:"memoryInGb"`
	Available   bool   `json:"secureAvailable"`
}

// runpodCreateRequest is the pod creation payload.
type runpodCreateRequest struct {
	Name            string            `json:"name"`
	ImageName       string            `json:"imageName"`
	GPUTypeID       string            `json:"gpuTypeId"`
	GPUCount        int               `json:"gpuCount"`
	CloudType       string            `json:"cloudType"`
	VolumeInGB      int               `json:"volumeInGb"`
	ContainerDiskGB int               `json:"containerDiskInGb"`
	MinVCPUCount    int               `json:"minVcpuCount"`
	MinMemoryInGB   int               `json:"minMemoryInGb"`
	Ports           string            `json:"ports"`
	DockerArgs      string            `json:"dockerArgs,omitempty"`
	Env             map[string]string `json:"env,omitempty"`
}

// runpodAPI is the slice of the provider API the adapter needs.
type runpodAPI interface {
	ListGPUTypes(ctx context.Context) ([]runpodGPUType, error)
	CreatePod(ctx context.Context, req runpodCreateRequest) (*runpodPod, error)
	GetPod(ctx context.Context, id string) (*runpodPod, error)
	DeletePod(ctx context.Context, id string) error
	PodLogs(ctx context.Context, id string) (string, error)
}

// runpodClient is the HTTP implementation of runpodAPI.
type runpodClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func newRunpodClient(apiKey string) *runpodClient {
	return &runpodClient{
		baseURL:    "https://rest.runpod.io/v1",
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (r *runpodClient) ListGPUTypes(ctx context.Context) ([]runpodGPUType, error) {
	var result struct {
		GPUTypes []runpodGPUType `json:"gpuTypes"`
	}
	if err := r.do(ctx, http.MethodGet, "/gputypes", nil, &result); err != nil {
		return nil, err
	}
	return result.GPUTypes, nil
}

func (r *runpodClient) CreatePod(ctx context.Context, req runpodCreateRequest) (*runpodPod, error) {
	var pod runpodPod
	if err := r.do(ctx, http.MethodPost, "/pods", req, &pod); err != nil {
		return nil, err
	}
	return &pod, nil
}

func (r *runpodClient) GetPod(ctx context.Context, id string) (*runpodPod, error) {
	var pod runpodPod
	if err := r.do(ctx, http.MethodGet, "/pods/"+id, nil, &pod); err != nil {
		return nil, err
	}
	return &pod, nil
}

func (r *runpodClient) DeletePod(ctx context.Context, id string) error {
	err := r.do(ctx, http.MethodDelete, "/pods/"+id, nil, nil)
	if errors.Is(err, errPodGone) {
		return nil
	}
	return err
}

func (r *runpodClient) PodLogs(ctx context.Context, id string) (string, error) {
	var result struct {
		Logs string `json:"logs"`
	}
	if err := r.do(ctx, http.MethodGet, "/pods/"+id+"/logs", nil, &result); err != nil {
		return "", err
	}
	return result.Logs, nil
}

func (r *runpodClient) do(ctx context.Context, method, path string, body, out any) error {
	return retry.Do(
		func() error {
			var reader io.Reader
			if body != nil {
				data, err := json.Marshal(body)
				if err != nil {
					return retry.Unrecoverable(err)
				}
				reader = bytes.NewReader(data)
			}

			req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reader)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			req.Header.Set("Authorization", "Bearer "+r.apiKey)
			if body != nil {
				req.Header.Set("Content-Type", "application/json")
			}

			resp, err := r.httpClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			data, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			if resp.StatusCode == http.StatusNotFound {
				return retry.Unrecoverable(fmt.Errorf("%s %s: %w", method, path, errPodGone))
			}
			if resp.StatusCode >= 500 {
				return fmt.Errorf("%s %s: %s", method, path, resp.Status)
			}
			if resp.StatusCode >= 400 {
				return retry.Unrecoverable(fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, data))
			}

			if out != nil && len(data) > 0 {
				if err := json.Unmarshal(data, out); err != nil {
					return retry.Unrecoverable(fmt.Errorf("failed to decode response: %w", err))
				}
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(time.Second),
	)
}

// RunpodPlatform rents GPU pods from a hosted provider.
type RunpodPlatform struct {
	deps     Deps
	api      runpodAPI
	catalog  *gocache.Cache
	watchers *watcherRegistry
}

// NewRunpodPlatform builds the GPU rental adapter.
func NewRunpodPlatform(deps Deps) *RunpodPlatform {
	return &RunpodPlatform{
		deps: deps,
		api:  newRunpodClient(deps.Config.RunpodAPIKey),
		// Availability changes quickly; a short TTL keeps placement honest
		// without hammering the catalog endpoint on every reconcile.
		catalog:  gocache.New(30*time.Second, time.Minute),
		watchers: newWatcherRegistry(),
	}
}

func (p *RunpodPlatform) Name() string { return "runpod" }

// AcceleratorMap translates vendor-neutral capability names to provider SKUs.
func (p *RunpodPlatform) AcceleratorMap() map[string]string {
	return map[string]string{
		"T4":      "NVIDIA Tesla T4",
		"A10G":    "NVIDIA A10G",
		"L4":      "NVIDIA L4",
		"A100":    "NVIDIA A100 80GB PCIe",
		"H100":    "NVIDIA H100 80GB HBM3",
		"RTX4090": "NVIDIA GeForce RTX 4090",
	}
}

func (p *RunpodPlatform) Declare(ctx context.Context, req *types.ContainerRequest, owner, namespace, createdBy string) (*types.Container, error) {
	return declareContainer(p.deps, req, owner, namespace, createdBy, p.Name())
}

func (p *RunpodPlatform) Reconcile(ctx context.Context, c *types.Container) error {
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

// create picks an available SKU, builds the bootstrap command, and submits
// the pod. The provider pod id becomes the container's resource name.
func (p *RunpodPlatform) create(ctx context.Context, c *types.Container) error {
	sku, count, err := p.pickAccelerator(ctx, c.Accelerators)
	if errors.Is(err, ErrUnschedulable) {
		metrics.ContainersUnschedulable.Inc()
		failed := types.StatusFailed
		message := UnschedulableMessage
		_ = p.deps.Store.MergeContainerStatus(c.ID, &types.ContainerState{
			Status:  &failed,
			Message: &message,
		})
		return err
	}
	if err != nil {
		return err
	}

	env, err := CommonEnv(ctx, p.deps, c)
	if err != nil {
		return err
	}

	creating := types.StatusCreating
	if err := p.deps.Store.MergeContainerStatus(c.ID, &types.ContainerState{Status: &creating}); err != nil {
		return err
	}

	envMap := make(map[string]string, len(env))
	for _, e := range env {
		envMap[e.Key] = e.Value
	}

	ports := fmt.Sprintf("%d/http", runpodDefaultPort)
	for _, port := range c.Ports {
		ports += fmt.Sprintf(",%d/tcp", port.Port)
	}

	pod, err := p.api.CreatePod(ctx, runpodCreateRequest{
		Name:            "container-" + c.ID,
		ImageName:       c.Image,
		GPUTypeID:       sku,
		GPUCount:        count,
		CloudType:       "SECURE",
		VolumeInGB:      runpodVolumeGB,
		ContainerDiskGB: runpodDiskGB,
		MinVCPUCount:    runpodMinVCPU,
		MinMemoryInGB:   runpodMinMemoryGB,
		Ports:           ports,
		DockerArgs:      bootstrapCommand(c),
		Env:             envMap,
	})
	if err != nil {
		return fmt.Errorf("failed to create pod: %w", err)
	}

	if err := p.deps.Store.SetContainerResource(c.ID, pod.ID, ""); err != nil {
		return err
	}

	created := types.StatusCreated
	accelerator := sku
	patch := &types.ContainerState{
		Status:      &created,
		Accelerator: &accelerator,
	}
	if pod.CostPerHr > 0 {
		cost := pod.CostPerHr
		patch.CostPerHr = &cost
	}
	if err := p.deps.Store.MergeContainerStatus(c.ID, patch); err != nil {
		return err
	}

	logger := log.WithContainerID(c.ID)
	logger.Info().Str("pod", pod.ID).Str("gpu", sku).Msg("created pod")
	p.ensureWatch(c.ID)
	return nil
}

// pickAccelerator tries the requested capabilities in order against the
// cached provider catalog; the first SKU currently available wins.
func (p *RunpodPlatform) pickAccelerator(ctx context.Context, accelerators []string) (string, int, error) {
	available, err := p.availableSKUs(ctx)
	if err != nil {
		return "", 0, err
	}

	if len(accelerators) == 0 {
		accelerators = []string{"1:" + runpodDefaultGPU}
	}

	skuMap := p.AcceleratorMap()
	for _, selector := range accelerators {
		count, capability, err := ParseAccelerator(selector)
		if err != nil {
			return "", 0, err
		}
		sku, ok := skuMap[capability]
		if !ok {
			continue
		}
		if available[sku] {
			return sku, count, nil
		}
	}
	return "", 0, ErrUnschedulable
}

func (p *RunpodPlatform) availableSKUs(ctx context.Context) (map[string]bool, error) {
	if cached, ok := p.catalog.Get("gputypes"); ok {
		return cached.(map[string]bool), nil
	}

	gpuTypes, err := p.api.ListGPUTypes(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list GPU types: %w", err)
	}

	available := make(map[string]bool, len(gpuTypes))
	for _, g := range gpuTypes {
		if g.Available {
			available[g.ID] = true
		}
	}
	p.catalog.SetDefault("gputypes", available)
	return available, nil
}

func (p *RunpodPlatform) ensureWatch(containerID string) {
	p.watchers.ensure(containerID, func(release func()) {
		defer release()
		watch(context.Background(), p.deps, containerID, p.Name(), runpodWatchInterval, p.poll)
	})
}

// poll maps the provider pod state onto the container state machine.
func (p *RunpodPlatform) poll(ctx context.Context, c *types.Container) (*types.ContainerState, bool, error) {
	if c.ResourceName == "" {
		return nil, false, fmt.Errorf("container has no pod id")
	}

	pod, err := p.api.GetPod(ctx, c.ResourceName)
	if errors.Is(err, errPodGone) {
		return statusPatch(types.StatusFailed, "Pod no longer exists"), true, nil
	}
	if err != nil {
		return nil, false, err
	}

	status, ok := mapRunpodStatus(pod.DesiredStatus, c.Restart)
	if !ok {
		return nil, false, fmt.Errorf("unknown pod status %q", pod.DesiredStatus)
	}
	if status == c.CurrentStatus() {
		return nil, false, nil
	}

	patch := statusPatch(status, "")
	if pod.PublicIP != "" {
		ip := pod.PublicIP
		patch.PublicIP = &ip
	}
	return patch, status.Terminal(), nil
}

func mapRunpodStatus(podStatus string, restart types.RestartPolicy) (types.ContainerStatus, bool) {
	switch strings.ToUpper(podStatus) {
	case "CREATED":
		return types.StatusCreated, true
	case "PENDING", "PROVISIONING":
		return types.StatusPending, true
	case "RUNNING":
		return types.StatusRunning, true
	case "RESTARTING":
		return types.StatusRestarting, true
	case "PAUSED":
		return types.StatusPaused, true
	case "EXITED":
		// A clean exit under restart=Never is the workload finishing.
		if restart == types.RestartNever {
			return types.StatusCompleted, true
		}
		return types.StatusExited, true
	case "TERMINATED":
		return types.StatusStopped, true
	case "FAILED", "DEAD":
		return types.StatusFailed, true
	default:
		return "", false
	}
}

func (p *RunpodPlatform) Logs(ctx context.Context, id string) (string, error) {
	c, err := p.deps.Store.GetContainer(id)
	if err != nil {
		return "", err
	}
	if c.ResourceName == "" {
		return "", fmt.Errorf("container has no pod yet")
	}
	return p.api.PodLogs(ctx, c.ResourceName)
}

func (p *RunpodPlatform) Exec(ctx context.Context, id, command string) (string, error) {
	return "", fmt.Errorf("exec is not supported on rented pods")
}

func (p *RunpodPlatform) Delete(ctx context.Context, id string) error {
	c, err := p.deps.Store.GetContainer(id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if c.ResourceName != "" {
		if err := p.api.DeletePod(ctx, c.ResourceName); err != nil {
			logger := log.WithContainerID(id)
			logger.Warn().Err(err).Msg("failed to delete pod")
		}
	}
	return deleteRecord(ctx, p.deps, id)
}

// bootstrapCommand wraps the user command with the agent bootstrap: make
// sure curl exists, install the agent, start the sync sidecar with a
// blocking first pass, then hand off to the user command. Under
// restart=Never the workload self-deletes through the control plane when
// the command finishes.
func bootstrapCommand(c *types.Container) string {
	var b strings.Builder
	b.WriteString("set -e; ")
	b.WriteString("command -v curl >/dev/null 2>&1 || (apt-get update -qq && apt-get install -y -qq curl) || yum install -y -q curl; ")
	b.WriteString("curl -fsSL https://nebulous.agentsea.ai/install.sh | sh; ")
	b.WriteString("nebu-sync --config-from-env --block-once; ")
	b.WriteString("nebu-sync --config-from-env --interval 5 >/nebu/sync.log 2>&1 & ")

	userCmd := c.Command
	if len(c.Args) > 0 {
		userCmd = strings.TrimSpace(userCmd + " " + strings.Join(c.Args, " "))
	}

	if c.Restart == types.RestartNever {
		if userCmd != "" {
			b.WriteString(userCmd)
			b.WriteString("; ")
		}
		b.WriteString(`curl -fsS -X DELETE -H "Authorization: Bearer $NEBU_API_KEY" "$NEBU_SERVER/v1/containers/$NEBU_NAMESPACE/$NEBU_NAME"`)
	} else {
		if userCmd != "" {
			b.WriteString("exec ")
			b.WriteString(userCmd)
		}
	}
	return strings.TrimSpace(b.String())
}
