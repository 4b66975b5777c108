package platform

import (
	"context"
	"testing"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentsea/nebulous/pkg/types"
)

type fakeRunpodAPI struct {
	gpuTypes []runpodGPUType
	pods     map[string]*runpodPod
	created  []runpodCreateRequest
}

func newFakeRunpodAPI(gpuTypes ...runpodGPUType) *fakeRunpodAPI {
	return &fakeRunpodAPI{gpuTypes: gpuTypes, pods: map[string]*runpodPod{}}
}

func (f *fakeRunpodAPI) ListGPUTypes(ctx context.Context) ([]runpodGPUType, error) {
	return f.gpuTypes, nil
}

func (f *fakeRunpodAPI) CreatePod(ctx context.Context, req runpodCreateRequest) (*runpodPod, error) {
	f.created = append(f.created, req)
	pod := &runpodPod{ID: "pod-1", Name: req.Name, DesiredStatus: "PENDING", CostPerHr: 0.44}
	f.pods[pod.ID] = pod
	return pod, nil
}

func (f *fakeRunpodAPI) GetPod(ctx context.Context, id string) (*runpodPod, error) {
	pod, ok := f.pods[id]
	if !ok {
		return nil, errPodGone
	}
	return pod, nil
}

func (f *fakeRunpodAPI) DeletePod(ctx context.Context, id string) error {
	delete(f.pods, id)
	return nil
}

func (f *fakeRunpodAPI) PodLogs(ctx context.Context, id string) (string, error) {
	return "pod logs", nil
}

func newTestRunpod(deps Deps, api runpodAPI) *RunpodPlatform {
	return &RunpodPlatform{
		deps:     deps,
		api:      api,
		catalog:  gocache.New(30*time.Second, time.Minute),
		watchers: newWatcherRegistry(),
	}
}

func TestRunpodCreate(t *testing.T) {
	deps := newTestDeps(t)
	api := newFakeRunpodAPI(runpodGPUType{ID: "NVIDIA Tesla T4", Available: true})
	p := newTestRunpod(deps, api)

	c, err := p.Declare(context.Background(), &types.ContainerRequest{
		Image:        "ghcr.io/x:1",
		Metadata:     types.ResourceMeta{Name: "trainer"},
		Accelerators: []string{"1:T4"},
	}, "dev@example.com", "default", "dev@example.com")
	require.NoError(t, err)

	require.NoError(t, p.Reconcile(context.Background(), c))

	require.Len(t, api.created, 1)
	req := api.created[0]
	assert.Equal(t, "container-"+c.ID, req.Name)
	assert.Equal(t, "NVIDIA Tesla T4", req.GPUTypeID)
	assert.Equal(t, 1, req.GPUCount)
	assert.Equal(t, "SECURE", req.CloudType)
	assert.NotEmpty(t, req.Env["NEBU_API_KEY"])

	got, err := deps.Store.GetContainer(c.ID)
	require.NoError(t, err)
	assert.Equal(t, "pod-1", got.ResourceName)
	assert.Equal(t, types.StatusCreated, got.CurrentStatus())
	require.NotNil(t, got.Status.Accelerator)
	assert.Equal(t, "NVIDIA Tesla T4", *got.Status.Accelerator)
	require.NotNil(t, got.Status.CostPerHr)
	assert.InDelta(t, 0.44, *got.Status.CostPerHr, 0.001)
}

func TestRunpodUnschedulable(t *testing.T) {
	deps := newTestDeps(t)
	// Catalog lists the SKU but it has no secure availability.
	api := newFakeRunpodAPI(runpodGPUType{ID: "NVIDIA A100 80GB PCIe", Available: false})
	p := newTestRunpod(deps, api)

	c, err := p.Declare(context.Background(), &types.ContainerRequest{
		Image:        "ghcr.io/x:1",
		Metadata:     types.ResourceMeta{Name: "big"},
		Accelerators: []string{"2:A100"},
	}, "dev@example.com", "default", "dev@example.com")
	require.NoError(t, err)

	err = p.Reconcile(context.Background(), c)
	assert.ErrorIs(t, err, ErrUnschedulable)
	assert.Empty(t, api.created)

	got, err := deps.Store.GetContainer(c.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, got.CurrentStatus())
	require.NotNil(t, got.Status.Message)
	assert.Equal(t, UnschedulableMessage, *got.Status.Message)
}

func TestRunpodAcceleratorFallback(t *testing.T) {
	deps := newTestDeps(t)
	api := newFakeRunpodAPI(
		runpodGPUType{ID: "NVIDIA A100 80GB PCIe", Available: false},
		runpodGPUType{ID: "NVIDIA A10G", Available: true},
	)
	p := newTestRunpod(deps, api)

	// First preference unavailable, second wins.
	sku, count, err := p.pickAccelerator(context.Background(), []string{"1:A100", "2:A10G"})
	require.NoError(t, err)
	assert.Equal(t, "NVIDIA A10G", sku)
	assert.Equal(t, 2, count)
}

func TestRunpodPollPodGone(t *testing.T) {
	deps := newTestDeps(t)
	api := newFakeRunpodAPI()
	p := newTestRunpod(deps, api)

	c := &types.Container{ID: "c-1", ResourceName: "pod-missing", Restart: types.RestartAlways}
	patch, done, err := p.poll(context.Background(), c)
	require.NoError(t, err)
	assert.True(t, done)
	require.NotNil(t, patch)
	assert.Equal(t, types.StatusFailed, *patch.Status)
	assert.Equal(t, "Pod no longer exists", *patch.Message)
}

func TestMapRunpodStatus(t *testing.T) {
	tests := []struct {
		podStatus string
		restart   types.RestartPolicy
		want      types.ContainerStatus
		known     bool
	}{
		{"RUNNING", types.RestartAlways, types.StatusRunning, true},
		{"PENDING", types.RestartAlways, types.StatusPending, true},
		{"PROVISIONING", types.RestartAlways, types.StatusPending, true},
		{"EXITED", types.RestartAlways, types.StatusExited, true},
		{"EXITED", types.RestartNever, types.StatusCompleted, true},
		{"TERMINATED", types.RestartAlways, types.StatusStopped, true},
		{"FAILED", types.RestartAlways, types.StatusFailed, true},
		{"running", types.RestartAlways, types.StatusRunning, true},
		{"WEIRD", types.RestartAlways, "", false},
	}
	for _, tt := range tests {
		got, ok := mapRunpodStatus(tt.podStatus, tt.restart)
		assert.Equal(t, tt.known, ok, "status %q", tt.podStatus)
		if tt.known {
			assert.Equal(t, tt.want, got, "status %q restart %q", tt.podStatus, tt.restart)
		}
	}
}

func TestBootstrapCommand(t *testing.T) {
	always := &types.Container{
		Restart: types.RestartAlways,
		Command: "python train.py",
		Args:    []string{"--epochs", "3"},
	}
	cmd := bootstrapCommand(always)
	assert.Contains(t, cmd, "command -v curl")
	assert.Contains(t, cmd, "install.sh | sh")
	assert.Contains(t, cmd, "--block-once")
	assert.Contains(t, cmd, "exec python train.py --epochs 3")
	assert.NotContains(t, cmd, "DELETE")

	never := &types.Container{
		Restart: types.RestartNever,
		Command: "python train.py",
	}
	cmd = bootstrapCommand(never)
	assert.Contains(t, cmd, "python train.py; ")
	// One-shot workloads deregister themselves when the command finishes.
	assert.Contains(t, cmd, `-X DELETE`)
	assert.Contains(t, cmd, `$NEBU_SERVER/v1/containers/$NEBU_NAMESPACE/$NEBU_NAME`)
	assert.Contains(t, cmd, `Bearer $NEBU_API_KEY`)
	assert.NotContains(t, cmd, "exec python")
}

func TestRunpodExecUnsupported(t *testing.T) {
	p := newTestRunpod(newTestDeps(t), newFakeRunpodAPI())
	_, err := p.Exec(context.Background(), "c-1", "ls")
	assert.Error(t, err)
}
