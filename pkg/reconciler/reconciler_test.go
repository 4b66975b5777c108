package reconciler

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentsea/nebulous/pkg/platform"
	"github.com/agentsea/nebulous/pkg/scheduler"
	"github.com/agentsea/nebulous/pkg/storage"
	"github.com/agentsea/nebulous/pkg/types"
)

// recordingPlatform captures the containers handed to Reconcile.
type recordingPlatform struct {
	name string

	mu         sync.Mutex
	reconciled []string
	err        error
}

func (p *recordingPlatform) Name() string { return p.name }
func (p *recordingPlatform) Declare(ctx context.Context, req *types.ContainerRequest, owner, namespace, createdBy string) (*types.Container, error) {
	return nil, nil
}
func (p *recordingPlatform) Reconcile(ctx context.Context, c *types.Container) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.reconciled = append(p.reconciled, c.ID)
	return nil
}
func (p *recordingPlatform) Logs(ctx context.Context, id string) (string, error) { return "", nil }
func (p *recordingPlatform) Exec(ctx context.Context, id, command string) (string, error) {
	return "", nil
}
func (p *recordingPlatform) Delete(ctx context.Context, id string) error { return nil }
func (p *recordingPlatform) AcceleratorMap() map[string]string           { return nil }

func (p *recordingPlatform) seen() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.reconciled...)
}

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := storage.NewBoltStore(filepath.Join(t.TempDir(), "data"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seed(t *testing.T, store storage.Store, platformName, queue string, status types.ContainerStatus, desired string) *types.Container {
	t.Helper()
	c := &types.Container{
		ID:            uuid.New().String(),
		Namespace:     "default",
		Name:          uuid.New().String()[:8],
		Image:         "img",
		Platform:      platformName,
		Queue:         queue,
		Status:        &types.ContainerState{Status: &status},
		DesiredStatus: desired,
		CreatedAt:     time.Now().UTC(),
	}
	c.FullName = c.Namespace + "/" + c.Name
	require.NoError(t, store.CreateContainer(c))
	return c
}

func newTestReconciler(t *testing.T, store storage.Store, adapters ...platform.Platform) *Reconciler {
	registry := platform.NewRegistryFrom(adapters...)
	return New(store, registry, scheduler.New(store, registry, nil))
}

func TestReconcileDispatchesToAdapter(t *testing.T) {
	store := newTestStore(t)
	adapter := &recordingPlatform{name: "docker"}
	r := newTestReconciler(t, store, adapter)

	needsStart := seed(t, store, "docker", "", types.StatusDefined, types.DesiredRunning)
	needsWatch := seed(t, store, "docker", "", types.StatusRunning, types.DesiredRunning)
	seed(t, store, "docker", "", types.StatusCompleted, types.DesiredRunning)

	require.NoError(t, r.Reconcile(context.Background()))

	seen := adapter.seen()
	assert.Contains(t, seen, needsStart.ID)
	assert.Contains(t, seen, needsWatch.ID)
	assert.Len(t, seen, 2, "terminal containers are skipped")
}

func TestReconcileSkipsNotDesiredRunning(t *testing.T) {
	store := newTestStore(t)
	adapter := &recordingPlatform{name: "docker"}
	r := newTestReconciler(t, store, adapter)

	seed(t, store, "docker", "", types.StatusDefined, types.DesiredStopped)

	require.NoError(t, r.Reconcile(context.Background()))
	assert.Empty(t, adapter.seen())
}

func TestReconcileHonorsQueueAdmission(t *testing.T) {
	store := newTestStore(t)
	adapter := &recordingPlatform{name: "docker"}
	r := newTestReconciler(t, store, adapter)

	seed(t, store, "docker", "train", types.StatusRunning, types.DesiredRunning)
	waiting := seed(t, store, "docker", "train", types.StatusDefined, types.DesiredRunning)

	require.NoError(t, r.Reconcile(context.Background()))

	assert.NotContains(t, adapter.seen(), waiting.ID)
	got, err := store.GetContainer(waiting.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusQueued, got.CurrentStatus())
}

func TestReconcileContinuesPastFailures(t *testing.T) {
	store := newTestStore(t)
	broken := &recordingPlatform{name: "runpod", err: assert.AnError}
	healthy := &recordingPlatform{name: "docker"}
	r := newTestReconciler(t, store, broken, healthy)

	seed(t, store, "runpod", "", types.StatusDefined, types.DesiredRunning)
	ok := seed(t, store, "docker", "", types.StatusDefined, types.DesiredRunning)
	// Unknown adapter is an error too, not a stall.
	seed(t, store, "ec2", "", types.StatusDefined, types.DesiredRunning)

	require.NoError(t, r.Reconcile(context.Background()))
	assert.Contains(t, healthy.seen(), ok.ID)
}

func TestReconcilePagesThroughFleet(t *testing.T) {
	store := newTestStore(t)
	adapter := &recordingPlatform{name: "docker"}
	r := newTestReconciler(t, store, adapter)

	total := storage.DefaultPageSize + 5
	for i := 0; i < total; i++ {
		seed(t, store, "docker", "", types.StatusRunning, types.DesiredRunning)
	}

	require.NoError(t, r.Reconcile(context.Background()))
	assert.Len(t, adapter.seen(), total)
}

func TestStartStop(t *testing.T) {
	store := newTestStore(t)
	adapter := &recordingPlatform{name: "docker"}
	r := newTestReconciler(t, store, adapter).WithInterval(10 * time.Millisecond)

	c := seed(t, store, "docker", "", types.StatusRunning, types.DesiredRunning)

	r.Start()
	require.Eventually(t, func() bool {
		for _, id := range adapter.seen() {
			if id == c.ID {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
	r.Stop()
}
