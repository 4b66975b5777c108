package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentsea/nebulous/pkg/platform"
	"github.com/agentsea/nebulous/pkg/storage"
	"github.com/agentsea/nebulous/pkg/types"
)

// stubPlatform is a do-nothing adapter with a configurable name.
type stubPlatform struct {
	name string
}

func (s stubPlatform) Name() string { return s.name }
func (s stubPlatform) Declare(ctx context.Context, req *types.ContainerRequest, owner, namespace, createdBy string) (*types.Container, error) {
	return nil, nil
}
func (s stubPlatform) Reconcile(ctx context.Context, c *types.Container) error { return nil }
func (s stubPlatform) Logs(ctx context.Context, id string) (string, error)     { return "", nil }
func (s stubPlatform) Exec(ctx context.Context, id, command string) (string, error) {
	return "", nil
}
func (s stubPlatform) Delete(ctx context.Context, id string) error { return nil }
func (s stubPlatform) AcceleratorMap() map[string]string           { return nil }

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := storage.NewBoltStore(filepath.Join(t.TempDir(), "data"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedContainer(t *testing.T, store storage.Store, queue string, status types.ContainerStatus) *types.Container {
	t.Helper()
	c := &types.Container{
		ID:        uuid.New().String(),
		Namespace: "default",
		Name:      uuid.New().String()[:8],
		Image:     "img",
		Queue:     queue,
		Status:    &types.ContainerState{Status: &status},
		CreatedAt: time.Now().UTC(),
	}
	c.FullName = c.Namespace + "/" + c.Name
	require.NoError(t, store.CreateContainer(c))
	return c
}

func TestAdmitNoQueue(t *testing.T) {
	s := New(newTestStore(t), platform.NewRegistryFrom(), nil)

	ok, err := s.Admit(&types.Container{ID: "c-1"})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAdmitFreeQueue(t *testing.T) {
	store := newTestStore(t)
	s := New(store, platform.NewRegistryFrom(), nil)

	c := seedContainer(t, store, "train", types.StatusDefined)
	ok, err := s.Admit(c)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAdmitBusyQueueParks(t *testing.T) {
	store := newTestStore(t)
	s := New(store, platform.NewRegistryFrom(), nil)

	seedContainer(t, store, "train", types.StatusRunning)
	c := seedContainer(t, store, "train", types.StatusDefined)

	ok, err := s.Admit(c)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := store.GetContainer(c.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusQueued, got.CurrentStatus())
	require.NotNil(t, got.Status.Message)
	assert.Contains(t, *got.Status.Message, "train")
}

func TestAdmitQueueDrains(t *testing.T) {
	store := newTestStore(t)
	s := New(store, platform.NewRegistryFrom(), nil)

	blocker := seedContainer(t, store, "train", types.StatusRunning)
	c := seedContainer(t, store, "train", types.StatusQueued)

	ok, err := s.Admit(c)
	require.NoError(t, err)
	assert.False(t, ok)

	// The busy member finishing frees the queue.
	completed := types.StatusCompleted
	require.NoError(t, store.MergeContainerStatus(blocker.ID, &types.ContainerState{Status: &completed}))

	ok, err = s.Admit(c)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAdmitSeparateQueues(t *testing.T) {
	store := newTestStore(t)
	s := New(store, platform.NewRegistryFrom(), nil)

	seedContainer(t, store, "train", types.StatusRunning)
	c := seedContainer(t, store, "eval", types.StatusDefined)

	ok, err := s.Admit(c)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSelectPlatform(t *testing.T) {
	registry := platform.NewRegistryFrom(stubPlatform{name: "docker"}, stubPlatform{name: "runpod"})
	s := New(newTestStore(t), registry, nil)

	p, err := s.SelectPlatform(&types.ContainerRequest{Platform: "runpod"})
	require.NoError(t, err)
	assert.Equal(t, "runpod", p.Name())

	_, err = s.SelectPlatform(&types.ContainerRequest{Platform: "ec2"})
	assert.Error(t, err)

	// Preference list skips unconfigured adapters.
	p, err = s.SelectPlatform(&types.ContainerRequest{Platforms: []string{"ec2", "runpod"}})
	require.NoError(t, err)
	assert.Equal(t, "runpod", p.Name())

	// Nothing named falls back to docker.
	p, err = s.SelectPlatform(&types.ContainerRequest{})
	require.NoError(t, err)
	assert.Equal(t, "docker", p.Name())
}

func TestSelectPlatformNoneConfigured(t *testing.T) {
	s := New(newTestStore(t), platform.NewRegistryFrom(), nil)
	_, err := s.SelectPlatform(&types.ContainerRequest{})
	assert.Error(t, err)
}
