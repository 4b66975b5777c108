package platform

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentsea/nebulous/pkg/client"
	"github.com/agentsea/nebulous/pkg/types"
)

type fakePeer struct {
	containers map[string]*types.Container
	created    []*types.ContainerRequest
}

func newFakePeer() *fakePeer {
	return &fakePeer{containers: map[string]*types.Container{}}
}

func (f *fakePeer) CreateContainer(ctx context.Context, req *types.ContainerRequest) (*types.Container, error) {
	f.created = append(f.created, req)
	c := &types.Container{
		ID:        "remote-1",
		Namespace: req.Metadata.Namespace,
		Name:      req.Metadata.Name,
	}
	f.containers[c.Namespace+"/"+c.Name] = c
	return c, nil
}

func (f *fakePeer) GetContainer(ctx context.Context, namespace, name string) (*types.Container, error) {
	c, ok := f.containers[namespace+"/"+name]
	if !ok {
		return nil, &client.APIError{StatusCode: http.StatusNotFound, Message: "not found"}
	}
	return c, nil
}

func (f *fakePeer) DeleteContainer(ctx context.Context, namespace, name string) error {
	delete(f.containers, namespace+"/"+name)
	return nil
}

func (f *fakePeer) Logs(ctx context.Context, namespace, name string) (string, error) {
	return "remote logs", nil
}

func (f *fakePeer) Exec(ctx context.Context, namespace, name, command string) (string, error) {
	return "remote output", nil
}

func newTestNebu(deps Deps, peer peerAPI) *NebuPlatform {
	return &NebuPlatform{deps: deps, peer: peer, watchers: newWatcherRegistry()}
}

func TestNebuCreateDelegates(t *testing.T) {
	deps := newTestDeps(t)
	peer := newFakePeer()
	p := newTestNebu(deps, peer)

	c, err := p.Declare(context.Background(), &types.ContainerRequest{
		Image:    "ghcr.io/x:1",
		Metadata: types.ResourceMeta{Name: "delegated"},
	}, "dev@example.com", "default", "dev@example.com")
	require.NoError(t, err)

	require.NoError(t, p.Reconcile(context.Background(), c))

	require.Len(t, peer.created, 1)
	assert.Equal(t, "delegated", peer.created[0].Metadata.Name)

	got, err := deps.Store.GetContainer(c.ID)
	require.NoError(t, err)
	assert.Equal(t, "remote-1", got.ResourceName)
	assert.Equal(t, types.StatusCreated, got.CurrentStatus())
}

func TestNebuPollMirrorsRemoteStatus(t *testing.T) {
	deps := newTestDeps(t)
	peer := newFakePeer()
	p := newTestNebu(deps, peer)

	running := types.StatusRunning
	peer.containers["default/mirror"] = &types.Container{
		ID:     "remote-1",
		Status: &types.ContainerState{Status: &running},
	}

	created := types.StatusCreated
	local := &types.Container{
		ID:        "c-1",
		Namespace: "default",
		Name:      "mirror",
		Status:    &types.ContainerState{Status: &created},
	}

	patch, done, err := p.poll(context.Background(), local)
	require.NoError(t, err)
	assert.False(t, done)
	require.NotNil(t, patch)
	assert.Equal(t, types.StatusRunning, *patch.Status)
}

func TestNebuPollRemoteGone(t *testing.T) {
	deps := newTestDeps(t)
	p := newTestNebu(deps, newFakePeer())

	local := &types.Container{ID: "c-1", Namespace: "default", Name: "gone"}
	patch, done, err := p.poll(context.Background(), local)
	require.NoError(t, err)
	assert.True(t, done)
	require.NotNil(t, patch)
	assert.Equal(t, types.StatusFailed, *patch.Status)
	assert.Equal(t, "Remote container no longer exists", *patch.Message)
}
