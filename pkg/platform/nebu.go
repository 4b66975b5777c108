package platform

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agentsea/nebulous/pkg/client"
	"github.com/agentsea/nebulous/pkg/log"
	"github.com/agentsea/nebulous/pkg/storage"
	"github.com/agentsea/nebulous/pkg/types"
)

const nebuWatchInterval = 20 * time.Second

// peerAPI is the slice of the control-plane client the adapter needs.
type peerAPI interface {
	CreateContainer(ctx context.Context, req *types.ContainerRequest) (*types.Container, error)
	GetContainer(ctx context.Context, namespace, name string) (*types.Container, error)
	DeleteContainer(ctx context.Context, namespace, name string) error
	Logs(ctx context.Context, namespace, name string) (string, error)
	Exec(ctx context.Context, namespace, name, command string) (string, error)
}

// NebuPlatform delegates containers to a peer control plane and mirrors the
// remote status into the local record.
type NebuPlatform struct {
	deps     Deps
	peer     peerAPI
	watchers *watcherRegistry
}

// NewNebuPlatform builds the peer adapter from the configured peer server.
func NewNebuPlatform(deps Deps) (*NebuPlatform, error) {
	if deps.Config.PeerServer == "" {
		return nil, fmt.Errorf("peer adapter requires NEBU_PEER_SERVER")
	}
	return &NebuPlatform{
		deps:     deps,
		peer:     client.New(deps.Config.PeerServer, deps.Config.PeerAPIKey),
		watchers: newWatcherRegistry(),
	}, nil
}

func (p *NebuPlatform) Name() string { return "nebu" }

// AcceleratorMap is identity: the peer applies its own adapter's mapping.
func (p *NebuPlatform) AcceleratorMap() map[string]string {
	return map[string]string{
		"T4":   "T4",
		"A10G": "A10G",
		"L4":   "L4",
		"A100": "A100",
		"H100": "H100",
	}
}

func (p *NebuPlatform) Declare(ctx context.Context, req *types.ContainerRequest, owner, namespace, createdBy string) (*types.Container, error) {
	return declareContainer(p.deps, req, owner, namespace, createdBy, p.Name())
}

func (p *NebuPlatform) Reconcile(ctx context.Context, c *types.Container) error {
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

// create re-declares the record against the peer; the remote container id
// becomes our resource name.
func (p *NebuPlatform) create(ctx context.Context, c *types.Container) error {
	creating := types.StatusCreating
	if err := p.deps.Store.MergeContainerStatus(c.ID, &types.ContainerState{Status: &creating}); err != nil {
		return err
	}

	remote, err := p.peer.CreateContainer(ctx, &types.ContainerRequest{
		Kind: "Container",
		Metadata: types.ResourceMeta{
			Name:      c.Name,
			Namespace: c.Namespace,
			Labels:    c.Labels,
		},
		Image:        c.Image,
		Env:          c.Env,
		Command:      c.Command,
		Args:         c.Args,
		Volumes:      c.Volumes,
		Accelerators: c.Accelerators,
		Resources:    c.Resources,
		Meters:       c.Meters,
		Restart:      c.Restart,
		Queue:        c.Queue,
		Ports:        c.Ports,
		ProxyPort:    c.ProxyPort,
		SSHKeys:      c.SSHKeys,
		HealthCheck:  c.HealthCheck,
		Timeout:      c.Timeout,
	})
	if err != nil {
		return fmt.Errorf("failed to declare on peer: %w", err)
	}

	if err := p.deps.Store.SetContainerResource(c.ID, remote.ID, remote.Namespace); err != nil {
		return err
	}
	created := types.StatusCreated
	if err := p.deps.Store.MergeContainerStatus(c.ID, &types.ContainerState{Status: &created}); err != nil {
		return err
	}

	logger := log.WithContainerID(c.ID)
	logger.Info().Str("remote_id", remote.ID).Msg("delegated to peer")
	p.ensureWatch(c.ID)
	return nil
}

func (p *NebuPlatform) ensureWatch(containerID string) {
	p.watchers.ensure(containerID, func(release func()) {
		defer release()
		watch(context.Background(), p.deps, containerID, p.Name(), nebuWatchInterval, p.poll)
	})
}

// poll mirrors the peer's status sub-document into the local record.
func (p *NebuPlatform) poll(ctx context.Context, c *types.Container) (*types.ContainerState, bool, error) {
	remote, err := p.peer.GetContainer(ctx, c.Namespace, c.Name)
	if client.IsNotFound(err) {
		return statusPatch(types.StatusFailed, "Remote container no longer exists"), true, nil
	}
	if err != nil {
		return nil, false, err
	}

	if remote.Status == nil {
		return nil, false, nil
	}
	remoteStatus := remote.CurrentStatus()
	if remoteStatus == c.CurrentStatus() {
		return nil, remoteStatus.Terminal(), nil
	}
	return remote.Status, remoteStatus.Terminal(), nil
}

func (p *NebuPlatform) Logs(ctx context.Context, id string) (string, error) {
	c, err := p.deps.Store.GetContainer(id)
	if err != nil {
		return "", err
	}
	return p.peer.Logs(ctx, c.Namespace, c.Name)
}

func (p *NebuPlatform) Exec(ctx context.Context, id, command string) (string, error) {
	c, err := p.deps.Store.GetContainer(id)
	if err != nil {
		return "", err
	}
	return p.peer.Exec(ctx, c.Namespace, c.Name, command)
}

func (p *NebuPlatform) Delete(ctx context.Context, id string) error {
	c, err := p.deps.Store.GetContainer(id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if err := p.peer.DeleteContainer(ctx, c.Namespace, c.Name); err != nil && !client.IsNotFound(err) {
		logger := log.WithContainerID(id)
		logger.Warn().Err(err).Msg("failed to delete on peer")
	}
	return deleteRecord(ctx, p.deps, id)
}
