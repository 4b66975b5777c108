package platform

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentsea/nebulous/pkg/bucket"
	"github.com/agentsea/nebulous/pkg/config"
	"github.com/agentsea/nebulous/pkg/events"
	"github.com/agentsea/nebulous/pkg/log"
	"github.com/agentsea/nebulous/pkg/metrics"
	"github.com/agentsea/nebulous/pkg/security"
	"github.com/agentsea/nebulous/pkg/storage"
	"github.com/agentsea/nebulous/pkg/types"
	"github.com/agentsea/nebulous/pkg/vpn"
)

// UnschedulableMessage is stored on the container status when no requested
// accelerator is available.
const UnschedulableMessage = "None of the requested accelerator types are available"

// ErrUnschedulable signals that placement found no capacity for the request.
var ErrUnschedulable = errors.New(UnschedulableMessage)

// MaxWatchErrors is the number of consecutive watch poll failures tolerated
// before the container is marked failed.
const MaxWatchErrors = 5

// Platform is one provisioning back-end. Reconcile is idempotent: the
// reconciler calls it repeatedly and adapters drive at most one state
// machine step per call.
type Platform interface {
	Name() string
	Declare(ctx context.Context, req *types.ContainerRequest, owner, namespace, createdBy string) (*types.Container, error)
	Reconcile(ctx context.Context, c *types.Container) error
	Logs(ctx context.Context, id string) (string, error)
	Exec(ctx context.Context, id, command string) (string, error)
	Delete(ctx context.Context, id string) error
	AcceleratorMap() map[string]string
}

// CredentialBroker mints scoped object-store credentials for a workload.
type CredentialBroker interface {
	ScopedCredentials(ctx context.Context, namespace, name string) (*bucket.Credentials, error)
}

// Deps are the shared control-plane services every adapter composes.
type Deps struct {
	Store  storage.Store
	Vault  *security.Vault
	VPN    vpn.Client
	Bucket CredentialBroker
	Events *events.Broker
	Config config.ServerConfig
}

// ParseAccelerator splits a "count:type" selector. A bare type counts as one.
func ParseAccelerator(selector string) (int, string, error) {
	if selector == "" {
		return 0, "", fmt.Errorf("empty accelerator selector")
	}
	parts := strings.SplitN(selector, ":", 2)
	if len(parts) == 1 {
		return 1, parts[0], nil
	}
	count, err := strconv.Atoi(parts[0])
	if err != nil || count < 1 {
		return 0, "", fmt.Errorf("invalid accelerator count in %q", selector)
	}
	if parts[1] == "" {
		return 0, "", fmt.Errorf("missing accelerator type in %q", selector)
	}
	return count, parts[1], nil
}

// declareContainer is the store-only half of Declare shared by all adapters:
// validate, allocate the id, stash side-resource secrets, persist the record
// in status defined. No external provisioning happens here.
func declareContainer(deps Deps, req *types.ContainerRequest, owner, namespace, createdBy, platformName string) (*types.Container, error) {
	if req.Kind != "" && req.Kind != "Container" {
		return nil, fmt.Errorf("unsupported kind %q", req.Kind)
	}
	if req.Image == "" {
		return nil, fmt.Errorf("image is required")
	}
	if req.Metadata.Name == "" {
		return nil, fmt.Errorf("metadata.name is required")
	}
	for _, selector := range req.Accelerators {
		if _, _, err := ParseAccelerator(selector); err != nil {
			return nil, err
		}
	}

	restart := req.Restart
	if restart == "" {
		restart = types.RestartAlways
	}
	if restart != types.RestartAlways && restart != types.RestartNever {
		return nil, fmt.Errorf("invalid restart policy %q", restart)
	}

	if namespace == "" {
		namespace = "default"
	}

	now := time.Now().UTC()
	defined := types.StatusDefined
	container := &types.Container{
		ID:        uuid.New().String(),
		Namespace: namespace,
		Name:      req.Metadata.Name,
		FullName:  namespace + "/" + req.Metadata.Name,
		Owner:     owner,
		OwnerRef:  req.Metadata.OwnerRef,

		Image:        req.Image,
		Env:          req.Env,
		Command:      req.Command,
		Args:         req.Args,
		Volumes:      req.Volumes,
		Accelerators: req.Accelerators,
		Resources:    req.Resources,
		Labels:       req.Metadata.Labels,
		Meters:       req.Meters,
		Ports:        req.Ports,
		ProxyPort:    req.ProxyPort,
		SSHKeys:      req.SSHKeys,
		HealthCheck:  req.HealthCheck,
		Authz:        req.Authz,
		Queue:        req.Queue,
		Timeout:      req.Timeout,
		Restart:      restart,

		Platform:  platformName,
		Platforms: req.Platforms,

		Status: &types.ContainerState{
			Status: &defined,
		},
		DesiredStatus: types.DesiredRunning,

		CreatedBy: createdBy,
		CreatedAt: now,
		UpdatedAt: now,
	}

	// Side resources first so a record never exists without its agent key.
	if _, err := deps.Vault.StoreAgentKey(container.ID, owner, security.NewAgentKey()); err != nil {
		return nil, fmt.Errorf("failed to store agent key: %w", err)
	}
	if _, err := deps.Vault.StoreSSHKeyPair(container.ID, owner); err != nil {
		return nil, fmt.Errorf("failed to store ssh keypair: %w", err)
	}

	if err := deps.Store.CreateContainer(container); err != nil {
		_ = deps.Vault.DeleteAgentKey(container.ID)
		_ = deps.Vault.DeleteSSHKeyPair(container.ID)
		return nil, err
	}

	metrics.ContainersDeclared.Inc()
	if deps.Events != nil {
		deps.Events.Publish(events.ContainerEvent(events.EventContainerCreated, container.ID, container.FullName))
	}
	return container, nil
}

// deleteRecord removes the container record and its side resources: agent
// key, SSH keypair, and the mesh device. Idempotent.
func deleteRecord(ctx context.Context, deps Deps, id string) error {
	logger := log.WithContainerID(id)
	if err := deps.Vault.DeleteAgentKey(id); err != nil {
		logger.Warn().Err(err).Msg("failed to delete agent key")
	}
	if err := deps.Vault.DeleteSSHKeyPair(id); err != nil {
		logger.Warn().Err(err).Msg("failed to delete ssh keypair")
	}
	if deps.VPN != nil {
		if _, err := deps.VPN.RemoveDeviceByName(ctx, vpn.DeviceName(id)); err != nil {
			logger.Warn().Err(err).Msg("failed to remove mesh device")
		}
	}

	if err := deps.Store.DeleteContainer(id); err != nil {
		return err
	}
	if deps.Events != nil {
		deps.Events.Publish(events.ContainerEvent(events.EventContainerDeleted, id, ""))
	}
	return nil
}

// pollFunc observes the external resource once and returns a status patch,
// or nil when nothing changed. Returning done stops the watch.
type pollFunc func(ctx context.Context, c *types.Container) (patch *types.ContainerState, done bool, err error)

// watch polls the external resource until the container reaches a terminal
// status, the record disappears, or too many polls fail in a row.
func watch(ctx context.Context, deps Deps, containerID, platformName string, interval time.Duration, poll pollFunc) {
	logger := log.WithContainerID(containerID)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	consecutiveErrors := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		c, err := deps.Store.GetContainer(containerID)
		if errors.Is(err, storage.ErrNotFound) {
			return
		}
		if err != nil {
			logger.Error().Err(err).Msg("watch failed to load container")
			continue
		}
		if c.CurrentStatus().Terminal() {
			return
		}

		patch, done, err := poll(ctx, c)
		if err != nil {
			consecutiveErrors++
			metrics.WatchErrors.WithLabelValues(platformName).Inc()
			logger.Warn().Err(err).Int("consecutive", consecutiveErrors).Msg("watch poll failed")

			if consecutiveErrors >= MaxWatchErrors {
				failed := types.StatusFailed
				message := "Too many consecutive errors"
				_ = deps.Store.MergeContainerStatus(containerID, &types.ContainerState{
					Status:  &failed,
					Message: &message,
				})
				if deps.Events != nil {
					deps.Events.Publish(events.ContainerEvent(events.EventContainerWatchFailed, containerID, message))
				}
				return
			}
			continue
		}
		consecutiveErrors = 0

		if patch != nil {
			if err := deps.Store.MergeContainerStatus(containerID, patch); err != nil && !errors.Is(err, storage.ErrNotFound) {
				logger.Error().Err(err).Msg("watch failed to merge status")
			}
			if patch.Status != nil && deps.Events != nil {
				deps.Events.Publish(events.ContainerEvent(events.EventContainerStatusChanged, containerID, string(*patch.Status)))
			}
		}
		if done {
			return
		}
	}
}

func statusPatch(status types.ContainerStatus, message string) *types.ContainerState {
	patch := &types.ContainerState{Status: &status}
	if message != "" {
		patch.Message = &message
	}
	return patch
}
