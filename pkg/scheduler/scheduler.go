package scheduler

import (
	"fmt"

	"github.com/agentsea/nebulous/pkg/events"
	"github.com/agentsea/nebulous/pkg/log"
	"github.com/agentsea/nebulous/pkg/platform"
	"github.com/agentsea/nebulous/pkg/storage"
	"github.com/agentsea/nebulous/pkg/types"
)

// Scheduler decides which adapter serves a request and whether a queued
// container may start yet.
type Scheduler struct {
	store    storage.Store
	registry *platform.Registry
	events   *events.Broker
}

// New builds a scheduler over the store and the configured adapters.
func New(store storage.Store, registry *platform.Registry, broker *events.Broker) *Scheduler {
	return &Scheduler{store: store, registry: registry, events: broker}
}

// Admit reports whether the container may start now. Containers without a
// queue always pass. A container whose queue has another busy member is
// parked in status queued until the queue drains; no FIFO order is
// promised, only one-at-a-time execution.
func (s *Scheduler) Admit(c *types.Container) (bool, error) {
	if c.Queue == "" {
		return true, nil
	}

	free, err := s.store.IsQueueFree(c.Queue, c.ID)
	if err != nil {
		return false, fmt.Errorf("failed to check queue %q: %w", c.Queue, err)
	}
	if free {
		return true, nil
	}

	if c.CurrentStatus() != types.StatusQueued {
		queued := types.StatusQueued
		message := fmt.Sprintf("Waiting for queue %q", c.Queue)
		if err := s.store.MergeContainerStatus(c.ID, &types.ContainerState{
			Status:  &queued,
			Message: &message,
		}); err != nil {
			return false, err
		}
		if s.events != nil {
			s.events.Publish(events.ContainerEvent(events.EventContainerQueued, c.ID, c.Queue))
		}
		logger := log.WithContainerID(c.ID)
		logger.Debug().Str("queue", c.Queue).Msg("parked on busy queue")
	}
	return false, nil
}

// SelectPlatform resolves the adapter for a create request: the explicitly
// named platform wins, then the first configured entry of the preference
// list, then the local docker adapter, then whatever is configured.
func (s *Scheduler) SelectPlatform(req *types.ContainerRequest) (platform.Platform, error) {
	if req.Platform != "" {
		return s.registry.Get(req.Platform)
	}
	for _, name := range req.Platforms {
		if s.registry.Has(name) {
			return s.registry.Get(name)
		}
	}
	if s.registry.Has("docker") {
		return s.registry.Get("docker")
	}
	if names := s.registry.Names(); len(names) > 0 {
		return s.registry.Get(names[0])
	}
	return nil, fmt.Errorf("no platform adapters configured")
}
