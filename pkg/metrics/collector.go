package metrics

import (
	"time"

	"github.com/agentsea/nebulous/pkg/storage"
	"github.com/agentsea/nebulous/pkg/types"
)

// Collector samples gauge metrics from the store
type Collector struct {
	store  storage.Store
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(store storage.Store) *Collector {
	return &Collector{
		store:  store,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectContainerMetrics()
	c.collectSecretMetrics()
}

func (c *Collector) collectContainerMetrics() {
	containers, err := c.store.ListContainers()
	if err != nil {
		return
	}

	statusCounts := make(map[types.ContainerStatus]int)
	platformCounts := make(map[string]int)

	for _, container := range containers {
		status := container.CurrentStatus()
		statusCounts[status]++
		if status.Active() && container.Platform != "" {
			platformCounts[container.Platform]++
		}
	}

	// Publish zeros too so series don't go stale when a status empties out.
	for _, status := range types.AllStatuses {
		ContainersTotal.WithLabelValues(string(status)).Set(float64(statusCounts[status]))
	}
	for platform, count := range platformCounts {
		ContainersByPlatform.WithLabelValues(platform).Set(float64(count))
	}
}

func (c *Collector) collectSecretMetrics() {
	namespaces, err := c.store.ListNamespaces()
	if err != nil {
		return
	}

	total := 0
	for _, ns := range namespaces {
		secrets, err := c.store.ListSecretsByNamespace(ns.Name)
		if err != nil {
			continue
		}
		total += len(secrets)
	}

	SecretsTotal.Set(float64(total))
}
