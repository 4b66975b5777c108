package reconciler

import (
	"context"
	"sync"
	"time"

	"github.com/agentsea/nebulous/pkg/log"
	"github.com/agentsea/nebulous/pkg/metrics"
	"github.com/agentsea/nebulous/pkg/platform"
	"github.com/agentsea/nebulous/pkg/scheduler"
	"github.com/agentsea/nebulous/pkg/storage"
	"github.com/agentsea/nebulous/pkg/types"
)

// DefaultInterval is the reconcile cycle period.
const DefaultInterval = 60 * time.Second

// Reconciler drives every active container toward its desired status by
// handing it to its platform adapter once per cycle.
type Reconciler struct {
	store     storage.Store
	registry  *platform.Registry
	scheduler *scheduler.Scheduler
	interval  time.Duration

	mu     sync.Mutex
	stopCh chan struct{}
}

// New builds a reconciler over the store and the configured adapters.
func New(store storage.Store, registry *platform.Registry, sched *scheduler.Scheduler) *Reconciler {
	return &Reconciler{
		store:     store,
		registry:  registry,
		scheduler: sched,
		interval:  DefaultInterval,
		stopCh:    make(chan struct{}),
	}
}

// WithInterval overrides the cycle period.
func (r *Reconciler) WithInterval(interval time.Duration) *Reconciler {
	r.interval = interval
	return r
}

// Start begins the reconciliation loop.
func (r *Reconciler) Start() {
	go r.run()
}

// Stop stops the reconciler.
func (r *Reconciler) Stop() {
	close(r.stopCh)
}

func (r *Reconciler) run() {
	logger := log.WithComponent("reconciler")
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.Reconcile(context.Background()); err != nil {
				logger.Error().Err(err).Msg("reconcile cycle failed")
			}
		case <-r.stopCh:
			return
		}
	}
}

// Reconcile performs one cycle: page through active containers and drive
// each one a single step. Per-container errors are logged and counted, not
// fatal; one bad record must never stall the fleet.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconcileDuration)
		metrics.ReconcileCycles.Inc()
	}()

	for page := 0; ; page++ {
		containers, err := r.store.ListActiveContainers(page, storage.DefaultPageSize)
		if err != nil {
			return err
		}
		if len(containers) == 0 {
			return nil
		}

		for _, c := range containers {
			if err := r.reconcileContainer(ctx, c); err != nil {
				metrics.ReconcileErrors.WithLabelValues(c.Platform).Inc()
				logger := log.WithContainerID(c.ID)
				logger.Warn().Err(err).Str("platform", c.Platform).Msg("failed to reconcile container")
			}
		}

		if len(containers) < storage.DefaultPageSize {
			return nil
		}
	}
}

func (r *Reconciler) reconcileContainer(ctx context.Context, c *types.Container) error {
	status := c.CurrentStatus()
	if status.Terminal() || c.DesiredStatus != types.DesiredRunning {
		return nil
	}

	if status.NeedsStart() {
		admitted, err := r.scheduler.Admit(c)
		if err != nil {
			return err
		}
		if !admitted {
			return nil
		}
	}

	adapter, err := r.registry.Get(c.Platform)
	if err != nil {
		return err
	}
	return adapter.Reconcile(ctx, c)
}
