package manager

import (
	"context"
	"fmt"
	"time"

	"github.com/agentsea/nebulous/pkg/api"
	"github.com/agentsea/nebulous/pkg/bucket"
	"github.com/agentsea/nebulous/pkg/config"
	"github.com/agentsea/nebulous/pkg/events"
	"github.com/agentsea/nebulous/pkg/log"
	"github.com/agentsea/nebulous/pkg/metrics"
	"github.com/agentsea/nebulous/pkg/platform"
	"github.com/agentsea/nebulous/pkg/reconciler"
	"github.com/agentsea/nebulous/pkg/scheduler"
	"github.com/agentsea/nebulous/pkg/security"
	"github.com/agentsea/nebulous/pkg/storage"
	"github.com/agentsea/nebulous/pkg/vpn"
)

// shutdownTimeout bounds the API drain on exit.
const shutdownTimeout = 10 * time.Second

// Manager owns the control-plane components and their lifecycle: the bbolt
// store, the secret vault, the mesh and bucket clients, the platform
// registry, the reconcile loop, and the HTTP API. Construction wires
// everything; Run starts it and blocks until the context is cancelled.
type Manager struct {
	cfg *config.ServerConfig

	store      storage.Store
	vault      *security.Vault
	vpn        vpn.Client
	bucket     *bucket.Broker
	events     *events.Broker
	registry   *platform.Registry
	scheduler  *scheduler.Scheduler
	reconciler *reconciler.Reconciler
	collector  *metrics.Collector
	api        *api.Server
}

// New builds the full component graph from the process configuration.
// Nothing starts here; a construction error leaves no goroutines behind.
func New(ctx context.Context, cfg *config.ServerConfig) (*Manager, error) {
	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	vault, err := security.NewVaultFromPassword(store, cfg.VaultPassword)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to open vault: %w", err)
	}

	vpnClient, err := vpn.New(cfg.VPN)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to build vpn client: %w", err)
	}

	broker, err := bucket.New(ctx, *cfg)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to build bucket broker: %w", err)
	}

	eventBroker := events.NewBroker()
	registry := platform.NewRegistry(ctx, platform.Deps{
		Store:  store,
		Vault:  vault,
		VPN:    vpnClient,
		Bucket: broker,
		Events: eventBroker,
		Config: *cfg,
	})
	sched := scheduler.New(store, registry, eventBroker)

	return &Manager{
		cfg:        cfg,
		store:      store,
		vault:      vault,
		vpn:        vpnClient,
		bucket:     broker,
		events:     eventBroker,
		registry:   registry,
		scheduler:  sched,
		reconciler: reconciler.New(store, registry, sched),
		collector:  metrics.NewCollector(store),
		api:        api.NewServer(store, vault, registry, sched, eventBroker, *cfg),
	}, nil
}

// Run starts every component and blocks until ctx is cancelled or the API
// listener fails, then shuts down in reverse order: stop accepting requests,
// stop the loops, close the store last.
func (m *Manager) Run(ctx context.Context) error {
	logger := log.WithComponent("manager")

	m.events.Start()
	m.collector.Start()
	m.reconciler.Start()

	metrics.RegisterComponent("store", true, "bbolt open")
	metrics.RegisterComponent("reconciler", true, "loop running")
	metrics.RegisterComponent("api", true, "listening on "+m.cfg.ListenAddr)

	errCh := make(chan error, 1)
	go func() {
		errCh <- m.api.Start(m.cfg.ListenAddr)
	}()

	logger.Info().
		Str("data_dir", m.cfg.DataDir).
		Strs("platforms", m.registry.Names()).
		Msg("control plane up")

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			runErr = fmt.Errorf("api server failed: %w", err)
			metrics.RegisterComponent("api", false, err.Error())
		}
	}

	logger.Info().Msg("shutting down")

	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := m.api.Stop(drainCtx); err != nil {
		logger.Warn().Err(err).Msg("api drain failed")
	}

	m.reconciler.Stop()
	m.collector.Stop()
	m.events.Stop()

	if err := m.store.Close(); err != nil {
		logger.Warn().Err(err).Msg("store close failed")
	}

	logger.Info().Msg("shutdown complete")
	return runErr
}
