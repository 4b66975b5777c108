package platform

import (
	"context"
	"fmt"
	"sort"

	"github.com/agentsea/nebulous/pkg/log"
)

// Registry holds the adapters whose credentials are configured. An adapter
// missing its credentials is simply absent, and requests naming it fail
// with a clear error instead of a half-configured provision attempt.
type Registry struct {
	adapters map[string]Platform
}

// NewRegistry constructs every adapter the configuration enables.
func NewRegistry(ctx context.Context, deps Deps) *Registry {
	logger := log.WithComponent("platform")
	adapters := make(map[string]Platform)

	if deps.Config.RunpodAPIKey != "" {
		p := NewRunpodPlatform(deps)
		adapters[p.Name()] = p
	}

	if deps.Config.AWSRegion != "" {
		if p, err := NewEC2Platform(ctx, deps); err != nil {
			logger.Warn().Err(err).Msg("ec2 adapter disabled")
		} else {
			adapters[p.Name()] = p
		}
	}

	if deps.Config.Kubeconfig != "" {
		if p, err := NewKubePlatform(deps); err != nil {
			logger.Warn().Err(err).Msg("kube adapter disabled")
		} else {
			adapters[p.Name()] = p
		}
	}

	if p, err := NewDockerPlatform(deps); err != nil {
		logger.Warn().Err(err).Msg("docker adapter disabled")
	} else {
		adapters[p.Name()] = p
	}

	if deps.Config.PeerServer != "" {
		if p, err := NewNebuPlatform(deps); err != nil {
			logger.Warn().Err(err).Msg("peer adapter disabled")
		} else {
			adapters[p.Name()] = p
		}
	}

	logger.Info().Strs("adapters", keys(adapters)).Msg("platform registry initialized")
	return &Registry{adapters: adapters}
}

// NewRegistryFrom builds a registry from explicit adapters; used in tests
// and by callers composing their own set.
func NewRegistryFrom(adapters ...Platform) *Registry {
	m := make(map[string]Platform, len(adapters))
	for _, p := range adapters {
		m[p.Name()] = p
	}
	return &Registry{adapters: m}
}

// Get returns the named adapter.
func (r *Registry) Get(name string) (Platform, error) {
	p, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("unknown or unconfigured platform %q", name)
	}
	return p, nil
}

// Has reports whether the named adapter is configured.
func (r *Registry) Has(name string) bool {
	_, ok := r.adapters[name]
	return ok
}

// Names lists configured adapters in stable order.
func (r *Registry) Names() []string {
	return keys(r.adapters)
}

func keys(m map[string]Platform) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
