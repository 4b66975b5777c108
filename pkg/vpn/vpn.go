package vpn

import (
	"context"
	"fmt"
	"time"

	"github.com/agentsea/nebulous/pkg/config"
)

// Device is a mesh member as reported by the control plane.
type Device struct {
	ID        string
	Name      string
	Hostname  string
	Addresses []string
	Tags      []string
	Created   string
}

// AuthKey is a minted mesh join credential.
type AuthKey struct {
	Key     string
	Created time.Time
	Expires time.Time
}

// KeyCapabilities control how a minted key may be used.
type KeyCapabilities struct {
	Reusable      bool
	Ephemeral     bool
	Preauthorized bool
	Tags          []string
}

// Client is the provider-pluggable mesh control surface the reconciler
// needs: device lookup, stale-device removal, and key minting.
type Client interface {
	// DeviceIP returns the IPv4 address of the device with the given
	// hostname, or an error when the device or an IPv4 address is missing.
	DeviceIP(ctx context.Context, hostname string) (string, error)

	// DeviceByName returns the device with the given name, or nil when
	// absent.
	DeviceByName(ctx context.Context, name string) (*Device, error)

	// RemoveDeviceByName deletes the named device, returning its
	// descriptor, or (nil, nil) when it was already absent.
	RemoveDeviceByName(ctx context.Context, name string) (*Device, error)

	// CreateAuthKey mints a join key with the given capabilities.
	CreateAuthKey(ctx context.Context, description string, caps KeyCapabilities) (*AuthKey, error)
}

// DeviceName is the mesh identity of a container.
func DeviceName(containerID string) string {
	return "container-" + containerID
}

// ContainerKeyCapabilities are the capabilities every container join key
// gets: single use, ephemeral, preauthorized, tagged as a container.
func ContainerKeyCapabilities() KeyCapabilities {
	return KeyCapabilities{
		Reusable:      false,
		Ephemeral:     true,
		Preauthorized: true,
		Tags:          []string{"tag:container"},
	}
}

// New builds the client for the configured provider. The configuration must
// already be validated.
func New(cfg config.VPNConfig) (Client, error) {
	switch cfg.Provider {
	case config.VPNTailscale:
		return newTailscaleClient(cfg)
	case config.VPNHeadscale:
		return newHeadscaleClient(cfg)
	default:
		return nil, fmt.Errorf("unknown VPN provider: %s", cfg.Provider)
	}
}

// EnsureDeviceKey removes any stale device registered under the container's
// mesh name, then mints a fresh join key. Without the removal the mesh
// refuses the duplicate hostname and the workload never comes online.
func EnsureDeviceKey(ctx context.Context, client Client, containerID string) (*AuthKey, error) {
	name := DeviceName(containerID)
	if _, err := client.RemoveDeviceByName(ctx, name); err != nil {
		return nil, fmt.Errorf("failed to remove stale device %s: %w", name, err)
	}
	key, err := client.CreateAuthKey(ctx, name, ContainerKeyCapabilities())
	if err != nil {
		return nil, fmt.Errorf("failed to mint auth key for %s: %w", name, err)
	}
	return key, nil
}
