package vpn

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/agentsea/nebulous/pkg/config"
	"github.com/agentsea/nebulous/pkg/log"
	"tailscale.com/client/tailscale"
)

func init() {
	tailscale.I_Acknowledge_This_API_Is_Unstable = true
}

// tailscaleClient drives the hosted mesh control plane through its v2 API.
type tailscaleClient struct {
	client  *tailscale.Client
	tailnet string
}

func newTailscaleClient(cfg config.VPNConfig) (*tailscaleClient, error) {
	if cfg.APIKey == "" || cfg.Tailnet == "" {
		return nil, fmt.Errorf("tailscale requires an API key and a tailnet")
	}
	return &tailscaleClient{
		client:  tailscale.NewClient(cfg.Tailnet, tailscale.APIKey(cfg.APIKey)),
		tailnet: cfg.Tailnet,
	}, nil
}

func (t *tailscaleClient) DeviceIP(ctx context.Context, hostname string) (string, error) {
	device, err := t.DeviceByName(ctx, hostname)
	if err != nil {
		return "", err
	}
	if device == nil {
		return "", fmt.Errorf("no device found with hostname %q", hostname)
	}

	for _, addr := range device.Addresses {
		if ip := net.ParseIP(addr); ip != nil && ip.To4() != nil {
			return addr, nil
		}
	}
	return "", fmt.Errorf("no IPv4 address found for device %q", hostname)
}

func (t *tailscaleClient) DeviceByName(ctx context.Context, name string) (*Device, error) {
	devices, err := t.client.Devices(ctx, tailscale.DeviceAllFields)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}

	for _, d := range devices {
		if matchesDeviceName(d.Hostname, d.Name, name) {
			return &Device{
				ID:        d.DeviceID,
				Name:      d.Name,
				Hostname:  d.Hostname,
				Addresses: d.Addresses,
				Tags:      d.Tags,
				Created:   d.Created,
			}, nil
		}
	}
	return nil, nil
}

func (t *tailscaleClient) RemoveDeviceByName(ctx context.Context, name string) (*Device, error) {
	device, err := t.DeviceByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if device == nil {
		return nil, nil
	}

	if err := t.client.DeleteDevice(ctx, device.ID); err != nil {
		return nil, fmt.Errorf("failed to delete device %s: %w", device.ID, err)
	}
	logger := log.WithComponent("vpn")
	logger.Debug().Str("device", name).Msg("removed stale mesh device")
	return device, nil
}

func (t *tailscaleClient) CreateAuthKey(ctx context.Context, description string, caps KeyCapabilities) (*AuthKey, error) {
	tsCaps := tailscale.KeyCapabilities{
		Devices: tailscale.KeyDeviceCapabilities{
			Create: tailscale.KeyDeviceCreateCapabilities{
				Reusable:      caps.Reusable,
				Ephemeral:     caps.Ephemeral,
				Preauthorized: caps.Preauthorized,
				Tags:          caps.Tags,
			},
		},
	}

	secret, key, err := t.client.CreateKey(ctx, tsCaps)
	if err != nil {
		return nil, fmt.Errorf("failed to create auth key: %w", err)
	}

	authKey := &AuthKey{Key: secret}
	if key != nil {
		authKey.Created = key.Created
		authKey.Expires = key.Expires
	}
	return authKey, nil
}

// matchesDeviceName compares a requested name against a device's machine
// hostname and its tailnet FQDN (container-x.tailnet.ts.net).
func matchesDeviceName(hostname, fqdn, want string) bool {
	if hostname == want || fqdn == want {
		return true
	}
	return strings.HasPrefix(fqdn, want+".")
}
