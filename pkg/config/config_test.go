package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVPNConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     VPNConfig
		wantErr string
	}{
		{
			name: "tailscale complete",
			cfg:  VPNConfig{Provider: VPNTailscale, APIKey: "tskey-api-x", Tailnet: "example.com"},
		},
		{
			name:    "tailscale missing tailnet",
			cfg:     VPNConfig{Provider: VPNTailscale, APIKey: "tskey-api-x"},
			wantErr: "VPN_TAILNET",
		},
		{
			name:    "tailscale missing api key",
			cfg:     VPNConfig{Provider: VPNTailscale, Tailnet: "example.com"},
			wantErr: "VPN_API_KEY",
		},
		{
			name: "headscale complete",
			cfg:  VPNConfig{Provider: VPNHeadscale, APIKey: "hskey", LoginServer: "https://hs.example.com"},
		},
		{
			name:    "headscale missing login server",
			cfg:     VPNConfig{Provider: VPNHeadscale, APIKey: "hskey"},
			wantErr: "VPN_LOGIN_SERVER",
		},
		{
			name:    "unknown provider",
			cfg:     VPNConfig{Provider: "wireguard"},
			wantErr: "unknown VPN provider",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestLoadRequiresBucket(t *testing.T) {
	t.Setenv("NEBU_BUCKET_NAME", "")
	t.Setenv("NEBU_BUCKET_REGION", "us-east-1")
	t.Setenv("NEBU_ROOT_OWNER", "root@example.com")
	t.Setenv("NEBU_ENCRYPTION_KEY", "hunter2")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NEBU_BUCKET_NAME")
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("NEBU_BUCKET_NAME", "nebu-volumes")
	t.Setenv("NEBU_BUCKET_REGION", "us-east-1")
	t.Setenv("NEBU_ROOT_OWNER", "root@example.com")
	t.Setenv("NEBU_ENCRYPTION_KEY", "hunter2")
	t.Setenv("VPN_PROVIDER", "tailscale")
	t.Setenv("VPN_API_KEY", "tskey-api-x")
	t.Setenv("VPN_TAILNET", "example.com")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":3000", cfg.ListenAddr)
	assert.Equal(t, "ec2-user", cfg.SSHUser)
	assert.Equal(t, VPNTailscale, cfg.VPN.Provider)
}
