package manager

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentsea/nebulous/pkg/config"
)

func testConfig(t *testing.T) *config.ServerConfig {
	t.Helper()
	return &config.ServerConfig{
		DataDir:       filepath.Join(t.TempDir(), "data"),
		ListenAddr:    "127.0.0.1:0",
		ServerURL:     "http://nebu.test:3000",
		BucketName:    "nebu-artifacts",
		BucketRegion:  "us-east-1",
		RootOwner:     "admin@example.com",
		RootAPIKey:    "root-key",
		VaultPassword: "test-password",
		VPN: config.VPNConfig{
			Provider: config.VPNTailscale,
			APIKey:   "tskey-api-test",
			Tailnet:  "example.com",
		},
		AWSRegion: "us-east-1",
		SSHUser:   "ec2-user",
	}
}

func TestNewOpensStoreInDataDir(t *testing.T) {
	cfg := testConfig(t)

	m, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer m.store.Close()

	// The store lives directly under the configured data directory, which
	// New creates on a fresh install.
	assert.FileExists(t, filepath.Join(cfg.DataDir, "nebu.db"))

	// The graph is fully wired: vault, loops, and API all constructed.
	assert.NotNil(t, m.vault)
	assert.NotNil(t, m.scheduler)
	assert.NotNil(t, m.reconciler)
	assert.NotNil(t, m.collector)
	assert.NotNil(t, m.api)
	assert.NotEmpty(t, m.registry.Names())
}
