package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentsea/nebulous/pkg/types"
)

func TestCreateContainer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/containers", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req types.ContainerRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "ghcr.io/x:1", req.Image)

		_ = json.NewEncoder(w).Encode(types.Container{
			ID:        "c-1",
			Name:      req.Metadata.Name,
			Namespace: "default",
		})
	}))
	defer server.Close()

	c := New(server.URL, "test-key")
	container, err := c.CreateContainer(context.Background(), &types.ContainerRequest{
		Kind:     "Container",
		Image:    "ghcr.io/x:1",
		Metadata: types.ResourceMeta{Name: "trainer"},
	})
	require.NoError(t, err)
	assert.Equal(t, "c-1", container.ID)
	assert.Equal(t, "trainer", container.Name)
}

func TestGetContainerNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "container not found"})
	}))
	defer server.Close()

	c := New(server.URL, "test-key")
	_, err := c.GetContainer(context.Background(), "default", "missing")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.Contains(t, err.Error(), "container not found")
}

func TestLogs(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/containers/default/trainer/logs", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]string{"logs": "step 1\nstep 2\n"})
	}))
	defer server.Close()

	c := New(server.URL, "test-key")
	logs, err := c.Logs(context.Background(), "default", "trainer")
	require.NoError(t, err)
	assert.Equal(t, "step 1\nstep 2\n", logs)
}

func TestConfigRoundTrip(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Empty(t, cfg.Servers)

	cfg.AddServer(ServerEntry{Name: "prod", Server: "https://nebu.example.com", APIKey: "k1"})
	cfg.AddServer(ServerEntry{Name: "local", Server: "http://localhost:3000", APIKey: "k2"})
	require.NoError(t, cfg.Save())

	loaded, err := LoadConfig()
	require.NoError(t, err)
	require.Len(t, loaded.Servers, 2)
	assert.Equal(t, "local", loaded.CurrentServer)

	current, err := loaded.Current()
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:3000", current.Server)
}

func TestConfigAddServerReplaces(t *testing.T) {
	cfg := &Config{}
	cfg.AddServer(ServerEntry{Name: "prod", Server: "https://old.example.com", APIKey: "k1"})
	cfg.AddServer(ServerEntry{Name: "prod", Server: "https://new.example.com", APIKey: "k2"})

	require.Len(t, cfg.Servers, 1)
	assert.Equal(t, "https://new.example.com", cfg.Servers[0].Server)
}
