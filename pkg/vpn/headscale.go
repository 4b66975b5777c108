package vpn

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/agentsea/nebulous/pkg/config"
	"github.com/agentsea/nebulous/pkg/log"
	"github.com/avast/retry-go/v4"
)

// headscaleClient drives a self-hosted control plane over its REST API.
type headscaleClient struct {
	baseURL      string
	apiKey       string
	organization string
	httpClient   *http.Client
}

func newHeadscaleClient(cfg config.VPNConfig) (*headscaleClient, error) {
	if cfg.APIKey == "" || cfg.LoginServer == "" {
		return nil, fmt.Errorf("headscale requires an API key and a login server URL")
	}
	org := cfg.Organization
	if org == "" {
		org = "default"
	}
	return &headscaleClient{
		baseURL:      strings.TrimRight(cfg.LoginServer, "/"),
		apiKey:       cfg.APIKey,
		organization: org,
		httpClient:   &http.Client{Timeout: 15 * time.Second},
	}, nil
}

type headscaleNode struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	GivenName   string   `json:"givenName"`
	IPAddresses []string `json:"ipAddresses"`
	ForcedTags  []string `json:"forcedTags"`
	CreatedAt   string   `json:"createdAt"`
}

type headscaleNodeList struct {
	Nodes []headscaleNode `json:"nodes"`
}

type headscalePreAuthKey struct {
	Key        string `json:"key"`
	CreatedAt  string `json:"createdAt"`
	Expiration string `json:"expiration"`
}

func (h *headscaleClient) DeviceIP(ctx context.Context, hostname string) (string, error) {
	device, err := h.DeviceByName(ctx, hostname)
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

func (h *headscaleClient) DeviceByName(ctx context.Context, name string) (*Device, error) {
	body, err := h.do(ctx, http.MethodGet, "/api/v1/node", nil)
	if err != nil {
		return nil, err
	}

	var list headscaleNodeList
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("failed to decode node list: %w", err)
	}

	for _, n := range list.Nodes {
		if n.Name == name || n.GivenName == name {
			return &Device{
				ID:        n.ID,
				Name:      n.Name,
				Hostname:  n.GivenName,
				Addresses: n.IPAddresses,
				Tags:      n.ForcedTags,
				Created:   n.CreatedAt,
			}, nil
		}
	}
	return nil, nil
}

func (h *headscaleClient) RemoveDeviceByName(ctx context.Context, name string) (*Device, error) {
	device, err := h.DeviceByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if device == nil {
		return nil, nil
	}

	if _, err := h.do(ctx, http.MethodDelete, "/api/v1/node/"+device.ID, nil); err != nil {
		return nil, fmt.Errorf("failed to delete node %s: %w", device.ID, err)
	}
	logger := log.WithComponent("vpn")
	logger.Debug().Str("device", name).Msg("removed stale mesh device")
	return device, nil
}

func (h *headscaleClient) CreateAuthKey(ctx context.Context, description string, caps KeyCapabilities) (*AuthKey, error) {
	payload := map[string]any{
		"user":       h.organization,
		"reusable":   caps.Reusable,
		"ephemeral":  caps.Ephemeral,
		"aclTags":    caps.Tags,
		"expiration": time.Now().UTC().Add(time.Hour).Format(time.RFC3339),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	resp, err := h.do(ctx, http.MethodPost, "/api/v1/preauthkey", body)
	if err != nil {
		return nil, fmt.Errorf("failed to create preauth key: %w", err)
	}

	var result struct {
		PreAuthKey headscalePreAuthKey `json:"preAuthKey"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, fmt.Errorf("failed to decode preauth key: %w", err)
	}
	if result.PreAuthKey.Key == "" {
		return nil, fmt.Errorf("control plane returned no key")
	}

	authKey := &AuthKey{Key: result.PreAuthKey.Key}
	if t, err := time.Parse(time.RFC3339, result.PreAuthKey.CreatedAt); err == nil {
		authKey.Created = t
	}
	if t, err := time.Parse(time.RFC3339, result.PreAuthKey.Expiration); err == nil {
		authKey.Expires = t
	}
	return authKey, nil
}

// do issues one authenticated request with retries on transport errors and
// 5xx responses.
func (h *headscaleClient) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var result []byte
	err := retry.Do(
		func() error {
			var reader io.Reader
			if body != nil {
				reader = bytes.NewReader(body)
			}
			req, err := http.NewRequestWithContext(ctx, method, h.baseURL+path, reader)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			req.Header.Set("Authorization", "Bearer "+h.apiKey)
			if body != nil {
				req.Header.Set("Content-Type", "application/json")
			}

			resp, err := h.httpClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			data, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			if resp.StatusCode >= 500 {
				return fmt.Errorf("%s %s: %s", method, path, resp.Status)
			}
			if resp.StatusCode >= 400 {
				return retry.Unrecoverable(fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, data))
			}
			result = data
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(500*time.Millisecond),
	)
	return result, err
}
