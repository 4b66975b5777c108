package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/agentsea/nebulous/pkg/types"
)

// Client talks to a Nebulous control plane over its HTTP API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New creates a client for the given server URL and API key.
func New(serverURL, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(serverURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

// NewFromConfig creates a client for the config file's current server.
func NewFromConfig() (*Client, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}
	server, err := cfg.Current()
	if err != nil {
		return nil, err
	}
	return New(server.Server, server.APIKey), nil
}

// APIError is a non-2xx response from the control plane.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether the error is a 404 from the control plane.
func IsNotFound(err error) bool {
	apiErr, ok := err.(*APIError)
	return ok && apiErr.StatusCode == http.StatusNotFound
}

// CreateContainer declares a new container.
func (c *Client) CreateContainer(ctx context.Context, req *types.ContainerRequest) (*types.Container, error) {
	var container types.Container
	if err := c.do(ctx, http.MethodPost, "/v1/containers", req, &container); err != nil {
		return nil, err
	}
	return &container, nil
}

// ListContainers lists containers visible to the caller.
func (c *Client) ListContainers(ctx context.Context) ([]*types.Container, error) {
	var result struct {
		Containers []*types.Container `json:"containers"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/containers", nil, &result); err != nil {
		return nil, err
	}
	return result.Containers, nil
}

// GetContainer fetches a container by namespace and name.
func (c *Client) GetContainer(ctx context.Context, namespace, name string) (*types.Container, error) {
	var container types.Container
	path := fmt.Sprintf("/v1/containers/%s/%s", namespace, name)
	if err := c.do(ctx, http.MethodGet, path, nil, &container); err != nil {
		return nil, err
	}
	return &container, nil
}

// DeleteContainer removes a container by namespace and name.
func (c *Client) DeleteContainer(ctx context.Context, namespace, name string) error {
	path := fmt.Sprintf("/v1/containers/%s/%s", namespace, name)
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// Logs fetches the most recent output of a container's workload.
func (c *Client) Logs(ctx context.Context, namespace, name string) (string, error) {
	var result struct {
		Logs string `json:"logs"`
	}
	path := fmt.Sprintf("/v1/containers/%s/%s/logs", namespace, name)
	if err := c.do(ctx, http.MethodGet, path, nil, &result); err != nil {
		return "", err
	}
	return result.Logs, nil
}

// Exec runs a one-shot command inside a container's workload.
func (c *Client) Exec(ctx context.Context, namespace, name, command string) (string, error) {
	req := map[string]string{"command": command}
	var result struct {
		Output string `json:"output"`
	}
	path := fmt.Sprintf("/v1/containers/%s/%s/exec", namespace, name)
	if err := c.do(ctx, http.MethodPost, path, req, &result); err != nil {
		return "", err
	}
	return result.Output, nil
}

// CreateSecret stores an encrypted secret.
func (c *Client) CreateSecret(ctx context.Context, req *types.SecretRequest) (*types.SecretResponse, error) {
	var secret types.SecretResponse
	if err := c.do(ctx, http.MethodPost, "/v1/secrets", req, &secret); err != nil {
		return nil, err
	}
	return &secret, nil
}

// GetSecret fetches and decrypts a secret.
func (c *Client) GetSecret(ctx context.Context, namespace, name string) (*types.SecretResponse, error) {
	var secret types.SecretResponse
	path := fmt.Sprintf("/v1/secrets/%s/%s", namespace, name)
	if err := c.do(ctx, http.MethodGet, path, nil, &secret); err != nil {
		return nil, err
	}
	return &secret, nil
}

// DeleteSecret removes a secret.
func (c *Client) DeleteSecret(ctx context.Context, namespace, name string) error {
	path := fmt.Sprintf("/v1/secrets/%s/%s", namespace, name)
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// Me returns the profile of the presented API key.
func (c *Client) Me(ctx context.Context) (*types.UserProfile, error) {
	var profile types.UserProfile
	if err := c.do(ctx, http.MethodPost, "/v1/users/me", nil, &profile); err != nil {
		return nil, err
	}
	return &profile, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		message := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			message = apiErr.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: message}
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
