package client

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ServerEntry is one named server in the client config file.
type ServerEntry struct {
	Name   string `yaml:"name"`
	Server string `yaml:"server"`
	APIKey string `yaml:"api_key"`
}

// Config is the client configuration at ~/.nebu/config.yaml.
type Config struct {
	Servers       []ServerEntry `yaml:"servers"`
	CurrentServer string        `yaml:"current_server"`
}

// ConfigPath returns the location of the client config file.
func ConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, ".nebu", "config.yaml"), nil
}

// LoadConfig reads the client config file. A missing file yields an empty
// config rather than an error, so first-time login can populate it.
func LoadConfig() (*Config, error) {
	path, err := ConfigPath()
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Config{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// Save writes the config file with owner-only permissions; it holds API keys.
func (c *Config) Save() error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// Current returns the entry selected by current_server.
func (c *Config) Current() (*ServerEntry, error) {
	if len(c.Servers) == 0 {
		return nil, fmt.Errorf("no servers configured; run 'nebu login' first")
	}
	name := c.CurrentServer
	if name == "" {
		name = c.Servers[0].Name
	}
	for i := range c.Servers {
		if c.Servers[i].Name == name {
			return &c.Servers[i], nil
		}
	}
	return nil, fmt.Errorf("current server %q not found in config", name)
}

// AddServer inserts or replaces a server entry and selects it.
func (c *Config) AddServer(entry ServerEntry) {
	for i := range c.Servers {
		if c.Servers[i].Name == entry.Name {
			c.Servers[i] = entry
			c.CurrentServer = entry.Name
			return
		}
	}
	c.Servers = append(c.Servers, entry)
	c.CurrentServer = entry.Name
}
