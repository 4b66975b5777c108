package config

import (
	"fmt"
	"os"
)

// VPNProvider selects the mesh control plane implementation.
type VPNProvider string

const (
	VPNTailscale VPNProvider = "tailscale"
	VPNHeadscale VPNProvider = "headscale"
)

// VPNConfig holds credentials for the selected mesh provider.
type VPNConfig struct {
	Provider     VPNProvider
	APIKey       string
	Tailnet      string // tailscale only
	LoginServer  string // headscale only
	Organization string // headscale, optional
}

// Validate checks that the configuration is complete for the selected
// provider. It mirrors the env requirements: tailscale needs an API key and
// a tailnet, headscale needs an API key and a login server URL.
func (c *VPNConfig) Validate() error {
	switch c.Provider {
	case VPNTailscale:
		if c.APIKey == "" {
			return fmt.Errorf("tailscale requires VPN_API_KEY")
		}
		if c.Tailnet == "" {
			return fmt.Errorf("tailscale requires VPN_TAILNET")
		}
	case VPNHeadscale:
		if c.APIKey == "" {
			return fmt.Errorf("headscale requires VPN_API_KEY")
		}
		if c.LoginServer == "" {
			return fmt.Errorf("headscale requires VPN_LOGIN_SERVER")
		}
	default:
		return fmt.Errorf("unknown VPN provider: %s", c.Provider)
	}
	return nil
}

// ServerConfig is the immutable process configuration, read once at startup
// and handed through explicit parameters (never a mutable global).
type ServerConfig struct {
	// DataDir holds the bbolt database and is created if missing.
	DataDir string
	// ListenAddr is the API bind address.
	ListenAddr string
	// ServerURL is the publicly reachable control-plane URL handed to
	// workloads so they can call back (logs, self-delete).
	ServerURL string

	BucketName   string
	BucketRegion string
	RootOwner    string
	// RootAPIKey authenticates the operator; agent keys are minted per
	// container and scoped to it.
	RootAPIKey string
	// VaultPassword derives the 32-byte secret vault key.
	VaultPassword string

	VPN VPNConfig

	// Adapter credentials. Empty values disable the adapter.
	RunpodAPIKey  string
	AWSRegion     string
	EC2AMI        string
	SSHUser       string
	KubeNamespace string
	Kubeconfig    string
	KubeContext   string
	DockerHost    string
	// Peer control plane for delegated placement.
	PeerServer string
	PeerAPIKey string
}

// Load reads the process configuration from the environment. Optional values
// get defaults; required values missing cause an error so startup aborts
// before any component initializes.
func Load() (*ServerConfig, error) {
	cfg := &ServerConfig{
		DataDir:       envOr("NEBU_DATA_DIR", defaultDataDir()),
		ListenAddr:    envOr("NEBU_LISTEN_ADDR", ":3000"),
		ServerURL:     envOr("NEBU_SERVER_URL", "http://localhost:3000"),
		BucketName:    os.Getenv("NEBU_BUCKET_NAME"),
		BucketRegion:  os.Getenv("NEBU_BUCKET_REGION"),
		RootOwner:     os.Getenv("NEBU_ROOT_OWNER"),
		RootAPIKey:    os.Getenv("NEBU_ROOT_API_KEY"),
		VaultPassword: os.Getenv("NEBU_ENCRYPTION_KEY"),
		VPN: VPNConfig{
			Provider:     VPNProvider(envOr("VPN_PROVIDER", string(VPNTailscale))),
			APIKey:       os.Getenv("VPN_API_KEY"),
			Tailnet:      os.Getenv("VPN_TAILNET"),
			LoginServer:  os.Getenv("VPN_LOGIN_SERVER"),
			Organization: os.Getenv("VPN_ORGANIZATION"),
		},
		RunpodAPIKey:  os.Getenv("RUNPOD_API_KEY"),
		AWSRegion:     envOr("AWS_REGION", "us-east-1"),
		EC2AMI:        envOr("NEBU_EC2_AMI", "ami-0c7217cdde317cfec"),
		SSHUser:       envOr("NEBU_SSH_USER", "ec2-user"),
		KubeNamespace: envOr("KUBE_NAMESPACE", "default"),
		Kubeconfig:    os.Getenv("KUBECONFIG"),
		KubeContext:   os.Getenv("KUBE_CONTEXT"),
		DockerHost:    os.Getenv("DOCKER_HOST"),
		PeerServer:    os.Getenv("NEBU_PEER_SERVER"),
		PeerAPIKey:    os.Getenv("NEBU_PEER_API_KEY"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required values; missing required configuration aborts
// startup with a non-zero exit.
func (c *ServerConfig) Validate() error {
	if c.BucketName == "" {
		return fmt.Errorf("NEBU_BUCKET_NAME must be set")
	}
	if c.BucketRegion == "" {
		return fmt.Errorf("NEBU_BUCKET_REGION must be set")
	}
	if c.RootOwner == "" {
		return fmt.Errorf("NEBU_ROOT_OWNER must be set")
	}
	if c.VaultPassword == "" {
		return fmt.Errorf("NEBU_ENCRYPTION_KEY must be set")
	}
	if err := c.VPN.Validate(); err != nil {
		return err
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return home + "/.nebu/data"
}
