package types

import (
	"encoding/json"
	"time"
)

// ContainerStatus represents the lifecycle state of a container record.
// Values are lowercase on the wire and in the store.
type ContainerStatus string

const (
	StatusDefined    ContainerStatus = "defined"
	StatusQueued     ContainerStatus = "queued"
	StatusCreating   ContainerStatus = "creating"
	StatusCreated    ContainerStatus = "created"
	StatusPending    ContainerStatus = "pending"
	StatusRunning    ContainerStatus = "running"
	StatusRestarting ContainerStatus = "restarting"
	StatusPaused     ContainerStatus = "paused"
	StatusExited     ContainerStatus = "exited"
	StatusStopped    ContainerStatus = "stopped"
	StatusCompleted  ContainerStatus = "completed"
	StatusFailed     ContainerStatus = "failed"
	StatusInvalid    ContainerStatus = "invalid"
)

// AllStatuses lists every known container status.
var AllStatuses = []ContainerStatus{
	StatusDefined, StatusQueued, StatusCreating, StatusCreated,
	StatusPending, StatusRunning, StatusRestarting, StatusPaused,
	StatusExited, StatusStopped, StatusCompleted, StatusFailed,
	StatusInvalid,
}

// ParseContainerStatus maps a wire string to a known status.
func ParseContainerStatus(s string) (ContainerStatus, bool) {
	for _, known := range AllStatuses {
		if string(known) == s {
			return known, true
		}
	}
	return "", false
}

// Active reports whether the container still has work in flight.
func (s ContainerStatus) Active() bool {
	switch s {
	case StatusDefined, StatusQueued, StatusCreating, StatusCreated,
		StatusPending, StatusRunning, StatusRestarting, StatusPaused:
		return true
	}
	return false
}

// Terminal reports whether the status is a sink; a terminal status is
// never replaced by an active one.
func (s ContainerStatus) Terminal() bool {
	switch s {
	case StatusExited, StatusStopped, StatusCompleted, StatusFailed, StatusInvalid:
		return true
	}
	return false
}

// NeedsStart reports whether the reconciler should (re)start provisioning.
func (s ContainerStatus) NeedsStart() bool {
	switch s {
	case StatusDefined, StatusPaused, StatusPending, StatusQueued:
		return true
	}
	return false
}

// NeedsWatch reports whether an adapter watch loop should be observing the
// external resource.
func (s ContainerStatus) NeedsWatch() bool {
	switch s {
	case StatusRunning, StatusCreating, StatusCreated, StatusRestarting:
		return true
	}
	return false
}

// RestartPolicy controls what happens when the workload exits.
type RestartPolicy string

const (
	RestartAlways RestartPolicy = "Always"
	RestartNever  RestartPolicy = "Never"
)

// DesiredStatus values the control plane accepts.
const (
	DesiredRunning = "running"
	DesiredStopped = "stopped"
)

// EnvVar is a single ordered environment entry.
type EnvVar struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// VolumeSpec describes a source-to-destination sync mount.
type VolumeSpec struct {
	Source       string `json:"source"`
	Dest         string `json:"dest"`
	Continuous   bool   `json:"continuous,omitempty"`
	Driver       string `json:"driver,omitempty"`
	Resync       bool   `json:"resync,omitempty"`
	CacheDir     string `json:"cache_dir,omitempty"`
	Bidirectional bool  `json:"bidirectional,omitempty"`
}

// SyncConfig is the serialized configuration handed to the in-container
// sync sidecar via NEBU_SYNC_CONFIG.
type SyncConfig struct {
	Volumes []VolumeSpec `yaml:"volumes" json:"volumes"`
}

// ContainerResources are min/max CPU core and memory (GB) requests.
type ContainerResources struct {
	MinCPU    float64 `json:"min_cpu,omitempty"`
	MinMemory float64 `json:"min_memory,omitempty"`
	MaxCPU    float64 `json:"max_cpu,omitempty"`
	MaxMemory float64 `json:"max_memory,omitempty"`
}

// PortRequest asks for a workload port, optionally exposed publicly.
type PortRequest struct {
	Port     int    `json:"port"`
	Protocol string `json:"protocol,omitempty"`
	Public   bool   `json:"public,omitempty"`
}

// PortStatus is an observed public port binding.
type PortStatus struct {
	Port       int    `json:"port"`
	PublicPort int    `json:"public_port,omitempty"`
	PublicIP   string `json:"public_ip,omitempty"`
}

// SSHKey is an authorized public key injected into the workload.
type SSHKey struct {
	PublicKey string `json:"public_key"`
	CopyLocal bool   `json:"copy_local,omitempty"`
}

// HealthCheck describes an HTTP probe the adapter runs against the workload.
type HealthCheck struct {
	Path string `json:"path"`
	Port int    `json:"port"`
}

// Meter is an opaque billing hint; recorded, never computed on.
type Meter struct {
	Cost     float64 `json:"cost,omitempty"`
	CostPlus float64 `json:"costp,omitempty"`
	Currency string  `json:"currency,omitempty"`
	Unit     string  `json:"unit,omitempty"`
	Metric   string  `json:"metric,omitempty"`
}

// ContainerState is the status sub-document stored on a container record.
// All fields are optional so writers can patch a subset; the store's merge
// overwrites only the fields a patch provides.
type ContainerState struct {
	Status      *ContainerStatus `json:"status,omitempty"`
	Message     *string          `json:"message,omitempty"`
	Accelerator *string          `json:"accelerator,omitempty"`
	PublicPorts []PortStatus     `json:"public_ports,omitempty"`
	CostPerHr   *float64         `json:"cost_per_hr,omitempty"`
	TailnetURL  *string          `json:"tailnet_url,omitempty"`
	Ready       *bool            `json:"ready,omitempty"`
	PublicIP    *string          `json:"public_ip,omitempty"`
}

// CurrentStatus returns the parsed status value, or StatusInvalid when the
// sub-document has none.
func (cs *ContainerState) CurrentStatus() ContainerStatus {
	if cs == nil || cs.Status == nil {
		return StatusInvalid
	}
	return *cs.Status
}

// ResourceMeta is the metadata block of an API request.
type ResourceMeta struct {
	Name      string            `json:"name"`
	Namespace string            `json:"namespace,omitempty"`
	Labels    map[string]string `json:"labels,omitempty"`
	OwnerRef  string            `json:"owner_ref,omitempty"`
}

// ContainerRequest is the declarative create payload.
type ContainerRequest struct {
	Kind         string              `json:"kind"`
	Platform     string              `json:"platform,omitempty"`
	Platforms    []string            `json:"platforms,omitempty"`
	Metadata     ResourceMeta        `json:"metadata"`
	Image        string              `json:"image"`
	Env          []EnvVar            `json:"env,omitempty"`
	Command      string              `json:"command,omitempty"`
	Args         []string            `json:"args,omitempty"`
	Volumes      []VolumeSpec        `json:"volumes,omitempty"`
	Accelerators []string            `json:"accelerators,omitempty"`
	Resources    *ContainerResources `json:"resources,omitempty"`
	Meters       []Meter             `json:"meters,omitempty"`
	Restart      RestartPolicy       `json:"restart,omitempty"`
	Queue        string              `json:"queue,omitempty"`
	Ports        []PortRequest       `json:"ports,omitempty"`
	ProxyPort    int                 `json:"proxy_port,omitempty"`
	SSHKeys      []SSHKey            `json:"ssh_keys,omitempty"`
	HealthCheck  *HealthCheck        `json:"health_check,omitempty"`
	Authz        json.RawMessage     `json:"authz,omitempty"`
	Timeout      string              `json:"timeout,omitempty"`
}

// Container is the persisted record the reconciler drives.
type Container struct {
	ID        string `json:"id"`
	Version   int    `json:"version"`
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
	// FullName is namespace/name and is unique across all containers.
	FullName string `json:"full_name"`
	Owner    string `json:"owner"`
	OwnerRef string `json:"owner_ref,omitempty"`

	Image        string              `json:"image"`
	Env          []EnvVar            `json:"env,omitempty"`
	Command      string              `json:"command,omitempty"`
	Args         []string            `json:"args,omitempty"`
	Volumes      []VolumeSpec        `json:"volumes,omitempty"`
	Accelerators []string            `json:"accelerators,omitempty"`
	Resources    *ContainerResources `json:"resources,omitempty"`
	Labels       map[string]string   `json:"labels,omitempty"`
	Meters       []Meter             `json:"meters,omitempty"`
	Ports        []PortRequest       `json:"ports,omitempty"`
	ProxyPort    int                 `json:"proxy_port,omitempty"`
	SSHKeys      []SSHKey            `json:"ssh_keys,omitempty"`
	HealthCheck  *HealthCheck        `json:"health_check,omitempty"`
	Authz        json.RawMessage     `json:"authz,omitempty"`
	Queue        string              `json:"queue,omitempty"`
	Timeout      string              `json:"timeout,omitempty"`
	Restart      RestartPolicy       `json:"restart"`

	Platform  string   `json:"platform"`
	Platforms []string `json:"platforms,omitempty"`

	// Controller state: the adapter's handle on the external resource.
	ResourceName      string          `json:"resource_name,omitempty"`
	ResourceNamespace string          `json:"resource_namespace,omitempty"`
	ResourceCostPerHr float64         `json:"resource_cost_per_hr,omitempty"`
	ControllerData    json.RawMessage `json:"controller_data,omitempty"`
	ContainerUser     string          `json:"container_user,omitempty"`
	PublicAddr        string          `json:"public_addr,omitempty"`
	TailnetIP         string          `json:"tailnet_ip,omitempty"`

	Status        *ContainerState `json:"status,omitempty"`
	DesiredStatus string          `json:"desired_status,omitempty"`

	CreatedBy string    `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CurrentStatus returns the container's parsed status value.
func (c *Container) CurrentStatus() ContainerStatus {
	return c.Status.CurrentStatus()
}

// Secret is an encrypted record; only ciphertext and nonce are persisted.
type Secret struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Namespace  string            `json:"namespace"`
	FullName   string            `json:"full_name"`
	Owner      string            `json:"owner"`
	Ciphertext []byte            `json:"ciphertext"`
	Nonce      []byte            `json:"nonce"`
	Labels     map[string]string `json:"labels,omitempty"`
	ExpiresAt  *time.Time        `json:"expires_at,omitempty"`
	CreatedBy  string            `json:"created_by,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// SecretRequest is the API payload for creating or rotating a secret.
type SecretRequest struct {
	Metadata ResourceMeta `json:"metadata"`
	Value    string       `json:"value"`
}

// SecretResponse is the decrypted view returned to authorized owners.
type SecretResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Namespace string    `json:"namespace"`
	Value     string    `json:"value,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SSHKeyPair holds a generated keypair in OpenSSH encoding.
type SSHKeyPair struct {
	PrivateKey string `json:"private_key"`
	PublicKey  string `json:"public_key"`
}

// UserProfile identifies the authenticated principal.
type UserProfile struct {
	Email         string            `json:"email"`
	Handle        string            `json:"handle,omitempty"`
	Organizations map[string]string `json:"organizations,omitempty"`
}

// Owners returns the set of principals the profile may act for: the user
// plus every organization it belongs to.
func (p *UserProfile) Owners() []string {
	owners := []string{p.Email}
	for org := range p.Organizations {
		owners = append(owners, org)
	}
	return owners
}

// Namespace is a lightweight grouping record.
type Namespace struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Owner     string            `json:"owner"`
	Labels    map[string]string `json:"labels,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}
