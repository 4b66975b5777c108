package platform

import (
	"context"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/agentsea/nebulous/pkg/bucket"
	"github.com/agentsea/nebulous/pkg/types"
	"github.com/agentsea/nebulous/pkg/vpn"
)

// hfCacheDir is where workloads keep HuggingFace downloads; it sits under
// the synced cache mount so weights survive container restarts.
const hfCacheDir = "/nebu/cache/huggingface"

// CommonEnv builds the baseline environment every workload receives: scoped
// object-store credentials, the rclone remote for the sync sidecar, the mesh
// join key, control-plane callback coordinates, and the serialized sync
// configuration. User-supplied env is appended last and wins on collision.
func CommonEnv(ctx context.Context, deps Deps, c *types.Container) ([]types.EnvVar, error) {
	creds, err := deps.Bucket.ScopedCredentials(ctx, c.Namespace, c.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to broker bucket credentials: %w", err)
	}

	agentKey, err := deps.Vault.GetAgentKey(c.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load agent key: %w", err)
	}

	authKey, err := vpn.EnsureDeviceKey(ctx, deps.VPN, c.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to mint mesh key: %w", err)
	}

	syncYAML, err := renderSyncConfig(c, creds)
	if err != nil {
		return nil, err
	}

	env := []types.EnvVar{
		{Key: "RCLONE_CONFIG_S3REMOTE_TYPE", Value: "s3"},
		{Key: "RCLONE_CONFIG_S3REMOTE_PROVIDER", Value: "AWS"},
		{Key: "RCLONE_CONFIG_S3REMOTE_ENV_AUTH", Value: "true"},
		{Key: "RCLONE_CONFIG_S3REMOTE_REGION", Value: creds.Region},
		{Key: "AWS_ACCESS_KEY_ID", Value: creds.AccessKeyID},
		{Key: "AWS_SECRET_ACCESS_KEY", Value: creds.SecretAccessKey},
		{Key: "AWS_SESSION_TOKEN", Value: creds.SessionToken},
		{Key: "AWS_DEFAULT_REGION", Value: creds.Region},
		{Key: "NEBU_SERVER", Value: deps.Config.ServerURL},
		{Key: "NEBU_API_KEY", Value: agentKey},
		{Key: "NEBU_NAMESPACE", Value: c.Namespace},
		{Key: "NEBU_NAME", Value: c.Name},
		{Key: "NEBU_CONTAINER_ID", Value: c.ID},
		{Key: "NEBU_BUCKET", Value: creds.Bucket},
		{Key: "HF_HOME", Value: hfCacheDir},
		{Key: "NEBU_SYNC_CONFIG", Value: syncYAML},
		{Key: "TS_AUTHKEY", Value: authKey.Key},
	}

	return append(env, c.Env...), nil
}

// renderSyncConfig turns the container's volume specs into the YAML the sync
// sidecar consumes. Relative sources are rooted under the container's bucket
// data prefix.
func renderSyncConfig(c *types.Container, creds *bucket.Credentials) (string, error) {
	volumes := make([]types.VolumeSpec, 0, len(c.Volumes))
	for _, v := range c.Volumes {
		if v.Source == "" {
			v.Source = fmt.Sprintf("s3remote:%s/%s", creds.Bucket, creds.DataPrefix)
		}
		if v.CacheDir == "" {
			v.CacheDir = "/nebu/cache"
		}
		volumes = append(volumes, v)
	}

	data, err := yaml.Marshal(types.SyncConfig{Volumes: volumes})
	if err != nil {
		return "", fmt.Errorf("failed to render sync config: %w", err)
	}
	return string(data), nil
}

// EnvFlags renders env vars as docker run -e flags.
func EnvFlags(env []types.EnvVar) []string {
	flags := make([]string, 0, len(env)*2)
	for _, e := range env {
		flags = append(flags, "-e", fmt.Sprintf("%s=%s", e.Key, e.Value))
	}
	return flags
}
