package platform

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	dockercontainer "github.com/docker/docker/api/types/container"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"golang.org/x/crypto/ssh"

	"github.com/agentsea/nebulous/pkg/log"
	"github.com/agentsea/nebulous/pkg/storage"
	nebtypes "github.com/agentsea/nebulous/pkg/types"
)

const dockerWatchInterval = 10 * time.Second

// DockerPlatform drives a Docker engine, either the local one or a remote
// daemon reached through an SSH tunnel to its unix socket.
type DockerPlatform struct {
	deps     Deps
	client   dockerclient.APIClient
	watchers *watcherRegistry
}

// NewDockerPlatform connects to the engine named by DOCKER_HOST. An
// ssh://user@host value tunnels to the remote daemon's unix socket; anything
// else goes through the standard client options.
func NewDockerPlatform(deps Deps) (*DockerPlatform, error) {
	var (
		cli dockerclient.APIClient
		err error
	)
	host := deps.Config.DockerHost
	if strings.HasPrefix(host, "ssh://") {
		cli, err = newTunneledDockerClient(deps, host)
	} else {
		opts := []dockerclient.Opt{dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation()}
		if host != "" {
			opts = append(opts, dockerclient.WithHost(host))
		}
		cli, err = dockerclient.NewClientWithOpts(opts...)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to docker engine: %w", err)
	}
	return &DockerPlatform{
		deps:     deps,
		client:   cli,
		watchers: newWatcherRegistry(),
	}, nil
}

// newTunneledDockerClient dials the remote daemon's unix socket through SSH,
// authenticating with the operator's key from the daemon host's agent user.
func newTunneledDockerClient(deps Deps, hostURL string) (dockerclient.APIClient, error) {
	u, err := url.Parse(hostURL)
	if err != nil {
		return nil, fmt.Errorf("invalid docker host %q: %w", hostURL, err)
	}
	user := deps.Config.SSHUser
	if u.User != nil && u.User.Username() != "" {
		user = u.User.Username()
	}
	addr := u.Host
	if u.Port() == "" {
		addr = net.JoinHostPort(u.Hostname(), "22")
	}

	dial := func(ctx context.Context, network, _ string) (net.Conn, error) {
		keyPair, err := deps.Vault.OperatorSSHKeyPair()
		if err != nil {
			return nil, err
		}
		signer, err := ssh.ParsePrivateKey([]byte(keyPair.PrivateKey))
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		cfg := &ssh.ClientConfig{
			User:            user,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
			Timeout:         sshDialTimeout,
		}
		sshClient, err := ssh.Dial("tcp", addr, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
		}
		return sshClient.Dial("unix", "/var/run/docker.sock")
	}

	return dockerclient.NewClientWithOpts(
		dockerclient.WithHost("http://docker"),
		dockerclient.WithDialContext(dial),
		dockerclient.WithAPIVersionNegotiation(),
	)
}

func (p *DockerPlatform) Name() string { return "docker" }

// AcceleratorMap is empty: a Docker engine exposes whatever GPU the host
// has, so accelerator requests cannot be translated or guaranteed.
func (p *DockerPlatform) AcceleratorMap() map[string]string {
	return map[string]string{}
}

func (p *DockerPlatform) Declare(ctx context.Context, req *nebtypes.ContainerRequest, owner, namespace, createdBy string) (*nebtypes.Container, error) {
	return declareContainer(p.deps, req, owner, namespace, createdBy, p.Name())
}

func (p *DockerPlatform) Reconcile(ctx context.Context, c *nebtypes.Container) error {
	status := c.CurrentStatus()
	switch {
	case status.NeedsStart():
		return p.create(ctx, c)
	case status.NeedsWatch():
		p.ensureWatch(c.ID)
		return nil
	default:
		return nil
	}
}

func (p *DockerPlatform) create(ctx context.Context, c *nebtypes.Container) error {
	env, err := CommonEnv(ctx, p.deps, c)
	if err != nil {
		return err
	}

	creating := nebtypes.StatusCreating
	if err := p.deps.Store.MergeContainerStatus(c.ID, &nebtypes.ContainerState{Status: &creating}); err != nil {
		return err
	}

	envStrings := make([]string, 0, len(env))
	for _, e := range env {
		envStrings = append(envStrings, e.Key+"="+e.Value)
	}

	var cmd []string
	if c.Command != "" {
		cmd = append([]string{c.Command}, c.Args...)
	} else {
		cmd = c.Args
	}

	restartPolicy := dockercontainer.RestartPolicy{Name: dockercontainer.RestartPolicyAlways}
	if c.Restart == nebtypes.RestartNever {
		restartPolicy = dockercontainer.RestartPolicy{Name: dockercontainer.RestartPolicyDisabled}
	}

	created, err := p.client.ContainerCreate(ctx,
		&dockercontainer.Config{
			Image: c.Image,
			Env:   envStrings,
			Cmd:   cmd,
		},
		&dockercontainer.HostConfig{
			RestartPolicy: restartPolicy,
			// Host networking sidesteps per-port publish plumbing; the
			// mesh handles reachability.
			NetworkMode: "host",
		},
		nil, nil, "nebu-"+c.ID)
	if err != nil {
		return fmt.Errorf("failed to create container: %w", err)
	}

	if err := p.client.ContainerStart(ctx, created.ID, dockercontainer.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container: %w", err)
	}

	if err := p.deps.Store.SetContainerResource(c.ID, created.ID, ""); err != nil {
		return err
	}
	createdStatus := nebtypes.StatusCreated
	if err := p.deps.Store.MergeContainerStatus(c.ID, &nebtypes.ContainerState{Status: &createdStatus}); err != nil {
		return err
	}

	logger := log.WithContainerID(c.ID)
	logger.Info().Str("docker_id", created.ID[:12]).Msg("started container")
	p.ensureWatch(c.ID)
	return nil
}

func (p *DockerPlatform) ensureWatch(containerID string) {
	p.watchers.ensure(containerID, func(release func()) {
		defer release()
		watch(context.Background(), p.deps, containerID, p.Name(), dockerWatchInterval, p.poll)
	})
}

func (p *DockerPlatform) poll(ctx context.Context, c *nebtypes.Container) (*nebtypes.ContainerState, bool, error) {
	if c.ResourceName == "" {
		return nil, false, fmt.Errorf("container has no docker id")
	}

	inspect, err := p.client.ContainerInspect(ctx, c.ResourceName)
	if dockerclient.IsErrNotFound(err) {
		return statusPatch(nebtypes.StatusFailed, "Container no longer exists"), true, nil
	}
	if err != nil {
		return nil, false, err
	}
	if inspect.State == nil {
		return nil, false, fmt.Errorf("inspect returned no state")
	}

	status, ok := mapDockerStatus(inspect.State.Status, c.Restart)
	if !ok {
		return nil, false, fmt.Errorf("unknown docker state %q", inspect.State.Status)
	}
	if status == c.CurrentStatus() {
		return nil, status.Terminal(), nil
	}
	return statusPatch(status, ""), status.Terminal(), nil
}

func (p *DockerPlatform) Logs(ctx context.Context, id string) (string, error) {
	c, err := p.deps.Store.GetContainer(id)
	if err != nil {
		return "", err
	}
	if c.ResourceName == "" {
		return "", fmt.Errorf("container has not started yet")
	}

	reader, err := p.client.ContainerLogs(ctx, c.ResourceName, dockercontainer.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       "1000",
	})
	if err != nil {
		return "", fmt.Errorf("failed to fetch logs: %w", err)
	}
	defer reader.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, reader); err != nil {
		return "", fmt.Errorf("failed to demux logs: %w", err)
	}
	if stderr.Len() > 0 {
		return stdout.String() + stderr.String(), nil
	}
	return stdout.String(), nil
}

func (p *DockerPlatform) Exec(ctx context.Context, id, command string) (string, error) {
	c, err := p.deps.Store.GetContainer(id)
	if err != nil {
		return "", err
	}
	if c.ResourceName == "" {
		return "", fmt.Errorf("container has not started yet")
	}

	exec, err := p.client.ContainerExecCreate(ctx, c.ResourceName, dockercontainer.ExecOptions{
		Cmd:          []string{"sh", "-c", command},
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create exec: %w", err)
	}

	attach, err := p.client.ContainerExecAttach(ctx, exec.ID, dockercontainer.ExecStartOptions{})
	if err != nil {
		return "", fmt.Errorf("failed to attach exec: %w", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return "", fmt.Errorf("failed to read exec output: %w", err)
	}
	if stderr.Len() > 0 {
		return stdout.String() + stderr.String(), nil
	}
	return stdout.String(), nil
}

func (p *DockerPlatform) Delete(ctx context.Context, id string) error {
	c, err := p.deps.Store.GetContainer(id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if c.ResourceName != "" {
		err := p.client.ContainerRemove(ctx, c.ResourceName, dockercontainer.RemoveOptions{Force: true})
		if err != nil && !dockerclient.IsErrNotFound(err) {
			logger := log.WithContainerID(id)
			logger.Warn().Err(err).Msg("failed to remove container")
		}
	}
	return deleteRecord(ctx, p.deps, id)
}
