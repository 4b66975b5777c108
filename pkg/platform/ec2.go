package platform

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/agentsea/nebulous/pkg/health"
	"github.com/agentsea/nebulous/pkg/log"
	"github.com/agentsea/nebulous/pkg/storage"
	"github.com/agentsea/nebulous/pkg/types"
	"github.com/agentsea/nebulous/pkg/vpn"
)

const (
	ec2WatchInterval = 10 * time.Second
	// nodeTag marks instances this control plane manages.
	nodeTag = "nebulous-node"
	// sshGrace is how long to wait after an instance reports running
	// before the first SSH attempt; sshd and the mesh join need a moment.
	sshGrace = 20 * time.Second

	ec2RunningWaitTimeout = 3 * time.Minute
	ec2DefaultInstance    = "m6i.xlarge"
)

// instanceCapacity is the schedulable CPU/memory of known instance types.
type instanceCapacity struct {
	VCPU     float64
	MemoryGB float64
}

var ec2Capacity = map[string]instanceCapacity{
	"m6i.large":   {2, 8},
	"m6i.xlarge":  {4, 16},
	"m6i.2xlarge": {8, 32},
	"g4dn.xlarge": {4, 16},
	"g5.xlarge":   {4, 16},
	"g5.2xlarge":  {8, 32},
}

// ec2API is the slice of the EC2 SDK the adapter uses.
type ec2API interface {
	RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
}

// EC2Platform places containers on tagged instances running Docker,
// reaching them over the mesh for docker run and probes.
type EC2Platform struct {
	deps     Deps
	api      ec2API
	watchers *watcherRegistry

	// sleep is swapped out in tests.
	sleep func(time.Duration)
}

// NewEC2Platform builds the IaaS adapter from the ambient AWS credential
// chain.
func NewEC2Platform(ctx context.Context, deps Deps) (*EC2Platform, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(deps.Config.AWSRegion))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return &EC2Platform{
		deps:     deps,
		api:      ec2.NewFromConfig(awsCfg),
		watchers: newWatcherRegistry(),
		sleep:    time.Sleep,
	}, nil
}

func (p *EC2Platform) Name() string { return "ec2" }

func (p *EC2Platform) AcceleratorMap() map[string]string {
	return map[string]string{
		"T4":   "g4dn.xlarge",
		"A10G": "g5.xlarge",
	}
}

func (p *EC2Platform) Declare(ctx context.Context, req *types.ContainerRequest, owner, namespace, createdBy string) (*types.Container, error) {
	return declareContainer(p.deps, req, owner, namespace, createdBy, p.Name())
}

func (p *EC2Platform) Reconcile(ctx context.Context, c *types.Container) error {
	status := c.CurrentStatus()
	switch {
	case status.NeedsStart():
		return p.start(ctx, c)
	case status.NeedsWatch():
		p.ensureWatch(c.ID)
		return nil
	default:
		return nil
	}
}

// start places the container on a node (reusing one with spare capacity or
// provisioning a fresh instance) and launches the workload via docker run
// over SSH.
func (p *EC2Platform) start(ctx context.Context, c *types.Container) error {
	creating := types.StatusCreating
	if err := p.deps.Store.MergeContainerStatus(c.ID, &types.ContainerState{Status: &creating}); err != nil {
		return err
	}

	env, err := CommonEnv(ctx, p.deps, c)
	if err != nil {
		return err
	}

	instanceID, host, err := p.place(ctx, c, env)
	if err != nil {
		return err
	}

	if err := p.deps.Store.SetContainerResource(c.ID, instanceID, ""); err != nil {
		return err
	}

	created := types.StatusCreated
	tailnetURL := host
	if err := p.deps.Store.MergeContainerStatus(c.ID, &types.ContainerState{
		Status:     &created,
		TailnetURL: &tailnetURL,
	}); err != nil {
		return err
	}

	runner, err := p.runner(c.ID)
	if err != nil {
		return err
	}

	if _, err := runner.Run(ctx, host, dockerRunCommand(c, env)); err != nil {
		return fmt.Errorf("failed to start workload on %s: %w", host, err)
	}

	logger := log.WithContainerID(c.ID)
	logger.Info().Str("instance", instanceID).Str("host", host).Msg("started workload")
	p.ensureWatch(c.ID)
	return nil
}

// place returns the instance id and SSH host for the container, reusing a
// tagged node with free capacity before provisioning a new one.
func (p *EC2Platform) place(ctx context.Context, c *types.Container, env []types.EnvVar) (string, string, error) {
	if instanceID, host, ok, err := p.findExistingNode(ctx, c); err != nil {
		return "", "", err
	} else if ok {
		return instanceID, host, nil
	}
	return p.provision(ctx, c, env)
}

// findExistingNode scans running tagged nodes and sums the declared minimum
// resources of containers already assigned to each; the first node whose
// remaining capacity covers the request wins.
func (p *EC2Platform) findExistingNode(ctx context.Context, c *types.Container) (string, string, bool, error) {
	// GPU workloads always get a dedicated instance; only CPU containers
	// share nodes.
	if len(c.Accelerators) > 0 {
		return "", "", false, nil
	}

	out, err := p.api.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("tag-key"), Values: []string{nodeTag}},
			{Name: aws.String("instance-state-name"), Values: []string{"running"}},
		},
	})
	if err != nil {
		return "", "", false, fmt.Errorf("failed to describe instances: %w", err)
	}

	containers, err := p.deps.Store.ListContainers()
	if err != nil {
		return "", "", false, err
	}

	needCPU, needMem := requestedResources(c)
	for _, reservation := range out.Reservations {
		for _, instance := range reservation.Instances {
			capacity, ok := ec2Capacity[string(instance.InstanceType)]
			if !ok {
				continue
			}

			usedCPU, usedMem := 0.0, 0.0
			for _, other := range containers {
				if other.Platform != p.Name() || other.ID == c.ID {
					continue
				}
				if !other.CurrentStatus().Active() || other.ResourceName != aws.ToString(instance.InstanceId) {
					continue
				}
				cpu, mem := requestedResources(other)
				usedCPU += cpu
				usedMem += mem
			}

			if capacity.VCPU-usedCPU >= needCPU && capacity.MemoryGB-usedMem >= needMem {
				host := meshHostTag(instance)
				if host == "" {
					host = aws.ToString(instance.PrivateIpAddress)
				}
				return aws.ToString(instance.InstanceId), host, true, nil
			}
		}
	}
	return "", "", false, nil
}

// provision launches a fresh instance whose user-data installs Docker and
// the mesh client and joins as container-{id}, then waits for running state
// plus an SSH grace period.
func (p *EC2Platform) provision(ctx context.Context, c *types.Container, env []types.EnvVar) (string, string, error) {
	instanceType := p.instanceTypeFor(c)
	meshName := vpn.DeviceName(c.ID)

	authKey := envValue(env, "TS_AUTHKEY")
	if authKey == "" {
		return "", "", fmt.Errorf("no mesh auth key in environment")
	}

	pair, err := p.deps.Vault.GetSSHKeyPair(c.ID)
	if err != nil {
		return "", "", err
	}

	userData := nodeUserData(meshName, authKey, p.deps.Config.SSHUser, pair.PublicKey)
	out, err := p.api.RunInstances(ctx, &ec2.RunInstancesInput{
		ImageId:      aws.String(p.deps.Config.EC2AMI),
		InstanceType: ec2types.InstanceType(instanceType),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		UserData:     aws.String(base64.StdEncoding.EncodeToString([]byte(userData))),
		TagSpecifications: []ec2types.TagSpecification{
			{
				ResourceType: ec2types.ResourceTypeInstance,
				Tags: []ec2types.Tag{
					{Key: aws.String(nodeTag), Value: aws.String("true")},
					{Key: aws.String("Name"), Value: aws.String(meshName)},
					{Key: aws.String("nebu:mesh-name"), Value: aws.String(meshName)},
				},
			},
		},
	})
	if err != nil {
		return "", "", fmt.Errorf("failed to run instance: %w", err)
	}
	if len(out.Instances) == 0 {
		return "", "", fmt.Errorf("run instances returned no instances")
	}
	instanceID := aws.ToString(out.Instances[0].InstanceId)

	if err := p.waitRunning(ctx, instanceID); err != nil {
		return "", "", err
	}
	p.sleep(sshGrace)

	return instanceID, meshName, nil
}

func (p *EC2Platform) waitRunning(ctx context.Context, instanceID string) error {
	deadline := time.Now().Add(ec2RunningWaitTimeout)
	for time.Now().Before(deadline) {
		instance, err := p.describeInstance(ctx, instanceID)
		if err != nil {
			return err
		}
		if instance != nil && instance.State != nil && instance.State.Name == ec2types.InstanceStateNameRunning {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
		}
	}
	return fmt.Errorf("instance %s did not reach running within %s", instanceID, ec2RunningWaitTimeout)
}

func (p *EC2Platform) describeInstance(ctx context.Context, instanceID string) (*ec2types.Instance, error) {
	out, err := p.api.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		if strings.Contains(err.Error(), "InvalidInstanceID.NotFound") {
			return nil, nil
		}
		return nil, err
	}
	for _, reservation := range out.Reservations {
		for i := range reservation.Instances {
			return &reservation.Instances[i], nil
		}
	}
	return nil, nil
}

func (p *EC2Platform) instanceTypeFor(c *types.Container) string {
	skuMap := p.AcceleratorMap()
	for _, selector := range c.Accelerators {
		_, capability, err := ParseAccelerator(selector)
		if err != nil {
			continue
		}
		if sku, ok := skuMap[capability]; ok {
			return sku
		}
	}
	if len(c.Accelerators) > 0 {
		// GPU requested but unmapped; placement fails later rather than
		// silently landing on a CPU node.
		return ""
	}

	needCPU, needMem := requestedResources(c)
	for _, candidate := range []string{"m6i.large", "m6i.xlarge", "m6i.2xlarge"} {
		capacity := ec2Capacity[candidate]
		if capacity.VCPU >= needCPU && capacity.MemoryGB >= needMem {
			return candidate
		}
	}
	return ec2DefaultInstance
}

func (p *EC2Platform) ensureWatch(containerID string) {
	p.watchers.ensure(containerID, func(release func()) {
		defer release()
		watch(context.Background(), p.deps, containerID, p.Name(), ec2WatchInterval, p.poll)
	})
}

// poll maps instance and docker state onto the state machine, detects
// restart=Never completion via the /done.txt sentinel, and runs the
// container's HTTP health check when configured.
func (p *EC2Platform) poll(ctx context.Context, c *types.Container) (*types.ContainerState, bool, error) {
	if c.ResourceName == "" {
		return nil, false, fmt.Errorf("container has no instance")
	}

	instance, err := p.describeInstance(ctx, c.ResourceName)
	if err != nil {
		return nil, false, err
	}
	if instance == nil || instance.State == nil {
		return statusPatch(types.StatusFailed, "Instance no longer exists"), true, nil
	}

	switch instance.State.Name {
	case ec2types.InstanceStateNamePending:
		return nil, false, nil
	case ec2types.InstanceStateNameRunning:
		// Fall through to docker-level state below.
	case ec2types.InstanceStateNameStopping, ec2types.InstanceStateNameStopped:
		return statusPatch(types.StatusStopped, "Instance stopped"), true, nil
	default:
		return statusPatch(types.StatusFailed, "Instance terminated"), true, nil
	}

	host, err := p.sshHost(ctx, c)
	if err != nil {
		return nil, false, err
	}
	runner, err := p.runner(c.ID)
	if err != nil {
		return nil, false, err
	}

	dockerState, err := runner.Run(ctx, host,
		fmt.Sprintf("docker inspect -f '{{.State.Status}}' %s", c.ID))
	if err != nil {
		return nil, false, err
	}

	status, ok := mapDockerStatus(strings.TrimSpace(dockerState), c.Restart)
	if !ok {
		return nil, false, fmt.Errorf("unknown docker state %q", strings.TrimSpace(dockerState))
	}

	if status == types.StatusRunning && c.Restart == types.RestartNever {
		// The sentinel is the workload's completion signal.
		probe := health.NewExecChecker([]string{"docker", "exec", c.ID, "test", "-f", "/done.txt"}).
			WithRunner(func(ctx context.Context, command []string) (string, error) {
				return runner.Run(ctx, host, strings.Join(command, " "))
			})
		if result := probe.Check(ctx); result.Healthy {
			logger := log.WithContainerID(c.ID)
			logger.Info().Msg("workload signaled completion, self-deleting")
			completed := types.StatusCompleted
			_ = p.deps.Store.MergeContainerStatus(c.ID, &types.ContainerState{Status: &completed})
			if err := p.Delete(ctx, c.ID); err != nil {
				return nil, false, err
			}
			return nil, true, nil
		}
	}

	patch := &types.ContainerState{}
	changed := false
	if status != c.CurrentStatus() {
		patch.Status = &status
		changed = true
	}

	if status == types.StatusRunning && c.HealthCheck != nil {
		url := fmt.Sprintf("http://%s:%d%s", host, c.HealthCheck.Port, c.HealthCheck.Path)
		result := health.NewHTTPChecker(url).Check(ctx)
		ready := result.Healthy
		if c.Status == nil || c.Status.Ready == nil || *c.Status.Ready != ready {
			patch.Ready = &ready
			changed = true
		}
	}

	if !changed {
		return nil, status.Terminal(), nil
	}
	return patch, status.Terminal(), nil
}

func mapDockerStatus(state string, restart types.RestartPolicy) (types.ContainerStatus, bool) {
	switch state {
	case "created":
		return types.StatusCreated, true
	case "running":
		return types.StatusRunning, true
	case "paused":
		return types.StatusPaused, true
	case "restarting":
		return types.StatusRestarting, true
	case "exited":
		if restart == types.RestartNever {
			return types.StatusCompleted, true
		}
		return types.StatusExited, true
	case "dead":
		return types.StatusFailed, true
	default:
		return "", false
	}
}

func (p *EC2Platform) Logs(ctx context.Context, id string) (string, error) {
	c, host, runner, err := p.sshContext(ctx, id)
	if err != nil {
		return "", err
	}
	return runner.Run(ctx, host, fmt.Sprintf("docker logs --tail 1000 %s", c.ID))
}

func (p *EC2Platform) Exec(ctx context.Context, id, command string) (string, error) {
	c, host, runner, err := p.sshContext(ctx, id)
	if err != nil {
		return "", err
	}
	return runner.Run(ctx, host, fmt.Sprintf("docker exec %s sh -c %s", c.ID, shellQuote(command)))
}

// Delete removes the workload and, when the node hosts nothing else, the
// instance. Record and side resources go last; every step is best effort so
// delete stays idempotent.
func (p *EC2Platform) Delete(ctx context.Context, id string) error {
	c, err := p.deps.Store.GetContainer(id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if c.ResourceName != "" {
		logger := log.WithContainerID(id)
		if host, herr := p.sshHost(ctx, c); herr == nil {
			if runner, rerr := p.runner(c.ID); rerr == nil {
				if _, xerr := runner.Run(ctx, host, fmt.Sprintf("docker rm -f %s", c.ID)); xerr != nil {
					logger.Warn().Err(xerr).Msg("failed to remove workload container")
				}
			}
		}

		if p.instanceIsIdle(c) {
			if _, terr := p.api.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
				InstanceIds: []string{c.ResourceName},
			}); terr != nil {
				logger.Warn().Err(terr).Msg("failed to terminate instance")
			}
		}
	}

	return deleteRecord(ctx, p.deps, id)
}

// instanceIsIdle reports whether no other active container is assigned to
// the instance.
func (p *EC2Platform) instanceIsIdle(c *types.Container) bool {
	containers, err := p.deps.Store.ListContainers()
	if err != nil {
		return false
	}
	for _, other := range containers {
		if other.ID == c.ID {
			continue
		}
		if other.Platform == p.Name() && other.ResourceName == c.ResourceName && other.CurrentStatus().Active() {
			return false
		}
	}
	return true
}

func (p *EC2Platform) sshContext(ctx context.Context, id string) (*types.Container, string, *sshRunner, error) {
	c, err := p.deps.Store.GetContainer(id)
	if err != nil {
		return nil, "", nil, err
	}
	host, err := p.sshHost(ctx, c)
	if err != nil {
		return nil, "", nil, err
	}
	runner, err := p.runner(c.ID)
	if err != nil {
		return nil, "", nil, err
	}
	return c, host, runner, nil
}

// sshHost resolves the workload host, preferring the mesh address.
func (p *EC2Platform) sshHost(ctx context.Context, c *types.Container) (string, error) {
	if c.TailnetIP != "" {
		return c.TailnetIP, nil
	}
	if ip, err := p.deps.VPN.DeviceIP(ctx, vpn.DeviceName(c.ID)); err == nil {
		return ip, nil
	}
	if c.Status != nil && c.Status.TailnetURL != nil && *c.Status.TailnetURL != "" {
		return *c.Status.TailnetURL, nil
	}
	instance, err := p.describeInstance(ctx, c.ResourceName)
	if err != nil {
		return "", err
	}
	if instance == nil {
		return "", fmt.Errorf("instance %s not found", c.ResourceName)
	}
	if ip := aws.ToString(instance.PrivateIpAddress); ip != "" {
		return ip, nil
	}
	return "", fmt.Errorf("no reachable address for container %s", c.ID)
}

func (p *EC2Platform) runner(containerID string) (*sshRunner, error) {
	pair, err := p.deps.Vault.GetSSHKeyPair(containerID)
	if err != nil {
		return nil, err
	}
	return newSSHRunner(p.deps.Config.SSHUser, pair), nil
}

// requestedResources returns the container's minimum CPU cores and memory
// GB, defaulting to one core and one GB.
func requestedResources(c *types.Container) (float64, float64) {
	cpu, mem := 1.0, 1.0
	if c.Resources != nil {
		if c.Resources.MinCPU > 0 {
			cpu = c.Resources.MinCPU
		}
		if c.Resources.MinMemory > 0 {
			mem = c.Resources.MinMemory
		}
	}
	return cpu, mem
}

// dockerRunCommand renders the docker run invocation for the workload.
func dockerRunCommand(c *types.Container, env []types.EnvVar) string {
	parts := []string{"docker", "run", "-d", "--name", c.ID, "--restart"}
	if c.Restart == types.RestartNever {
		parts = append(parts, "no")
	} else {
		parts = append(parts, "always")
	}
	for _, e := range env {
		parts = append(parts, "-e", shellQuote(fmt.Sprintf("%s=%s", e.Key, e.Value)))
	}
	for _, port := range c.Ports {
		parts = append(parts, "-p", fmt.Sprintf("%d:%d", port.Port, port.Port))
	}
	if len(c.Accelerators) > 0 {
		parts = append(parts, "--gpus", "all")
	}
	parts = append(parts, c.Image)
	if c.Command != "" {
		parts = append(parts, c.Command)
	}
	parts = append(parts, c.Args...)
	return strings.Join(parts, " ")
}

// shellQuote single-quotes a string for the remote shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// meshHostTag reads the mesh hostname tag off an instance.
func meshHostTag(instance ec2types.Instance) string {
	for _, tag := range instance.Tags {
		if aws.ToString(tag.Key) == "nebu:mesh-name" {
			return aws.ToString(tag.Value)
		}
	}
	return ""
}

// nodeUserData is the cloud-init script for fresh nodes: container runtime,
// mesh client, mesh join under the container's device name, and the
// generated public key for the control plane's SSH access.
func nodeUserData(meshName, authKey, sshUser, publicKey string) string {
	return fmt.Sprintf(`#!/bin/bash
set -euo pipefail
dnf install -y docker || yum install -y docker
systemctl enable --now docker
usermod -aG docker %s
curl -fsSL https://tailscale.com/install.sh | sh
tailscale up --authkey=%s --hostname=%s
mkdir -p /home/%s/.ssh
echo '%s' >> /home/%s/.ssh/authorized_keys
chown -R %s:%s /home/%s/.ssh
chmod 600 /home/%s/.ssh/authorized_keys
`, sshUser, authKey, meshName, sshUser, publicKey, sshUser, sshUser, sshUser, sshUser, sshUser)
}

func envValue(env []types.EnvVar, key string) string {
	for _, e := range env {
		if e.Key == key {
			return e.Value
		}
	}
	return ""
}
