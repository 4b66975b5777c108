package platform

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentsea/nebulous/pkg/types"
)

type fakeEC2API struct {
	instances  []ec2types.Instance
	terminated []string
}

func (f *fakeEC2API) RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error) {
	instance := ec2types.Instance{
		InstanceId:   aws.String("i-new"),
		InstanceType: params.InstanceType,
		State:        &ec2types.InstanceState{Name: ec2types.InstanceStateNameRunning},
	}
	for _, spec := range params.TagSpecifications {
		instance.Tags = append(instance.Tags, spec.Tags...)
	}
	f.instances = append(f.instances, instance)
	return &ec2.RunInstancesOutput{Instances: []ec2types.Instance{instance}}, nil
}

func (f *fakeEC2API) DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	matched := f.instances
	if len(params.InstanceIds) > 0 {
		matched = nil
		for _, instance := range f.instances {
			for _, id := range params.InstanceIds {
				if aws.ToString(instance.InstanceId) == id {
					matched = append(matched, instance)
				}
			}
		}
	}
	return &ec2.DescribeInstancesOutput{
		Reservations: []ec2types.Reservation{{Instances: matched}},
	}, nil
}

func (f *fakeEC2API) TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error) {
	f.terminated = append(f.terminated, params.InstanceIds...)
	return &ec2.TerminateInstancesOutput{}, nil
}

func newTestEC2(deps Deps, api ec2API) *EC2Platform {
	return &EC2Platform{
		deps:     deps,
		api:      api,
		watchers: newWatcherRegistry(),
		sleep:    func(time.Duration) {},
	}
}

func TestInstanceTypeFor(t *testing.T) {
	p := newTestEC2(newTestDeps(t), &fakeEC2API{})

	tests := []struct {
		name string
		c    types.Container
		want string
	}{
		{"gpu t4", types.Container{Accelerators: []string{"1:T4"}}, "g4dn.xlarge"},
		{"gpu a10g", types.Container{Accelerators: []string{"A10G"}}, "g5.xlarge"},
		{"gpu unmapped", types.Container{Accelerators: []string{"1:H100"}}, ""},
		{"small cpu", types.Container{Resources: &types.ContainerResources{MinCPU: 2, MinMemory: 8}}, "m6i.large"},
		{"medium cpu", types.Container{Resources: &types.ContainerResources{MinCPU: 4, MinMemory: 8}}, "m6i.xlarge"},
		{"large cpu", types.Container{Resources: &types.ContainerResources{MinCPU: 8, MinMemory: 32}}, "m6i.2xlarge"},
		{"huge cpu falls back", types.Container{Resources: &types.ContainerResources{MinCPU: 32}}, ec2DefaultInstance},
		{"defaults", types.Container{}, "m6i.large"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.instanceTypeFor(&tt.c))
		})
	}
}

func TestRequestedResources(t *testing.T) {
	cpu, mem := requestedResources(&types.Container{})
	assert.Equal(t, 1.0, cpu)
	assert.Equal(t, 1.0, mem)

	cpu, mem = requestedResources(&types.Container{Resources: &types.ContainerResources{MinCPU: 4, MinMemory: 16}})
	assert.Equal(t, 4.0, cpu)
	assert.Equal(t, 16.0, mem)
}

func TestFindExistingNode(t *testing.T) {
	deps := newTestDeps(t)
	api := &fakeEC2API{instances: []ec2types.Instance{{
		InstanceId:       aws.String("i-shared"),
		InstanceType:     ec2types.InstanceTypeM6iLarge,
		State:            &ec2types.InstanceState{Name: ec2types.InstanceStateNameRunning},
		PrivateIpAddress: aws.String("10.0.0.5"),
		Tags: []ec2types.Tag{
			{Key: aws.String(nodeTag), Value: aws.String("true")},
			{Key: aws.String("nebu:mesh-name"), Value: aws.String("container-abc")},
		},
	}}}
	p := newTestEC2(deps, api)

	// An active tenant already consumes 1 vCPU / 4 GB of the 2/8 node.
	tenant, err := declareContainer(deps, &types.ContainerRequest{
		Image:     "img",
		Metadata:  types.ResourceMeta{Name: "tenant"},
		Resources: &types.ContainerResources{MinCPU: 1, MinMemory: 4},
	}, "dev@example.com", "default", "dev@example.com", "ec2")
	require.NoError(t, err)
	require.NoError(t, deps.Store.SetContainerResource(tenant.ID, "i-shared", ""))
	running := types.StatusRunning
	require.NoError(t, deps.Store.MergeContainerStatus(tenant.ID, &types.ContainerState{Status: &running}))

	fits, err := declareContainer(deps, &types.ContainerRequest{
		Image:     "img",
		Metadata:  types.ResourceMeta{Name: "fits"},
		Resources: &types.ContainerResources{MinCPU: 1, MinMemory: 4},
	}, "dev@example.com", "default", "dev@example.com", "ec2")
	require.NoError(t, err)

	instanceID, host, ok, err := p.findExistingNode(context.Background(), fits)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "i-shared", instanceID)
	assert.Equal(t, "container-abc", host)

	tooBig, err := declareContainer(deps, &types.ContainerRequest{
		Image:     "img",
		Metadata:  types.ResourceMeta{Name: "too-big"},
		Resources: &types.ContainerResources{MinCPU: 2, MinMemory: 4},
	}, "dev@example.com", "default", "dev@example.com", "ec2")
	require.NoError(t, err)

	_, _, ok, err = p.findExistingNode(context.Background(), tooBig)
	require.NoError(t, err)
	assert.False(t, ok)

	// GPU workloads never share a node.
	gpu, err := declareContainer(deps, &types.ContainerRequest{
		Image:        "img",
		Metadata:     types.ResourceMeta{Name: "gpu"},
		Accelerators: []string{"1:T4"},
	}, "dev@example.com", "default", "dev@example.com", "ec2")
	require.NoError(t, err)

	_, _, ok, err = p.findExistingNode(context.Background(), gpu)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEC2DeleteTerminatesIdleInstance(t *testing.T) {
	deps := newTestDeps(t)
	api := &fakeEC2API{}
	p := newTestEC2(deps, api)

	c, err := declareContainer(deps, &types.ContainerRequest{
		Image:    "img",
		Metadata: types.ResourceMeta{Name: "solo"},
	}, "dev@example.com", "default", "dev@example.com", "ec2")
	require.NoError(t, err)
	require.NoError(t, deps.Store.SetContainerResource(c.ID, "i-solo", ""))

	// SSH to the node fails (no such host), but delete must still terminate
	// the idle instance and drop the record.
	require.NoError(t, p.Delete(context.Background(), c.ID))
	assert.Equal(t, []string{"i-solo"}, api.terminated)

	_, err = deps.Store.GetContainer(c.ID)
	assert.Error(t, err)
}

func TestEC2DeleteKeepsSharedInstance(t *testing.T) {
	deps := newTestDeps(t)
	api := &fakeEC2API{}
	p := newTestEC2(deps, api)

	a, err := declareContainer(deps, &types.ContainerRequest{
		Image:    "img",
		Metadata: types.ResourceMeta{Name: "a"},
	}, "dev@example.com", "default", "dev@example.com", "ec2")
	require.NoError(t, err)
	require.NoError(t, deps.Store.SetContainerResource(a.ID, "i-shared", ""))

	b, err := declareContainer(deps, &types.ContainerRequest{
		Image:    "img",
		Metadata: types.ResourceMeta{Name: "b"},
	}, "dev@example.com", "default", "dev@example.com", "ec2")
	require.NoError(t, err)
	require.NoError(t, deps.Store.SetContainerResource(b.ID, "i-shared", ""))
	running := types.StatusRunning
	require.NoError(t, deps.Store.MergeContainerStatus(b.ID, &types.ContainerState{Status: &running}))

	require.NoError(t, p.Delete(context.Background(), a.ID))
	assert.Empty(t, api.terminated)
}

func TestMapDockerStatus(t *testing.T) {
	tests := []struct {
		state   string
		restart types.RestartPolicy
		want    types.ContainerStatus
		known   bool
	}{
		{"created", types.RestartAlways, types.StatusCreated, true},
		{"running", types.RestartAlways, types.StatusRunning, true},
		{"paused", types.RestartAlways, types.StatusPaused, true},
		{"restarting", types.RestartAlways, types.StatusRestarting, true},
		{"exited", types.RestartAlways, types.StatusExited, true},
		{"exited", types.RestartNever, types.StatusCompleted, true},
		{"dead", types.RestartAlways, types.StatusFailed, true},
		{"zombie", types.RestartAlways, "", false},
	}
	for _, tt := range tests {
		got, ok := mapDockerStatus(tt.state, tt.restart)
		assert.Equal(t, tt.known, ok, "state %q", tt.state)
		if tt.known {
			assert.Equal(t, tt.want, got, "state %q restart %q", tt.state, tt.restart)
		}
	}
}

func TestDockerRunCommand(t *testing.T) {
	c := &types.Container{
		ID:      "abc123",
		Image:   "ghcr.io/x:1",
		Restart: types.RestartAlways,
		Command: "serve",
		Args:    []string{"--port", "8000"},
		Ports:   []types.PortRequest{{Port: 8000}},
	}
	env := []types.EnvVar{{Key: "FOO", Value: "bar baz"}}

	cmd := dockerRunCommand(c, env)
	assert.Contains(t, cmd, "docker run -d --name abc123 --restart always")
	assert.Contains(t, cmd, "-e 'FOO=bar baz'")
	assert.Contains(t, cmd, "-p 8000:8000")
	assert.Contains(t, cmd, "ghcr.io/x:1 serve --port 8000")
	assert.NotContains(t, cmd, "--gpus")

	c.Restart = types.RestartNever
	c.Accelerators = []string{"1:T4"}
	cmd = dockerRunCommand(c, nil)
	assert.Contains(t, cmd, "--restart no")
	assert.Contains(t, cmd, "--gpus all")
}

func TestNodeUserData(t *testing.T) {
	script := nodeUserData("container-abc", "tskey-xyz", "ec2-user", "ssh-ed25519 AAAA")
	assert.Contains(t, script, "#!/bin/bash")
	assert.Contains(t, script, "tailscale up --authkey=tskey-xyz --hostname=container-abc")
	assert.Contains(t, script, "systemctl enable --now docker")
	assert.Contains(t, script, "echo 'ssh-ed25519 AAAA' >> /home/ec2-user/.ssh/authorized_keys")
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, "'plain'", shellQuote("plain"))
	assert.Equal(t, `'it'\''s'`, shellQuote("it's"))
}
