package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"github.com/melih/lighthouse/internal/core/domain"
)

// Adapter implements ports.ContainerRuntime using the Docker SDK.
type Adapter struct {
	cli         *client.Client
	stopTimeout time.Duration
}

// NewAdapter creates a Docker SDK backed runtime from the environment.
func NewAdapter(stopTimeout time.Duration) (*Adapter, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Adapter{cli: cli, stopTimeout: stopTimeout}, nil
}

func (a *Adapter) Name() string { return "api" }

// Close releases the underlying client.
func (a *Adapter) Close() error { return a.cli.Close() }

func (a *Adapter) Ping(ctx context.Context) error {
	if _, err := a.cli.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping docker daemon: %w", err)
	}
	return nil
}

// Build tars the context directory and builds spec.Image, returning the
// decoded build output. A build step error is returned as KindBuild with the
// captured output attached.
func (a *Adapter) Build(ctx context.Context, spec domain.BuildSpec) (string, error) {
	tar, err := archive.TarWithOptions(spec.ContextDir, &archive.TarOptions{})
	if err != nil {
		return "", domain.E(domain.KindBuild, "build", "failed to create build context", err)
	}
	defer tar.Close()

	resp, err := a.cli.ImageBuild(ctx, tar, types.ImageBuildOptions{
		Tags:        []string{spec.Image},
		Dockerfile:  spec.Dockerfile,
		Labels:      spec.Labels,
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return "", domain.E(domain.KindBuild, "build", "failed to start image build", err)
	}
	defer resp.Body.Close()

	var out bytes.Buffer
	if err := jsonmessage.DisplayJSONMessagesStream(resp.Body, &out, 0, false, nil); err != nil {
		e := domain.E(domain.KindBuild, "build", "image build failed", err)
		e.Output = out.String()
		return out.String(), e
	}
	return out.String(), nil
}

// Run creates and starts a container. If the requested network cannot be
// joined the partially created container is removed and the error wraps
// domain.ErrNetworkJoin.
func (a *Adapter) Run(ctx context.Context, spec domain.RunSpec) (string, error) {
	port := nat.Port(strconv.Itoa(domain.AppPort) + "/tcp")

	cfg := &container.Config{
		Image:        spec.Image,
		Env:          envList(spec.Env),
		Labels:       spec.Labels,
		ExposedPorts: nat.PortSet{port: struct{}{}},
	}
	hostCfg := &container.HostConfig{
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
	}
	if spec.Network != "" {
		hostCfg.NetworkMode = container.NetworkMode(spec.Network)
	}
	if spec.PublishPort {
		hostPort := ""
		if spec.HostPort > 0 {
			hostPort = strconv.Itoa(spec.HostPort)
		}
		hostCfg.PortBindings = nat.PortMap{port: []nat.PortBinding{{HostPort: hostPort}}}
	}

	resp, err := a.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		if spec.Network != "" && mentionsNetwork(err.Error()) {
			return "", fmt.Errorf("failed to create container on network %s: %w: %v", spec.Network, domain.ErrNetworkJoin, err)
		}
		return "", fmt.Errorf("failed to create container: %w", err)
	}

	if err := a.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = a.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		if spec.Network != "" && mentionsNetwork(err.Error()) {
			return "", fmt.Errorf("failed to start container on network %s: %w: %v", spec.Network, domain.ErrNetworkJoin, err)
		}
		return "", fmt.Errorf("failed to start container: %w", err)
	}
	return resp.ID, nil
}

func (a *Adapter) Stop(ctx context.Context, id string) error {
	timeout := int(a.stopTimeout.Seconds())
	err := a.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to stop container %s: %w", id, err)
	}
	return nil
}

func (a *Adapter) Remove(ctx context.Context, id string) error {
	err := a.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to remove container %s: %w", id, err)
	}
	return nil
}

func (a *Adapter) Inspect(ctx context.Context, id string) (*domain.Container, error) {
	info, err := a.cli.ContainerInspect(ctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, fmt.Errorf("container %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to inspect container %s: %w", id, err)
	}

	c := &domain.Container{
		ID:   info.ID,
		Name: strings.TrimPrefix(info.Name, "/"),
	}
	if info.State != nil {
		c.State = info.State.Status
		c.Status = info.State.Status
	}
	if info.Config != nil {
		c.Image = info.Config.Image
		c.Labels = info.Config.Labels
	}
	if t, err := time.Parse(time.RFC3339Nano, info.Created); err == nil {
		c.CreatedAt = t
	}
	return c, nil
}

// Logs returns the last tail lines of stdout and stderr with timestamps.
func (a *Adapter) Logs(ctx context.Context, id string, tail int) (string, error) {
	rc, err := a.cli.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Timestamps: true,
		Tail:       strconv.Itoa(tail),
	})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return "", fmt.Errorf("container %s: %w", id, domain.ErrNotFound)
		}
		return "", fmt.Errorf("failed to get logs for %s: %w", id, err)
	}
	defer rc.Close()

	var out bytes.Buffer
	if _, err := stdcopy.StdCopy(&out, &out, rc); err != nil && err != io.EOF {
		return out.String(), fmt.Errorf("failed to read logs for %s: %w", id, err)
	}
	return out.String(), nil
}

// List returns all containers (running or not) carrying every given label.
func (a *Adapter) List(ctx context.Context, labels map[string]string) ([]domain.Container, error) {
	args := filters.NewArgs()
	for k, v := range labels {
		args.Add("label", k+"="+v)
	}
	containers, err := a.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	result := make([]domain.Container, 0, len(containers))
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		result = append(result, domain.Container{
			ID:        c.ID,
			Name:      name,
			Image:     c.Image,
			Status:    c.Status,
			State:     c.State,
			Labels:    c.Labels,
			CreatedAt: time.Unix(c.Created, 0),
		})
	}
	return result, nil
}

func (a *Adapter) RemoveImage(ctx context.Context, image string) error {
	_, err := a.cli.ImageRemove(ctx, image, types.ImageRemoveOptions{Force: true, PruneChildren: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to remove image %s: %w", image, err)
	}
	return nil
}

// Prune removes stopped containers, dangling images, unused volumes and
// networks, and the build cache. Each kind is attempted independently.
func (a *Adapter) Prune(ctx context.Context) (*domain.PruneReport, error) {
	report := &domain.PruneReport{}
	none := filters.NewArgs()

	if r, err := a.cli.ContainersPrune(ctx, none); err != nil {
		report.Containers.Error = err.Error()
	} else {
		report.Containers = domain.PruneResult{Success: true, Deleted: r.ContainersDeleted, SpaceReclaimed: r.SpaceReclaimed}
	}

	if r, err := a.cli.ImagesPrune(ctx, none); err != nil {
		report.Images.Error = err.Error()
	} else {
		deleted := make([]string, 0, len(r.ImagesDeleted))
		for _, d := range r.ImagesDeleted {
			if d.Deleted != "" {
				deleted = append(deleted, d.Deleted)
			} else {
				deleted = append(deleted, d.Untagged)
			}
		}
		report.Images = domain.PruneResult{Success: true, Deleted: deleted, SpaceReclaimed: r.SpaceReclaimed}
	}

	if r, err := a.cli.VolumesPrune(ctx, none); err != nil {
		report.Volumes.Error = err.Error()
	} else {
		report.Volumes = domain.PruneResult{Success: true, Deleted: r.VolumesDeleted, SpaceReclaimed: r.SpaceReclaimed}
	}

	if r, err := a.cli.NetworksPrune(ctx, none); err != nil {
		report.Networks.Error = err.Error()
	} else {
		report.Networks = domain.PruneResult{Success: true, Deleted: r.NetworksDeleted}
	}

	if r, err := a.cli.BuildCachePrune(ctx, types.BuildCachePruneOptions{}); err != nil {
		report.BuildCache.Error = err.Error()
	} else {
		report.BuildCache = domain.PruneResult{Success: true, Deleted: r.CachesDeleted, SpaceReclaimed: r.SpaceReclaimed}
	}

	return report, nil
}

func (a *Adapter) Info(ctx context.Context) (*domain.SystemInfo, error) {
	info, err := a.cli.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get docker info: %w", err)
	}
	return &domain.SystemInfo{
		Backend:           a.Name(),
		ServerVersion:     info.ServerVersion,
		RunningContainers: info.ContainersRunning,
		TotalContainers:   info.Containers,
		TotalImages:       info.Images,
	}, nil
}

func (a *Adapter) ListNetworks(ctx context.Context) ([]domain.Network, error) {
	nets, err := a.cli.NetworkList(ctx, types.NetworkListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list networks: %w", err)
	}
	out := make([]domain.Network, 0, len(nets))
	for _, n := range nets {
		out = append(out, domain.Network{ID: n.ID, Name: n.Name, Driver: n.Driver})
	}
	return out, nil
}

func (a *Adapter) InspectNetwork(ctx context.Context, name string) (*domain.Network, error) {
	n, err := a.cli.NetworkInspect(ctx, name, types.NetworkInspectOptions{})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, fmt.Errorf("network %s: %w", name, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to inspect network %s: %w", name, err)
	}
	return &domain.Network{ID: n.ID, Name: n.Name, Driver: n.Driver}, nil
}

// Exec runs cmd in the named container and waits for it to exit.
func (a *Adapter) Exec(ctx context.Context, containerName string, cmd []string) (string, int, error) {
	created, err := a.cli.ContainerExecCreate(ctx, containerName, types.ExecConfig{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return "", -1, fmt.Errorf("container %s: %w", containerName, domain.ErrNotFound)
		}
		return "", -1, fmt.Errorf("failed to create exec in %s: %w", containerName, err)
	}

	attach, err := a.cli.ContainerExecAttach(ctx, created.ID, types.ExecStartCheck{})
	if err != nil {
		return "", -1, fmt.Errorf("failed to attach exec in %s: %w", containerName, err)
	}
	defer attach.Close()

	var out bytes.Buffer
	if _, err := stdcopy.StdCopy(&out, &out, attach.Reader); err != nil && err != io.EOF {
		return out.String(), -1, fmt.Errorf("failed to read exec output: %w", err)
	}

	inspect, err := a.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return out.String(), -1, fmt.Errorf("failed to inspect exec: %w", err)
	}
	return out.String(), inspect.ExitCode, nil
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

func mentionsNetwork(msg string) bool {
	return strings.Contains(strings.ToLower(msg), "network")
}
