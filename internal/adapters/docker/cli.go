package docker

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/melih/lighthouse/internal/core/domain"
)

// Runner executes one docker CLI invocation. err is set only when the
// process could not be run at all; a non-zero exit is reported via code.
type Runner func(ctx context.Context, args ...string) (stdout, stderr string, code int, err error)

// ExecRunner runs the given binary with os/exec.
func ExecRunner(binary string) Runner {
	return func(ctx context.Context, args ...string) (string, string, int, error) {
		var stdout, stderr bytes.Buffer
		cmd := exec.CommandContext(ctx, binary, args...)
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		err := cmd.Run()
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) && ctx.Err() == nil {
				return stdout.String(), stderr.String(), exitErr.ExitCode(), nil
			}
			return stdout.String(), stderr.String(), -1, err
		}
		return stdout.String(), stderr.String(), 0, nil
	}
}

// CLIAdapter implements ports.ContainerRuntime by shelling out to the docker CLI.
type CLIAdapter struct {
	run         Runner
	stopTimeout time.Duration
}

// NewCLIAdapter creates a CLI backed runtime.
func NewCLIAdapter(run Runner, stopTimeout time.Duration) *CLIAdapter {
	return &CLIAdapter{run: run, stopTimeout: stopTimeout}
}

func (a *CLIAdapter) Name() string { return "cli" }

func (a *CLIAdapter) Ping(ctx context.Context) error {
	_, stderr, code, err := a.run(ctx, "version", "--format", "{{.Server.Version}}")
	if err != nil {
		return fmt.Errorf("failed to run docker cli: %w", err)
	}
	if code != 0 {
		return fmt.Errorf("docker cli cannot reach daemon: %s", strings.TrimSpace(stderr))
	}
	return nil
}

func (a *CLIAdapter) Build(ctx context.Context, spec domain.BuildSpec) (string, error) {
	args := []string{"build", "-t", spec.Image, "-f", spec.Dockerfile, "--rm", "--force-rm"}
	args = append(args, labelArgs(spec.Labels)...)
	args = append(args, spec.ContextDir)

	// -f is resolved against the working directory, not the context.
	if !strings.HasPrefix(spec.Dockerfile, "/") {
		args[4] = strings.TrimSuffix(spec.ContextDir, "/") + "/" + spec.Dockerfile
	}

	stdout, stderr, code, err := a.run(ctx, args...)
	output := stdout + stderr
	if err != nil {
		e := domain.E(domain.KindBuild, "build", "failed to run docker build", err)
		e.Output = output
		return output, e
	}
	if code != 0 {
		e := domain.E(domain.KindBuild, "build", fmt.Sprintf("docker build exited with code %d", code))
		e.Output = output
		return output, e
	}
	return output, nil
}

func (a *CLIAdapter) Run(ctx context.Context, spec domain.RunSpec) (string, error) {
	args := []string{"run", "-d", "--name", spec.Name}
	if spec.Network != "" {
		args = append(args, "--network", spec.Network)
	}
	args = append(args, "--restart", "unless-stopped", "--expose", strconv.Itoa(domain.AppPort))
	if spec.PublishPort {
		if spec.HostPort > 0 {
			args = append(args, "-p", fmt.Sprintf("%d:%d", spec.HostPort, domain.AppPort))
		} else {
			args = append(args, "-p", strconv.Itoa(domain.AppPort))
		}
	}
	args = append(args, envArgs(spec.Env)...)
	args = append(args, labelArgs(spec.Labels)...)
	args = append(args, spec.Image)

	stdout, stderr, code, err := a.run(ctx, args...)
	if err != nil {
		return "", fmt.Errorf("failed to run docker cli: %w", err)
	}
	if code != 0 {
		// docker run may leave a created container behind when attach fails.
		_, _, _, _ = a.run(ctx, "rm", "-f", spec.Name)
		msg := strings.TrimSpace(stderr)
		if spec.Network != "" && mentionsNetwork(msg) {
			return "", fmt.Errorf("failed to run container on network %s: %w: %s", spec.Network, domain.ErrNetworkJoin, msg)
		}
		return "", fmt.Errorf("failed to run container: %s", msg)
	}
	return strings.TrimSpace(stdout), nil
}

func (a *CLIAdapter) Stop(ctx context.Context, id string) error {
	secs := strconv.Itoa(int(a.stopTimeout.Seconds()))
	_, stderr, code, err := a.run(ctx, "stop", "-t", secs, id)
	if err != nil {
		return fmt.Errorf("failed to run docker cli: %w", err)
	}
	if code != 0 && !isNoSuch(stderr) {
		return fmt.Errorf("failed to stop container %s: %s", id, strings.TrimSpace(stderr))
	}
	return nil
}

func (a *CLIAdapter) Remove(ctx context.Context, id string) error {
	_, stderr, code, err := a.run(ctx, "rm", "-f", id)
	if err != nil {
		return fmt.Errorf("failed to run docker cli: %w", err)
	}
	if code != 0 && !isNoSuch(stderr) {
		return fmt.Errorf("failed to remove container %s: %s", id, strings.TrimSpace(stderr))
	}
	return nil
}

type cliInspect struct {
	ID      string `json:"Id"`
	Name    string `json:"Name"`
	Created string `json:"Created"`
	State   struct {
		Status string `json:"Status"`
	} `json:"State"`
	Config struct {
		Image  string            `json:"Image"`
		Labels map[string]string `json:"Labels"`
	} `json:"Config"`
}

func (a *CLIAdapter) Inspect(ctx context.Context, id string) (*domain.Container, error) {
	stdout, stderr, code, err := a.run(ctx, "inspect", "--type", "container", "--format", "{{json .}}", id)
	if err != nil {
		return nil, fmt.Errorf("failed to run docker cli: %w", err)
	}
	if code != 0 {
		if isNoSuch(stderr) {
			return nil, fmt.Errorf("container %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to inspect container %s: %s", id, strings.TrimSpace(stderr))
	}

	var raw cliInspect
	if err := json.Unmarshal([]byte(strings.TrimSpace(stdout)), &raw); err != nil {
		return nil, fmt.Errorf("failed to decode inspect output: %w", err)
	}
	c := &domain.Container{
		ID:     raw.ID,
		Name:   strings.TrimPrefix(raw.Name, "/"),
		Image:  raw.Config.Image,
		State:  raw.State.Status,
		Status: raw.State.Status,
		Labels: raw.Config.Labels,
	}
	if t, err := time.Parse(time.RFC3339Nano, raw.Created); err == nil {
		c.CreatedAt = t
	}
	return c, nil
}

func (a *CLIAdapter) Logs(ctx context.Context, id string, tail int) (string, error) {
	stdout, stderr, code, err := a.run(ctx, "logs", "--tail", strconv.Itoa(tail), "--timestamps", id)
	if err != nil {
		return "", fmt.Errorf("failed to run docker cli: %w", err)
	}
	if code != 0 {
		if isNoSuch(stderr) {
			return "", fmt.Errorf("container %s: %w", id, domain.ErrNotFound)
		}
		return "", fmt.Errorf("failed to get logs for %s: %s", id, strings.TrimSpace(stderr))
	}
	// the container's own stderr arrives on ours
	return stdout + stderr, nil
}

type cliPsLine struct {
	ID        string `json:"ID"`
	Names     string `json:"Names"`
	Image     string `json:"Image"`
	State     string `json:"State"`
	Status    string `json:"Status"`
	Labels    string `json:"Labels"`
	CreatedAt string `json:"CreatedAt"`
}

const psTimeLayout = "2006-01-02 15:04:05 -0700 MST"

func (a *CLIAdapter) List(ctx context.Context, labels map[string]string) ([]domain.Container, error) {
	args := []string{"ps", "-a", "--no-trunc"}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--filter", "label="+k+"="+labels[k])
	}
	args = append(args, "--format", "{{json .}}")

	stdout, stderr, code, err := a.run(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to run docker cli: %w", err)
	}
	if code != 0 {
		return nil, fmt.Errorf("failed to list containers: %s", strings.TrimSpace(stderr))
	}

	var out []domain.Container
	err = eachJSONLine(stdout, func(line []byte) error {
		var ps cliPsLine
		if err := json.Unmarshal(line, &ps); err != nil {
			return err
		}
		c := domain.Container{
			ID:     ps.ID,
			Name:   strings.Split(ps.Names, ",")[0],
			Image:  ps.Image,
			State:  ps.State,
			Status: ps.Status,
			Labels: parseLabels(ps.Labels),
		}
		if t, err := time.Parse(psTimeLayout, ps.CreatedAt); err == nil {
			c.CreatedAt = t
		}
		out = append(out, c)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to decode ps output: %w", err)
	}
	return out, nil
}

func (a *CLIAdapter) RemoveImage(ctx context.Context, image string) error {
	_, stderr, code, err := a.run(ctx, "rmi", "-f", image)
	if err != nil {
		return fmt.Errorf("failed to run docker cli: %w", err)
	}
	if code != 0 && !isNoSuch(stderr) {
		return fmt.Errorf("failed to remove image %s: %s", image, strings.TrimSpace(stderr))
	}
	return nil
}

func (a *CLIAdapter) Prune(ctx context.Context) (*domain.PruneReport, error) {
	report := &domain.PruneReport{
		Containers: a.prune(ctx, "container", "prune", "-f"),
		Images:     a.prune(ctx, "image", "prune", "-f"),
		Volumes:    a.prune(ctx, "volume", "prune", "-f"),
		Networks:   a.prune(ctx, "network", "prune", "-f"),
		BuildCache: a.prune(ctx, "builder", "prune", "-f"),
	}
	return report, nil
}

func (a *CLIAdapter) prune(ctx context.Context, args ...string) domain.PruneResult {
	stdout, stderr, code, err := a.run(ctx, args...)
	if err != nil {
		return domain.PruneResult{Error: err.Error()}
	}
	if code != 0 {
		return domain.PruneResult{Error: strings.TrimSpace(stderr)}
	}
	return domain.PruneResult{Success: true, Deleted: pruneDeleted(stdout)}
}

type cliInfo struct {
	ServerVersion     string `json:"ServerVersion"`
	Containers        int    `json:"Containers"`
	ContainersRunning int    `json:"ContainersRunning"`
	Images            int    `json:"Images"`
}

func (a *CLIAdapter) Info(ctx context.Context) (*domain.SystemInfo, error) {
	stdout, stderr, code, err := a.run(ctx, "info", "--format", "{{json .}}")
	if err != nil {
		return nil, fmt.Errorf("failed to run docker cli: %w", err)
	}
	if code != 0 {
		return nil, fmt.Errorf("failed to get docker info: %s", strings.TrimSpace(stderr))
	}
	var info cliInfo
	if err := json.Unmarshal([]byte(strings.TrimSpace(stdout)), &info); err != nil {
		return nil, fmt.Errorf("failed to decode docker info: %w", err)
	}
	return &domain.SystemInfo{
		Backend:           a.Name(),
		ServerVersion:     info.ServerVersion,
		RunningContainers: info.ContainersRunning,
		TotalContainers:   info.Containers,
		TotalImages:       info.Images,
	}, nil
}

type cliNetwork struct {
	ID     string `json:"ID"`
	LongID string `json:"Id"`
	Name   string `json:"Name"`
	Driver string `json:"Driver"`
}

func (n cliNetwork) toDomain() domain.Network {
	id := n.ID
	if id == "" {
		id = n.LongID
	}
	return domain.Network{ID: id, Name: n.Name, Driver: n.Driver}
}

func (a *CLIAdapter) ListNetworks(ctx context.Context) ([]domain.Network, error) {
	stdout, stderr, code, err := a.run(ctx, "network", "ls", "--format", "{{json .}}")
	if err != nil {
		return nil, fmt.Errorf("failed to run docker cli: %w", err)
	}
	if code != 0 {
		return nil, fmt.Errorf("failed to list networks: %s", strings.TrimSpace(stderr))
	}
	var out []domain.Network
	err = eachJSONLine(stdout, func(line []byte) error {
		var n cliNetwork
		if err := json.Unmarshal(line, &n); err != nil {
			return err
		}
		out = append(out, n.toDomain())
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to decode network list: %w", err)
	}
	return out, nil
}

func (a *CLIAdapter) InspectNetwork(ctx context.Context, name string) (*domain.Network, error) {
	stdout, stderr, code, err := a.run(ctx, "network", "inspect", "--format", "{{json .}}", name)
	if err != nil {
		return nil, fmt.Errorf("failed to run docker cli: %w", err)
	}
	if code != 0 {
		if isNoSuch(stderr) || strings.Contains(strings.ToLower(stderr), "not found") {
			return nil, fmt.Errorf("network %s: %w", name, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to inspect network %s: %s", name, strings.TrimSpace(stderr))
	}
	var n cliNetwork
	if err := json.Unmarshal([]byte(strings.TrimSpace(stdout)), &n); err != nil {
		return nil, fmt.Errorf("failed to decode network: %w", err)
	}
	net := n.toDomain()
	return &net, nil
}

func (a *CLIAdapter) Exec(ctx context.Context, containerName string, cmd []string) (string, int, error) {
	args := append([]string{"exec", containerName}, cmd...)
	stdout, stderr, code, err := a.run(ctx, args...)
	if err != nil {
		return stdout + stderr, -1, fmt.Errorf("failed to run docker cli: %w", err)
	}
	if code != 0 && isNoSuch(stderr) {
		return stdout + stderr, code, fmt.Errorf("container %s: %w", containerName, domain.ErrNotFound)
	}
	return stdout + stderr, code, nil
}

func labelArgs(labels map[string]string) []string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	args := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		args = append(args, "--label", k+"="+labels[k])
	}
	return args
}

func envArgs(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	args := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		args = append(args, "-e", k+"="+env[k])
	}
	return args
}

// parseLabels decodes the comma separated k=v list printed by docker ps.
func parseLabels(s string) map[string]string {
	labels := map[string]string{}
	for _, pair := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(pair, "=")
		if ok {
			labels[k] = v
		}
	}
	return labels
}

func pruneDeleted(out string) []string {
	var deleted []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasSuffix(line, ":") || strings.HasPrefix(line, "Total") {
			continue
		}
		deleted = append(deleted, line)
	}
	return deleted
}

func eachJSONLine(out string, fn func([]byte) error) error {
	sc := bufio.NewScanner(strings.NewReader(out))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		if err := fn(line); err != nil {
			return err
		}
	}
	return sc.Err()
}

func isNoSuch(stderr string) bool {
	return strings.Contains(strings.ToLower(stderr), "no such")
}
