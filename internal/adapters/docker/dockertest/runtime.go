// Package dockertest provides an in-memory ports.ContainerRuntime for tests.
package dockertest

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/melih/lighthouse/internal/core/domain"
)

// Runtime is a fake container engine. Fields ending in Err inject failures.
type Runtime struct {
	mu sync.Mutex

	Containers map[string]*domain.Container // by name
	Images     map[string]bool
	Networks   []domain.Network

	BuildLog string
	BuildErr error
	// NetworkErr is returned by Run when the RunSpec names a network.
	NetworkErr error
	RunErr     error
	StopErr    error
	InspectErr error
	PingErr    error
	// ExecFn answers Exec; nil returns ("", 0, nil).
	ExecFn func(container string, cmd []string) (string, int, error)

	Calls []string
	Runs  []domain.RunSpec
	seq   int
}

func New() *Runtime {
	return &Runtime{
		Containers: map[string]*domain.Container{},
		Images:     map[string]bool{},
		Networks:   []domain.Network{{ID: "n0", Name: "bridge", Driver: "bridge"}},
	}
}

func (r *Runtime) record(format string, args ...any) {
	r.Calls = append(r.Calls, fmt.Sprintf(format, args...))
}

// CallsSnapshot returns a copy of the recorded calls.
func (r *Runtime) CallsSnapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.Calls...)
}

// Add registers a container directly.
func (r *Runtime) Add(c domain.Container) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.ID == "" {
		r.seq++
		c.ID = fmt.Sprintf("c%d", r.seq)
	}
	r.Containers[c.Name] = &c
}

func (r *Runtime) find(id string) *domain.Container {
	if c, ok := r.Containers[id]; ok {
		return c
	}
	for _, c := range r.Containers {
		if c.ID == id {
			return c
		}
	}
	return nil
}

func (r *Runtime) Name() string { return "fake" }

func (r *Runtime) Ping(ctx context.Context) error { return r.PingErr }

func (r *Runtime) Build(ctx context.Context, spec domain.BuildSpec) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("build %s", spec.Image)
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if r.BuildErr != nil {
		return r.BuildLog, r.BuildErr
	}
	r.Images[spec.Image] = true
	return r.BuildLog, nil
}

func (r *Runtime) Run(ctx context.Context, spec domain.RunSpec) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("run %s network=%s publish=%v", spec.Name, spec.Network, spec.PublishPort)
	r.Runs = append(r.Runs, spec)
	if spec.Network != "" && r.NetworkErr != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrNetworkJoin, r.NetworkErr)
	}
	if r.RunErr != nil {
		return "", r.RunErr
	}
	if _, exists := r.Containers[spec.Name]; exists {
		return "", fmt.Errorf("conflict: container name %q already in use", spec.Name)
	}
	r.seq++
	c := &domain.Container{
		ID:        fmt.Sprintf("c%d", r.seq),
		Name:      spec.Name,
		Image:     spec.Image,
		State:     domain.StateRunning,
		Status:    "Up",
		Labels:    maps.Clone(spec.Labels),
		CreatedAt: time.Now(),
	}
	r.Containers[spec.Name] = c
	return c.ID, nil
}

func (r *Runtime) Stop(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("stop %s", id)
	if r.StopErr != nil {
		return r.StopErr
	}
	if c := r.find(id); c != nil {
		c.State = domain.StateExited
	}
	return nil
}

func (r *Runtime) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("rm %s", id)
	if c := r.find(id); c != nil {
		delete(r.Containers, c.Name)
	}
	return nil
}

func (r *Runtime) Inspect(ctx context.Context, id string) (*domain.Container, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.InspectErr != nil {
		return nil, r.InspectErr
	}
	c := r.find(id)
	if c == nil {
		return nil, domain.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *Runtime) Logs(ctx context.Context, id string, tail int) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.find(id) == nil {
		return "", domain.ErrNotFound
	}
	return fmt.Sprintf("logs of %s (tail %d)\n", id, tail), nil
}

func (r *Runtime) List(ctx context.Context, labels map[string]string) ([]domain.Container, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Container
	for _, c := range r.Containers {
		match := true
		for k, v := range labels {
			if c.Labels[k] != v {
				match = false
				break
			}
		}
		if match {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (r *Runtime) RemoveImage(ctx context.Context, image string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("rmi %s", image)
	delete(r.Images, image)
	return nil
}

func (r *Runtime) Prune(ctx context.Context) (*domain.PruneReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("prune")
	ok := domain.PruneResult{Success: true, Deleted: []string{}}
	return &domain.PruneReport{Containers: ok, Images: ok, Volumes: ok, Networks: ok, BuildCache: ok}, nil
}

func (r *Runtime) Info(ctx context.Context) (*domain.SystemInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	running := 0
	for _, c := range r.Containers {
		if c.Running() {
			running++
		}
	}
	return &domain.SystemInfo{
		Backend:           "fake",
		ServerVersion:     "0.0.0",
		RunningContainers: running,
		TotalContainers:   len(r.Containers),
		TotalImages:       len(r.Images),
	}, nil
}

func (r *Runtime) ListNetworks(ctx context.Context) ([]domain.Network, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Network(nil), r.Networks...), nil
}

func (r *Runtime) InspectNetwork(ctx context.Context, name string) (*domain.Network, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.Networks {
		if n.Name == name {
			return &n, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *Runtime) Exec(ctx context.Context, container string, cmd []string) (string, int, error) {
	r.mu.Lock()
	fn := r.ExecFn
	r.record("exec %s %v", container, cmd)
	r.mu.Unlock()
	if fn == nil {
		return "", 0, nil
	}
	return fn(container, cmd)
}
