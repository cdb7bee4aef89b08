package ports

import (
	"context"

	"github.com/melih/lighthouse/internal/core/domain"
)

// ContainerRuntime defines the operations the orchestrator needs from a
// local container engine. Two implementations exist (native API and CLI);
// one is selected at startup and everything above depends only on this.
type ContainerRuntime interface {
	// Name identifies the backend ("api" or "cli").
	Name() string
	Ping(ctx context.Context) error

	// Build builds spec.Image from spec.ContextDir and returns the build log.
	Build(ctx context.Context, spec domain.BuildSpec) (string, error)
	// Run creates and starts a detached container with restart policy
	// unless-stopped. A failure to attach spec.Network wraps domain.ErrNetworkJoin.
	Run(ctx context.Context, spec domain.RunSpec) (string, error)
	// Stop and Remove return nil when the container does not exist.
	Stop(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error
	// Inspect returns domain.ErrNotFound when the container does not exist.
	Inspect(ctx context.Context, id string) (*domain.Container, error)
	Logs(ctx context.Context, id string, tail int) (string, error)
	List(ctx context.Context, labels map[string]string) ([]domain.Container, error)

	RemoveImage(ctx context.Context, image string) error
	Prune(ctx context.Context) (*domain.PruneReport, error)
	Info(ctx context.Context) (*domain.SystemInfo, error)

	ListNetworks(ctx context.Context) ([]domain.Network, error)
	InspectNetwork(ctx context.Context, name string) (*domain.Network, error)

	// Exec runs cmd inside a container and returns combined output and exit code.
	Exec(ctx context.Context, container string, cmd []string) (string, int, error)
}
