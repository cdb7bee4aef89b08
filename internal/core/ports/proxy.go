package ports

import (
	"context"

	"github.com/melih/lighthouse/internal/core/domain"
)

// ProxyController talks to the live reverse proxy process.
type ProxyController interface {
	// Test runs the proxy's own syntax check over the full configuration.
	Test(ctx context.Context) (string, error)
	Reload(ctx context.Context) error
}

// RouteManager owns the per-application route files.
type RouteManager interface {
	// Apply renders, writes and validates a route, rolling back on failure.
	// A reload failure after a valid write is reported as a warning.
	Apply(ctx context.Context, route domain.Route) (warning string, err error)
	// Withdraw removes the app's route and reloads. Missing files are not errors.
	Withdraw(ctx context.Context, slug string) (warning string, err error)
	Exists(slug string) bool
	// Upstream parses the route file for slug and returns its proxy target.
	Upstream(slug string) (host string, port int, err error)
	List() (*domain.RouteListing, error)
	Cleanup(ctx context.Context, active []string) (*domain.CleanupReport, error)
	ValidateAndCleanup(ctx context.Context) (*domain.CleanupReport, error)
}

// Prober checks whether an application endpoint answers.
type Prober interface {
	Reachable(ctx context.Context, host string, port int, path string) bool
}
