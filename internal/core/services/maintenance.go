package services

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/melih/lighthouse/internal/core/domain"
	"github.com/melih/lighthouse/internal/core/ports"
)

// CleanupResult is returned by the cleanup job.
type CleanupResult struct {
	Prune   *domain.PruneReport   `json:"prune,omitempty"`
	Routes  *domain.CleanupReport `json:"routes,omitempty"`
	Orphans *domain.OrphanCleanup `json:"orphans,omitempty"`
	Errors  []string              `json:"errors,omitempty"`
}

// HealthResult is returned by the health_check job.
type HealthResult struct {
	RuntimeOK bool                     `json:"runtime_ok"`
	Backend   string                   `json:"backend"`
	Error     string                   `json:"error,omitempty"`
	Reconcile *domain.ReconcileSummary `json:"reconcile,omitempty"`
}

// RotationResult is returned by the log_rotation job.
type RotationResult struct {
	DaysToKeep int       `json:"days_to_keep"`
	Cutoff     time.Time `json:"cutoff"`
	Deleted    int       `json:"deleted"`
}

// Maintenance implements the maintenance-queue handlers.
type Maintenance struct {
	life       *Lifecycle
	apps       ports.AppStore
	routes     ports.RouteManager
	reconciler *Reconciler
	daysToKeep int
	log        zerolog.Logger
	now        func() time.Time
}

func NewMaintenance(life *Lifecycle, apps ports.AppStore, routes ports.RouteManager, reconciler *Reconciler,
	daysToKeep int, log zerolog.Logger) *Maintenance {
	if daysToKeep <= 0 {
		daysToKeep = 30
	}
	return &Maintenance{
		life:       life,
		apps:       apps,
		routes:     routes,
		reconciler: reconciler,
		daysToKeep: daysToKeep,
		log:        log.With().Str("component", "maintenance").Logger(),
		now:        time.Now,
	}
}

func (m *Maintenance) Handlers() map[domain.JobType]ports.JobHandler {
	return map[domain.JobType]ports.JobHandler{
		domain.JobCleanup:     m.Cleanup,
		domain.JobHealthCheck: m.HealthCheck,
		domain.JobLogRotation: m.LogRotation,
		domain.JobReconcile:   m.Reconcile,
	}
}

// Cleanup prunes unused engine resources and removes routes of apps that
// are not running. With Fix set, orphan containers are removed too. A
// scope restricts the job to one of those steps; the orphans scope
// implies Fix.
func (m *Maintenance) Cleanup(ctx context.Context, job ports.JobContext) (any, error) {
	var p domain.MaintenancePayload
	if err := job.Decode(&p); err != nil {
		return nil, err
	}
	in := func(scope string) bool { return p.Scope == domain.CleanupAll || p.Scope == scope }
	res := &CleanupResult{}

	if in(domain.CleanupSystem) {
		job.Progress(0, "Pruning container engine")
		prune, err := m.life.Prune(ctx)
		if err != nil {
			if domain.IsKind(err, domain.KindTransport) {
				return nil, err
			}
			res.Errors = append(res.Errors, "prune: "+err.Error())
		}
		res.Prune = prune
	}

	if in(domain.CleanupRoutes) {
		job.Progress(40, "Cleaning up routes")
		routes, err := m.CleanupRoutes(ctx)
		if err != nil {
			if !domain.IsKind(err, domain.KindProxy) {
				return nil, err
			}
			res.Errors = append(res.Errors, "routes: "+err.Error())
		}
		res.Routes = routes
	}

	if p.Scope == domain.CleanupOrphans || (p.Scope == domain.CleanupAll && p.Fix) {
		job.Progress(70, "Removing orphan containers")
		orphans, err := m.life.RemoveOrphans(ctx, nil)
		if err != nil {
			res.Errors = append(res.Errors, "orphans: "+err.Error())
		}
		res.Orphans = orphans
	}

	job.Progress(100, "Cleanup completed")
	m.log.Info().Str("scope", p.Scope).Int("errors", len(res.Errors)).Msg("cleanup finished")
	return res, nil
}

// CleanupRoutes removes the route of every app that is not running.
func (m *Maintenance) CleanupRoutes(ctx context.Context) (*domain.CleanupReport, error) {
	active, err := m.activeSlugs(ctx)
	if err != nil {
		return nil, err
	}
	return m.routes.Cleanup(ctx, active)
}

// activeSlugs lists apps whose route must survive cleanup: running apps and
// apps a job is still working on, since deploy writes the route before the
// app is marked running.
func (m *Maintenance) activeSlugs(ctx context.Context) ([]string, error) {
	apps, err := m.apps.ListApps(ctx)
	if err != nil {
		return nil, err
	}
	var slugs []string
	for _, a := range apps {
		if a.Status == domain.StatusRunning || a.Status == domain.StatusDeploying || a.ActiveJobID != "" {
			slugs = append(slugs, a.Slug)
		}
	}
	return slugs, nil
}

// HealthCheck pings the runtime and reconciles every app.
func (m *Maintenance) HealthCheck(ctx context.Context, job ports.JobContext) (any, error) {
	var p domain.MaintenancePayload
	if err := job.Decode(&p); err != nil {
		return nil, err
	}
	rt := m.life.Runtime()
	res := &HealthResult{Backend: rt.Name(), RuntimeOK: true}

	job.Progress(0, "Checking container runtime")
	if err := rt.Ping(ctx); err != nil {
		res.RuntimeOK = false
		res.Error = err.Error()
		m.log.Warn().Err(err).Msg("container runtime unhealthy, skipping reconciliation")
		job.Progress(100, "Runtime unavailable")
		return res, nil
	}

	job.Progress(30, "Reconciling applications")
	summary, err := m.reconciler.ReconcileAll(ctx, p.Fix)
	if err != nil {
		return nil, err
	}
	res.Reconcile = summary

	job.Progress(100, "Health check completed")
	return res, nil
}

// LogRotation deletes deployment history older than the retention window.
func (m *Maintenance) LogRotation(ctx context.Context, job ports.JobContext) (any, error) {
	var p domain.MaintenancePayload
	if err := job.Decode(&p); err != nil {
		return nil, err
	}
	days := p.DaysToKeep
	if days == 0 {
		days = m.daysToKeep
	}
	cutoff := m.now().UTC().AddDate(0, 0, -days)

	job.Progress(0, "Deleting old deployment records")
	n, err := m.apps.PruneDeployments(ctx, cutoff)
	if err != nil {
		return nil, domain.E(domain.KindTransport, "prune deployments", err)
	}
	job.Progress(100, "Log rotation completed")
	m.log.Info().Int("deleted", n).Int("days_to_keep", days).Msg("deployment history rotated")
	return RotationResult{DaysToKeep: days, Cutoff: cutoff, Deleted: n}, nil
}

// Reconcile reconciles one app, or all of them when no app id is given.
func (m *Maintenance) Reconcile(ctx context.Context, job ports.JobContext) (any, error) {
	var p domain.ReconcilePayload
	if err := job.Decode(&p); err != nil {
		return nil, err
	}
	job.Progress(0, "Reconciling")
	if p.AppID > 0 {
		job.SetAppID(p.AppID)
		report, err := m.reconciler.Reconcile(ctx, p.AppID, p.Fix)
		if err != nil {
			return nil, err
		}
		job.Progress(100, "Reconciliation completed")
		return report, nil
	}
	summary, err := m.reconciler.ReconcileAll(ctx, p.Fix)
	if err != nil {
		return nil, err
	}
	job.Progress(100, "Reconciliation completed")
	return summary, nil
}
