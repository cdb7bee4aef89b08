package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/melih/lighthouse/internal/core/domain"
	"github.com/melih/lighthouse/internal/core/ports"
	"github.com/melih/lighthouse/internal/metrics"
)

// ReconcilerConfig tunes reconciliation.
type ReconcilerConfig struct {
	ProbeTimeout time.Duration
	// ProbePath is requested on the app container.
	ProbePath   string
	Concurrency int
}

// Reconciler compares recorded application status with what the runtime
// and the proxy actually show.
type Reconciler struct {
	rt     ports.ContainerRuntime
	apps   ports.AppStore
	routes ports.RouteManager
	prober ports.Prober
	cfg    ReconcilerConfig
	log    zerolog.Logger
}

func NewReconciler(rt ports.ContainerRuntime, apps ports.AppStore, routes ports.RouteManager, prober ports.Prober,
	cfg ReconcilerConfig, log zerolog.Logger) *Reconciler {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 3 * time.Second
	}
	if cfg.ProbePath == "" {
		cfg.ProbePath = "/_stcore/health"
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	return &Reconciler{
		rt:     rt,
		apps:   apps,
		routes: routes,
		prober: prober,
		cfg:    cfg,
		log:    log.With().Str("component", "reconciler").Logger(),
	}
}

// Observe gathers the actual state of app. With probe set, a running app
// with a valid route is also checked over HTTP.
func (r *Reconciler) Observe(ctx context.Context, app *domain.App, probe bool) domain.Observation {
	var obs domain.Observation

	c, err := r.rt.Inspect(ctx, containerRef(app))
	switch {
	case errors.Is(err, domain.ErrNotFound):
		obs.ContainerState = domain.StateNotFound
	case err != nil:
		obs.Error = fmt.Sprintf("inspect container: %v", err)
		return obs
	default:
		obs.ContainerExists = true
		obs.ContainerRunning = c.Running()
		obs.ContainerState = c.State
	}

	obs.RouteExists = r.routes.Exists(app.Slug)
	if !obs.RouteExists {
		return obs
	}
	host, port, err := r.routes.Upstream(app.Slug)
	obs.RouteValid = err == nil

	if probe && obs.ContainerRunning && obs.RouteValid {
		pctx, cancel := context.WithTimeout(ctx, r.cfg.ProbeTimeout)
		ok := r.prober.Reachable(pctx, host, port, r.cfg.ProbePath)
		cancel()
		obs.Reachable = &ok
	}
	return obs
}

// Reconcile checks one application. With fix set, allowed downgrades are
// written back; every other mismatch is only reported.
func (r *Reconciler) Reconcile(ctx context.Context, appID int64, fix bool) (*domain.ReconcileReport, error) {
	app, err := r.apps.GetApp(ctx, appID)
	if err != nil {
		return nil, err
	}
	return r.reconcile(ctx, app, fix, true), nil
}

// ReconcileAll checks every application without HTTP probes.
func (r *Reconciler) ReconcileAll(ctx context.Context, fix bool) (*domain.ReconcileSummary, error) {
	apps, err := r.apps.ListApps(ctx)
	if err != nil {
		return nil, err
	}

	reports := make([]*domain.ReconcileReport, len(apps))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for i, app := range apps {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			reports[i] = r.reconcile(gctx, app, fix, false)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	summary := domain.Summarize(reports)
	r.log.Info().
		Int("total", summary.Total).
		Int("in_sync", summary.InSync).
		Int("corrected", summary.Corrected).
		Msg("bulk reconciliation finished")
	return summary, nil
}

func (r *Reconciler) reconcile(ctx context.Context, app *domain.App, fix, probe bool) *domain.ReconcileReport {
	obs := r.Observe(ctx, app, probe)
	report := &domain.ReconcileReport{
		AppID:       app.ID,
		Name:        app.Name,
		Recorded:    app.Status,
		Actual:      obs.Derive(),
		Observation: obs,
		Issues:      issues(app, obs),
	}
	if report.InSync() {
		return report
	}
	report.Issues = append(report.Issues, fmt.Sprintf("recorded status %s but actual status is %s", report.Recorded, report.Actual))

	target := domain.Downgrade(report.Recorded, report.Actual)
	if !fix || target == "" {
		return report
	}
	if err := r.correct(ctx, app.ID, report.Recorded, target); err != nil {
		r.log.Warn().Err(err).Int64("app_id", app.ID).Msg("status correction failed")
		report.Issues = append(report.Issues, "correction failed: "+err.Error())
		return report
	}
	report.CorrectedTo = target
	metrics.ReconcileCorrections.WithLabelValues(string(report.Recorded), string(target)).Inc()
	r.log.Info().
		Int64("app_id", app.ID).
		Str("from", string(report.Recorded)).
		Str("to", string(target)).
		Msg("corrected app status")
	return report
}

var errStatusChanged = errors.New("status changed during reconciliation")

// correct writes target only if the status is still the one observed.
func (r *Reconciler) correct(ctx context.Context, appID int64, from, to domain.AppStatus) error {
	_, err := r.apps.UpdateApp(ctx, appID, func(a *domain.App) error {
		if a.Status != from {
			return errStatusChanged
		}
		a.Status = to
		return nil
	})
	if err != nil {
		return domain.E(domain.KindReconcile, "correct status", appID, err)
	}
	return nil
}

func issues(app *domain.App, obs domain.Observation) []string {
	var out []string
	if obs.Error != "" {
		return append(out, obs.Error)
	}
	if !obs.ContainerExists {
		out = append(out, "container "+containerRef(app)+" not found")
	} else if !obs.ContainerRunning {
		out = append(out, "container is "+obs.ContainerState)
	}
	switch {
	case !obs.RouteExists:
		out = append(out, "route file "+app.RouteFile()+" missing")
	case !obs.RouteValid:
		out = append(out, "route file "+app.RouteFile()+" has no valid upstream")
	}
	if obs.Reachable != nil && !*obs.Reachable {
		out = append(out, "app endpoint not reachable")
	}
	if out == nil {
		out = []string{}
	}
	return out
}
