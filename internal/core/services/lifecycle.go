// Package services holds the orchestration logic: the container lifecycle,
// the job handlers run by workers, reconciliation and maintenance.
package services

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/melih/lighthouse/internal/core/domain"
	"github.com/melih/lighthouse/internal/core/ports"
	"github.com/melih/lighthouse/internal/metrics"
)

// LifecycleConfig tunes the lifecycle manager.
type LifecycleConfig struct {
	// Platform is the marker written to the app.platform label.
	Platform string
	// Network is the detected network application containers join.
	Network string
	// FallbackHostPort is published when the network cannot be joined.
	FallbackHostPort int
	// FallbackUpstreamHost is how the proxy reaches a published port.
	FallbackUpstreamHost string
	BuildTimeout         time.Duration
	// OrphanRemovalRate paces batch orphan removal (removals per second).
	OrphanRemovalRate float64
}

// Lifecycle drives containers and images through the selected runtime.
type Lifecycle struct {
	rt     ports.ContainerRuntime
	cloner ports.SourceCloner
	synth  ports.SpecSynthesizer
	apps   ports.AppStore
	creds  ports.CredentialStore
	cfg    LifecycleConfig
	log    zerolog.Logger
	now    func() time.Time
}

func NewLifecycle(rt ports.ContainerRuntime, cloner ports.SourceCloner, synth ports.SpecSynthesizer,
	apps ports.AppStore, creds ports.CredentialStore, cfg LifecycleConfig, log zerolog.Logger) *Lifecycle {
	if cfg.FallbackHostPort == 0 {
		cfg.FallbackHostPort = domain.AppPort
	}
	if cfg.FallbackUpstreamHost == "" {
		cfg.FallbackUpstreamHost = "host.docker.internal"
	}
	if cfg.BuildTimeout == 0 {
		cfg.BuildTimeout = 30 * time.Minute
	}
	return &Lifecycle{
		rt:     rt,
		cloner: cloner,
		synth:  synth,
		apps:   apps,
		creds:  creds,
		cfg:    cfg,
		log:    log.With().Str("component", "lifecycle").Logger(),
		now:    time.Now,
	}
}

// Runtime exposes the underlying container runtime.
func (l *Lifecycle) Runtime() ports.ContainerRuntime { return l.rt }

// Clone fetches the repository, resolving credentialID through the vault-backed store.
func (l *Lifecycle) Clone(ctx context.Context, repoURL, branch, credentialID string) (string, error) {
	var cred *domain.Credential
	if credentialID != "" {
		c, err := l.creds.GetCredential(ctx, credentialID)
		if err != nil {
			return "", domain.E(domain.KindClone, "clone", "credential "+credentialID, err)
		}
		cred = c
	}
	return l.cloner.Clone(ctx, repoURL, branch, cred)
}

func (l *Lifecycle) SynthesizeBuildSpec(workDir string, opts ports.BuildOptions) (string, error) {
	return l.synth.SynthesizeBuildSpec(workDir, opts)
}

// Build builds image from workDir using the synthesized spec. The build is
// bounded by the configured timeout and its output is returned either way.
func (l *Lifecycle) Build(ctx context.Context, appID int64, workDir, image, specPath string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.BuildTimeout)
	defer cancel()

	rel, err := filepath.Rel(workDir, specPath)
	if err != nil {
		return "", domain.E(domain.KindBuild, "build", appID, err)
	}
	labels := map[string]string{
		domain.LabelType:     domain.AppType,
		domain.LabelPlatform: l.cfg.Platform,
		domain.LabelAppID:    fmt.Sprint(appID),
	}

	started := l.now()
	out, err := l.rt.Build(ctx, domain.BuildSpec{ContextDir: workDir, Dockerfile: rel, Image: image, Labels: labels})
	if err != nil {
		var de *domain.Error
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			de = domain.E(domain.KindBuild, "build", fmt.Sprintf("build timed out after %s", l.cfg.BuildTimeout), err)
			de.Output = out
		case !errors.As(err, &de) || de.Kind != domain.KindBuild:
			de = domain.E(domain.KindBuild, "build", err)
			de.Output = out
		}
		de.AppID = appID
		return out, de
	}
	l.log.Info().Int64("app_id", appID).Str("image", image).Dur("took", l.now().Sub(started)).Msg("image built")
	return out, nil
}

// RunResult describes a started application container.
type RunResult struct {
	ContainerID  string
	Name         string
	Network      string
	UpstreamHost string
	UpstreamPort int
	// Warning is set when the container fell back to port publishing.
	Warning string
}

// Run replaces any container named name with a fresh one from image. If
// the detected network cannot be joined, the container is started on the
// default network with the app port published instead.
func (l *Lifecycle) Run(ctx context.Context, app *domain.App, image, name string, env map[string]string) (*RunResult, error) {
	if err := l.replace(ctx, name); err != nil {
		return nil, domain.E(domain.KindRun, "run", app.ID, "failed to remove previous container", err)
	}

	spec := domain.RunSpec{
		Image:   image,
		Name:    name,
		Env:     env,
		Labels:  domain.OwnershipLabels(l.cfg.Platform, app.ID, app.Name, name, image, l.now()),
		Network: l.cfg.Network,
	}
	id, err := l.rt.Run(ctx, spec)
	if err == nil {
		return &RunResult{ContainerID: id, Name: name, Network: spec.Network, UpstreamHost: name, UpstreamPort: domain.AppPort}, nil
	}
	if !errors.Is(err, domain.ErrNetworkJoin) {
		return nil, domain.E(domain.KindRun, "run", app.ID, err)
	}

	warning := fmt.Sprintf("could not join network %s, published port %d instead", spec.Network, l.cfg.FallbackHostPort)
	l.log.Warn().Err(err).Int64("app_id", app.ID).Str("network", spec.Network).Msg("network join failed, falling back to port publishing")
	metrics.NetworkFallbacks.Inc()

	if rmErr := l.rt.Remove(ctx, name); rmErr != nil {
		l.log.Warn().Err(rmErr).Str("container", name).Msg("failed to remove partial container")
	}
	spec.Network = ""
	spec.PublishPort = true
	spec.HostPort = l.cfg.FallbackHostPort
	id, err = l.rt.Run(ctx, spec)
	if err != nil {
		return nil, domain.E(domain.KindRun, "run", app.ID, "fallback run failed", err)
	}
	return &RunResult{
		ContainerID:  id,
		Name:         name,
		UpstreamHost: l.cfg.FallbackUpstreamHost,
		UpstreamPort: l.cfg.FallbackHostPort,
		Warning:      warning,
	}, nil
}

func (l *Lifecycle) replace(ctx context.Context, name string) error {
	c, err := l.rt.Inspect(ctx, name)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	l.log.Info().Str("container", name).Str("state", c.State).Msg("replacing existing container")
	if c.Running() {
		if err := l.rt.Stop(ctx, name); err != nil {
			return err
		}
	}
	return l.rt.Remove(ctx, name)
}

// Stop is idempotent: a missing container is not an error.
func (l *Lifecycle) Stop(ctx context.Context, id string) error {
	if err := l.rt.Stop(ctx, id); err != nil {
		return domain.E(domain.KindRun, "stop", err)
	}
	return nil
}

// Remove is idempotent: a missing container is not an error.
func (l *Lifecycle) Remove(ctx context.Context, id string) error {
	if err := l.rt.Remove(ctx, id); err != nil {
		return domain.E(domain.KindRun, "remove", err)
	}
	return nil
}

func (l *Lifecycle) Logs(ctx context.Context, id string, tail int) (string, error) {
	if tail <= 0 {
		tail = 100
	}
	return l.rt.Logs(ctx, id, tail)
}

// Status returns the runtime state of the container, or "not_found".
func (l *Lifecycle) Status(ctx context.Context, id string) (string, error) {
	c, err := l.rt.Inspect(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.StateNotFound, nil
	}
	if err != nil {
		return "", err
	}
	return c.State, nil
}

func (l *Lifecycle) RemoveImage(ctx context.Context, image string) error {
	return l.rt.RemoveImage(ctx, image)
}

func (l *Lifecycle) Prune(ctx context.Context) (*domain.PruneReport, error) {
	return l.rt.Prune(ctx)
}

// SystemInfo reports engine details plus the network in use.
func (l *Lifecycle) SystemInfo(ctx context.Context) (*domain.SystemInfo, error) {
	info, err := l.rt.Info(ctx)
	if err != nil {
		return nil, domain.E(domain.KindTransport, "system info", err)
	}
	info.Network = l.cfg.Network
	return info, nil
}

// Orphans lists platform containers that no application record accounts for.
func (l *Lifecycle) Orphans(ctx context.Context) ([]domain.Orphan, error) {
	containers, err := l.rt.List(ctx, map[string]string{domain.LabelPlatform: l.cfg.Platform})
	if err != nil {
		return nil, domain.E(domain.KindTransport, "list containers", err)
	}
	apps, err := l.apps.ListApps(ctx)
	if err != nil {
		return nil, err
	}
	ids := make(map[int64]string, len(apps))
	names := make(map[string]struct{}, len(apps))
	for _, a := range apps {
		name := a.ContainerName
		if name == "" {
			name = domain.ContainerName(a.ID)
		}
		ids[a.ID] = name
		names[name] = struct{}{}
	}

	var orphans []domain.Orphan
	for _, c := range containers {
		if id := c.AppID(); id > 0 {
			name, ok := ids[id]
			switch {
			case !ok:
				orphans = append(orphans, domain.Orphan{Container: c, Reason: fmt.Sprintf("app id %d not in store", id)})
			case c.Name != name:
				orphans = append(orphans, domain.Orphan{Container: c, Reason: "container name does not match app record"})
			}
			continue
		}
		if _, ok := names[c.Name]; !ok {
			orphans = append(orphans, domain.Orphan{Container: c, Reason: "no app id or container name not registered"})
		}
	}
	return orphans, nil
}

// RemoveOrphans removes the given orphan containers, or all current orphans
// when ids is empty. Each container is handled independently.
func (l *Lifecycle) RemoveOrphans(ctx context.Context, ids []string) (*domain.OrphanCleanup, error) {
	orphans, err := l.Orphans(ctx)
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		want := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			want[id] = struct{}{}
		}
		filtered := orphans[:0]
		for _, o := range orphans {
			_, byID := want[o.Container.ID]
			_, byName := want[o.Container.Name]
			if byID || byName {
				filtered = append(filtered, o)
			}
		}
		orphans = filtered
	}

	limit := rate.Inf
	if l.cfg.OrphanRemovalRate > 0 {
		limit = rate.Limit(l.cfg.OrphanRemovalRate)
	}
	limiter := rate.NewLimiter(limit, 1)

	report := &domain.OrphanCleanup{Removed: []domain.Container{}, Failed: []domain.OrphanFailed{}}
	for _, o := range orphans {
		if err := limiter.Wait(ctx); err != nil {
			return report, err
		}
		report.Processed++
		if err := l.removeOrphan(ctx, o.Container); err != nil {
			report.Failed = append(report.Failed, domain.OrphanFailed{Container: o.Container, Error: err.Error()})
			continue
		}
		report.Removed = append(report.Removed, o.Container)
	}
	l.log.Info().Int("removed", len(report.Removed)).Int("failed", len(report.Failed)).Msg("orphan cleanup finished")
	return report, nil
}

func (l *Lifecycle) removeOrphan(ctx context.Context, c domain.Container) error {
	if c.Running() {
		if err := l.rt.Stop(ctx, c.ID); err != nil {
			return err
		}
	}
	return l.rt.Remove(ctx, c.ID)
}
