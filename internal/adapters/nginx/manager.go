// Package nginx manages the per-application route files of the shared nginx
// reverse proxy and validates them against the running proxy.
package nginx

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/melih/lighthouse/internal/core/domain"
	"github.com/melih/lighthouse/internal/core/ports"
	"github.com/melih/lighthouse/internal/metrics"
)

// Manager implements ports.RouteManager over a config directory that the
// nginx container includes.
type Manager struct {
	dir string
	ctl ports.ProxyController
	rt  ports.ContainerRuntime
	// hosts that are not containers (host port fallback), skipped by the
	// strict upstream check
	external map[string]struct{}
	log      zerolog.Logger

	// serializes file mutations and the validate/reload that follows them
	mu sync.Mutex
}

// NewManager returns a route manager. rt is used by ValidateAndCleanup to
// check upstream containers.
func NewManager(dir string, ctl ports.ProxyController, rt ports.ContainerRuntime, externalHosts []string, log zerolog.Logger) *Manager {
	ext := make(map[string]struct{}, len(externalHosts))
	for _, h := range externalHosts {
		ext[h] = struct{}{}
	}
	return &Manager{dir: dir, ctl: ctl, rt: rt, external: ext, log: log}
}

func (m *Manager) path(filename string) string {
	return filepath.Join(m.dir, filename)
}

// Write atomically replaces filename with text.
func (m *Manager) Write(filename, text string) error {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}
	tmp, err := os.CreateTemp(m.dir, "."+filename+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(text); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", filename, err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to chmod %s: %w", filename, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write %s: %w", filename, err)
	}
	if err := os.Rename(tmp.Name(), m.path(filename)); err != nil {
		return fmt.Errorf("failed to replace %s: %w", filename, err)
	}
	return nil
}

// Remove deletes filename. Protected files are refused; a missing file
// returns false without error.
func (m *Manager) Remove(filename string) (bool, error) {
	if domain.IsProtected(filename) {
		return false, fmt.Errorf("%w: %s", domain.ErrProtectedFile, filename)
	}
	if filename != filepath.Base(filename) {
		return false, domain.E(domain.KindInvalid, "remove route", fmt.Sprintf("invalid filename %q", filename))
	}
	err := os.Remove(m.path(filename))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to remove %s: %w", filename, err)
	}
	return true, nil
}

// ValidateThenReload runs the proxy syntax check and reloads only if it passes.
func (m *Manager) ValidateThenReload(ctx context.Context) error {
	if _, err := m.ctl.Test(ctx); err != nil {
		metrics.ProxyReloads.WithLabelValues("invalid").Inc()
		return err
	}
	if err := m.ctl.Reload(ctx); err != nil {
		metrics.ProxyReloads.WithLabelValues("failed").Inc()
		return err
	}
	metrics.ProxyReloads.WithLabelValues("ok").Inc()
	return nil
}

// Apply renders and writes the route, then validates the full proxy
// configuration. An invalid result is rolled back and returned as a
// KindProxy error; a failed reload after a valid check is a warning.
func (m *Manager) Apply(ctx context.Context, route domain.Route) (string, error) {
	text, err := Render(route)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	filename := route.Filename()
	previous, readErr := os.ReadFile(m.path(filename))
	hadPrevious := readErr == nil

	if err := m.Write(filename, text); err != nil {
		return "", domain.E(domain.KindProxy, "apply route", err)
	}

	out, err := m.ctl.Test(ctx)
	if err != nil {
		metrics.ProxyReloads.WithLabelValues("invalid").Inc()
		if hadPrevious {
			if rbErr := m.Write(filename, string(previous)); rbErr != nil {
				m.log.Error().Err(rbErr).Str("file", filename).Msg("failed to restore previous route")
			}
		} else if _, rbErr := m.Remove(filename); rbErr != nil {
			m.log.Error().Err(rbErr).Str("file", filename).Msg("failed to remove rejected route")
		}
		pe := domain.E(domain.KindProxy, "apply route", "proxy rejected configuration", err)
		pe.Output = firstNonEmpty(domain.OutputOf(err), out)
		return "", pe
	}

	if err := m.ctl.Reload(ctx); err != nil {
		metrics.ProxyReloads.WithLabelValues("failed").Inc()
		m.log.Warn().Err(err).Str("slug", route.Slug).Msg("route written but proxy reload failed")
		return fmt.Sprintf("proxy reload failed: %v", err), nil
	}
	metrics.ProxyReloads.WithLabelValues("ok").Inc()
	m.log.Info().Str("slug", route.Slug).Str("upstream", fmt.Sprintf("%s:%d", route.UpstreamHost, route.UpstreamPort)).Msg("route applied")
	return "", nil
}

// Withdraw removes the route for slug and reloads the proxy. Reload
// problems are returned as a warning.
func (m *Manager) Withdraw(ctx context.Context, slug string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed, err := m.Remove(slug + ".conf")
	if err != nil {
		return "", err
	}
	if !removed {
		return "", nil
	}
	if err := m.ValidateThenReload(ctx); err != nil {
		m.log.Warn().Err(err).Str("slug", slug).Msg("route removed but proxy reload failed")
		return fmt.Sprintf("proxy reload failed: %v", err), nil
	}
	return "", nil
}

func (m *Manager) Exists(slug string) bool {
	_, err := os.Stat(m.path(slug + ".conf"))
	return err == nil
}

// Upstream parses the route file for slug.
func (m *Manager) Upstream(slug string) (string, int, error) {
	b, err := os.ReadFile(m.path(slug + ".conf"))
	if errors.Is(err, os.ErrNotExist) {
		return "", 0, domain.ErrNotFound
	}
	if err != nil {
		return "", 0, err
	}
	r, err := ParseProxyPass(string(b))
	if err != nil {
		return "", 0, err
	}
	return r.UpstreamHost, r.UpstreamPort, nil
}

// List returns the .conf files in the config directory split into
// application routes and protected system files.
func (m *Manager) List() (*domain.RouteListing, error) {
	entries, err := os.ReadDir(m.dir)
	if errors.Is(err, os.ErrNotExist) {
		return &domain.RouteListing{AllFiles: []string{}, AppConfigs: []string{}, SystemFiles: []string{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", m.dir, err)
	}

	l := &domain.RouteListing{AllFiles: []string{}, AppConfigs: []string{}, SystemFiles: []string{}}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".conf") {
			continue
		}
		l.AllFiles = append(l.AllFiles, name)
		if domain.IsProtected(name) {
			l.SystemFiles = append(l.SystemFiles, name)
		} else {
			l.AppConfigs = append(l.AppConfigs, name)
		}
	}
	return l, nil
}

// Cleanup deletes every application route whose slug is not in active and
// validates and reloads the proxy once if anything was removed.
func (m *Manager) Cleanup(ctx context.Context, active []string) (*domain.CleanupReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, err := m.List()
	if err != nil {
		return nil, err
	}

	report := &domain.CleanupReport{Removed: []domain.RemovedRoute{}, Remaining: []string{}}
	for _, name := range l.AppConfigs {
		if slices.Contains(active, domain.SlugFromFile(name)) {
			report.Remaining = append(report.Remaining, name)
			continue
		}
		m.removeWithReason(report, name, domain.ReasonInactive)
	}
	return m.finishBatch(ctx, report)
}

// ValidateAndCleanup checks every application route structurally and
// against its upstream container, deleting the ones that fail.
func (m *Manager) ValidateAndCleanup(ctx context.Context) (*domain.CleanupReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, err := m.List()
	if err != nil {
		return nil, err
	}

	report := &domain.CleanupReport{Removed: []domain.RemovedRoute{}, Remaining: []string{}}
	for _, name := range l.AppConfigs {
		reason, err := m.check(ctx, name)
		if err != nil {
			// observation failed; keep the file
			m.log.Warn().Err(err).Str("file", name).Msg("could not check route upstream")
			report.Remaining = append(report.Remaining, name)
			continue
		}
		if reason == "" {
			report.Remaining = append(report.Remaining, name)
			continue
		}
		m.removeWithReason(report, name, reason)
	}
	return m.finishBatch(ctx, report)
}

// check returns the reason name should be removed, or "" if it is healthy.
func (m *Manager) check(ctx context.Context, name string) (string, error) {
	b, err := os.ReadFile(m.path(name))
	if err != nil {
		return "", err
	}
	text := string(b)
	if err := checkStructure(domain.SlugFromFile(name), text); err != nil {
		return fmt.Sprintf(domain.ReasonInvalidConfigFmt, err), nil
	}
	r, _ := ParseProxyPass(text)
	if _, ok := m.external[r.UpstreamHost]; ok {
		return "", nil
	}
	c, err := m.rt.Inspect(ctx, r.UpstreamHost)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.ReasonUpstreamMissing, nil
	}
	if err != nil {
		return "", err
	}
	if !c.Running() {
		return domain.ReasonUpstreamStopped, nil
	}
	return "", nil
}

func (m *Manager) removeWithReason(report *domain.CleanupReport, name, reason string) {
	removed, err := m.Remove(name)
	if err != nil {
		m.log.Warn().Err(err).Str("file", name).Msg("failed to remove route")
		report.Remaining = append(report.Remaining, name)
		return
	}
	if removed {
		report.Removed = append(report.Removed, domain.RemovedRoute{File: name, Reason: reason})
		metrics.RoutesRemoved.WithLabelValues(reason).Inc()
		m.log.Info().Str("file", name).Str("reason", reason).Msg("route removed")
	}
}

// finishBatch validates and reloads once for the whole batch. A failed
// validation leaves the files removed and is returned as an error; a failed
// reload is a warning.
func (m *Manager) finishBatch(ctx context.Context, report *domain.CleanupReport) (*domain.CleanupReport, error) {
	if len(report.Removed) == 0 {
		return report, nil
	}
	if _, err := m.ctl.Test(ctx); err != nil {
		metrics.ProxyReloads.WithLabelValues("invalid").Inc()
		return report, err
	}
	if err := m.ctl.Reload(ctx); err != nil {
		metrics.ProxyReloads.WithLabelValues("failed").Inc()
		report.Warning = fmt.Sprintf("proxy reload failed: %v", err)
		m.log.Warn().Err(err).Int("removed", len(report.Removed)).Msg("routes removed but proxy reload failed")
		return report, nil
	}
	metrics.ProxyReloads.WithLabelValues("ok").Inc()
	report.Reloaded = true
	return report, nil
}

func firstNonEmpty(s ...string) string {
	for _, v := range s {
		if v != "" {
			return v
		}
	}
	return ""
}
