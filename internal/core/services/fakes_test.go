package services

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/melih/lighthouse/internal/adapters/badger"
	"github.com/melih/lighthouse/internal/adapters/builder"
	"github.com/melih/lighthouse/internal/adapters/docker/dockertest"
	"github.com/melih/lighthouse/internal/adapters/vault"
	"github.com/melih/lighthouse/internal/core/domain"
	"github.com/melih/lighthouse/internal/core/ports"
)

type fakeCloner struct {
	err  error
	dirs []string
}

func (f *fakeCloner) Clone(ctx context.Context, repoURL, branch string, cred *domain.Credential) (string, error) {
	if f.err != nil {
		return "", domain.E(domain.KindClone, "clone", f.err)
	}
	dir, err := os.MkdirTemp("", "lighthouse-test-*")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(dir, "app.py"), []byte("import streamlit as st\n"), 0o644); err != nil {
		return "", err
	}
	f.dirs = append(f.dirs, dir)
	return dir, nil
}

type enqueued struct {
	Type    domain.JobType
	Payload any
	ID      string
}

type fakeQueue struct {
	mu       sync.Mutex
	err      error
	jobs     []enqueued
	statuses map[string]*domain.JobStatus
	revoked  []string
}

type fakeHandle string

func (h fakeHandle) ID() string { return string(h) }

func (q *fakeQueue) Enqueue(ctx context.Context, t domain.JobType, payload any) (ports.JobHandle, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return nil, q.err
	}
	id := fmt.Sprintf("job-%d", len(q.jobs)+1)
	q.jobs = append(q.jobs, enqueued{Type: t, Payload: payload, ID: id})
	if q.statuses == nil {
		q.statuses = map[string]*domain.JobStatus{}
	}
	q.statuses[id] = &domain.JobStatus{ID: id, Type: t, State: domain.JobPending}
	return fakeHandle(id), nil
}

func (q *fakeQueue) Status(ctx context.Context, id string) (*domain.JobStatus, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	st, ok := q.statuses[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *st
	return &cp, nil
}

func (q *fakeQueue) Revoke(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.revoked = append(q.revoked, id)
	if st, ok := q.statuses[id]; ok && !st.State.Terminal() {
		st.State = domain.JobRevoked
	}
	return nil
}

func (q *fakeQueue) enqueuedOf(t domain.JobType) []enqueued {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []enqueued
	for _, j := range q.jobs {
		if j.Type == t {
			out = append(out, j)
		}
	}
	return out
}

// finishingQueue completes the job with success just before a revoke lands.
type finishingQueue struct {
	*fakeQueue
}

func (q *finishingQueue) Revoke(ctx context.Context, id string) error {
	q.mu.Lock()
	if st, ok := q.statuses[id]; ok {
		st.State = domain.JobSuccess
	}
	q.mu.Unlock()
	return q.fakeQueue.Revoke(ctx, id)
}

type fakeRoutes struct {
	mu        sync.Mutex
	routes    map[string]domain.Route
	invalid   map[string]bool
	applyErr  error
	withdrawn []string
	cleanups  [][]string
}

func newFakeRoutes() *fakeRoutes {
	return &fakeRoutes{routes: map[string]domain.Route{}, invalid: map[string]bool{}}
}

func (f *fakeRoutes) Apply(ctx context.Context, r domain.Route) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.applyErr != nil {
		return "", f.applyErr
	}
	f.routes[r.Slug] = r
	return "", nil
}

func (f *fakeRoutes) Withdraw(ctx context.Context, slug string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.routes, slug)
	f.withdrawn = append(f.withdrawn, slug)
	return "", nil
}

func (f *fakeRoutes) Exists(slug string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.routes[slug]
	return ok || f.invalid[slug]
}

func (f *fakeRoutes) Upstream(slug string) (string, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.invalid[slug] {
		return "", 0, domain.E(domain.KindProxy, "parse route", "no proxy_pass")
	}
	r, ok := f.routes[slug]
	if !ok {
		return "", 0, domain.ErrNotFound
	}
	return r.UpstreamHost, r.UpstreamPort, nil
}

func (f *fakeRoutes) List() (*domain.RouteListing, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l := &domain.RouteListing{}
	for slug := range f.routes {
		l.AppConfigs = append(l.AppConfigs, slug+".conf")
	}
	l.AllFiles = l.AppConfigs
	return l, nil
}

func (f *fakeRoutes) Cleanup(ctx context.Context, active []string) (*domain.CleanupReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanups = append(f.cleanups, active)
	return &domain.CleanupReport{Removed: []domain.RemovedRoute{}, Remaining: active}, nil
}

func (f *fakeRoutes) ValidateAndCleanup(ctx context.Context) (*domain.CleanupReport, error) {
	return &domain.CleanupReport{}, nil
}

type fakeProber struct {
	ok    bool
	calls int
}

func (p *fakeProber) Reachable(ctx context.Context, host string, port int, path string) bool {
	p.calls++
	return p.ok
}

// fakeJob is a ports.JobContext recording progress in order.
type fakeJob struct {
	id       string
	typ      domain.JobType
	payload  []byte
	appID    int64
	progress []int
	statuses []string
}

func newJob(t *testing.T, id string, typ domain.JobType, payload any) *fakeJob {
	t.Helper()
	b, err := json.Marshal(payload)
	require.NoError(t, err)
	return &fakeJob{id: id, typ: typ, payload: b}
}

func (j *fakeJob) JobID() string        { return j.id }
func (j *fakeJob) Type() domain.JobType { return j.typ }
func (j *fakeJob) SetAppID(id int64)    { j.appID = id }

func (j *fakeJob) Progress(current int, status string) {
	if n := len(j.progress); n > 0 && current < j.progress[n-1] {
		current = j.progress[n-1]
	}
	j.progress = append(j.progress, current)
	j.statuses = append(j.statuses, status)
}

func (j *fakeJob) Decode(v any) error {
	if err := json.Unmarshal(j.payload, v); err != nil {
		return domain.E(domain.KindInvalid, "decode payload", err)
	}
	if err := validate.Struct(v); err != nil {
		return domain.E(domain.KindInvalid, "decode payload", err)
	}
	return nil
}

type harness struct {
	rt      *dockertest.Runtime
	store   *badger.Store
	cloner  *fakeCloner
	queue   *fakeQueue
	routes  *fakeRoutes
	prober  *fakeProber
	life    *Lifecycle
	jobs    *Jobs
	recon   *Reconciler
	apps    *Apps
	maint   *Maintenance
	network string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	v, err := vault.Ephemeral()
	require.NoError(t, err)
	store, err := badger.Open(badger.Options{InMemory: true}, v)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	h := &harness{
		rt:      dockertest.New(),
		store:   store,
		cloner:  &fakeCloner{},
		queue:   &fakeQueue{},
		routes:  newFakeRoutes(),
		prober:  &fakeProber{ok: true},
		network: "streamlit_net",
	}
	h.rt.Networks = append(h.rt.Networks, domain.Network{ID: "n1", Name: h.network, Driver: "bridge"})

	log := zerolog.Nop()
	h.life = NewLifecycle(h.rt, h.cloner, builder.NewSynthesizer(), store, store, LifecycleConfig{
		Platform:             "test-platform",
		Network:              h.network,
		FallbackUpstreamHost: "host.docker.internal",
	}, log)
	h.jobs = NewJobs(h.life, store, h.routes, h.queue, log)
	h.recon = NewReconciler(h.rt, store, h.routes, h.prober, ReconcilerConfig{}, log)
	h.apps = NewApps(store, store, h.queue, h.life, log)
	h.maint = NewMaintenance(h.life, store, h.routes, h.recon, 30, log)
	return h
}

// createApp stores apps until one with id exists and returns it.
func (h *harness) createApp(t *testing.T, id int64) *domain.App {
	t.Helper()
	var app *domain.App
	for {
		var err error
		app, err = h.apps.Create(context.Background(), CreateAppRequest{
			Name:     fmt.Sprintf("Demo %d", id),
			GitURL:   "https://github.com/x/y",
			MainFile: "app.py",
		})
		require.NoError(t, err)
		if app.ID >= id {
			break
		}
	}
	require.Equal(t, id, app.ID)
	return app
}

func (h *harness) setStatus(t *testing.T, id int64, status domain.AppStatus) {
	t.Helper()
	_, err := h.store.UpdateApp(context.Background(), id, func(a *domain.App) error {
		a.Status = status
		return nil
	})
	require.NoError(t, err)
}

func (h *harness) app(t *testing.T, id int64) *domain.App {
	t.Helper()
	a, err := h.store.GetApp(context.Background(), id)
	require.NoError(t, err)
	return a
}
