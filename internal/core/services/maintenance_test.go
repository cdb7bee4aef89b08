package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/melih/lighthouse/internal/core/domain"
)

func TestCleanupJobKeepsRunningApps(t *testing.T) {
	h := newHarness(t)
	running := h.createApp(t, 1)
	h.deployed(t, running)
	stopped := h.createApp(t, 2)
	h.setStatus(t, stopped.ID, domain.StatusStopped)

	out, err := h.maint.Cleanup(context.Background(), newJob(t, "c-1", domain.JobCleanup, domain.MaintenancePayload{}))
	require.NoError(t, err)
	res := out.(*CleanupResult)
	assert.NotNil(t, res.Prune)
	assert.Nil(t, res.Orphans)
	require.Len(t, h.routes.cleanups, 1)
	assert.Equal(t, []string{running.Slug}, h.routes.cleanups[0])
	assert.Contains(t, h.rt.CallsSnapshot(), "prune")
}

func TestCleanupJobWithFixRemovesOrphans(t *testing.T) {
	h := newHarness(t)
	h.rt.Add(domain.Container{Name: "streamlit-app-5", State: domain.StateRunning,
		Labels: domain.OwnershipLabels("test-platform", 5, "gone", "streamlit-app-5", "img", time.Now())})

	out, err := h.maint.Cleanup(context.Background(), newJob(t, "c-1", domain.JobCleanup, domain.MaintenancePayload{Fix: true}))
	require.NoError(t, err)
	res := out.(*CleanupResult)
	require.NotNil(t, res.Orphans)
	assert.Len(t, res.Orphans.Removed, 1)
	assert.Empty(t, h.rt.Containers)
}

func TestHealthCheckJob(t *testing.T) {
	h := newHarness(t)
	app := h.createApp(t, 1)
	h.deployed(t, app)

	out, err := h.maint.HealthCheck(context.Background(), newJob(t, "hc-1", domain.JobHealthCheck, domain.MaintenancePayload{}))
	require.NoError(t, err)
	res := out.(*HealthResult)
	assert.True(t, res.RuntimeOK)
	require.NotNil(t, res.Reconcile)
	assert.Equal(t, 1, res.Reconcile.InSync)
}

func TestHealthCheckRuntimeDown(t *testing.T) {
	h := newHarness(t)
	h.rt.PingErr = errors.New("cannot connect to the docker daemon")

	job := newJob(t, "hc-1", domain.JobHealthCheck, domain.MaintenancePayload{})
	out, err := h.maint.HealthCheck(context.Background(), job)
	require.NoError(t, err)
	res := out.(*HealthResult)
	assert.False(t, res.RuntimeOK)
	assert.Nil(t, res.Reconcile)
	assert.Equal(t, 100, job.progress[len(job.progress)-1])
}

func TestLogRotationJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	app := h.createApp(t, 1)
	old := time.Now().AddDate(0, 0, -40)
	require.NoError(t, h.store.AddDeployment(ctx, &domain.Deployment{AppID: app.ID, Kind: domain.JobBuild, Status: "success", CreatedAt: old}))
	require.NoError(t, h.store.AddDeployment(ctx, &domain.Deployment{AppID: app.ID, Kind: domain.JobDeploy, Status: "success"}))

	out, err := h.maint.LogRotation(ctx, newJob(t, "lr-1", domain.JobLogRotation, domain.MaintenancePayload{}))
	require.NoError(t, err)
	res := out.(RotationResult)
	assert.Equal(t, 30, res.DaysToKeep)
	assert.Equal(t, 1, res.Deleted)

	deps, err := h.store.ListDeployments(ctx, app.ID)
	require.NoError(t, err)
	assert.Len(t, deps, 1)
}

func TestReconcileJob(t *testing.T) {
	h := newHarness(t)
	app := h.createApp(t, 1)
	h.setStatus(t, app.ID, domain.StatusStopped)

	job := newJob(t, "r-1", domain.JobReconcile, domain.ReconcilePayload{AppID: app.ID, Fix: true})
	out, err := h.maint.Reconcile(context.Background(), job)
	require.NoError(t, err)
	report := out.(*domain.ReconcileReport)
	assert.Equal(t, domain.StatusNotDeployed, report.CorrectedTo)
	assert.Equal(t, app.ID, job.appID)

	out, err = h.maint.Reconcile(context.Background(), newJob(t, "r-2", domain.JobReconcile, domain.ReconcilePayload{}))
	require.NoError(t, err)
	assert.Equal(t, 1, out.(*domain.ReconcileSummary).Total)
}

func TestSchedulerEnqueuesOnInterval(t *testing.T) {
	q := &fakeQueue{}
	s := NewScheduler(q, []Schedule{
		{Type: domain.JobHealthCheck, Every: 20 * time.Millisecond, Payload: domain.MaintenancePayload{}},
		{Type: domain.JobCleanup, Every: 0},
	}, zerolog.Nop())
	assert.Len(t, s.schedules, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	require.Eventually(t, func() bool {
		return len(q.enqueuedOf(domain.JobHealthCheck)) >= 2
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Empty(t, q.enqueuedOf(domain.JobCleanup))
}

func TestCleanupJobScopes(t *testing.T) {
	h := newHarness(t)
	h.rt.Add(domain.Container{Name: "streamlit-app-5", State: domain.StateExited,
		Labels: domain.OwnershipLabels("test-platform", 5, "gone", "streamlit-app-5", "img", time.Now())})

	out, err := h.maint.Cleanup(context.Background(), newJob(t, "c-1", domain.JobCleanup, domain.MaintenancePayload{Scope: domain.CleanupRoutes}))
	require.NoError(t, err)
	res := out.(*CleanupResult)
	assert.Nil(t, res.Prune)
	assert.NotNil(t, res.Routes)
	assert.NotContains(t, h.rt.CallsSnapshot(), "prune")
	assert.Len(t, h.rt.Containers, 1)

	out, err = h.maint.Cleanup(context.Background(), newJob(t, "c-2", domain.JobCleanup, domain.MaintenancePayload{Scope: domain.CleanupOrphans}))
	require.NoError(t, err)
	res = out.(*CleanupResult)
	assert.Nil(t, res.Routes)
	require.NotNil(t, res.Orphans)
	assert.Empty(t, h.rt.Containers)
	assert.Len(t, h.routes.cleanups, 1)
}

func TestCleanupKeepsRoutesOfAppsMidDeploy(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	running := h.createApp(t, 1)
	h.deployed(t, running)
	deploying := h.createApp(t, 2)
	h.setStatus(t, deploying.ID, domain.StatusDeploying)
	claimed := h.createApp(t, 3)
	require.NoError(t, h.store.ClaimJob(ctx, claimed.ID, "job-x"))
	h.createApp(t, 4)

	_, err := h.maint.Cleanup(ctx, newJob(t, "c-1", domain.JobCleanup, domain.MaintenancePayload{Scope: domain.CleanupRoutes}))
	require.NoError(t, err)
	require.Len(t, h.routes.cleanups, 1)
	assert.ElementsMatch(t, []string{running.Slug, deploying.Slug, claimed.Slug}, h.routes.cleanups[0])
}
