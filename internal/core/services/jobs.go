package services

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/melih/lighthouse/internal/core/domain"
	"github.com/melih/lighthouse/internal/core/ports"
)

// Jobs implements the heavy-queue handlers: build, deploy, stop and remove.
type Jobs struct {
	life   *Lifecycle
	apps   ports.AppStore
	routes ports.RouteManager
	queue  ports.JobQueue
	log    zerolog.Logger
	now    func() time.Time
}

func NewJobs(life *Lifecycle, apps ports.AppStore, routes ports.RouteManager, queue ports.JobQueue, log zerolog.Logger) *Jobs {
	return &Jobs{
		life:   life,
		apps:   apps,
		routes: routes,
		queue:  queue,
		log:    log.With().Str("component", "jobs").Logger(),
		now:    time.Now,
	}
}

// Handlers returns the handler table for the heavy queue.
func (j *Jobs) Handlers() map[domain.JobType]ports.JobHandler {
	return map[domain.JobType]ports.JobHandler{
		domain.JobBuild:  j.Build,
		domain.JobDeploy: j.Deploy,
		domain.JobStop:   j.Stop,
		domain.JobRemove: j.Remove,
	}
}

// Build clones the repository, synthesizes the Dockerfile, builds the image
// and chains a deploy job. The build's claim on the app is handed to the
// deploy rather than released.
func (j *Jobs) Build(ctx context.Context, job ports.JobContext) (any, error) {
	var p domain.BuildPayload
	if err := job.Decode(&p); err != nil {
		return nil, err
	}
	job.SetAppID(p.AppID)
	log := j.log.With().Str("job_id", job.JobID()).Int64("app_id", p.AppID).Logger()

	if err := j.claim(ctx, p.AppID, job.JobID(), ""); err != nil {
		return nil, err
	}
	handedOff := false
	defer func() {
		if !handedOff {
			j.release(ctx, p.AppID, job.JobID())
		}
	}()

	job.Progress(0, "Starting build")
	app, err := j.apps.UpdateApp(ctx, p.AppID, func(a *domain.App) error {
		a.Status = domain.StatusBuilding
		a.BuildJobID = job.JobID()
		return nil
	})
	if err != nil {
		return nil, err
	}

	job.Progress(20, "Cloning repository")
	workDir, err := j.life.Clone(ctx, p.GitURL, p.Branch, p.CredentialID)
	if err != nil {
		return nil, j.fail(ctx, job, p.AppID, err)
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			log.Warn().Err(err).Str("dir", workDir).Msg("failed to remove work dir")
		}
	}()

	specPath, err := j.life.SynthesizeBuildSpec(workDir, ports.BuildOptions{
		MainFile:        p.MainFile,
		BaseImageType:   p.BaseImageType,
		CustomCommands:  p.CustomCommands,
		CustomBaseImage: p.CustomBaseImage,
		AppID:           p.AppID,
	})
	if err != nil {
		return nil, j.fail(ctx, job, p.AppID, err)
	}

	job.Progress(40, "Building image")
	image := domain.ImageName(p.AppID)
	buildLog, err := j.life.Build(ctx, p.AppID, workDir, image, specPath)
	if err != nil {
		return nil, j.fail(ctx, job, p.AppID, err)
	}

	if _, err := j.apps.UpdateApp(ctx, p.AppID, func(a *domain.App) error {
		a.Status = domain.StatusBuilt
		a.ImageName = image
		return nil
	}); err != nil {
		return nil, j.fail(ctx, job, p.AppID, err)
	}

	h, err := j.queue.Enqueue(ctx, domain.JobDeploy, domain.DeployPayload{
		AppID:       p.AppID,
		ImageName:   image,
		EnvVars:     app.EnvVars,
		ParentJobID: job.JobID(),
	})
	if err != nil {
		return nil, j.fail(ctx, job, p.AppID, err)
	}
	handedOff = true

	if _, err := j.apps.UpdateApp(ctx, p.AppID, func(a *domain.App) error {
		a.DeployJobID = h.ID()
		return nil
	}); err != nil {
		log.Warn().Err(err).Msg("failed to record deploy job id")
	}
	j.record(ctx, p.AppID, job, "success", "image "+image+" built")

	job.Progress(100, "Build completed")
	log.Info().Str("image", image).Str("deploy_job_id", h.ID()).Msg("build completed, deploy enqueued")
	return domain.BuildResult{
		AppID:        p.AppID,
		ImageName:    image,
		BuildLog:     buildLog,
		DeployTaskID: h.ID(),
		Message:      "Build completed, deployment started",
	}, nil
}

// Deploy runs the built image and registers its route. A route that fails
// validation is reported as a warning; the container stays up.
func (j *Jobs) Deploy(ctx context.Context, job ports.JobContext) (any, error) {
	var p domain.DeployPayload
	if err := job.Decode(&p); err != nil {
		return nil, err
	}
	job.SetAppID(p.AppID)
	log := j.log.With().Str("job_id", job.JobID()).Int64("app_id", p.AppID).Logger()

	if err := j.claim(ctx, p.AppID, job.JobID(), p.ParentJobID); err != nil {
		return nil, err
	}
	defer j.release(ctx, p.AppID, job.JobID())

	job.Progress(0, "Starting deployment")
	app, err := j.apps.UpdateApp(ctx, p.AppID, func(a *domain.App) error {
		a.Status = domain.StatusDeploying
		a.DeployJobID = job.JobID()
		return nil
	})
	if err != nil {
		return nil, err
	}

	job.Progress(30, "Running container")
	name := domain.ContainerName(p.AppID)
	env := p.EnvVars
	if env == nil {
		env = app.EnvVars
	}
	run, err := j.life.Run(ctx, app, p.ImageName, name, env)
	if err != nil {
		return nil, j.fail(ctx, job, p.AppID, err)
	}
	var warnings []string
	if run.Warning != "" {
		warnings = append(warnings, run.Warning)
	}

	job.Progress(60, "Configuring route")
	warn, err := j.routes.Apply(ctx, domain.Route{Slug: app.Slug, UpstreamHost: run.UpstreamHost, UpstreamPort: run.UpstreamPort})
	if err != nil {
		log.Warn().Err(err).Str("slug", app.Slug).Msg("route rejected, app is running without a route")
		warnings = append(warnings, "route configuration failed: "+err.Error())
	} else if warn != "" {
		warnings = append(warnings, warn)
	}

	now := j.now().UTC()
	if _, err := j.apps.UpdateApp(ctx, p.AppID, func(a *domain.App) error {
		a.Status = domain.StatusRunning
		a.ContainerID = run.ContainerID
		a.ContainerName = run.Name
		a.ImageName = p.ImageName
		a.Port = run.UpstreamPort
		a.LastDeployedAt = &now
		return nil
	}); err != nil {
		return nil, j.fail(ctx, job, p.AppID, err)
	}
	j.record(ctx, p.AppID, job, "success", "container "+run.Name+" running")

	job.Progress(100, "Deployment completed")
	log.Info().Str("container", run.Name).Str("network", run.Network).Msg("app deployed")
	return domain.DeployResult{
		AppID:       p.AppID,
		ContainerID: run.ContainerID,
		Port:        run.UpstreamPort,
		Network:     run.Network,
		Warnings:    warnings,
		Message:     "Deployment completed",
	}, nil
}

// Stop stops the container and withdraws the route. Failures of either step
// are warnings: the app ends up stopped regardless.
func (j *Jobs) Stop(ctx context.Context, job ports.JobContext) (any, error) {
	var p domain.AppPayload
	if err := job.Decode(&p); err != nil {
		return nil, err
	}
	job.SetAppID(p.AppID)
	log := j.log.With().Str("job_id", job.JobID()).Int64("app_id", p.AppID).Logger()

	if err := j.claim(ctx, p.AppID, job.JobID(), ""); err != nil {
		return nil, err
	}
	defer j.release(ctx, p.AppID, job.JobID())

	job.Progress(0, "Stopping app")
	app, err := j.apps.UpdateApp(ctx, p.AppID, func(a *domain.App) error {
		a.Status = domain.StatusStopping
		a.StopJobID = job.JobID()
		return nil
	})
	if err != nil {
		return nil, err
	}

	var warnings []string
	job.Progress(30, "Stopping container")
	if err := j.life.Stop(ctx, containerRef(app)); err != nil {
		log.Warn().Err(err).Msg("container stop failed")
		warnings = append(warnings, "container stop failed: "+err.Error())
	}

	job.Progress(60, "Removing route")
	if warn, err := j.routes.Withdraw(ctx, app.Slug); err != nil {
		warnings = append(warnings, "route removal failed: "+err.Error())
	} else if warn != "" {
		warnings = append(warnings, warn)
	}

	if _, err := j.apps.UpdateApp(ctx, p.AppID, func(a *domain.App) error {
		a.Status = domain.StatusStopped
		return nil
	}); err != nil {
		return nil, j.fail(ctx, job, p.AppID, err)
	}

	job.Progress(100, "App stopped")
	log.Info().Msg("app stopped")
	return domain.AppResult{AppID: p.AppID, Warnings: warnings, Message: "App stopped"}, nil
}

// Remove deletes the container, image, route and every record of the app.
func (j *Jobs) Remove(ctx context.Context, job ports.JobContext) (any, error) {
	var p domain.AppPayload
	if err := job.Decode(&p); err != nil {
		return nil, err
	}
	job.SetAppID(p.AppID)
	log := j.log.With().Str("job_id", job.JobID()).Int64("app_id", p.AppID).Logger()

	if err := j.claim(ctx, p.AppID, job.JobID(), ""); err != nil {
		return nil, err
	}
	removed := false
	defer func() {
		if !removed {
			j.release(ctx, p.AppID, job.JobID())
		}
	}()

	job.Progress(0, "Removing app")
	app, err := j.apps.UpdateApp(ctx, p.AppID, func(a *domain.App) error {
		a.Status = domain.StatusRemoving
		return nil
	})
	if err != nil {
		return nil, err
	}

	var warnings []string
	job.Progress(20, "Removing container")
	ref := containerRef(app)
	if err := j.life.Stop(ctx, ref); err != nil {
		log.Warn().Err(err).Msg("container stop failed, removing anyway")
	}
	if err := j.life.Remove(ctx, ref); err != nil {
		return nil, j.fail(ctx, job, p.AppID, err)
	}

	job.Progress(40, "Removing image")
	image := app.ImageName
	if image == "" {
		image = domain.ImageName(p.AppID)
	}
	if err := j.life.RemoveImage(ctx, image); err != nil {
		warnings = append(warnings, "image removal failed: "+err.Error())
	}

	job.Progress(60, "Removing route")
	if warn, err := j.routes.Withdraw(ctx, app.Slug); err != nil {
		warnings = append(warnings, "route removal failed: "+err.Error())
	} else if warn != "" {
		warnings = append(warnings, warn)
	}

	job.Progress(80, "Deleting records")
	if _, err := j.apps.DeleteDeployments(ctx, p.AppID); err != nil {
		warnings = append(warnings, "deployment history not deleted: "+err.Error())
	}
	if err := j.apps.DeleteApp(ctx, p.AppID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, j.fail(ctx, job, p.AppID, err)
	}
	removed = true

	job.Progress(100, "App removed")
	log.Info().Msg("app removed")
	return domain.AppResult{AppID: p.AppID, Warnings: warnings, Message: "App removed"}, nil
}

func containerRef(app *domain.App) string {
	if app.ContainerName != "" {
		return app.ContainerName
	}
	return domain.ContainerName(app.ID)
}

// claim takes the app's job token. A deploy chained from a build takes over
// the parent's token instead.
func (j *Jobs) claim(ctx context.Context, appID int64, jobID, parent string) error {
	var err error
	if parent != "" {
		err = j.apps.TransferJob(ctx, appID, parent, jobID)
	} else {
		err = j.apps.ClaimJob(ctx, appID, jobID)
	}
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrJobConflict):
		return domain.E(domain.KindConflict, "claim app", appID, err)
	case errors.Is(err, domain.ErrNotFound):
		return domain.E(domain.KindNotFound, "claim app", appID, err)
	default:
		return domain.E(domain.KindTransport, "claim app", appID, err)
	}
}

func (j *Jobs) release(ctx context.Context, appID int64, jobID string) {
	ctx, cancel := detached(ctx)
	defer cancel()
	if err := j.apps.ReleaseJob(ctx, appID, jobID); err != nil {
		j.log.Warn().Err(err).Int64("app_id", appID).Str("job_id", jobID).Msg("failed to release app")
	}
}

// fail marks the app failed and records the attempt. A cancelled job leaves
// the status to whoever cancelled it.
func (j *Jobs) fail(ctx context.Context, job ports.JobContext, appID int64, err error) error {
	if ctx.Err() != nil {
		return err
	}
	wctx, cancel := detached(ctx)
	defer cancel()
	if _, uerr := j.apps.UpdateApp(wctx, appID, func(a *domain.App) error {
		a.Status = domain.StatusFailed
		return nil
	}); uerr != nil {
		j.log.Warn().Err(uerr).Int64("app_id", appID).Msg("failed to mark app failed")
	}
	j.record(wctx, appID, job, "failed", err.Error())
	return err
}

func (j *Jobs) record(ctx context.Context, appID int64, job ports.JobContext, status, msg string) {
	now := j.now().UTC()
	if err := j.apps.AddDeployment(ctx, &domain.Deployment{
		AppID:      appID,
		JobID:      job.JobID(),
		Kind:       job.Type(),
		Status:     status,
		Message:    msg,
		FinishedAt: &now,
	}); err != nil {
		j.log.Warn().Err(err).Int64("app_id", appID).Msg("failed to record deployment")
	}
}

// detached returns a short-lived context that survives cancellation of ctx.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
}
