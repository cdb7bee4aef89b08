package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/melih/lighthouse/internal/core/domain"
	"github.com/melih/lighthouse/internal/core/ports"
)

var validate = validator.New()

// CreateAppRequest registers a new application.
type CreateAppRequest struct {
	Name            string            `json:"name" validate:"required,max=100"`
	GitURL          string            `json:"git_url" validate:"required,url|startswith=git@"`
	Branch          string            `json:"branch" validate:"omitempty,max=100"`
	MainFile        string            `json:"main_file" validate:"omitempty,max=200"`
	BaseImageType   string            `json:"base_dockerfile_type" validate:"omitempty,oneof=auto minimal standard datascience custom"`
	CustomCommands  string            `json:"custom_commands"`
	CustomBaseImage string            `json:"custom_base_image" validate:"required_if=BaseImageType custom"`
	CredentialID    string            `json:"git_credential_id"`
	EnvVars         map[string]string `json:"env_vars"`
}

// UpdateAppRequest changes build settings. Nil fields are left alone.
type UpdateAppRequest struct {
	Name            *string           `json:"name" validate:"omitempty,min=1,max=100"`
	GitURL          *string           `json:"git_url"`
	Branch          *string           `json:"branch"`
	MainFile        *string           `json:"main_file"`
	BaseImageType   *string           `json:"base_dockerfile_type" validate:"omitempty,oneof=auto minimal standard datascience custom"`
	CustomCommands  *string           `json:"custom_commands"`
	CustomBaseImage *string           `json:"custom_base_image"`
	CredentialID    *string           `json:"git_credential_id"`
	EnvVars         map[string]string `json:"env_vars"`
}

// JobRef is returned when an operation was enqueued.
type JobRef struct {
	AppID   int64          `json:"app_id"`
	JobID   string         `json:"task_id"`
	Type    domain.JobType `json:"type"`
	Message string         `json:"message"`
}

// Apps is the request-side service used by the API and CLI. It records
// intent and enqueues work; the job handlers do the rest.
type Apps struct {
	apps  ports.AppStore
	creds ports.CredentialStore
	queue ports.JobQueue
	life  *Lifecycle
	log   zerolog.Logger
}

func NewApps(apps ports.AppStore, creds ports.CredentialStore, queue ports.JobQueue, life *Lifecycle, log zerolog.Logger) *Apps {
	return &Apps{apps: apps, creds: creds, queue: queue, life: life, log: log.With().Str("component", "apps").Logger()}
}

func (s *Apps) List(ctx context.Context) ([]*domain.App, error) {
	return s.apps.ListApps(ctx)
}

func (s *Apps) Get(ctx context.Context, id int64) (*domain.App, error) {
	return s.apps.GetApp(ctx, id)
}

func (s *Apps) Create(ctx context.Context, req CreateAppRequest) (*domain.App, error) {
	if err := validate.Struct(req); err != nil {
		return nil, domain.E(domain.KindInvalid, "create app", err)
	}
	if req.CredentialID != "" {
		if _, err := s.creds.GetCredential(ctx, req.CredentialID); err != nil {
			return nil, domain.E(domain.KindInvalid, "create app", "unknown git credential", err)
		}
	}
	app := &domain.App{
		Name:            req.Name,
		GitURL:          req.GitURL,
		Branch:          req.Branch,
		MainFile:        req.MainFile,
		BaseImageType:   req.BaseImageType,
		CustomCommands:  req.CustomCommands,
		CustomBaseImage: req.CustomBaseImage,
		CredentialID:    req.CredentialID,
		EnvVars:         req.EnvVars,
	}
	if app.Branch == "" {
		app.Branch = "main"
	}
	if app.MainFile == "" {
		app.MainFile = "streamlit_app.py"
	}
	if app.BaseImageType == "" {
		app.BaseImageType = domain.BaseAuto
	}
	if err := s.apps.CreateApp(ctx, app); err != nil {
		return nil, err
	}
	s.log.Info().Int64("app_id", app.ID).Str("slug", app.Slug).Msg("app created")
	return app, nil
}

// Update edits an app that is neither running nor busy with a job.
func (s *Apps) Update(ctx context.Context, id int64, req UpdateAppRequest) (*domain.App, error) {
	if err := validate.Struct(req); err != nil {
		return nil, domain.E(domain.KindInvalid, "update app", err)
	}
	return s.apps.UpdateApp(ctx, id, func(a *domain.App) error {
		if a.Status == domain.StatusRunning || a.ActiveJobID != "" {
			return domain.E(domain.KindConflict, "update app", id, "stop the app before changing it")
		}
		set(&a.Name, req.Name)
		set(&a.GitURL, req.GitURL)
		set(&a.Branch, req.Branch)
		set(&a.MainFile, req.MainFile)
		set(&a.BaseImageType, req.BaseImageType)
		set(&a.CustomCommands, req.CustomCommands)
		set(&a.CustomBaseImage, req.CustomBaseImage)
		set(&a.CredentialID, req.CredentialID)
		if req.EnvVars != nil {
			a.EnvVars = req.EnvVars
		}
		return nil
	})
}

func set(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

// Deploy enqueues a build; the build chains the deploy.
func (s *Apps) Deploy(ctx context.Context, id int64) (*JobRef, error) {
	app, err := s.idle(ctx, id, "deploy")
	if err != nil {
		return nil, err
	}
	h, err := s.queue.Enqueue(ctx, domain.JobBuild, domain.BuildPayload{
		AppID:           app.ID,
		GitURL:          app.GitURL,
		Branch:          app.Branch,
		MainFile:        app.MainFile,
		BaseImageType:   app.BaseImageType,
		CustomCommands:  app.CustomCommands,
		CustomBaseImage: app.CustomBaseImage,
		CredentialID:    app.CredentialID,
	})
	if err != nil {
		return nil, err
	}
	if _, err := s.apps.UpdateApp(ctx, id, func(a *domain.App) error {
		a.Status = domain.StatusBuilding
		a.BuildJobID = h.ID()
		return nil
	}); err != nil {
		return nil, err
	}
	return &JobRef{AppID: id, JobID: h.ID(), Type: domain.JobBuild, Message: "Build started"}, nil
}

// DeployBuilt redeploys the last built image without rebuilding.
func (s *Apps) DeployBuilt(ctx context.Context, id int64) (*JobRef, error) {
	app, err := s.idle(ctx, id, "deploy")
	if err != nil {
		return nil, err
	}
	if app.ImageName == "" {
		return nil, domain.E(domain.KindInvalid, "deploy", id, "app has no built image")
	}
	h, err := s.queue.Enqueue(ctx, domain.JobDeploy, domain.DeployPayload{AppID: id, ImageName: app.ImageName, EnvVars: app.EnvVars})
	if err != nil {
		return nil, err
	}
	if _, err := s.apps.UpdateApp(ctx, id, func(a *domain.App) error {
		a.DeployJobID = h.ID()
		return nil
	}); err != nil {
		return nil, err
	}
	return &JobRef{AppID: id, JobID: h.ID(), Type: domain.JobDeploy, Message: "Deployment started"}, nil
}

func (s *Apps) Stop(ctx context.Context, id int64) (*JobRef, error) {
	if _, err := s.idle(ctx, id, "stop"); err != nil {
		return nil, err
	}
	h, err := s.queue.Enqueue(ctx, domain.JobStop, domain.AppPayload{AppID: id})
	if err != nil {
		return nil, err
	}
	if _, err := s.apps.UpdateApp(ctx, id, func(a *domain.App) error {
		a.Status = domain.StatusStopping
		a.StopJobID = h.ID()
		return nil
	}); err != nil {
		return nil, err
	}
	return &JobRef{AppID: id, JobID: h.ID(), Type: domain.JobStop, Message: "Stop started"}, nil
}

func (s *Apps) Remove(ctx context.Context, id int64) (*JobRef, error) {
	if _, err := s.idle(ctx, id, "remove"); err != nil {
		return nil, err
	}
	h, err := s.queue.Enqueue(ctx, domain.JobRemove, domain.AppPayload{AppID: id})
	if err != nil {
		return nil, err
	}
	return &JobRef{AppID: id, JobID: h.ID(), Type: domain.JobRemove, Message: "Removal started"}, nil
}

// idle loads the app and refuses when another job holds it.
func (s *Apps) idle(ctx context.Context, id int64, op string) (*domain.App, error) {
	app, err := s.apps.GetApp(ctx, id)
	if err != nil {
		return nil, err
	}
	if app.ActiveJobID != "" {
		return nil, domain.E(domain.KindConflict, op, id, fmt.Errorf("%w: %s", domain.ErrJobConflict, app.ActiveJobID))
	}
	return app, nil
}

func (s *Apps) Logs(ctx context.Context, id int64, tail int) (string, error) {
	app, err := s.apps.GetApp(ctx, id)
	if err != nil {
		return "", err
	}
	return s.life.Logs(ctx, containerRef(app), tail)
}

func (s *Apps) Deployments(ctx context.Context, id int64) ([]*domain.Deployment, error) {
	if _, err := s.apps.GetApp(ctx, id); err != nil {
		return nil, err
	}
	return s.apps.ListDeployments(ctx, id)
}

func (s *Apps) JobStatus(ctx context.Context, jobID string) (*domain.JobStatus, error) {
	return s.queue.Status(ctx, jobID)
}

// CancelJob revokes jobID, then resets the owning app to stopped and drops
// its reference to the job. A job that already finished is left alone and
// reported as a conflict.
func (s *Apps) CancelJob(ctx context.Context, jobID string) (*domain.JobStatus, error) {
	st, err := s.queue.Status(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if st.State.Terminal() {
		return nil, domain.E(domain.KindConflict, "cancel job", fmt.Sprintf("job %s already finished with state %s", jobID, st.State))
	}
	if err := s.queue.Revoke(ctx, jobID); err != nil {
		return nil, err
	}
	after, err := s.queue.Status(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if after.State != domain.JobRevoked {
		return nil, domain.E(domain.KindConflict, "cancel job", fmt.Sprintf("job %s finished with state %s before it could be revoked", jobID, after.State))
	}

	appID := st.Progress.AppID
	if appID == 0 {
		appID = s.ownerOf(ctx, jobID)
	}
	if appID > 0 {
		_, err := s.apps.UpdateApp(ctx, appID, func(a *domain.App) error {
			a.ClearJobRef(jobID)
			a.Status = domain.StatusStopped
			return nil
		})
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
	}
	s.log.Info().Str("job_id", jobID).Int64("app_id", appID).Msg("job cancelled")
	return s.queue.Status(ctx, jobID)
}

// ownerOf finds the app that references jobID, or 0.
func (s *Apps) ownerOf(ctx context.Context, jobID string) int64 {
	apps, err := s.apps.ListApps(ctx)
	if err != nil {
		return 0
	}
	for _, a := range apps {
		if a.BuildJobID == jobID || a.DeployJobID == jobID || a.StopJobID == jobID || a.ActiveJobID == jobID {
			return a.ID
		}
	}
	return 0
}

// SaveCredential stores a clone credential sealed at rest.
func (s *Apps) SaveCredential(ctx context.Context, cred *domain.Credential) error {
	if err := validate.Struct(cred); err != nil {
		return domain.E(domain.KindInvalid, "save credential", err)
	}
	switch cred.AuthType {
	case domain.AuthToken:
		if cred.Token == "" {
			return domain.E(domain.KindInvalid, "save credential", "token is required")
		}
		if cred.Username == "" {
			cred.Username = "token"
		}
	case domain.AuthSSH:
		if cred.SSHKey == "" {
			return domain.E(domain.KindInvalid, "save credential", "ssh key is required")
		}
	}
	if cred.ID == "" {
		cred.ID = uuid.NewString()
	}
	return s.creds.SaveCredential(ctx, cred)
}
