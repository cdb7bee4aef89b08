package domain

import (
	"time"

	"github.com/goccy/go-json"
)

// JobType names one kind of orchestration work.
type JobType string

const (
	JobBuild       JobType = "build"
	JobDeploy      JobType = "deploy"
	JobStop        JobType = "stop"
	JobRemove      JobType = "remove"
	JobCleanup     JobType = "cleanup"
	JobHealthCheck JobType = "health_check"
	JobLogRotation JobType = "log_rotation"
	JobReconcile   JobType = "reconcile"
)

// Queue names.
const (
	QueueHeavy       = "heavy"
	QueueMaintenance = "maintenance"
)

// JobState is the lifecycle state of a job.
type JobState string

const (
	JobPending  JobState = "PENDING"
	JobProgress JobState = "PROGRESS"
	JobSuccess  JobState = "SUCCESS"
	JobFailure  JobState = "FAILURE"
	JobRevoked  JobState = "REVOKED"
)

// Terminal reports whether no further transitions are allowed.
func (s JobState) Terminal() bool {
	return s == JobSuccess || s == JobFailure || s == JobRevoked
}

// Progress is the metadata attached to a running job.
type Progress struct {
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Status  string `json:"status"`
	AppID   int64  `json:"app_id"`
}

// JobStatus is what status polling returns.
type JobStatus struct {
	ID        string          `json:"id"`
	Type      JobType         `json:"type"`
	Queue     string          `json:"queue"`
	State     JobState        `json:"state"`
	Progress  Progress        `json:"progress"`
	Result    json.RawMessage `json:"result"`
	Error     *string         `json:"error"`
	Attempts  int             `json:"attempts"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Envelope is the message carried on the queue.
type Envelope struct {
	ID         string          `json:"id"`
	Type       JobType         `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// BuildPayload starts a build for an application.
type BuildPayload struct {
	AppID           int64  `json:"app_id" validate:"required,gt=0"`
	GitURL          string `json:"git_url" validate:"required"`
	Branch          string `json:"branch" validate:"required"`
	MainFile        string `json:"main_file" validate:"required"`
	BaseImageType   string `json:"base_dockerfile_type,omitempty"`
	CustomCommands  string `json:"custom_commands,omitempty"`
	CustomBaseImage string `json:"custom_base_image,omitempty"`
	CredentialID    string `json:"credential_id,omitempty"`
}

// DeployPayload runs a built image. ParentJobID is the build that chained
// it; the deploy takes over that job's claim on the app.
type DeployPayload struct {
	AppID       int64             `json:"app_id" validate:"required,gt=0"`
	ImageName   string            `json:"image_name" validate:"required"`
	EnvVars     map[string]string `json:"env_vars,omitempty"`
	ParentJobID string            `json:"parent_job_id,omitempty"`
}

// AppPayload targets an existing application (stop, remove, reconcile).
type AppPayload struct {
	AppID int64 `json:"app_id" validate:"gt=0"`
}

// ReconcilePayload targets one app, or every app when AppID is 0.
type ReconcilePayload struct {
	AppID int64 `json:"app_id,omitempty" validate:"gte=0"`
	Fix   bool  `json:"fix,omitempty"`
}

// Cleanup scopes. An empty scope runs every step.
const (
	CleanupAll     = ""
	CleanupRoutes  = "routes"
	CleanupOrphans = "orphans"
	CleanupSystem  = "system"
)

// MaintenancePayload parameterises housekeeping jobs.
type MaintenancePayload struct {
	DaysToKeep int    `json:"days_to_keep,omitempty" validate:"gte=0"`
	Fix        bool   `json:"fix,omitempty"`
	Scope      string `json:"scope,omitempty" validate:"omitempty,oneof=routes orphans system"`
}

// BuildResult is returned by a successful build job.
type BuildResult struct {
	AppID        int64  `json:"app_id"`
	ImageName    string `json:"image_name"`
	BuildLog     string `json:"build_logs"`
	DeployTaskID string `json:"deploy_task_id"`
	Message      string `json:"message"`
}

// DeployResult is returned by a successful deploy job.
type DeployResult struct {
	AppID       int64    `json:"app_id"`
	ContainerID string   `json:"container_id"`
	Port        int      `json:"port"`
	Network     string   `json:"network"`
	Warnings    []string `json:"warnings,omitempty"`
	Message     string   `json:"message"`
}

// AppResult is returned by stop and remove jobs.
type AppResult struct {
	AppID    int64    `json:"app_id"`
	Warnings []string `json:"warnings,omitempty"`
	Message  string   `json:"message"`
}
