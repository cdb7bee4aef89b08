package domain

import "time"

// AppStatus is the recorded lifecycle status of an application.
type AppStatus string

const (
	StatusNotDeployed AppStatus = "not_deployed"
	StatusBuilding    AppStatus = "building"
	StatusBuilt       AppStatus = "built"
	StatusDeploying   AppStatus = "deploying"
	StatusRunning     AppStatus = "running"
	StatusStopping    AppStatus = "stopping"
	StatusStopped     AppStatus = "stopped"
	StatusRemoving    AppStatus = "removing"
	StatusFailed      AppStatus = "failed"

	// Derived by reconciliation only.
	StatusNginxError AppStatus = "nginx_error"
	StatusAppError   AppStatus = "app_error"
	StatusError      AppStatus = "error"
)

// Base image catalog keys.
const (
	BaseAuto        = "auto"
	BaseMinimal     = "minimal"
	BaseStandard    = "standard"
	BaseDataScience = "datascience"
	BaseCustom      = "custom"
)

// App is the desired deployment unit.
type App struct {
	ID              int64             `json:"id"`
	Name            string            `json:"name" validate:"required,max=100"`
	Slug            string            `json:"slug"`
	GitURL          string            `json:"git_url" validate:"required"`
	Branch          string            `json:"branch"`
	MainFile        string            `json:"main_file"`
	BaseImageType   string            `json:"base_image_type" validate:"omitempty,oneof=auto minimal standard datascience custom"`
	CustomCommands  string            `json:"custom_commands,omitempty"`
	CustomBaseImage string            `json:"custom_base_image,omitempty"`
	CredentialID    string            `json:"credential_id,omitempty"`
	EnvVars         map[string]string `json:"env_vars,omitempty"`

	Status        AppStatus `json:"status"`
	ContainerID   string    `json:"container_id,omitempty"`
	ContainerName string    `json:"container_name,omitempty"`
	ImageName     string    `json:"image_name,omitempty"`
	Port          int       `json:"port,omitempty"`

	BuildJobID  string `json:"build_task_id,omitempty"`
	DeployJobID string `json:"deploy_task_id,omitempty"`
	StopJobID   string `json:"stop_task_id,omitempty"`
	// ActiveJobID is the per-app mutual-exclusion token.
	ActiveJobID string `json:"active_job_id,omitempty"`

	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	LastDeployedAt *time.Time `json:"last_deployed_at,omitempty"`
}

// RouteFile returns the proxy route filename for the application.
func (a *App) RouteFile() string {
	return a.Slug + ".conf"
}

// ClearJobRef drops any stored reference to jobID.
func (a *App) ClearJobRef(jobID string) {
	if a.BuildJobID == jobID {
		a.BuildJobID = ""
	}
	if a.DeployJobID == jobID {
		a.DeployJobID = ""
	}
	if a.StopJobID == jobID {
		a.StopJobID = ""
	}
	if a.ActiveJobID == jobID {
		a.ActiveJobID = ""
	}
}

// Deployment is a history record of one build or deploy attempt.
type Deployment struct {
	ID         string     `json:"id"`
	AppID      int64      `json:"app_id"`
	JobID      string     `json:"job_id"`
	Kind       JobType    `json:"kind"`
	Status     string     `json:"status"`
	Message    string     `json:"message,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Credential authenticates a clone. Secret material is only held in plaintext
// while a clone runs.
type Credential struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	AuthType string `json:"auth_type" validate:"required,oneof=token ssh"`
	Username string `json:"username,omitempty"`
	Token    string `json:"token,omitempty"`
	SSHKey   string `json:"ssh_key,omitempty"`
}

// Credential auth types.
const (
	AuthToken = "token"
	AuthSSH   = "ssh"
)
