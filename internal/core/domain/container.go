package domain

import (
	"fmt"
	"strconv"
	"time"
)

// Container represents a platform-owned container as reported by the runtime.
type Container struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Image     string            `json:"image"`
	Status    string            `json:"status"`
	State     string            `json:"state"` // running, exited, etc.
	Labels    map[string]string `json:"labels,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Running reports whether the engine considers the container running.
func (c Container) Running() bool {
	return c.State == StateRunning
}

// AppID returns the owning application id from the ownership label, or 0.
func (c Container) AppID() int64 {
	id, err := strconv.ParseInt(c.Labels[LabelAppID], 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// Runtime container states, as reported by inspect.
const (
	StateRunning    = "running"
	StateExited     = "exited"
	StateCreated    = "created"
	StatePaused     = "paused"
	StateRestarting = "restarting"
	StateNotFound   = "not_found"
)

// Ownership labels attached to every container started by the platform.
const (
	LabelType          = "app.type"
	LabelPlatform      = "app.platform"
	LabelAppID         = "app.id"
	LabelAppName       = "app.name"
	LabelContainerName = "app.container_name"
	LabelImage         = "app.image"
	LabelCreatedAt     = "app.created_at"

	AppType = "streamlit"
)

// AppPort is the port every application container listens on.
const AppPort = 8501

// ContainerName returns the deterministic container name for an application.
func ContainerName(appID int64) string {
	return fmt.Sprintf("streamlit-app-%d", appID)
}

// ImageName returns the image tag built for an application.
func ImageName(appID int64) string {
	return fmt.Sprintf("streamlit-app-%d", appID)
}

// OwnershipLabels builds the label set for an application container.
func OwnershipLabels(platform string, appID int64, appName, containerName, image string, now time.Time) map[string]string {
	labels := map[string]string{
		LabelType:          AppType,
		LabelPlatform:      platform,
		LabelContainerName: containerName,
		LabelImage:         image,
		LabelCreatedAt:     strconv.FormatInt(now.Unix(), 10),
	}
	if appID > 0 {
		labels[LabelAppID] = strconv.FormatInt(appID, 10)
		labels[LabelAppName] = appName
	}
	return labels
}

// RunSpec describes a container to create and start.
type RunSpec struct {
	Image   string
	Name    string
	Env     map[string]string
	Labels  map[string]string
	Network string // empty means the engine default network
	// PublishPort binds AppPort on the host. HostPort 0 lets the engine pick.
	PublishPort bool
	HostPort    int
}

// BuildSpec describes an image build.
type BuildSpec struct {
	ContextDir string
	Dockerfile string // path relative to ContextDir
	Image      string
	Labels     map[string]string
}

// Network is a runtime network.
type Network struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Driver string `json:"driver"`
}

// PruneReport summarises a system prune, one entry per resource kind.
type PruneReport struct {
	Containers PruneResult `json:"containers"`
	Images     PruneResult `json:"images"`
	Volumes    PruneResult `json:"volumes"`
	Networks   PruneResult `json:"networks"`
	BuildCache PruneResult `json:"build_cache"`
}

// PruneResult is the outcome of pruning one resource kind.
type PruneResult struct {
	Success        bool     `json:"success"`
	Deleted        []string `json:"deleted,omitempty"`
	SpaceReclaimed uint64   `json:"space_reclaimed"`
	Error          string   `json:"error,omitempty"`
}

// SystemInfo is a snapshot of the container engine.
type SystemInfo struct {
	Backend           string `json:"backend"`
	ServerVersion     string `json:"server_version"`
	RunningContainers int    `json:"running_containers"`
	TotalContainers   int    `json:"total_containers"`
	TotalImages       int    `json:"total_images"`
	Network           string `json:"network"`
}

// Orphan is a platform-labelled container with no matching application record.
type Orphan struct {
	Container Container `json:"container"`
	Reason    string    `json:"reason"`
}

// OrphanCleanup reports a batch orphan removal.
type OrphanCleanup struct {
	Processed int            `json:"total_processed"`
	Removed   []Container    `json:"removed_containers"`
	Failed    []OrphanFailed `json:"failed_containers"`
}

// OrphanFailed records one container that could not be removed.
type OrphanFailed struct {
	Container Container `json:"container"`
	Error     string    `json:"error"`
}
