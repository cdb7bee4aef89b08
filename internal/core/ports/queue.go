package ports

import (
	"context"

	"github.com/melih/lighthouse/internal/core/domain"
)

// JobHandle identifies an enqueued job.
type JobHandle interface {
	ID() string
}

// JobQueue is the client side of the job pipeline.
type JobQueue interface {
	Enqueue(ctx context.Context, jobType domain.JobType, payload any) (JobHandle, error)
	Status(ctx context.Context, jobID string) (*domain.JobStatus, error)
	Revoke(ctx context.Context, jobID string) error
}

// JobContext is handed to a running job handler.
type JobContext interface {
	JobID() string
	Type() domain.JobType
	// Progress records a progress update. Values lower than the last
	// reported one are clamped so progress never decreases.
	Progress(current int, status string)
	// SetAppID attaches the owning application to progress metadata.
	SetAppID(appID int64)
	// Decode unmarshals and validates the job payload into v.
	Decode(v any) error
}

// JobHandler executes one job type and returns its result payload.
type JobHandler func(ctx context.Context, job JobContext) (any, error)
