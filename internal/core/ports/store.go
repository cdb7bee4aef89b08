package ports

import (
	"context"
	"time"

	"github.com/melih/lighthouse/internal/core/domain"
)

// AppStore is the durable record store for applications and their history.
type AppStore interface {
	CreateApp(ctx context.Context, app *domain.App) error
	GetApp(ctx context.Context, id int64) (*domain.App, error)
	ListApps(ctx context.Context) ([]*domain.App, error)
	// UpdateApp loads the app, applies fn and writes it back atomically.
	UpdateApp(ctx context.Context, id int64, fn func(*domain.App) error) (*domain.App, error)
	DeleteApp(ctx context.Context, id int64) error

	// ClaimJob sets the app's active job token if it is empty or already jobID.
	// It returns domain.ErrJobConflict when another job holds it.
	ClaimJob(ctx context.Context, appID int64, jobID string) error
	// TransferJob hands the token from one job to the next (build to deploy).
	TransferJob(ctx context.Context, appID int64, from, to string) error
	// ReleaseJob clears the token only if jobID still holds it.
	ReleaseJob(ctx context.Context, appID int64, jobID string) error

	AddDeployment(ctx context.Context, d *domain.Deployment) error
	ListDeployments(ctx context.Context, appID int64) ([]*domain.Deployment, error)
	DeleteDeployments(ctx context.Context, appID int64) (int, error)
	PruneDeployments(ctx context.Context, olderThan time.Time) (int, error)
}

// CredentialStore keeps clone credentials sealed at rest.
type CredentialStore interface {
	SaveCredential(ctx context.Context, cred *domain.Credential) error
	GetCredential(ctx context.Context, id string) (*domain.Credential, error)
}

// Vault seals and opens secret material.
type Vault interface {
	Seal(plaintext []byte) (string, error)
	Open(ciphertext string) ([]byte, error)
}
