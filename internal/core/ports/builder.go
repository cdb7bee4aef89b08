package ports

import (
	"context"

	"github.com/melih/lighthouse/internal/core/domain"
)

// SourceCloner fetches application source code.
type SourceCloner interface {
	// Clone checks out branch of repoURL into a fresh directory and returns it.
	// cred may be nil for public repositories. The directory is removed on failure.
	Clone(ctx context.Context, repoURL, branch string, cred *domain.Credential) (string, error)
}

// BuildOptions selects the build environment for SynthesizeBuildSpec.
type BuildOptions struct {
	MainFile        string
	BaseImageType   string
	CustomCommands  string
	CustomBaseImage string
	AppID           int64
}

// SpecSynthesizer writes a build spec (Dockerfile) into a work dir.
type SpecSynthesizer interface {
	SynthesizeBuildSpec(workDir string, opts BuildOptions) (string, error)
}
