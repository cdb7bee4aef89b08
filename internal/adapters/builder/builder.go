package builder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	gitssh "github.com/go-git/go-git/v5/plumbing/transport/ssh"
	"github.com/rs/zerolog"
	cryptossh "golang.org/x/crypto/ssh"

	"github.com/melih/lighthouse/internal/core/domain"
)

// Cloner implements ports.SourceCloner with go-git.
type Cloner struct {
	workRoot string
	log      zerolog.Logger
}

// NewCloner returns a cloner creating work dirs under workRoot ("" for the OS temp dir).
func NewCloner(workRoot string, log zerolog.Logger) *Cloner {
	return &Cloner{workRoot: workRoot, log: log}
}

// Clone checks out a single branch of repoURL into a fresh temp dir.
// Any failure removes the dir and returns a KindClone error.
func (c *Cloner) Clone(ctx context.Context, repoURL, branch string, cred *domain.Credential) (string, error) {
	tmpDir, err := os.MkdirTemp(c.workRoot, "lighthouse-build-*")
	if err != nil {
		return "", domain.E(domain.KindClone, "clone", "failed to create temp dir", err)
	}

	auth, cleanup, err := authFor(repoURL, cred)
	if err != nil {
		os.RemoveAll(tmpDir)
		return "", domain.E(domain.KindClone, "clone", err)
	}

	c.log.Info().Str("repo", redact(repoURL)).Str("branch", branch).Str("auth", authKind(cred)).Msg("cloning repository")
	_, err = git.PlainCloneContext(ctx, tmpDir, false, &git.CloneOptions{
		URL:           repoURL,
		Auth:          auth,
		ReferenceName: plumbing.NewBranchReferenceName(branch),
		SingleBranch:  true,
		Depth:         1,
	})
	// the key file is needed only for the duration of the clone
	cleanup()
	if err != nil {
		os.RemoveAll(tmpDir)
		return "", domain.E(domain.KindClone, "clone", fmt.Sprintf("failed to clone %s@%s", redact(repoURL), branch), err)
	}
	return tmpDir, nil
}

// authFor builds the transport auth for cred. The returned cleanup must be
// called once the clone has finished.
func authFor(repoURL string, cred *domain.Credential) (transport.AuthMethod, func(), error) {
	noop := func() {}
	if cred == nil {
		return nil, noop, nil
	}

	switch cred.AuthType {
	case domain.AuthToken:
		if !strings.HasPrefix(repoURL, "https://") && !strings.HasPrefix(repoURL, "http://") {
			return nil, noop, nil
		}
		user := cred.Username
		if user == "" {
			user = "token"
		}
		return &githttp.BasicAuth{Username: user, Password: cred.Token}, noop, nil

	case domain.AuthSSH:
		keyFile, err := writeKeyFile(cred.SSHKey)
		if err != nil {
			return nil, noop, err
		}
		cleanup := func() { os.Remove(keyFile) }
		user := cred.Username
		if user == "" {
			user = "git"
		}
		keys, err := gitssh.NewPublicKeysFromFile(user, keyFile, "")
		if err != nil {
			cleanup()
			return nil, noop, fmt.Errorf("failed to load ssh key: %w", err)
		}
		keys.HostKeyCallback = cryptossh.InsecureIgnoreHostKey()
		return keys, cleanup, nil

	default:
		return nil, noop, fmt.Errorf("unsupported auth type %q", cred.AuthType)
	}
}

// writeKeyFile stores the private key in a 0600 temp file.
func writeKeyFile(key string) (string, error) {
	f, err := os.CreateTemp("", "lighthouse-key-*")
	if err != nil {
		return "", fmt.Errorf("failed to create key file: %w", err)
	}
	name := f.Name()
	if err := f.Chmod(0o600); err != nil {
		f.Close()
		os.Remove(name)
		return "", fmt.Errorf("failed to restrict key file: %w", err)
	}
	if !strings.HasSuffix(key, "\n") {
		key += "\n"
	}
	if _, err := f.WriteString(key); err != nil {
		f.Close()
		os.Remove(name)
		return "", fmt.Errorf("failed to write key file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(name)
		return "", fmt.Errorf("failed to write key file: %w", err)
	}
	return filepath.Clean(name), nil
}

func authKind(cred *domain.Credential) string {
	if cred == nil {
		return "public"
	}
	return cred.AuthType
}

// redact strips userinfo from a URL for logging.
func redact(u string) string {
	scheme, rest, ok := strings.Cut(u, "://")
	if !ok {
		return u
	}
	if at := strings.LastIndex(rest, "@"); at >= 0 && at < strings.Index(rest+"/", "/") {
		rest = rest[at+1:]
	}
	return scheme + "://" + rest
}
