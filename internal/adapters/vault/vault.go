// Package vault seals clone credentials at rest with age x25519 encryption.
// Ciphertext is base64-encoded so it can be stored in JSON records.
package vault

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"
)

// Vault implements ports.Vault with a single local identity.
type Vault struct {
	identity  *age.X25519Identity
	recipient *age.X25519Recipient
}

// New wraps an existing identity.
func New(identity *age.X25519Identity) *Vault {
	return &Vault{identity: identity, recipient: identity.Recipient()}
}

// Ephemeral returns a vault with a fresh identity that is never persisted.
// Sealed values do not survive a restart.
func Ephemeral() (*Vault, error) {
	id, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generating age identity: %w", err)
	}
	return New(id), nil
}

// LoadOrCreate reads the identity from path, generating and writing a new
// one (mode 0600) if the file does not exist.
func LoadOrCreate(path string) (*Vault, error) {
	b, err := os.ReadFile(path)
	if err == nil {
		id, err := parseIdentity(string(b))
		if err != nil {
			return nil, fmt.Errorf("parsing identity %s: %w", path, err)
		}
		return New(id), nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("reading identity %s: %w", path, err)
	}

	id, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generating age identity: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating identity dir: %w", err)
	}
	content := "# public key: " + id.Recipient().String() + "\n" + id.String() + "\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return nil, fmt.Errorf("writing identity %s: %w", path, err)
	}
	return New(id), nil
}

// parseIdentity accepts the age-keygen file format: comment lines and one key.
func parseIdentity(s string) (*age.X25519Identity, error) {
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		return age.ParseX25519Identity(line)
	}
	return nil, errors.New("no identity found")
}

// Recipient is the public key values are sealed to.
func (v *Vault) Recipient() string { return v.recipient.String() }

func (v *Vault) Seal(plaintext []byte) (string, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, v.recipient)
	if err != nil {
		return "", fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return "", fmt.Errorf("writing plaintext to age encryptor: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalizing age encryption: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func (v *Vault) Open(ciphertext string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decoding base64 ciphertext: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(raw), v.identity)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	return io.ReadAll(r)
}
