package domain

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Route maps a public path slug to an upstream container address.
type Route struct {
	Slug         string
	UpstreamHost string
	UpstreamPort int
}

// Filename is the route file name for the slug.
func (r Route) Filename() string {
	return r.Slug + ".conf"
}

// ProtectedConfigs are system files no cleanup may delete.
var ProtectedConfigs = map[string]struct{}{
	"default.conf":   {},
	"test.conf":      {},
	"upstreams.conf": {},
}

// IsProtected reports whether filename is a reserved system config.
func IsProtected(filename string) bool {
	_, ok := ProtectedConfigs[filename]
	return ok
}

// SlugFromFile returns the slug for a route filename, or "" if not a .conf file.
func SlugFromFile(filename string) string {
	if !strings.HasSuffix(filename, ".conf") {
		return ""
	}
	return strings.TrimSuffix(filename, ".conf")
}

var (
	nonSlugChars = regexp.MustCompile(`[^a-z0-9]+`)
	validSlug    = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)
)

// NewSlug derives a unique, path-safe slug from an application name.
func NewSlug(name string) string {
	base := nonSlugChars.ReplaceAllString(strings.ToLower(name), "-")
	base = strings.Trim(base, "-")
	if base == "" {
		base = "app"
	}
	if len(base) > 40 {
		base = strings.TrimRight(base[:40], "-")
	}
	return base + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// ValidSlug reports whether s is usable as a route slug.
func ValidSlug(s string) bool {
	return len(s) <= 63 && validSlug.MatchString(s)
}

// Reasons recorded by route cleanup.
const (
	ReasonInactive         = "no active application"
	ReasonUpstreamMissing  = "upstream container missing"
	ReasonUpstreamStopped  = "upstream container not running"
	ReasonInvalidConfigFmt = "invalid config: %s"
)

// RemovedRoute records one deleted route file.
type RemovedRoute struct {
	File   string `json:"file"`
	Reason string `json:"reason"`
}

// CleanupReport is the outcome of a route cleanup batch.
type CleanupReport struct {
	Removed   []RemovedRoute `json:"removed"`
	Remaining []string       `json:"remaining"`
	// Reloaded is true when the proxy was validated and reloaded for the batch.
	Reloaded bool   `json:"reloaded"`
	Warning  string `json:"warning,omitempty"`
}

// RouteListing describes the contents of the route directory.
type RouteListing struct {
	AllFiles    []string `json:"all_files"`
	AppConfigs  []string `json:"app_configs"`
	SystemFiles []string `json:"system_files"`
}
