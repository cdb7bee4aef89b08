// Package config loads lighthouse configuration from defaults, an optional
// YAML file and environment variables, in that order of precedence.
package config

import (
	"time"

	"github.com/melih/lighthouse/internal/logging"
)

// Config is the root configuration.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Runtime     RuntimeConfig     `koanf:"runtime"`
	Network     NetworkConfig     `koanf:"network"`
	Nginx       NginxConfig       `koanf:"nginx"`
	Queue       QueueConfig       `koanf:"queue"`
	Store       StoreConfig       `koanf:"store"`
	Vault       VaultConfig       `koanf:"vault"`
	Reconcile   ReconcileConfig   `koanf:"reconcile"`
	Maintenance MaintenanceConfig `koanf:"maintenance"`
	Logging     logging.Config    `koanf:"logging"`
}

type ServerConfig struct {
	Addr         string        `koanf:"addr" validate:"required"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
	// ProxyDomain enables <slug>.<ProxyDomain> forwarding on the API listener.
	ProxyDomain string `koanf:"proxy_domain" validate:"omitempty,hostname"`
}

// RuntimeConfig selects and tunes the container runtime backend.
type RuntimeConfig struct {
	// Backend is auto, api or cli. auto probes the native API first.
	Backend      string        `koanf:"backend" validate:"oneof=auto api cli"`
	DockerBinary string        `koanf:"docker_binary"`
	Platform     string        `koanf:"platform" validate:"required"`
	BuildTimeout time.Duration `koanf:"build_timeout" validate:"gt=0"`
	StopTimeout  time.Duration `koanf:"stop_timeout"`
	ProbeTimeout time.Duration `koanf:"probe_timeout"`
}

// NetworkConfig controls which network application containers join.
type NetworkConfig struct {
	// Name is an explicit network, or "auto" to detect one at startup.
	Name string `koanf:"name" validate:"required"`
	// Hint is the substring preferred during detection.
	Hint             string `koanf:"hint"`
	FallbackHostPort int    `koanf:"fallback_host_port" validate:"gte=0,lte=65535"`
	// FallbackUpstreamHost is how the proxy reaches a host-published port.
	FallbackUpstreamHost string `koanf:"fallback_upstream_host" validate:"required"`
}

type NginxConfig struct {
	ConfigDir      string        `koanf:"config_dir" validate:"required"`
	Container      string        `koanf:"container" validate:"required"`
	CommandTimeout time.Duration `koanf:"command_timeout" validate:"gt=0"`
}

// QueueConfig configures the job broker and result backend.
type QueueConfig struct {
	URL      string `koanf:"url"`
	Embedded bool   `koanf:"embedded"`
	// StoreDir is the embedded server's JetStream directory. Empty uses a
	// temp directory removed on shutdown, so jobs do not survive a restart.
	StoreDir         string        `koanf:"store_dir"`
	Stream           string        `koanf:"stream" validate:"required"`
	HeavyQueue       string        `koanf:"heavy_queue" validate:"required"`
	MaintenanceQueue string        `koanf:"maintenance_queue" validate:"required,nefield=HeavyQueue"`
	ResultBucket     string        `koanf:"result_bucket" validate:"required"`
	ResultTTL        time.Duration `koanf:"result_ttl" validate:"gt=0"`
	RetryDelay       time.Duration `koanf:"retry_delay" validate:"gte=0"`
	MaxRetries       int           `koanf:"max_retries" validate:"gte=0"`
	AckWait          time.Duration `koanf:"ack_wait" validate:"gt=0"`
	HeavyWorkers     int           `koanf:"heavy_workers" validate:"gte=1"`
	MaintWorkers     int           `koanf:"maintenance_workers" validate:"gte=1"`
}

type StoreConfig struct {
	Path     string `koanf:"path"`
	InMemory bool   `koanf:"in_memory"`
}

// VaultConfig locates the age identity used to seal credentials.
type VaultConfig struct {
	IdentityFile string `koanf:"identity_file"`
}

type ReconcileConfig struct {
	ProbeTimeout time.Duration `koanf:"probe_timeout" validate:"gt=0"`
	Concurrency  int           `koanf:"concurrency" validate:"gte=1"`
}

// MaintenanceConfig schedules housekeeping jobs. Zero intervals disable a job.
type MaintenanceConfig struct {
	Enabled             bool          `koanf:"enabled"`
	CleanupInterval     time.Duration `koanf:"cleanup_interval"`
	HealthCheckInterval time.Duration `koanf:"health_check_interval"`
	LogRotationInterval time.Duration `koanf:"log_rotation_interval"`
	ReconcileInterval   time.Duration `koanf:"reconcile_interval"`
	DaysToKeep          int           `koanf:"days_to_keep" validate:"gte=1"`
	// OrphanRemovalRate caps orphan container removals per second; 0 is unpaced.
	OrphanRemovalRate float64 `koanf:"orphan_removal_rate" validate:"gte=0"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         ":3000",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Runtime: RuntimeConfig{
			Backend:      "auto",
			DockerBinary: "docker",
			Platform:     "open-streamlit-gallery",
			BuildTimeout: 30 * time.Minute,
			StopTimeout:  10 * time.Second,
			ProbeTimeout: 10 * time.Second,
		},
		Network: NetworkConfig{
			Name:                 "auto",
			Hint:                 "streamlit",
			FallbackHostPort:     8501,
			FallbackUpstreamHost: "host.docker.internal",
		},
		Nginx: NginxConfig{
			ConfigDir:      "/app/nginx_config",
			Container:      "streamlit_platform_nginx",
			CommandTimeout: 30 * time.Second,
		},
		Queue: QueueConfig{
			URL:              "nats://127.0.0.1:4222",
			Embedded:         true,
			Stream:           "LIGHTHOUSE_JOBS",
			HeavyQueue:       "docker_heavy",
			MaintenanceQueue: "maintenance",
			ResultBucket:     "lighthouse_results",
			ResultTTL:        time.Hour,
			RetryDelay:       60 * time.Second,
			MaxRetries:       3,
			AckWait:          2 * time.Minute,
			HeavyWorkers:     2,
			MaintWorkers:     1,
		},
		Store: StoreConfig{
			Path: "/data/lighthouse/db",
		},
		Reconcile: ReconcileConfig{
			ProbeTimeout: 3 * time.Second,
			Concurrency:  8,
		},
		Maintenance: MaintenanceConfig{
			Enabled:             true,
			CleanupInterval:     24 * time.Hour,
			HealthCheckInterval: 5 * time.Minute,
			LogRotationInterval: 24 * time.Hour,
			ReconcileInterval:   10 * time.Minute,
			DaysToKeep:          30,
			OrphanRemovalRate:   2,
		},
		Logging: logging.Config{
			Level:  "info",
			Format: "json",
		},
	}
}
