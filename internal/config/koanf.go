package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// ConfigPathEnvVar overrides the config file location.
const ConfigPathEnvVar = "CONFIG_PATH"

// DefaultConfigPaths are searched in order; the first existing file wins.
var DefaultConfigPaths = []string{
	"lighthouse.yaml",
	"lighthouse.yml",
	"/etc/lighthouse/config.yaml",
}

// Load builds the configuration: defaults, then the optional YAML file,
// then environment variables.
func Load() (*Config, error) {
	return LoadFrom(findConfigFile())
}

// LoadFrom is Load with an explicit config file path ("" for none).
func LoadFrom(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// envMappings maps environment variable names (lowercased) to config keys.
// Unmapped variables are ignored.
var envMappings = map[string]string{
	"lighthouse_addr":          "server.addr",
	"lighthouse_runtime":       "runtime.backend",
	"docker_binary":            "runtime.docker_binary",
	"lighthouse_platform":      "runtime.platform",
	"build_timeout":            "runtime.build_timeout",
	"docker_network_name":      "network.name",
	"docker_network_hint":      "network.hint",
	"fallback_host_port":       "network.fallback_host_port",
	"fallback_upstream_host":   "network.fallback_upstream_host",
	"proxy_domain":             "server.proxy_domain",
	"nginx_config_dir":         "nginx.config_dir",
	"nginx_container":          "nginx.container",
	"nginx_command_timeout":    "nginx.command_timeout",
	"broker_url":               "queue.url",
	"nats_url":                 "queue.url",
	"nats_embedded":            "queue.embedded",
	"nats_store_dir":           "queue.store_dir",
	"queue_heavy":              "queue.heavy_queue",
	"queue_maintenance":        "queue.maintenance_queue",
	"result_backend_bucket":    "queue.result_bucket",
	"result_expires":           "queue.result_ttl",
	"task_retry_delay":         "queue.retry_delay",
	"task_max_retries":         "queue.max_retries",
	"task_ack_wait":            "queue.ack_wait",
	"heavy_workers":            "queue.heavy_workers",
	"maintenance_workers":      "queue.maintenance_workers",
	"store_path":               "store.path",
	"store_in_memory":          "store.in_memory",
	"vault_identity_file":      "vault.identity_file",
	"reconcile_probe_timeout":  "reconcile.probe_timeout",
	"reconcile_concurrency":    "reconcile.concurrency",
	"maintenance_enabled":      "maintenance.enabled",
	"maintenance_days_to_keep": "maintenance.days_to_keep",
	"log_level":                "logging.level",
	"log_format":               "logging.format",
	"log_caller":               "logging.caller",
}

func envTransformFunc(key string) string {
	return envMappings[strings.ToLower(key)]
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if !c.Queue.Embedded && c.Queue.URL == "" {
		return fmt.Errorf("queue.url is required when the embedded broker is disabled")
	}
	if !c.Store.InMemory && c.Store.Path == "" {
		return fmt.Errorf("store.path is required unless store.in_memory is set")
	}
	return nil
}
