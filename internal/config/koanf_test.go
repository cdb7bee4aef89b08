package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFrom("")
	require.NoError(t, err)

	assert.Equal(t, "auto", cfg.Network.Name)
	assert.Equal(t, "docker_heavy", cfg.Queue.HeavyQueue)
	assert.Equal(t, "maintenance", cfg.Queue.MaintenanceQueue)
	assert.Equal(t, time.Hour, cfg.Queue.ResultTTL)
	assert.Equal(t, 60*time.Second, cfg.Queue.RetryDelay)
	assert.Equal(t, 3, cfg.Queue.MaxRetries)
	assert.Equal(t, "streamlit_platform_nginx", cfg.Nginx.Container)
	assert.Equal(t, 3*time.Second, cfg.Reconcile.ProbeTimeout)
}

func TestLoadFilePrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lighthouse.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
network:
  name: custom_net
queue:
  max_retries: 5
  result_ttl: 2h
nginx:
  config_dir: /tmp/nginx
`), 0o600))

	t.Setenv("TASK_MAX_RETRIES", "7")
	t.Setenv("TASK_RETRY_DELAY", "15s")

	cfg, err := LoadFrom(path)
	require.NoError(t, err)

	assert.Equal(t, "custom_net", cfg.Network.Name)
	assert.Equal(t, 2*time.Hour, cfg.Queue.ResultTTL)
	assert.Equal(t, "/tmp/nginx", cfg.Nginx.ConfigDir)
	// env beats file
	assert.Equal(t, 7, cfg.Queue.MaxRetries)
	assert.Equal(t, 15*time.Second, cfg.Queue.RetryDelay)
}

func TestUnmappedEnvIgnored(t *testing.T) {
	t.Setenv("SOME_RANDOM_VAR", "x")
	assert.Equal(t, "", envTransformFunc("SOME_RANDOM_VAR"))
	assert.Equal(t, "network.name", envTransformFunc("DOCKER_NETWORK_NAME"))
}

func TestValidate(t *testing.T) {
	cfg := defaultConfig()
	require.NoError(t, cfg.Validate())

	bad := defaultConfig()
	bad.Runtime.Backend = "podman"
	assert.Error(t, bad.Validate())

	same := defaultConfig()
	same.Queue.MaintenanceQueue = same.Queue.HeavyQueue
	assert.Error(t, same.Validate())

	noURL := defaultConfig()
	noURL.Queue.Embedded = false
	noURL.Queue.URL = ""
	assert.Error(t, noURL.Validate())
}
