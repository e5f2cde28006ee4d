package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "sqlite", cfg.DatabaseDriver)
	assert.Equal(t, "beer", cfg.Namespace)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, int64(64*1024), cfg.MaxBodyBytes)
	assert.Equal(t, "/workspace", cfg.JobVolumeMount)
	assert.Equal(t, 30*time.Second, cfg.K8sTimeout())
	assert.Equal(t, 720, cfg.JobMaxDurationHours)
	assert.Empty(t, cfg.TrustedProxies)

	// owner_id and worker_token have no defaults.
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "owner_id is required")
	assert.Contains(t, err.Error(), "worker_token is required")
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("BEER_PORT", "9000")
	t.Setenv("BEER_OWNER_ID", "1234")
	t.Setenv("BEER_WORKER_TOKEN", "tok")
	t.Setenv("BEER_DATABASE_DRIVER", "postgres")
	t.Setenv("BEER_ALLOWED_ORIGINS", "https://a.example,https://b.example")
	t.Setenv("BEER_TRUSTED_PROXIES", "10.0.0.0/8,192.0.2.10")

	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, "1234", cfg.OwnerID)
	assert.Equal(t, "postgres", cfg.DatabaseDriver)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.Equal(t, []string{"10.0.0.0/8", "192.0.2.10"}, cfg.TrustedProxies)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_FlagsOverrideFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	path := filepath.Join(dir, "beer.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 7000\nowner_id: \"42\"\nlog_level: warn\nnamespace: gpus\n"), 0o600))
	t.Setenv("BEER_PORT", "7500")

	cfg, err := Load([]string{"--config", path, "--port", "7777"})
	require.NoError(t, err)
	assert.Equal(t, 7777, cfg.Port)
	assert.Equal(t, "42", cfg.OwnerID)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, "gpus", cfg.Namespace)
	assert.Equal(t, "0.0.0.0:7777", cfg.Addr())
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load([]string{"--config", filepath.Join(t.TempDir(), "nope.yaml")})
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := Config{OwnerID: "1", WorkerToken: "t", DatabaseDriver: "sqlite", Port: 8080, TracingSamplingRate: 1,
		NodeRefreshConcurrency: 4, JobMaxDurationHours: 720, TrustedProxies: []string{"10.0.0.0/8", "::1"}}
	assert.NoError(t, valid.Validate())

	bad := valid
	bad.DatabaseDriver = "mysql"
	bad.Port = 0
	bad.TracingSamplingRate = 2
	bad.NodeRefreshConcurrency = 0
	bad.OwnerID = "Owner_1"
	bad.JobMaxDurationHours = 3000000
	bad.TrustedProxies = []string{"proxy.local"}
	err := bad.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database_driver")
	assert.Contains(t, err.Error(), "port 0")
	assert.Contains(t, err.Error(), "tracing_sampling_rate")
	assert.Contains(t, err.Error(), "node_refresh_concurrency")
	assert.Contains(t, err.Error(), "owner_id")
	assert.Contains(t, err.Error(), "job_max_duration_hours")
	assert.Contains(t, err.Error(), "trusted_proxies")
}

// chdir changes the working directory for the duration of the test (testing.T.Chdir needs Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}
