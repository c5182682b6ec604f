package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/shipyard/internal/core/domain"
)

// =============================================================================
// Config Loading Tests
// =============================================================================

func TestLoadConfig_DefaultValues(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "", cfg.Server.AuthToken)
	assert.Equal(t, "data/shipyard.db", cfg.Database.DSN)
	assert.Equal(t, "data/workspace", cfg.Source.Workspace)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 3, cfg.Pipeline.MaxRetries)
	assert.Equal(t, time.Second, cfg.Pipeline.BaseDelay)
	assert.Equal(t, BackendDocker, cfg.Build.Backend)
	assert.Equal(t, BackendDocker, cfg.Deploy.Backend)
	assert.Equal(t, int64(4), cfg.Service.MaxConcurrentRuns)
	assert.Equal(t, 512, cfg.Events.History)
	assert.True(t, cfg.Janitor.Enabled)
	assert.Equal(t, time.Hour, cfg.Janitor.WorkspaceTTL)
	assert.False(t, cfg.Artifacts.Enabled())
}

func TestLoadConfig_FromFile(t *testing.T) {
	clearEnv(t)

	configContent := `
server:
  host: "127.0.0.1"
  port: 9000
  shutdown_timeout: 15s
  auth_token: "s3cret"
  allowed_origins: ["https://console.example.com"]

database:
  dsn: "/tmp/test.db"

log:
  level: "debug"
  format: "text"

pipeline:
  max_retries: 5
  base_delay: 250ms
  stage_timeouts:
    image_build: 45m

deploy:
  backend: command
  region: europe-west1

command:
  gcloud_project: my-project

janitor:
  enabled: false
  run_retention: 168h
`
	tmpFile := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(tmpFile, []byte(configContent), 0644))

	cfg, err := LoadConfig(tmpFile)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 15*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "s3cret", cfg.Server.AuthToken)
	assert.Equal(t, []string{"https://console.example.com"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, "/tmp/test.db", cfg.Database.DSN)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 5, cfg.Pipeline.MaxRetries)
	assert.Equal(t, 250*time.Millisecond, cfg.Pipeline.BaseDelay)
	assert.Equal(t, BackendCommand, cfg.Deploy.Backend)
	assert.Equal(t, "europe-west1", cfg.Deploy.Region)
	assert.False(t, cfg.Janitor.Enabled)
	assert.Equal(t, 168*time.Hour, cfg.Janitor.RunRetention)

	// The gcloud preset fills the command templates
	require.NotEmpty(t, cfg.Command.Deploy)
	assert.Equal(t, "gcloud", cfg.Command.Deploy[0])
	assert.Contains(t, cfg.Command.Deploy, "my-project")
	assert.Equal(t, "--set-env-vars", cfg.Command.EnvFlag)

	orch := cfg.Orchestrator()
	assert.Equal(t, 45*time.Minute, orch.StageTimeouts[domain.StageImageBuild])
	assert.Equal(t, 2*time.Minute, orch.StageTimeouts[domain.StageCodeAnalysis])
	assert.Equal(t, "europe-west1", orch.Region)
	assert.Equal(t, 5, orch.Retry.MaxRetries)
}

func TestLoadConfig_EnvironmentOverride(t *testing.T) {
	clearEnv(t)

	t.Setenv("SHIPYARD_SERVER_HOST", "192.168.1.1")
	t.Setenv("SHIPYARD_SERVER_PORT", "3000")
	t.Setenv("SHIPYARD_DATABASE_DSN", "/custom/path.db")
	t.Setenv("SHIPYARD_LOG_LEVEL", "warn")
	t.Setenv("SHIPYARD_SERVER_AUTH_TOKEN", "from-env")
	t.Setenv("SHIPYARD_PIPELINE_MAX_RETRIES", "2")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "192.168.1.1", cfg.Server.Host)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "/custom/path.db", cfg.Database.DSN)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "from-env", cfg.Server.AuthToken)
	assert.Equal(t, 2, cfg.Pipeline.MaxRetries)
}

func TestLoadConfig_DataDirDerivesPaths(t *testing.T) {
	clearEnv(t)

	t.Setenv("SHIPYARD_DATA_DIR", "/var/lib/shipyard")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/shipyard/shipyard.db", cfg.Database.DSN)
	assert.Equal(t, "/var/lib/shipyard/workspace", cfg.Source.Workspace)
}

func TestLoadConfig_ExplicitDSNOverridesDataDir(t *testing.T) {
	clearEnv(t)

	t.Setenv("SHIPYARD_DATA_DIR", "/var/lib/shipyard")
	t.Setenv("SHIPYARD_DATABASE_DSN", "/custom/path.db")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "/custom/path.db", cfg.Database.DSN)
}

func TestLoadConfig_FileNotFound_UsesDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadConfig("/nonexistent/path/config.yaml")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestLoadConfig_InvalidFile(t *testing.T) {
	clearEnv(t)

	tmpFile := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(tmpFile, []byte("invalid: yaml: content: [[["), 0644))

	_, err := LoadConfig(tmpFile)
	assert.Error(t, err)
}

func TestLoadConfig_Validation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "unknown backend",
			content: "build:\n  backend: kaniko\n",
			wantErr: "build.backend",
		},
		{
			name:    "command backend without template",
			content: "deploy:\n  backend: command\n",
			wantErr: "command.deploy is empty",
		},
		{
			name:    "unknown stage timeout",
			content: "pipeline:\n  stage_timeouts:\n    compile: 1m\n",
			wantErr: "unknown stage",
		},
		{
			name:    "zero retries",
			content: "pipeline:\n  max_retries: 0\n",
			wantErr: "max_retries",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			tmpFile := filepath.Join(t.TempDir(), "config.yaml")
			require.NoError(t, os.WriteFile(tmpFile, []byte(tt.content), 0644))

			_, err := LoadConfig(tmpFile)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

// =============================================================================
// Logger Setup Tests
// =============================================================================

func TestSetupLogger(t *testing.T) {
	tests := []struct {
		name   string
		level  string
		format string
	}{
		{"json info", "info", "json"},
		{"text info", "info", "text"},
		{"invalid level falls back", "invalid", "json"},
		{"debug", "debug", "json"},
		{"warn", "warn", "json"},
		{"error", "error", "json"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{Log: LogConfig{Level: tt.level, Format: tt.format}}
			assert.NotNil(t, SetupLogger(cfg))
		})
	}
}

// =============================================================================
// Config Validation Tests
// =============================================================================

func TestConfig_Address(t *testing.T) {
	cfg := &Config{
		Server: ServerConfig{
			Host: "localhost",
			Port: 8080,
		},
	}

	assert.Equal(t, "localhost:8080", cfg.Server.Address())
}

// =============================================================================
// Test Helpers
// =============================================================================

func clearEnv(t *testing.T) {
	t.Helper()
	envVars := []string{
		"SHIPYARD_SERVER_HOST",
		"SHIPYARD_SERVER_PORT",
		"SHIPYARD_SERVER_AUTH_TOKEN",
		"SHIPYARD_DATABASE_DSN",
		"SHIPYARD_DATA_DIR",
		"SHIPYARD_LOG_LEVEL",
		"SHIPYARD_LOG_FORMAT",
		"SHIPYARD_PIPELINE_MAX_RETRIES",
	}
	for _, v := range envVars {
		os.Unsetenv(v)
	}
}
