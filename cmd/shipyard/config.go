package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"golang.org/x/time/rate"

	"github.com/artpar/shipyard/internal/core/domain"
	"github.com/artpar/shipyard/internal/shell/analysis"
	"github.com/artpar/shipyard/internal/shell/artifacts"
	"github.com/artpar/shipyard/internal/shell/broker"
	"github.com/artpar/shipyard/internal/shell/command"
	"github.com/artpar/shipyard/internal/shell/docker"
	"github.com/artpar/shipyard/internal/shell/pipeline"
	"github.com/artpar/shipyard/internal/shell/service"
	"github.com/artpar/shipyard/internal/shell/workers"
)

// Backend names accepted by build.backend and deploy.backend.
const (
	BackendDocker  = "docker"
	BackendCommand = "command"
)

// =============================================================================
// Config Types
// =============================================================================

// Config holds all application configuration.
type Config struct {
	DataDir   string           `mapstructure:"data_dir"`
	Server    ServerConfig     `mapstructure:"server"`
	Log       LogConfig        `mapstructure:"log"`
	Database  DatabaseConfig   `mapstructure:"database"`
	Pipeline  PipelineConfig   `mapstructure:"pipeline"`
	Service   service.Config   `mapstructure:"service"`
	Events    broker.Config    `mapstructure:"events"`
	Metrics   MetricsConfig    `mapstructure:"metrics"`
	Source    SourceConfig     `mapstructure:"source"`
	Analysis  analysis.Config  `mapstructure:"analysis"`
	Docker    DockerConfig     `mapstructure:"docker"`
	Build     BuildConfig      `mapstructure:"build"`
	Deploy    DeployConfig     `mapstructure:"deploy"`
	Command   CommandConfig    `mapstructure:"command"`
	Artifacts artifacts.Config `mapstructure:"artifacts"`
	Janitor   JanitorConfig    `mapstructure:"janitor"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// AuthToken is the bearer token required by the API. Empty disables auth.
	AuthToken      string   `mapstructure:"auth_token"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	MaxBodyBytes   int64    `mapstructure:"max_body_bytes"`
}

// Address returns the server address in host:port format.
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	// DSN defaults to <data_dir>/shipyard.db.
	DSN string `mapstructure:"dsn"`
	// EncryptionKey is a passphrase sealing environment values at rest.
	// Set via SHIPYARD_DATABASE_ENCRYPTION_KEY.
	EncryptionKey string `mapstructure:"encryption_key"`
}

// PipelineConfig tunes the orchestrator.
type PipelineConfig struct {
	MaxRetries int           `mapstructure:"max_retries"`
	BaseDelay  time.Duration `mapstructure:"base_delay"`
	MaxDelay   time.Duration `mapstructure:"max_delay"`
	Jitter     float64       `mapstructure:"jitter"`
	// StageTimeouts overrides the deadline of individual stages by name.
	StageTimeouts  map[string]time.Duration `mapstructure:"stage_timeouts"`
	SinkTimeout    time.Duration            `mapstructure:"sink_timeout"`
	PersistTimeout time.Duration            `mapstructure:"persist_timeout"`
	Registry       string                   `mapstructure:"registry"`
	// OutputRate is the number of raw build/deploy lines forwarded per second.
	OutputRate  float64 `mapstructure:"output_rate"`
	OutputBurst int     `mapstructure:"output_burst"`
}

// MetricsConfig holds metrics configuration.
type MetricsConfig struct {
	// Enabled exposes /metrics in the Prometheus format.
	Enabled bool `mapstructure:"enabled"`
	// Retention is the number of finished runs whose metrics are kept.
	Retention int `mapstructure:"retention"`
}

// SourceConfig holds source provider configuration.
type SourceConfig struct {
	// Workspace defaults to <data_dir>/workspace.
	Workspace    string `mapstructure:"workspace"`
	GitBinary    string `mapstructure:"git_binary"`
	GitHubToken  string `mapstructure:"github_token"`
	GitHubAPIURL string `mapstructure:"github_api_url"`
}

// DockerConfig holds Docker client configuration.
type DockerConfig struct {
	Host string `mapstructure:"host"`
}

// BuildConfig selects and configures the build backend.
type BuildConfig struct {
	Backend string             `mapstructure:"backend"`
	Docker  docker.BuildConfig `mapstructure:"docker"`
}

// DeployConfig selects and configures the deploy backend.
type DeployConfig struct {
	Backend string              `mapstructure:"backend"`
	Region  string              `mapstructure:"region"`
	Docker  docker.DeployConfig `mapstructure:"docker"`
}

// CommandConfig configures the command backends. When GCloudProject is set,
// empty templates are filled with the Cloud Build and Cloud Run presets.
type CommandConfig struct {
	GCloudProject  string `mapstructure:"gcloud_project"`
	command.Config `mapstructure:",squash"`
}

// JanitorConfig configures the cleanup worker.
type JanitorConfig struct {
	Enabled               bool `mapstructure:"enabled"`
	workers.JanitorConfig `mapstructure:",squash"`
}

// =============================================================================
// Config Loading
// =============================================================================

// LoadConfig loads configuration from file and environment.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("data_dir", "./data")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.auth_token", "")
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.max_body_bytes", 1<<20)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.encryption_key", "")

	// Pipeline defaults
	v.SetDefault("pipeline.max_retries", 3)
	v.SetDefault("pipeline.base_delay", "1s")
	v.SetDefault("pipeline.max_delay", "30s")
	v.SetDefault("pipeline.jitter", 0.0)
	v.SetDefault("pipeline.sink_timeout", "250ms")
	v.SetDefault("pipeline.persist_timeout", "5s")
	v.SetDefault("pipeline.registry", "shipyard.local")
	v.SetDefault("pipeline.output_rate", 5)
	v.SetDefault("pipeline.output_burst", 10)

	v.SetDefault("service.max_concurrent_runs", 4)
	v.SetDefault("service.run_timeout", "0s")
	v.SetDefault("service.fail_on_security_issue", false)
	v.SetDefault("service.default_log_lines", 100)
	v.SetDefault("events.history", 512)
	v.SetDefault("events.buffer", 64)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.retention", 1000)

	// Source and analysis defaults
	v.SetDefault("source.workspace", "")
	v.SetDefault("source.git_binary", "git")
	v.SetDefault("source.github_token", "")
	v.SetDefault("source.github_api_url", "")
	v.SetDefault("analysis.max_files", analysis.DefaultMaxFiles)
	v.SetDefault("analysis.max_content_size", analysis.DefaultMaxContentSize)

	// Backend defaults
	v.SetDefault("docker.host", "")
	v.SetDefault("build.backend", BackendDocker)
	v.SetDefault("build.docker.platform", "")
	v.SetDefault("build.docker.no_cache", false)
	v.SetDefault("build.docker.push", false)
	v.SetDefault("build.docker.registry_user", "")
	v.SetDefault("build.docker.registry_password", "")
	v.SetDefault("deploy.backend", BackendDocker)
	v.SetDefault("deploy.region", "local")
	v.SetDefault("deploy.docker.public_host", docker.DefaultPublicHost)
	v.SetDefault("deploy.docker.host_ip", "")
	v.SetDefault("deploy.docker.network", "")
	v.SetDefault("deploy.docker.health_timeout", docker.DefaultHealthTimeout.String())
	v.SetDefault("deploy.docker.poll_interval", docker.DefaultPollInterval.String())
	v.SetDefault("command.gcloud_project", "")
	v.SetDefault("command.env_flag", "")

	// Artifacts are disabled until an endpoint and bucket are set
	v.SetDefault("artifacts.endpoint", "")
	v.SetDefault("artifacts.access_key", "")
	v.SetDefault("artifacts.secret_key", "")
	v.SetDefault("artifacts.bucket", "")
	v.SetDefault("artifacts.region", "")
	v.SetDefault("artifacts.use_ssl", true)
	v.SetDefault("artifacts.prefix", "")

	v.SetDefault("janitor.enabled", true)
	v.SetDefault("janitor.interval", "10m")
	v.SetDefault("janitor.workspace_ttl", "1h")
	v.SetDefault("janitor.history_ttl", "30m")
	v.SetDefault("janitor.run_retention", "0s")
	v.SetDefault("janitor.max_concurrent", 4)

	// Load from file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			// Only return error if file was explicitly specified and is invalid
			if _, ok := err.(viper.ConfigParseError); ok {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
			// File not found is OK, we'll use defaults
		}
	}

	// Enable environment variable overrides
	v.SetEnvPrefix("SHIPYARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Unmarshal config
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Database.DSN == "" {
		cfg.Database.DSN = filepath.Join(cfg.DataDir, "shipyard.db")
	}
	if cfg.Source.Workspace == "" {
		cfg.Source.Workspace = filepath.Join(cfg.DataDir, "workspace")
	}
	if cfg.Command.GCloudProject != "" {
		cfg.Command.applyPreset(command.GCloudConfig(cfg.Command.GCloudProject))
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *CommandConfig) applyPreset(preset command.Config) {
	if len(c.Build) == 0 {
		c.Build = preset.Build
	}
	if len(c.Deploy) == 0 {
		c.Deploy = preset.Deploy
	}
	if c.EnvFlag == "" {
		c.EnvFlag = preset.EnvFlag
	}
	if len(c.URL) == 0 {
		c.URL = preset.URL
	}
	if len(c.Logs) == 0 {
		c.Logs = preset.Logs
	}
}

// Validate checks values that cannot be defaulted.
func (c *Config) Validate() error {
	for _, b := range []struct{ key, value string }{
		{"build.backend", c.Build.Backend},
		{"deploy.backend", c.Deploy.Backend},
	} {
		if b.value != BackendDocker && b.value != BackendCommand {
			return fmt.Errorf("%s must be %q or %q, got %q", b.key, BackendDocker, BackendCommand, b.value)
		}
	}
	if c.Build.Backend == BackendCommand && len(c.Command.Build) == 0 {
		return fmt.Errorf("build.backend is %q but command.build is empty", BackendCommand)
	}
	if c.Deploy.Backend == BackendCommand && len(c.Command.Deploy) == 0 {
		return fmt.Errorf("deploy.backend is %q but command.deploy is empty", BackendCommand)
	}
	if _, err := c.Pipeline.stageTimeouts(); err != nil {
		return err
	}
	if c.Pipeline.MaxRetries < 1 {
		return fmt.Errorf("pipeline.max_retries must be at least 1, got %d", c.Pipeline.MaxRetries)
	}
	return nil
}

func (p PipelineConfig) stageTimeouts() (map[domain.Stage]time.Duration, error) {
	out := pipeline.DefaultStageTimeouts()
	for name, d := range p.StageTimeouts {
		stage := domain.Stage(name)
		if !stage.Valid() {
			return nil, fmt.Errorf("pipeline.stage_timeouts: unknown stage %q", name)
		}
		if d <= 0 {
			return nil, fmt.Errorf("pipeline.stage_timeouts.%s must be positive", name)
		}
		out[stage] = d
	}
	return out, nil
}

// Orchestrator converts the pipeline section into orchestrator settings.
func (c *Config) Orchestrator() pipeline.Config {
	timeouts, _ := c.Pipeline.stageTimeouts()
	return pipeline.Config{
		Retry: pipeline.RetryPolicy{
			MaxRetries: c.Pipeline.MaxRetries,
			BaseDelay:  c.Pipeline.BaseDelay,
			MaxDelay:   c.Pipeline.MaxDelay,
			Jitter:     c.Pipeline.Jitter,
		},
		StageTimeouts:  timeouts,
		SinkTimeout:    c.Pipeline.SinkTimeout,
		Registry:       c.Pipeline.Registry,
		Region:         c.Deploy.Region,
		OutputRate:     rate.Limit(c.Pipeline.OutputRate),
		OutputBurst:    c.Pipeline.OutputBurst,
		PersistTimeout: c.Pipeline.PersistTimeout,
	}
}

// =============================================================================
// Logger Setup
// =============================================================================

// SetupLogger creates a logger with the configured level and format.
func SetupLogger(cfg *Config) *slog.Logger {
	return SetupLoggerTo(cfg, os.Stdout)
}

// SetupLoggerTo is SetupLogger writing to w.
func SetupLoggerTo(cfg *Config, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Log.Format) == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(handler)
}
