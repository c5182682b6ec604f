package main

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/artpar/shipyard/internal/core/crypto"
	"github.com/artpar/shipyard/internal/shell/analysis"
	"github.com/artpar/shipyard/internal/shell/api"
	"github.com/artpar/shipyard/internal/shell/artifacts"
	"github.com/artpar/shipyard/internal/shell/broker"
	"github.com/artpar/shipyard/internal/shell/command"
	"github.com/artpar/shipyard/internal/shell/docker"
	"github.com/artpar/shipyard/internal/shell/metrics"
	"github.com/artpar/shipyard/internal/shell/pipeline"
	"github.com/artpar/shipyard/internal/shell/service"
	"github.com/artpar/shipyard/internal/shell/source"
	"github.com/artpar/shipyard/internal/shell/store"
	"github.com/artpar/shipyard/internal/shell/workers"
)

// =============================================================================
// Application
// =============================================================================

// App holds the wired components shared by serve, deploy and analyze.
type App struct {
	Config   *Config
	Store    store.Store
	Docker   *docker.DockerClient
	Hub      *broker.Hub
	Metrics  *metrics.Recorder
	Registry *prometheus.Registry
	Service  *service.Service
	Janitor  *workers.Janitor
	logger   *slog.Logger
}

// AppOptions adjusts how NewApp wires the application.
type AppOptions struct {
	// Offline skips connecting to Docker. Analysis still works; builds and
	// deploys through the Docker backends fail.
	Offline bool
}

// NewApp connects to the database and the configured backends and wires the
// pipeline service.
func NewApp(ctx context.Context, cfg *Config, logger *slog.Logger, opts AppOptions) (*App, error) {
	if err := os.MkdirAll(cfg.Source.Workspace, 0o755); err != nil {
		return nil, &CommandError{Op: "NewApp", Err: err, ExitCode: ExitConfigError}
	}

	var key []byte
	if cfg.Database.EncryptionKey != "" {
		key = crypto.DeriveKey(cfg.Database.EncryptionKey)
	}
	s, err := store.NewSQLiteStore(cfg.Database.DSN, key)
	if err != nil {
		return nil, &CommandError{Op: "NewApp", Err: err, ExitCode: ExitDatabaseError}
	}

	app := &App{Config: cfg, Store: s, logger: logger}

	// Connect to Docker only when a backend needs it
	usesDocker := cfg.Build.Backend == BackendDocker || cfg.Deploy.Backend == BackendDocker
	if usesDocker && !opts.Offline {
		d, err := docker.NewDockerClient(cfg.Docker.Host)
		if err == nil {
			err = d.Ping(ctx)
		}
		if err != nil {
			app.Close()
			return nil, &CommandError{Op: "NewApp", Err: err, ExitCode: ExitDockerError}
		}
		app.Docker = d
	}

	var engine docker.Client
	if app.Docker != nil {
		engine = app.Docker
	}
	runner := command.NewExecRunner(logger)
	var builder pipeline.BuildBackend
	var deployer interface {
		pipeline.DeployBackend
		service.LogReader
	}
	if cfg.Build.Backend == BackendDocker {
		builder = docker.NewBuilder(engine, cfg.Build.Docker, logger)
	} else {
		builder = command.NewBuilder(runner, cfg.Command.Config, logger)
	}
	if cfg.Deploy.Backend == BackendDocker {
		deployer = docker.NewDeployer(engine, cfg.Deploy.Docker, logger)
	} else {
		deployer = command.NewDeployer(runner, cfg.Command.Config, logger)
	}

	src := source.Router{
		Local: source.NewLocalProvider(cfg.Source.Workspace, logger),
		Remote: source.NewGitProvider(source.GitConfig{
			Workspace: cfg.Source.Workspace,
			GitBinary: cfg.Source.GitBinary,
			Token:     cfg.Source.GitHubToken,
		}, runner, logger),
	}
	catalog, err := source.NewCatalog(cfg.Source.GitHubToken, cfg.Source.GitHubAPIURL, logger)
	if err != nil {
		app.Close()
		return nil, &CommandError{Op: "NewApp", Err: err, ExitCode: ExitConfigError}
	}
	analyzer := analysis.NewScanner(cfg.Analysis, logger)

	var artifactStore pipeline.ArtifactStore
	if cfg.Artifacts.Enabled() {
		as, err := artifacts.NewStore(cfg.Artifacts, logger)
		if err == nil {
			err = as.EnsureBucket(ctx)
		}
		if err != nil {
			app.Close()
			return nil, &CommandError{Op: "NewApp", Err: err, ExitCode: ExitConfigError}
		}
		artifactStore = as
	}

	app.Registry = prometheus.NewRegistry()
	app.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	app.Metrics = metrics.NewRecorder(app.Registry, cfg.Metrics.Retention, logger)
	app.Hub = broker.NewHub(cfg.Events, logger)

	orch := pipeline.NewOrchestrator(pipeline.Dependencies{
		Source:    src,
		Analyzer:  analyzer,
		Builder:   builder,
		Deployer:  deployer,
		Metrics:   app.Metrics,
		Store:     s,
		Artifacts: artifactStore,
	}, cfg.Orchestrator(), logger)

	svcConfig := cfg.Service
	if svcConfig.Region == "" {
		svcConfig.Region = cfg.Deploy.Region
	}
	app.Service = service.New(service.Dependencies{
		Orchestrator: orch,
		Source:       src,
		Analyzer:     analyzer,
		Store:        s,
		Hub:          app.Hub,
		Metrics:      app.Metrics,
		Logs:         deployer,
		Catalog:      catalog,
	}, svcConfig, logger)

	if cfg.Janitor.Enabled {
		app.Janitor = workers.NewJanitor(workers.JanitorDeps{
			Workspace: cfg.Source.Workspace,
			History:   app.Hub,
			Runs:      s,
			Active:    app.Service.Active,
		}, cfg.Janitor.JanitorConfig, logger)
	}

	logger.Info("application wired",
		"build_backend", cfg.Build.Backend,
		"deploy_backend", cfg.Deploy.Backend,
		"workspace", cfg.Source.Workspace,
		"artifacts", cfg.Artifacts.Enabled(),
		"encrypted", key != nil,
	)
	return app, nil
}

// Checks returns the readiness checks served by /ready.
func (a *App) Checks() map[string]api.Checker {
	checks := map[string]api.Checker{
		"database": api.CheckerFunc(func(ctx context.Context) error {
			_, err := a.Store.ListRuns(ctx, store.RunFilter{}, store.ListOptions{Limit: 1})
			return err
		}),
	}
	if a.Docker != nil {
		checks["docker"] = api.CheckerFunc(a.Docker.Ping)
	}
	return checks
}

// Shutdown cancels runs in flight and waits for them to record their
// outcome before the store is closed.
func (a *App) Shutdown(ctx context.Context) error {
	if a.Janitor != nil {
		a.Janitor.Stop()
	}
	var err error
	if a.Service != nil {
		err = a.Service.Shutdown(ctx)
	}
	return errors.Join(err, a.Close())
}

// Close releases the Docker client and the database.
func (a *App) Close() error {
	var errs []error
	if a.Docker != nil {
		if err := a.Docker.Close(); err != nil {
			a.logger.Error("Docker client close error", "error", err)
			errs = append(errs, err)
		}
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			a.logger.Error("database close error", "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
