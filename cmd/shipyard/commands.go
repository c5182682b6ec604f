package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/artpar/shipyard/internal/core/domain"
)

// globalFlags are shared by every command.
type globalFlags struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "shipyard",
		Short:         "Shipyard: analyze, build and deploy source repositories",
		Long:          "Shipyard turns a repository into a running service: it fetches the source, detects the stack, generates a Dockerfile, checks it, builds an image and deploys it.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}
	root.SetVersionTemplate(fmt.Sprintf("shipyard %s (built %s)\n", Version, BuildTime))
	root.PersistentFlags().StringVar(&g.configPath, "config", "", "config file path")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "override log.level (debug, info, warn, error)")

	root.AddCommand(
		newServeCmd(g),
		newDeployCmd(g),
		newAnalyzeCmd(g),
		newVersionCmd(),
	)
	return root
}

// load reads the configuration and builds a logger. Interactive commands log
// text to stderr at warn unless --log-level says otherwise.
func (g *globalFlags) load(interactive bool) (*Config, *slog.Logger, error) {
	cfg, err := LoadConfig(g.configPath)
	if err != nil {
		return nil, nil, &CommandError{Op: "LoadConfig", Err: err, ExitCode: ExitConfigError}
	}
	if interactive {
		cfg.Log.Level = "warn"
		cfg.Log.Format = "text"
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	if interactive {
		return cfg, SetupLoggerTo(cfg, os.Stderr), nil
	}
	return cfg, SetupLogger(cfg), nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

// =============================================================================
// serve
// =============================================================================

func newServeCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.load(false)
			if err != nil {
				return err
			}
			logger.Info("starting shipyard",
				"version", Version,
				"config", g.configPath,
			)
			server, err := NewServer(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			return server.Start(cmd.Context())
		},
	}
}

// =============================================================================
// deploy
// =============================================================================

type deployFlags struct {
	name           string
	optionsFile    string
	branch         string
	region         string
	env            map[string]string
	cpu            string
	memory         string
	failOnSecurity bool
	output         string
	quiet          bool
}

func newDeployCmd(g *globalFlags) *cobra.Command {
	f := &deployFlags{}
	cmd := &cobra.Command{
		Use:   "deploy <source>",
		Short: "Run the full pipeline for a repository URL or local directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := f.request(args[0], cmd.Flags().Changed("fail-on-security"))
			if err != nil {
				return &CommandError{Op: "deploy", Err: err, ExitCode: ExitConfigError}
			}
			if err := checkOutput(f.output); err != nil {
				return err
			}
			cfg, logger, err := g.load(true)
			if err != nil {
				return err
			}
			return runDeploy(cmd.Context(), cfg, logger, req, f, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&f.name, "name", "n", "", "service name (defaults to the repository name)")
	cmd.Flags().StringVarP(&f.optionsFile, "options", "f", "", "YAML file with run options")
	cmd.Flags().StringVarP(&f.branch, "branch", "b", "", "branch to clone")
	cmd.Flags().StringVar(&f.region, "region", "", "deploy region")
	cmd.Flags().StringToStringVarP(&f.env, "env", "e", nil, "environment variables (KEY=VALUE)")
	cmd.Flags().StringVar(&f.cpu, "cpu", "", "CPU limit, e.g. 1")
	cmd.Flags().StringVar(&f.memory, "memory", "", "memory limit, e.g. 512Mi")
	cmd.Flags().BoolVar(&f.failOnSecurity, "fail-on-security", false, "fail the run when the security scan finds issues")
	cmd.Flags().StringVarP(&f.output, "output", "o", OutputText, "output format: text, json or yaml")
	cmd.Flags().BoolVarP(&f.quiet, "quiet", "q", false, "do not print progress events")
	return cmd
}

// readOptions decodes a YAML run options file.
func readOptions(path string) (domain.RunOptions, error) {
	var opts domain.RunOptions
	data, err := os.ReadFile(path)
	if err != nil {
		return opts, fmt.Errorf("read options: %w", err)
	}
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return opts, fmt.Errorf("parse options %s: %w", path, err)
	}
	return opts, nil
}

// request merges the options file with flags; flags win.
func (f *deployFlags) request(ref string, securityChanged bool) (domain.DeployRequest, error) {
	var opts domain.RunOptions
	if f.optionsFile != "" {
		var err error
		if opts, err = readOptions(f.optionsFile); err != nil {
			return domain.DeployRequest{}, err
		}
	}
	if f.branch != "" {
		opts.Branch = f.branch
	}
	if f.region != "" {
		opts.Region = f.region
	}
	if f.cpu != "" {
		opts.Resources.CPU = f.cpu
	}
	if f.memory != "" {
		opts.Resources.Memory = f.memory
	}
	if securityChanged {
		opts.FailOnSecurityIssue = f.failOnSecurity
	}
	if len(f.env) > 0 {
		if opts.EnvVars == nil {
			opts.EnvVars = make(map[string]string, len(f.env))
		}
		for k, v := range f.env {
			opts.EnvVars[k] = v
		}
	}
	return domain.DeployRequest{SourceReference: ref, ServiceName: f.name, Options: opts}, nil
}

func runDeploy(ctx context.Context, cfg *Config, logger *slog.Logger, req domain.DeployRequest, f *deployFlags, out io.Writer) (err error) {
	ctx, stop := signalContext(ctx)
	defer stop()

	app, err := NewApp(ctx, cfg, logger, AppOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if shutdownErr := app.Shutdown(context.Background()); shutdownErr != nil && err == nil {
			err = &CommandError{Op: "shutdown", Err: shutdownErr, ExitCode: ExitDatabaseError}
		}
	}()

	runID, err := app.Service.StartRun(ctx, req)
	if err != nil {
		return &CommandError{Op: "deploy", Err: err, ExitCode: ExitConfigError}
	}

	text := f.output == OutputText
	if text {
		fmt.Fprintln(out, titleStyle.Render("Deploying "+req.SourceReference)+dimStyle.Render("  run "+runID))
	}
	if text && !f.quiet {
		events, unsubscribe, err := app.Service.Subscribe(runID)
		if err == nil {
			for ev := range events {
				fmt.Fprintln(out, renderEvent(ev))
			}
			unsubscribe()
		}
	}

	res, runErr := app.Service.Wait(ctx, runID)
	if text {
		fmt.Fprintln(out)
		fmt.Fprintln(out, renderResult(res))
	} else if err := writeStructured(out, f.output, res); err != nil {
		return err
	}

	if runErr == nil {
		return nil
	}
	code := ExitRunFailed
	if res.Status == domain.RunCancelled || errors.Is(runErr, context.Canceled) {
		code = ExitRunCancelled
	}
	return &CommandError{Op: "deploy", Err: runErr, ExitCode: code}
}

// =============================================================================
// analyze
// =============================================================================

func newAnalyzeCmd(g *globalFlags) *cobra.Command {
	var branch, output string
	cmd := &cobra.Command{
		Use:   "analyze <source>",
		Short: "Detect the stack of a repository and print the generated Dockerfile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkOutput(output); err != nil {
				return err
			}
			cfg, logger, err := g.load(true)
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			app, err := NewApp(ctx, cfg, logger, AppOptions{Offline: true})
			if err != nil {
				return err
			}
			defer app.Close()

			report, err := app.Service.Analyze(ctx, domain.AnalyzeRequest{SourceReference: args[0], Branch: branch})
			if err != nil {
				return &CommandError{Op: "analyze", Err: err, ExitCode: ExitRunFailed}
			}
			if output == OutputText {
				_, err = fmt.Fprintln(cmd.OutOrStdout(), renderReport(report))
				return err
			}
			return writeStructured(cmd.OutOrStdout(), output, report)
		},
	}
	cmd.Flags().StringVarP(&branch, "branch", "b", "", "branch to clone")
	cmd.Flags().StringVarP(&output, "output", "o", OutputText, "output format: text, json or yaml")
	return cmd
}

func checkOutput(format string) error {
	switch format {
	case OutputText, OutputJSON, OutputYAML:
		return nil
	}
	return &CommandError{
		Op:       "output",
		Err:      fmt.Errorf("unknown output format %q", format),
		ExitCode: ExitConfigError,
	}
}

// =============================================================================
// version
// =============================================================================

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "shipyard %s (built %s)\n", Version, BuildTime)
		},
	}
}
