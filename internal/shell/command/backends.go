package command

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/valyala/fasttemplate"

	"github.com/artpar/shipyard/internal/core/domain"
)

// =============================================================================
// Configuration
// =============================================================================

// Config holds the argument templates of the command backends. Each entry
// is one argv element; {{name}} placeholders are filled per call.
//
// Build placeholders: image, context, dockerfile, service, run_id.
// Deploy placeholders: service, image, region, port, cpu, memory,
// min_instances, max_instances, concurrency, timeout.
// Logs placeholders: service, region, limit.
type Config struct {
	Build  []string `mapstructure:"build"`
	Deploy []string `mapstructure:"deploy"`
	// EnvFlag is appended to Deploy as "<flag> K=V,K=V" when the run has
	// environment variables.
	EnvFlag string `mapstructure:"env_flag"`
	// URL is run after Deploy when its output contained no URL.
	URL  []string `mapstructure:"url"`
	Logs []string `mapstructure:"logs"`
}

// GCloudConfig returns templates for Cloud Build and Cloud Run.
func GCloudConfig(project string) Config {
	return Config{
		Build: []string{
			"gcloud", "builds", "submit", "--project", project,
			"--tag", "{{image}}", "--timeout", "15m", "{{context}}",
		},
		Deploy: []string{
			"gcloud", "run", "deploy", "{{service}}", "--image", "{{image}}",
			"--project", project, "--region", "{{region}}", "--platform", "managed",
			"--allow-unauthenticated", "--port", "{{port}}",
			"--cpu", "{{cpu}}", "--memory", "{{memory}}",
			"--min-instances", "{{min_instances}}", "--max-instances", "{{max_instances}}",
			"--concurrency", "{{concurrency}}", "--timeout", "{{timeout}}",
		},
		EnvFlag: "--set-env-vars",
		URL: []string{
			"gcloud", "run", "services", "describe", "{{service}}", "--project", project,
			"--region", "{{region}}", "--format", "value(status.url)",
		},
		Logs: []string{
			"gcloud", "run", "services", "logs", "read", "{{service}}", "--project", project,
			"--region", "{{region}}", "--limit", "{{limit}}",
		},
	}
}

// render fills placeholders in every argv element. Unknown tags fail.
func render(args []string, values map[string]string) ([]string, error) {
	out := make([]string, 0, len(args))
	for _, a := range args {
		if !strings.Contains(a, "{{") {
			out = append(out, a)
			continue
		}
		t, err := fasttemplate.NewTemplate(a, "{{", "}}")
		if err != nil {
			return nil, fmt.Errorf("parse argument %q: %w", a, err)
		}
		s, err := t.ExecuteFuncStringWithErr(func(w io.Writer, tag string) (int, error) {
			v, ok := values[strings.TrimSpace(tag)]
			if !ok {
				return 0, fmt.Errorf("unknown placeholder %q", tag)
			}
			return w.Write([]byte(v))
		})
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func specOf(args []string, dir string) (Spec, error) {
	if len(args) == 0 {
		return Spec{}, fmt.Errorf("empty command")
	}
	return Spec{Name: args[0], Args: args[1:], Dir: dir}, nil
}

// =============================================================================
// Builder
// =============================================================================

// Builder builds images with an external tool such as Cloud Build.
type Builder struct {
	runner Runner
	args   []string
	logger *slog.Logger
}

// NewBuilder creates a command build backend.
func NewBuilder(runner Runner, config Config, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{runner: runner, args: config.Build, logger: logger.With("component", "command_builder")}
}

var digestPattern = regexp.MustCompile(`sha256:[a-f0-9]{64}`)

func (b *Builder) Build(ctx context.Context, params domain.BuildParams, onLine func(string)) (domain.BuildResult, error) {
	args, err := render(b.args, map[string]string{
		"image":      params.ImageRef,
		"context":    params.ContextDir,
		"dockerfile": params.Dockerfile,
		"service":    params.ServiceName,
		"run_id":     params.RunID,
	})
	if err != nil {
		return domain.BuildResult{}, domain.Configuration("build", "render build command", err)
	}
	spec, err := specOf(args, params.ContextDir)
	if err != nil {
		return domain.BuildResult{}, domain.Configuration("build", "no build command configured", err)
	}

	var digest string
	out, err := b.runner.Run(ctx, spec, func(line string) {
		if d := digestPattern.FindString(line); d != "" {
			digest = d
		}
		if onLine != nil {
			onLine(line)
		}
	})
	if err != nil {
		b.logger.Error("build command failed", "run_id", params.RunID, "error", err, "output", out.Last())
		return domain.BuildResult{}, Classify("build", err)
	}
	return domain.BuildResult{ImageRef: params.ImageRef, Digest: digest}, nil
}

// =============================================================================
// Deployer
// =============================================================================

// Deployer deploys images with an external tool such as Cloud Run.
type Deployer struct {
	runner Runner
	config Config
	logger *slog.Logger
}

// NewDeployer creates a command deploy backend.
func NewDeployer(runner Runner, config Config, logger *slog.Logger) *Deployer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Deployer{runner: runner, config: config, logger: logger.With("component", "command_deployer")}
}

var urlPattern = regexp.MustCompile(`https://[^\s"'<>]+`)

func deployValues(params domain.DeployParams) map[string]string {
	r := params.Resources
	return map[string]string{
		"service":       params.ServiceName,
		"image":         params.ImageRef,
		"region":        params.Region,
		"port":          strconv.Itoa(params.Port),
		"cpu":           r.CPU,
		"memory":        r.Memory,
		"min_instances": strconv.Itoa(r.MinInstances),
		"max_instances": strconv.Itoa(r.MaxInstances),
		"concurrency":   strconv.Itoa(r.Concurrency),
		"timeout":       strconv.Itoa(r.TimeoutSecs),
	}
}

// EnvArg joins env as K=V pairs in key order.
func EnvArg(env map[string]string) string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+env[k])
	}
	return strings.Join(pairs, ",")
}

func (d *Deployer) Deploy(ctx context.Context, params domain.DeployParams, onLine func(string)) (domain.DeployResult, error) {
	values := deployValues(params)
	args, err := render(d.config.Deploy, values)
	if err != nil {
		return domain.DeployResult{}, domain.Configuration("deploy", "render deploy command", err)
	}
	spec, err := specOf(args, "")
	if err != nil {
		return domain.DeployResult{}, domain.Configuration("deploy", "no deploy command configured", err)
	}
	if len(params.EnvVars) > 0 && d.config.EnvFlag != "" {
		spec.Args = append(spec.Args, d.config.EnvFlag, EnvArg(params.EnvVars))
		for _, v := range params.EnvVars {
			spec.Redact = append(spec.Redact, v)
		}
	}

	var url string
	out, err := d.runner.Run(ctx, spec, func(line string) {
		if u := urlPattern.FindString(line); u != "" {
			url = u
		}
		if onLine != nil {
			onLine(line)
		}
	})
	if err != nil {
		d.logger.Error("deploy command failed", "run_id", params.RunID, "error", err, "output", out.Last())
		return domain.DeployResult{}, Classify("deploy", err)
	}

	if url == "" && len(d.config.URL) > 0 {
		url, err = d.describeURL(ctx, values)
		if err != nil {
			return domain.DeployResult{}, err
		}
	}
	if url == "" {
		return domain.DeployResult{}, domain.Backend("deploy", "deploy command reported no service URL", nil)
	}
	return domain.DeployResult{URL: url, Region: params.Region}, nil
}

func (d *Deployer) describeURL(ctx context.Context, values map[string]string) (string, error) {
	args, err := render(d.config.URL, values)
	if err != nil {
		return "", domain.Configuration("describe", "render url command", err)
	}
	spec, err := specOf(args, "")
	if err != nil {
		return "", domain.Configuration("describe", "no url command configured", err)
	}
	out, err := d.runner.Run(ctx, spec, nil)
	if err != nil {
		return "", Classify("describe", err)
	}
	return urlPattern.FindString(out.Last()), nil
}

// =============================================================================
// Logs
// =============================================================================

// Logs returns up to limit recent log lines of a deployed service.
func (d *Deployer) Logs(ctx context.Context, serviceName, region string, limit int) ([]string, error) {
	if len(d.config.Logs) == 0 {
		return nil, domain.Configuration("logs", "no logs command configured", nil)
	}
	args, err := render(d.config.Logs, map[string]string{
		"service": serviceName,
		"region":  region,
		"limit":   strconv.Itoa(limit),
	})
	if err != nil {
		return nil, domain.Configuration("logs", "render logs command", err)
	}
	spec, err := specOf(args, "")
	if err != nil {
		return nil, domain.Configuration("logs", "no logs command configured", err)
	}

	var lines []string
	_, err = d.runner.Run(ctx, spec, func(line string) {
		lines = append(lines, line)
	})
	if err != nil {
		return nil, Classify("logs", err)
	}
	if limit > 0 && len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}
	return lines, nil
}
