package source

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"

	"github.com/artpar/shipyard/internal/core/domain"
	"github.com/artpar/shipyard/internal/shell/command"
	"github.com/artpar/shipyard/internal/shell/pipeline"
)

// GitConfig configures the git provider.
type GitConfig struct {
	Workspace string `mapstructure:"workspace"`
	GitBinary string `mapstructure:"git_binary"`
	// Token is injected into github.com https URLs.
	Token string `mapstructure:"github_token"`
}

// GitProvider shallow-clones remote repositories.
type GitProvider struct {
	config GitConfig
	runner command.Runner
	logger *slog.Logger
}

// NewGitProvider creates a git source provider.
func NewGitProvider(config GitConfig, runner command.Runner, logger *slog.Logger) *GitProvider {
	if config.GitBinary == "" {
		config.GitBinary = "git"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GitProvider{config: config, runner: runner, logger: logger.With("component", "git_source")}
}

// CloneURL rewrites ref into an https URL, injecting token for github.com.
func CloneURL(ref, token string) string {
	url := ref
	if strings.HasPrefix(url, "git@github.com:") {
		url = "https://github.com/" + strings.TrimPrefix(url, "git@github.com:")
	}
	if token != "" && strings.HasPrefix(url, "https://github.com/") {
		url = "https://x-access-token:" + token + "@" + strings.TrimPrefix(url, "https://")
	}
	return url
}

// Resolve clones ref into the workspace. A missing "main" branch is retried
// as "master".
func (p *GitProvider) Resolve(ctx context.Context, ref string, opts pipeline.ResolveOptions) (domain.SourceInfo, error) {
	if err := os.MkdirAll(p.config.Workspace, 0o755); err != nil {
		return domain.SourceInfo{}, domain.Configuration("clone", "create workspace", err)
	}
	dest := checkoutDir(p.config.Workspace, ref, opts.RunID)
	if err := os.RemoveAll(dest); err != nil {
		return domain.SourceInfo{}, domain.Backend("clone", "clear previous checkout", err)
	}

	branch := opts.Branch
	if branch == "" {
		branch = "main"
	}
	url := CloneURL(ref, p.config.Token)
	logger := p.logger.With("run_id", opts.RunID, "ref", ref)

	err := p.clone(ctx, url, branch, dest)
	if err != nil && branch == "main" && opts.Branch == "" && isMissingBranch(err) {
		logger.Info("branch main not found, retrying with master")
		_ = os.RemoveAll(dest)
		err = p.clone(ctx, url, "master", dest)
	}
	if err != nil {
		_ = os.RemoveAll(dest)
		return domain.SourceInfo{}, err
	}

	revision, err := p.revision(ctx, dest)
	if err != nil {
		logger.Warn("could not read revision", "error", err)
	}
	info, err := infoOf(dest, revision)
	if err != nil {
		return domain.SourceInfo{}, err
	}
	logger.Info("repository cloned", "path", dest, "files", info.FileCount, "bytes", info.SizeBytes)
	return info, nil
}

func (p *GitProvider) clone(ctx context.Context, url, branch, dest string) error {
	spec := command.Spec{
		Name:   p.config.GitBinary,
		Args:   []string{"clone", "--depth", "1", "--branch", branch, url, dest},
		Env:    []string{"GIT_TERMINAL_PROMPT=0"},
		Redact: []string{p.config.Token},
	}
	_, err := p.runner.Run(ctx, spec, nil)
	return command.Classify("clone", err)
}

func (p *GitProvider) revision(ctx context.Context, dir string) (string, error) {
	out, err := p.runner.Run(ctx, command.Spec{
		Name: p.config.GitBinary,
		Args: []string{"rev-parse", "HEAD"},
		Dir:  dir,
	}, nil)
	if err != nil {
		return "", err
	}
	return out.Last(), nil
}

func isMissingBranch(err error) bool {
	var exitErr *command.ExitError
	if !errors.As(err, &exitErr) {
		return false
	}
	text := strings.ToLower(strings.Join(exitErr.Tail, "\n"))
	return strings.Contains(text, "remote branch") && strings.Contains(text, "not found")
}
