package source

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/artpar/shipyard/internal/core/domain"
	"github.com/artpar/shipyard/internal/shell/pipeline"
)

// LocalProvider copies a local directory into the workspace so that writing
// the generated spec never touches the original tree.
type LocalProvider struct {
	workspace string
	logger    *slog.Logger
}

// NewLocalProvider creates a local directory source provider.
func NewLocalProvider(workspace string, logger *slog.Logger) *LocalProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalProvider{workspace: workspace, logger: logger.With("component", "local_source")}
}

func (p *LocalProvider) Resolve(ctx context.Context, ref string, opts pipeline.ResolveOptions) (domain.SourceInfo, error) {
	src := strings.TrimPrefix(ref, "file://")
	fi, err := os.Stat(src)
	if err != nil {
		return domain.SourceInfo{}, domain.Configuration("resolve", "source directory "+src+" is not readable", err)
	}
	if !fi.IsDir() {
		return domain.SourceInfo{}, domain.Configuration("resolve", src+" is not a directory", nil)
	}
	if err := ctx.Err(); err != nil {
		return domain.SourceInfo{}, err
	}

	dest := checkoutDir(p.workspace, filepath.Base(filepath.Clean(src)), opts.RunID)
	if err := os.RemoveAll(dest); err != nil {
		return domain.SourceInfo{}, domain.Backend("copy", "clear previous copy", err)
	}
	if err := copyTree(src, dest); err != nil {
		_ = os.RemoveAll(dest)
		return domain.SourceInfo{}, domain.Backend("copy", "copy "+src, err)
	}

	info, err := infoOf(dest, "")
	if err != nil {
		return domain.SourceInfo{}, err
	}
	p.logger.Info("directory copied", "run_id", opts.RunID, "source", src, "path", dest, "files", info.FileCount)
	return info, nil
}
