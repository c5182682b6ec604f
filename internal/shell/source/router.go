package source

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/artpar/shipyard/internal/core/domain"
	"github.com/artpar/shipyard/internal/shell/pipeline"
)

// Router dispatches a reference to the provider for its scheme: file:// and
// filesystem paths go to Local, everything else to Remote.
type Router struct {
	Local  pipeline.SourceProvider
	Remote pipeline.SourceProvider
}

// IsLocal reports whether ref names a local directory.
func IsLocal(ref string) bool {
	return strings.HasPrefix(ref, "file://") ||
		filepath.IsAbs(ref) ||
		strings.HasPrefix(ref, "./") ||
		strings.HasPrefix(ref, "../") ||
		ref == "."
}

func (r Router) Resolve(ctx context.Context, ref string, opts pipeline.ResolveOptions) (domain.SourceInfo, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return domain.SourceInfo{}, domain.Configuration("resolve", "source reference is empty", nil)
	}
	p := r.Remote
	if IsLocal(ref) {
		p = r.Local
	}
	if p == nil {
		return domain.SourceInfo{}, domain.Configuration("resolve", "no source provider for "+ref, nil)
	}
	return p.Resolve(ctx, ref, opts)
}
