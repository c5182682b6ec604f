package source

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/shipyard/internal/core/domain"
	"github.com/artpar/shipyard/internal/shell/pipeline"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
}

// =============================================================================
// LocalProvider Tests
// =============================================================================

func TestLocalProvider_CopiesTree(t *testing.T) {
	src := filepath.Join(t.TempDir(), "shop")
	writeTree(t, src, map[string]string{
		"package.json":            `{"name":"shop"}`,
		"src/index.js":            "console.log(1)",
		"node_modules/x/index.js": "ignored",
		".git/HEAD":               "ignored",
	})
	ws := t.TempDir()
	p := NewLocalProvider(ws, nil)

	info, err := p.Resolve(context.Background(), "file://"+src, pipeline.ResolveOptions{RunID: "abcdefghij"})
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(ws, "shop_abcdefgh"), info.LocalPath)
	assert.Equal(t, 2, info.FileCount)
	assert.FileExists(t, filepath.Join(info.LocalPath, "src", "index.js"))
	assert.NoDirExists(t, filepath.Join(info.LocalPath, "node_modules"))
	assert.NoDirExists(t, filepath.Join(info.LocalPath, ".git"))
}

func TestLocalProvider_Missing(t *testing.T) {
	p := NewLocalProvider(t.TempDir(), nil)
	_, err := p.Resolve(context.Background(), "/does/not/exist", pipeline.ResolveOptions{})
	assert.Equal(t, domain.KindConfiguration, domain.Classify(err))
}

func TestLocalProvider_NotADirectory(t *testing.T) {
	f := filepath.Join(t.TempDir(), "file.txt")
	require.NoError(t, os.WriteFile(f, []byte("x"), 0o644))

	p := NewLocalProvider(t.TempDir(), nil)
	_, err := p.Resolve(context.Background(), f, pipeline.ResolveOptions{})
	assert.Equal(t, domain.KindConfiguration, domain.Classify(err))
}

// =============================================================================
// Router Tests
// =============================================================================

type namedProvider struct {
	name string
	refs []string
}

func (n *namedProvider) Resolve(_ context.Context, ref string, _ pipeline.ResolveOptions) (domain.SourceInfo, error) {
	n.refs = append(n.refs, ref)
	return domain.SourceInfo{LocalPath: n.name}, nil
}

func TestRouter(t *testing.T) {
	local := &namedProvider{name: "local"}
	remote := &namedProvider{name: "remote"}
	r := Router{Local: local, Remote: remote}

	tests := []struct {
		ref  string
		want string
	}{
		{"https://github.com/acme/shop", "remote"},
		{"git@github.com:acme/shop.git", "remote"},
		{"file:///srv/app", "local"},
		{"/srv/app", "local"},
		{"./app", "local"},
		{".", "local"},
	}
	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			info, err := r.Resolve(context.Background(), tt.ref, pipeline.ResolveOptions{})
			require.NoError(t, err)
			assert.Equal(t, tt.want, info.LocalPath)
		})
	}
}

func TestRouter_EmptyAndMissingProvider(t *testing.T) {
	_, err := Router{}.Resolve(context.Background(), "  ", pipeline.ResolveOptions{})
	assert.Equal(t, domain.KindConfiguration, domain.Classify(err))

	_, err = Router{}.Resolve(context.Background(), "https://github.com/a/b", pipeline.ResolveOptions{})
	assert.Equal(t, domain.KindConfiguration, domain.Classify(err))
}
