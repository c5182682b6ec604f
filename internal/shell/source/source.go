// Package source materializes source references as local working copies.
package source

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/artpar/shipyard/internal/core/analysis"
	"github.com/artpar/shipyard/internal/core/domain"
)

// =============================================================================
// Workspace
// =============================================================================

// checkoutDir names the working copy of ref for a run: <repo>_<run prefix>.
func checkoutDir(workspace, ref, runID string) string {
	name := strings.TrimSuffix(strings.TrimRight(ref, "/"), ".git")
	if i := strings.LastIndexAny(name, "/:"); i >= 0 {
		name = name[i+1:]
	}
	if name == "" {
		name = "source"
	}
	short := runID
	if len(short) > 8 {
		short = short[:8]
	}
	if short == "" {
		return filepath.Join(workspace, name)
	}
	return filepath.Join(workspace, name+"_"+short)
}

// stat counts the regular files of a working copy and their total size.
// Version control metadata is not counted.
func stat(root string) (int, int64, error) {
	var count int
	var size int64
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		count++
		size += info.Size()
		return nil
	})
	return count, size, err
}

func infoOf(root, revision string) (domain.SourceInfo, error) {
	count, size, err := stat(root)
	if err != nil {
		return domain.SourceInfo{}, domain.Backend("stat", "scan working copy", err)
	}
	return domain.SourceInfo{LocalPath: root, FileCount: count, SizeBytes: size, Revision: revision}, nil
}

// =============================================================================
// Local Copies
// =============================================================================

// copyTree copies src into dst, skipping dependency and build directories.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			if rel != "." && analysis.ExcludedDirs[d.Name()] {
				return filepath.SkipDir
			}
			return os.MkdirAll(target, 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, info.Mode().Perm())
	})
}
