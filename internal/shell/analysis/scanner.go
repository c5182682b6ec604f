// Package analysis reads a working copy from disk and runs the static
// analyzer over it.
package analysis

import (
	"context"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	core "github.com/artpar/shipyard/internal/core/analysis"
	"github.com/artpar/shipyard/internal/core/domain"
)

// Defaults for Scanner limits.
const (
	DefaultMaxFiles       = 20000
	DefaultMaxContentSize = 1 << 20
)

// Config bounds a scan.
type Config struct {
	MaxFiles       int   `mapstructure:"max_files"`
	MaxContentSize int64 `mapstructure:"max_content_size"`
}

// Scanner implements the analysis backend over the local filesystem.
type Scanner struct {
	config Config
	logger *slog.Logger
}

// NewScanner creates a filesystem analysis backend.
func NewScanner(config Config, logger *slog.Logger) *Scanner {
	if config.MaxFiles <= 0 {
		config.MaxFiles = DefaultMaxFiles
	}
	if config.MaxContentSize <= 0 {
		config.MaxContentSize = DefaultMaxContentSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{config: config, logger: logger.With("component", "analysis")}
}

// Snapshot lists the files under root and reads the manifests the analyzer
// asks for. Listing stops at MaxFiles with a warning.
func (s *Scanner) Snapshot(ctx context.Context, root string) (core.Snapshot, []string, error) {
	snap := core.Snapshot{Contents: map[string]string{}}
	var warnings []string

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			warnings = append(warnings, "skipped unreadable path "+path)
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if d.IsDir() {
			if rel != "." && core.ExcludedDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if len(snap.Files) >= s.config.MaxFiles {
			warnings = append(warnings, "file listing truncated; analysis may be incomplete")
			return fs.SkipAll
		}
		rel = filepath.ToSlash(rel)
		snap.Files = append(snap.Files, rel)

		if core.WantsContent(rel) {
			content, err := s.read(path)
			if err != nil {
				warnings = append(warnings, rel+": "+err.Error())
				return nil
			}
			snap.Contents[rel] = content
		}
		return nil
	})
	if err != nil {
		return core.Snapshot{}, nil, err
	}
	return snap, warnings, nil
}

func (s *Scanner) read(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, s.config.MaxContentSize))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Analyze scans localPath and derives its facts.
func (s *Scanner) Analyze(ctx context.Context, localPath string) (domain.AnalysisFacts, error) {
	snap, warnings, err := s.Snapshot(ctx, localPath)
	if err != nil {
		if ctx.Err() != nil {
			return domain.AnalysisFacts{}, ctx.Err()
		}
		return domain.AnalysisFacts{}, domain.Configuration("analyze", "working copy is not readable", err)
	}

	facts, more := core.Analyze(snap)
	facts.Warnings = append(facts.Warnings, warnings...)
	facts.Warnings = append(facts.Warnings, more...)
	s.logger.Debug("analysis complete",
		"path", localPath,
		"files", len(snap.Files),
		"language", facts.Language,
		"framework", facts.Framework,
	)
	return facts, nil
}
