// Package workers contains background workers for Shipyard.
package workers

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// JanitorConfig configures the janitor worker.
type JanitorConfig struct {
	// Interval is the time between cleanup cycles.
	// Default: 10 minutes.
	Interval time.Duration `mapstructure:"interval"`

	// WorkspaceTTL is how long a working copy may stay on disk.
	// Default: 1 hour.
	WorkspaceTTL time.Duration `mapstructure:"workspace_ttl"`

	// HistoryTTL is how long the event history of a finished run is kept
	// for late subscribers. Default: 30 minutes.
	HistoryTTL time.Duration `mapstructure:"history_ttl"`

	// RunRetention is how long finished runs stay in the store. Zero keeps
	// them forever.
	RunRetention time.Duration `mapstructure:"run_retention"`

	// MaxConcurrent is the maximum number of directories removed at once.
	// Default: 4.
	MaxConcurrent int `mapstructure:"max_concurrent"`
}

// DefaultJanitorConfig returns the default configuration.
func DefaultJanitorConfig() JanitorConfig {
	return JanitorConfig{
		Interval:      10 * time.Minute,
		WorkspaceTTL:  time.Hour,
		HistoryTTL:    30 * time.Minute,
		MaxConcurrent: 4,
	}
}

// HistoryPruner drops the buffered events of finished runs.
type HistoryPruner interface {
	Prune(maxAge time.Duration) int
}

// RunPruner deletes finished runs from the store.
type RunPruner interface {
	DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// JanitorDeps are the resources the janitor cleans. Any may be left unset.
type JanitorDeps struct {
	// Workspace is the directory holding working copies.
	Workspace string
	History   HistoryPruner
	Runs      RunPruner
	// Active returns the ids of runs in flight; their working copies are
	// never removed.
	Active func() []string
}

// CycleReport counts what one cleanup cycle removed.
type CycleReport struct {
	Workspaces int
	Histories  int
	Runs       int
}

// Janitor periodically removes stale working copies, event histories and
// expired run records.
type Janitor struct {
	deps   JanitorDeps
	config JanitorConfig
	logger *slog.Logger
	now    func() time.Time

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewJanitor creates a new janitor worker.
func NewJanitor(deps JanitorDeps, config JanitorConfig, logger *slog.Logger) *Janitor {
	defaults := DefaultJanitorConfig()
	if config.Interval == 0 {
		config.Interval = defaults.Interval
	}
	if config.WorkspaceTTL == 0 {
		config.WorkspaceTTL = defaults.WorkspaceTTL
	}
	if config.HistoryTTL == 0 {
		config.HistoryTTL = defaults.HistoryTTL
	}
	if config.MaxConcurrent == 0 {
		config.MaxConcurrent = defaults.MaxConcurrent
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		deps:   deps,
		config: config,
		logger: logger.With("component", "janitor"),
		now:    time.Now,
	}
}

// Start begins the janitor background goroutine.
func (j *Janitor) Start() {
	j.ctx, j.cancel = context.WithCancel(context.Background())

	j.wg.Add(1)
	go j.run()

	j.logger.Info("janitor started",
		"interval", j.config.Interval,
		"workspace", j.deps.Workspace,
		"workspace_ttl", j.config.WorkspaceTTL,
		"run_retention", j.config.RunRetention,
	)
}

// Stop stops the janitor and waits for a cycle in progress to finish.
func (j *Janitor) Stop() {
	if j.cancel != nil {
		j.cancel()
	}
	j.wg.Wait()
	j.logger.Info("janitor stopped")
}

func (j *Janitor) run() {
	defer j.wg.Done()

	ticker := time.NewTicker(j.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-j.ctx.Done():
			return
		case <-ticker.C:
			j.RunCycle(j.ctx)
		}
	}
}

// RunCycle performs one cleanup pass. Failures are logged and do not stop
// the remaining steps.
func (j *Janitor) RunCycle(ctx context.Context) CycleReport {
	var report CycleReport

	if j.deps.Workspace != "" {
		n, err := j.pruneWorkspace(ctx)
		if err != nil {
			j.logger.Error("failed to prune workspace", "error", err)
		}
		report.Workspaces = n
	}

	if j.deps.History != nil {
		report.Histories = j.deps.History.Prune(j.config.HistoryTTL)
	}

	if j.deps.Runs != nil && j.config.RunRetention > 0 {
		n, err := j.deps.Runs.DeleteFinishedBefore(ctx, j.now().Add(-j.config.RunRetention))
		if err != nil {
			j.logger.Error("failed to delete expired runs", "error", err)
		}
		report.Runs = n
	}

	if report != (CycleReport{}) {
		j.logger.Info("cleanup cycle finished",
			"workspaces", report.Workspaces,
			"histories", report.Histories,
			"runs", report.Runs,
		)
	}
	return report
}

// pruneWorkspace removes working copies older than WorkspaceTTL that do
// not belong to an active run.
func (j *Janitor) pruneWorkspace(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(j.deps.Workspace)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}

	var active []string
	if j.deps.Active != nil {
		active = j.deps.Active()
	}
	cutoff := j.now().Add(-j.config.WorkspaceTTL)

	var (
		mu      sync.Mutex
		removed int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(j.config.MaxConcurrent)

	for _, e := range entries {
		if !e.IsDir() || belongsToActive(e.Name(), active) {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(j.deps.Workspace, e.Name())
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			if err := os.RemoveAll(path); err != nil {
				j.logger.Warn("failed to remove working copy", "path", path, "error", err)
				return nil
			}
			j.logger.Debug("removed working copy", "path", path)
			mu.Lock()
			removed++
			mu.Unlock()
			return nil
		})
	}
	err = g.Wait()
	return removed, err
}

// belongsToActive reports whether a working copy directory, named
// <repo>_<first 8 characters of the run id>, belongs to an active run.
func belongsToActive(name string, active []string) bool {
	i := strings.LastIndex(name, "_")
	if i < 0 {
		return false
	}
	suffix := name[i+1:]
	for _, id := range active {
		if suffix != "" && strings.HasPrefix(id, suffix) {
			return true
		}
	}
	return false
}
