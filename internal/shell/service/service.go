// Package service is the entry point of the engine: it starts, tracks and
// cancels pipeline runs and answers the non-deploy requests.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/artpar/shipyard/internal/core/containerspec"
	"github.com/artpar/shipyard/internal/core/domain"
	"github.com/artpar/shipyard/internal/core/security"
	"github.com/artpar/shipyard/internal/shell/broker"
	"github.com/artpar/shipyard/internal/shell/metrics"
	"github.com/artpar/shipyard/internal/shell/pipeline"
	"github.com/artpar/shipyard/internal/shell/store"
)

// =============================================================================
// Errors
// =============================================================================

var (
	ErrRunNotFound        = errors.New("run not found")
	ErrRunNotActive       = errors.New("run is not active")
	ErrShuttingDown       = errors.New("service is shutting down")
	ErrUnsupportedRequest = errors.New("unsupported request")
	ErrNotConfigured      = errors.New("feature is not configured")
)

// =============================================================================
// Collaborators
// =============================================================================

// LogReader fetches recent logs of a deployed service.
type LogReader interface {
	Logs(ctx context.Context, serviceName, region string, limit int) ([]string, error)
}

// RepoCatalog lists repositories of an account.
type RepoCatalog interface {
	ListRepos(ctx context.Context, owner string, limit int) ([]domain.Repository, error)
}

// Dependencies are the collaborators of a Service. Logs and Catalog may be
// nil; the matching requests then fail with ErrNotConfigured.
type Dependencies struct {
	Orchestrator *pipeline.Orchestrator
	Source       pipeline.SourceProvider
	Analyzer     pipeline.AnalysisBackend
	Generator    pipeline.SpecGenerator
	Store        store.Store
	Hub          *broker.Hub
	Metrics      *metrics.Recorder
	Logs         LogReader
	Catalog      RepoCatalog
}

// Config tunes the service.
type Config struct {
	// MaxConcurrentRuns bounds the runs executing at once; others queue.
	MaxConcurrentRuns int64 `mapstructure:"max_concurrent_runs"`
	// RunTimeout bounds a whole run. Zero means no limit.
	RunTimeout time.Duration `mapstructure:"run_timeout"`
	// FailOnSecurityIssue is the default of the run option.
	FailOnSecurityIssue bool `mapstructure:"fail_on_security_issue"`
	// Region answers logs requests.
	Region string `mapstructure:"region"`
	// DefaultLogLines is used when a logs request sets no limit.
	DefaultLogLines int `mapstructure:"default_log_lines"`
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{MaxConcurrentRuns: 4, DefaultLogLines: 100}
}

// =============================================================================
// Service
// =============================================================================

type activeRun struct {
	cancel   context.CancelFunc
	done     chan struct{}
	snapshot *domain.PipelineRun
	result   domain.RunResult
	err      error
}

// Service owns the in-flight runs of the process.
type Service struct {
	deps   Dependencies
	config Config
	logger *slog.Logger
	sem    *semaphore.Weighted

	mu       sync.Mutex
	active   map[string]*activeRun
	closed   bool
	wg       sync.WaitGroup
	baseCtx  context.Context
	stopRuns context.CancelFunc
}

// New creates a service.
func New(deps Dependencies, config Config, logger *slog.Logger) *Service {
	defaults := DefaultConfig()
	if config.MaxConcurrentRuns <= 0 {
		config.MaxConcurrentRuns = defaults.MaxConcurrentRuns
	}
	if config.DefaultLogLines <= 0 {
		config.DefaultLogLines = defaults.DefaultLogLines
	}
	if deps.Generator == nil {
		deps.Generator = pipeline.SpecGeneratorFunc(containerspec.Generate)
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		deps:     deps,
		config:   config,
		logger:   logger.With("component", "service"),
		sem:      semaphore.NewWeighted(config.MaxConcurrentRuns),
		active:   make(map[string]*activeRun),
		baseCtx:  ctx,
		stopRuns: cancel,
	}
}

// ServiceNameFor returns name when set, else a name derived from the last
// path element of the source reference.
func ServiceNameFor(name, sourceReference string) string {
	if name != "" {
		return name
	}
	ref := strings.TrimSuffix(strings.TrimRight(sourceReference, "/"), ".git")
	return domain.Slugify(path.Base(strings.ReplaceAll(ref, ":", "/")))
}

// StartRun validates req and starts its run in the background. The run id
// is returned immediately; progress is available through Subscribe.
func (s *Service) StartRun(ctx context.Context, req domain.DeployRequest) (string, error) {
	if strings.TrimSpace(req.SourceReference) == "" {
		return "", domain.Configuration("start_run", "source reference is required", nil)
	}
	name := ServiceNameFor(req.ServiceName, req.SourceReference)
	if err := domain.ValidateServiceName(name); err != nil {
		return "", err
	}
	opts := req.Options.Clone()
	opts.FailOnSecurityIssue = opts.FailOnSecurityIssue || s.config.FailOnSecurityIssue

	run := domain.NewPipelineRun(name, strings.TrimSpace(req.SourceReference), opts)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrShuttingDown
	}
	runCtx, cancel := context.WithCancel(s.baseCtx)
	if s.config.RunTimeout > 0 {
		runCtx, cancel = withTimeout(runCtx, cancel, s.config.RunTimeout)
	}
	ar := &activeRun{cancel: cancel, done: make(chan struct{}), snapshot: run.Clone()}
	s.active[run.ID] = ar
	s.wg.Add(1)
	s.mu.Unlock()

	s.logger.Info("run accepted", "run_id", run.ID, "service", name, "source", run.SourceReference)
	go s.execute(runCtx, run, ar)
	return run.ID, nil
}

func withTimeout(parent context.Context, cancelParent context.CancelFunc, d time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(parent, d)
	return ctx, func() {
		cancel()
		cancelParent()
	}
}

func (s *Service) execute(ctx context.Context, run *domain.PipelineRun, ar *activeRun) {
	defer s.wg.Done()
	defer ar.cancel()

	if err := s.sem.Acquire(ctx, 1); err == nil {
		defer s.sem.Release(1)
	}
	// A cancelled context is handed to Execute so a run cancelled while
	// queued is still recorded as cancelled.
	result, err := s.deps.Orchestrator.Execute(ctx, run, s.deps.Hub)
	s.deps.Hub.Close(run.ID)
	if err != nil {
		result = domain.ResultOf(run)
	}

	s.mu.Lock()
	ar.result, ar.err = result, err
	delete(s.active, run.ID)
	s.mu.Unlock()
	close(ar.done)
}

// Run starts a run and waits for it.
func (s *Service) Run(ctx context.Context, req domain.DeployRequest) (domain.RunResult, error) {
	id, err := s.StartRun(ctx, req)
	if err != nil {
		return domain.RunResult{}, err
	}
	return s.Wait(ctx, id)
}

// Wait blocks until the active run id finishes. If ctx ends first the run
// is cancelled and Wait still returns its final outcome.
func (s *Service) Wait(ctx context.Context, id string) (domain.RunResult, error) {
	s.mu.Lock()
	ar, ok := s.active[id]
	s.mu.Unlock()
	if !ok {
		return domain.RunResult{}, ErrRunNotActive
	}
	select {
	case <-ar.done:
	case <-ctx.Done():
		ar.cancel()
		<-ar.done
	}
	return ar.result, ar.err
}

// Cancel requests cancellation of an active run.
func (s *Service) Cancel(id string) error {
	s.mu.Lock()
	ar, ok := s.active[id]
	s.mu.Unlock()
	if !ok {
		return ErrRunNotActive
	}
	s.logger.Info("run cancellation requested", "run_id", id)
	ar.cancel()
	return nil
}

// Active returns the ids of the runs in flight.
func (s *Service) Active() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	return ids
}

// Subscribe streams the progress events of a run. Events published before
// the call are replayed; the channel closes when the run ends.
func (s *Service) Subscribe(id string) (<-chan domain.ProgressEvent, func(), error) {
	s.mu.Lock()
	_, active := s.active[id]
	s.mu.Unlock()
	if !active && len(s.deps.Hub.History(id)) == 0 {
		return nil, nil, ErrRunNotFound
	}
	ch, cancel := s.deps.Hub.Subscribe(id)
	return ch, cancel, nil
}

// GetRun returns the stored record of a run. A run that has started but
// not yet been persisted is returned as it was accepted.
func (s *Service) GetRun(ctx context.Context, id string) (*domain.PipelineRun, error) {
	run, err := s.deps.Store.GetRun(ctx, id)
	if err == nil {
		return run, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	s.mu.Lock()
	ar, ok := s.active[id]
	s.mu.Unlock()
	if ok {
		return ar.snapshot.Clone(), nil
	}
	return nil, ErrRunNotFound
}

// ListRuns returns stored runs, newest first.
func (s *Service) ListRuns(ctx context.Context, filter store.RunFilter, opts store.ListOptions) ([]domain.PipelineRun, error) {
	return s.deps.Store.ListRuns(ctx, filter, opts)
}

// RunMetrics returns the metrics of a recent run.
func (s *Service) RunMetrics(id string) (domain.RunMetrics, bool) {
	return s.deps.Metrics.RunMetrics(id)
}

// Aggregate returns the metrics over all completed runs.
func (s *Service) Aggregate() domain.AggregateMetrics {
	return s.deps.Metrics.Aggregate()
}

// Shutdown stops accepting runs, cancels those in flight and waits for them
// to record their outcome or for ctx to end.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	n := len(s.active)
	s.mu.Unlock()

	if n > 0 {
		s.logger.Info("cancelling active runs", "count", n)
	}
	s.stopRuns()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// =============================================================================
// Requests
// =============================================================================

// RunAccepted answers a DeployRequest.
type RunAccepted struct {
	RunID string `json:"run_id"`
}

// Handle answers any request variant.
func (s *Service) Handle(ctx context.Context, req domain.Request) (any, error) {
	switch r := req.(type) {
	case domain.DeployRequest:
		id, err := s.StartRun(ctx, r)
		if err != nil {
			return nil, err
		}
		return RunAccepted{RunID: id}, nil
	case domain.AnalyzeRequest:
		return s.Analyze(ctx, r)
	case domain.ListReposRequest:
		return s.ListRepos(ctx, r)
	case domain.LogsRequest:
		return s.Logs(ctx, r)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedRequest, req)
	}
}

// Analyze resolves and analyzes a source and reports the container spec it
// would get, without building anything. The working copy is removed after.
func (s *Service) Analyze(ctx context.Context, req domain.AnalyzeRequest) (domain.AnalysisReport, error) {
	if strings.TrimSpace(req.SourceReference) == "" {
		return domain.AnalysisReport{}, domain.Configuration("analyze", "source reference is required", nil)
	}
	id := uuid.New().String()
	logger := s.logger.With("request_id", id, "source", req.SourceReference)

	info, err := s.deps.Source.Resolve(ctx, req.SourceReference, pipeline.ResolveOptions{RunID: id, Branch: req.Branch})
	if err != nil {
		return domain.AnalysisReport{}, err
	}
	defer func() {
		if err := os.RemoveAll(info.LocalPath); err != nil {
			logger.Warn("failed to remove working copy", "path", info.LocalPath, "error", err)
		}
	}()

	facts, err := s.deps.Analyzer.Analyze(ctx, info.LocalPath)
	if err != nil {
		return domain.AnalysisReport{}, err
	}
	spec, err := s.deps.Generator.Generate(facts)
	if err != nil {
		return domain.AnalysisReport{}, err
	}
	logger.Info("source analyzed", "language", facts.Language, "framework", facts.Framework)
	return domain.AnalysisReport{
		Source:   info,
		Facts:    facts,
		Spec:     spec,
		Findings: security.Scan(spec.Dockerfile),
	}, nil
}

// ListRepos answers a ListReposRequest.
func (s *Service) ListRepos(ctx context.Context, req domain.ListReposRequest) ([]domain.Repository, error) {
	if s.deps.Catalog == nil {
		return nil, fmt.Errorf("%w: repository catalog", ErrNotConfigured)
	}
	return s.deps.Catalog.ListRepos(ctx, req.Owner, req.Limit)
}

// Logs answers a LogsRequest.
func (s *Service) Logs(ctx context.Context, req domain.LogsRequest) ([]string, error) {
	if s.deps.Logs == nil {
		return nil, fmt.Errorf("%w: service logs", ErrNotConfigured)
	}
	if err := domain.ValidateServiceName(req.ServiceName); err != nil {
		return nil, err
	}
	limit := req.Limit
	if limit <= 0 {
		limit = s.config.DefaultLogLines
	}
	return s.deps.Logs.Logs(ctx, req.ServiceName, s.config.Region, limit)
}
