package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/artpar/shipyard/internal/core/containerspec"
	"github.com/artpar/shipyard/internal/core/domain"
	"github.com/artpar/shipyard/internal/core/security"
)

// =============================================================================
// Configuration
// =============================================================================

// Config tunes the orchestrator.
type Config struct {
	Retry         RetryPolicy
	StageTimeouts map[domain.Stage]time.Duration
	SinkTimeout   time.Duration
	// Registry prefixes built image references, e.g. "gcr.io/project".
	Registry string
	// Region is passed to the deploy backend when the run does not set one.
	Region string
	// OutputRate limits raw build/deploy lines forwarded as progress events.
	OutputRate  rate.Limit
	OutputBurst int
	// PersistTimeout bounds each store or artifact write.
	PersistTimeout time.Duration
}

// DefaultStageTimeouts returns the per-stage deadlines.
func DefaultStageTimeouts() map[domain.Stage]time.Duration {
	return map[domain.Stage]time.Duration{
		domain.StageRepoAccess:     10 * time.Minute,
		domain.StageCodeAnalysis:   2 * time.Minute,
		domain.StageSpecGeneration: time.Minute,
		domain.StageSecurityScan:   time.Minute,
		domain.StageImageBuild:     30 * time.Minute,
		domain.StageServiceDeploy:  15 * time.Minute,
	}
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		Retry:          DefaultRetryPolicy(),
		StageTimeouts:  DefaultStageTimeouts(),
		SinkTimeout:    DefaultSinkTimeout,
		Registry:       "shipyard.local",
		OutputRate:     rate.Limit(5),
		OutputBurst:    10,
		PersistTimeout: 5 * time.Second,
	}
}

// Dependencies are the collaborators of an orchestrator. Source, Analyzer,
// Builder and Deployer are required; the rest may be nil.
type Dependencies struct {
	Source    SourceProvider
	Analyzer  AnalysisBackend
	Generator SpecGenerator
	Builder   BuildBackend
	Deployer  DeployBackend
	Metrics   MetricsRecorder
	Store     RunStore
	Artifacts ArtifactStore
}

// =============================================================================
// Orchestrator
// =============================================================================

// Orchestrator runs the fixed stage sequence for one run at a time per call;
// separate calls may run concurrently.
type Orchestrator struct {
	deps   Dependencies
	config Config
	logger *slog.Logger
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(deps Dependencies, config Config, logger *slog.Logger) *Orchestrator {
	defaults := DefaultConfig()
	if config.Retry.MaxRetries == 0 {
		config.Retry = defaults.Retry
	}
	if config.StageTimeouts == nil {
		config.StageTimeouts = defaults.StageTimeouts
	}
	if config.SinkTimeout == 0 {
		config.SinkTimeout = defaults.SinkTimeout
	}
	if config.Registry == "" {
		config.Registry = defaults.Registry
	}
	if config.OutputRate == 0 {
		config.OutputRate = defaults.OutputRate
		config.OutputBurst = defaults.OutputBurst
	}
	if config.PersistTimeout == 0 {
		config.PersistTimeout = defaults.PersistTimeout
	}
	if deps.Generator == nil {
		deps.Generator = SpecGeneratorFunc(containerspec.Generate)
	}
	if deps.Metrics == nil {
		deps.Metrics = nopMetrics{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		deps:   deps,
		config: config,
		logger: logger.With("component", "orchestrator"),
	}
}

// runState carries what earlier stages produced to later ones.
type runState struct {
	run     *domain.PipelineRun
	tracker *Tracker
	logger  *slog.Logger

	source domain.SourceInfo
	facts  domain.AnalysisFacts
	spec   domain.ContainerSpec
	env    map[string]string
	build  domain.BuildResult
	deploy domain.DeployResult
}

type stageFunc func(ctx context.Context, st *runState) (map[string]string, error)

// Execute runs every stage of run in order, reporting to sink. It returns
// the run result on success or a *domain.PipelineError naming the failing
// stage. Cancelling ctx cancels the run: the flag is checked before each
// stage and forwarded to the stage in flight.
func (o *Orchestrator) Execute(ctx context.Context, run *domain.PipelineRun, sink Sink) (domain.RunResult, error) {
	logger := o.logger.With("run_id", run.ID, "service", run.ServiceName)
	st := &runState{
		run:     run,
		tracker: NewTracker(run.ID, run.ServiceName, sink, o.config.SinkTimeout, logger),
		logger:  logger,
	}
	defer st.tracker.Close()

	o.deps.Metrics.StartRun(run.ID, run.ServiceName)
	o.save(ctx, logger, "create run", func(c context.Context, s RunStore) error {
		return s.CreateRun(c, run)
	})
	logger.Info("run started", "source", run.SourceReference)

	env, envWarnings := security.SanitizeEnvVars(run.Options.EnvVars)
	st.env = env
	for _, w := range envWarnings {
		o.warn(ctx, st, w)
	}

	stages := []struct {
		stage domain.Stage
		fn    stageFunc
	}{
		{domain.StageRepoAccess, o.repoAccess},
		{domain.StageCodeAnalysis, o.codeAnalysis},
		{domain.StageSpecGeneration, o.specGeneration},
		{domain.StageSecurityScan, o.securityScan},
		{domain.StageImageBuild, o.imageBuild},
		{domain.StageServiceDeploy, o.serviceDeploy},
	}

	for _, s := range stages {
		if ctx.Err() != nil {
			return domain.RunResult{}, o.cancel(ctx, st, s.stage)
		}
		if err := o.runStage(ctx, st, s.stage, s.fn); err != nil {
			if domain.Classify(err) == domain.KindCancelled {
				return domain.RunResult{}, o.cancel(ctx, st, s.stage)
			}
			return domain.RunResult{}, o.fail(ctx, st, s.stage, err)
		}
	}

	return o.succeed(ctx, st)
}

// runStage executes one stage under its timeout and the retry policy and
// records its result.
func (o *Orchestrator) runStage(ctx context.Context, st *runState, stage domain.Stage, fn stageFunc) error {
	logger := st.logger.With("stage", stage)
	stageCtx := ctx
	timeout := o.config.StageTimeouts[stage]
	if timeout > 0 {
		var cancel context.CancelFunc
		stageCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	exec := &Executor{
		Policy: o.config.Retry,
		Logger: logger,
		OnRetry: func(stage domain.Stage, attempt int, delay time.Duration, err error) {
			o.deps.Metrics.RecordRetry(st.run.ID, stage)
			st.tracker.EmitWarning(fmt.Sprintf("%s attempt %d failed, retrying in %s: %v", stage.Label(), attempt, delay, err))
		},
	}

	logger.Info("stage started")
	start := time.Now()
	var metadata map[string]string
	attempts, err := exec.Execute(stageCtx, stage, func(c context.Context) error {
		md, err := fn(c, st)
		metadata = md
		return err
	})
	duration := time.Since(start)

	if err != nil && ctx.Err() == nil && errors.Is(stageCtx.Err(), context.DeadlineExceeded) {
		err = &domain.StageError{
			Stage:   stage,
			Kind:    domain.KindBackend,
			Op:      "timeout",
			Message: fmt.Sprintf("stage exceeded its %s timeout", timeout),
			Err:     err,
		}
	}

	status := domain.StageSuccess
	switch {
	case err == nil:
	case domain.Classify(err) == domain.KindCancelled || ctx.Err() != nil:
		status = domain.StageCancelled
	default:
		status = domain.StageFailed
	}

	res := domain.StageResult{
		Stage:    stage,
		Status:   status,
		Duration: duration,
		Attempts: attempts,
		Metadata: metadata,
	}
	if rerr := st.run.RecordStage(res); rerr != nil {
		logger.Error("failed to record stage", "error", rerr)
	}
	o.deps.Metrics.RecordStage(st.run.ID, stage, status, duration)
	o.save(ctx, logger, "append stage", func(c context.Context, s RunStore) error {
		return s.AppendStageResult(c, st.run.ID, res)
	})

	if err != nil {
		logger.Error("stage failed", "attempts", attempts, "duration", duration, "error", err)
		if ctx.Err() != nil {
			return domain.Cancelled(stage)
		}
		return err
	}
	logger.Info("stage completed", "attempts", attempts, "duration", duration)
	return nil
}

// =============================================================================
// Terminal Transitions
// =============================================================================

func (o *Orchestrator) fail(ctx context.Context, st *runState, stage domain.Stage, err error) error {
	perr := domain.NewPipelineError(st.run.ID, stage, err, st.run.Warnings)
	st.tracker.EmitError(stage, perr.Message)
	o.deps.Metrics.RecordError(st.run.ID, fmt.Sprintf("%s: %s", stage, perr.Message))
	if ferr := st.run.Fail(stage, perr.Message); ferr != nil {
		st.logger.Error("failed to mark run failed", "error", ferr)
	}
	o.finish(ctx, st)
	st.logger.Error("run failed", "stage", stage, "kind", perr.Kind, "error", perr.Message)
	return perr
}

func (o *Orchestrator) cancel(ctx context.Context, st *runState, stage domain.Stage) error {
	st.tracker.Cancelled(stage)
	if cerr := st.run.Cancel(stage); cerr != nil {
		st.logger.Error("failed to mark run cancelled", "error", cerr)
	}
	o.finish(ctx, st)
	st.logger.Warn("run cancelled", "stage", stage)
	return domain.NewPipelineError(st.run.ID, stage, domain.Cancelled(stage), st.run.Warnings)
}

func (o *Orchestrator) succeed(ctx context.Context, st *runState) (domain.RunResult, error) {
	if err := st.run.Succeed(st.deploy); err != nil {
		st.logger.Error("failed to mark run successful", "error", err)
	}
	st.tracker.Done(st.deploy.URL)
	o.finish(ctx, st)
	st.logger.Info("run succeeded", "url", st.deploy.URL, "duration", st.run.Duration())
	return domain.ResultOf(st.run), nil
}

// finish records the terminal state once. Writes use a fresh context so a
// cancelled run is still persisted.
func (o *Orchestrator) finish(_ context.Context, st *runState) {
	if err := o.deps.Metrics.CompleteRun(st.run.ID, st.run.Status); err != nil {
		st.logger.Error("failed to complete run metrics", "error", err)
	}
	bg := context.Background()
	o.save(bg, st.logger, "finish run", func(c context.Context, s RunStore) error {
		return s.FinishRun(c, st.run)
	})
	if o.deps.Artifacts != nil {
		o.bestEffort(bg, st.logger, "upload report", func(c context.Context) error {
			_, err := o.deps.Artifacts.PutReport(c, st.run)
			return err
		})
	}
}

func (o *Orchestrator) warn(ctx context.Context, st *runState, msg string) {
	if err := st.run.AddWarning(msg); err != nil {
		st.logger.Debug("warning after completion", "message", msg)
		return
	}
	st.tracker.EmitWarning(msg)
	o.deps.Metrics.RecordWarning(st.run.ID, msg)
	o.save(ctx, st.logger, "append warning", func(c context.Context, s RunStore) error {
		return s.AppendWarning(c, st.run.ID, msg)
	})
}

// save writes to the run store when one is configured.
func (o *Orchestrator) save(ctx context.Context, logger *slog.Logger, op string, fn func(context.Context, RunStore) error) {
	if o.deps.Store == nil {
		return
	}
	o.bestEffort(ctx, logger, op, func(c context.Context) error {
		return fn(c, o.deps.Store)
	})
}

// bestEffort runs a bounded write. Failures are logged, never fatal.
func (o *Orchestrator) bestEffort(ctx context.Context, logger *slog.Logger, op string, fn func(context.Context) error) {
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	c, cancel := context.WithTimeout(ctx, o.config.PersistTimeout)
	defer cancel()
	if err := fn(c); err != nil {
		logger.Warn("persistence failed", "op", op, "error", err)
	}
}

// imageRef names the image of a run: <registry>/<service>:<short run id>.
func (o *Orchestrator) imageRef(run *domain.PipelineRun) string {
	tag := run.ID
	if len(tag) > 8 {
		tag = tag[:8]
	}
	return fmt.Sprintf("%s/%s:%s", o.config.Registry, run.ServiceName, tag)
}

// =============================================================================
// No-op Metrics
// =============================================================================

type nopMetrics struct{}

func (nopMetrics) StartRun(string, string) {}

func (nopMetrics) RecordStage(string, domain.Stage, domain.StageStatus, time.Duration) {}

func (nopMetrics) RecordRetry(string, domain.Stage) {}

func (nopMetrics) RecordError(string, string) {}

func (nopMetrics) RecordWarning(string, string) {}

func (nopMetrics) CompleteRun(string, domain.RunStatus) error { return nil }
