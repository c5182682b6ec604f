// Package pipeline sequences the deployment stages of a run. It owns the
// retry policy, progress reporting and lifecycle record of each run and
// talks to the outside world only through the interfaces declared here.
package pipeline

import (
	"context"
	"time"

	"github.com/artpar/shipyard/internal/core/domain"
)

// =============================================================================
// Collaborators
// =============================================================================

// ResolveOptions narrows what a source provider fetches.
type ResolveOptions struct {
	RunID  string
	Branch string
}

// SourceProvider materializes a source reference as a local working copy.
type SourceProvider interface {
	Resolve(ctx context.Context, ref string, opts ResolveOptions) (domain.SourceInfo, error)
}

// AnalysisBackend inspects a working copy.
type AnalysisBackend interface {
	Analyze(ctx context.Context, localPath string) (domain.AnalysisFacts, error)
}

// SpecGenerator produces the container build definition from analysis facts.
type SpecGenerator interface {
	Generate(facts domain.AnalysisFacts) (domain.ContainerSpec, error)
}

// SpecGeneratorFunc adapts a function to SpecGenerator.
type SpecGeneratorFunc func(facts domain.AnalysisFacts) (domain.ContainerSpec, error)

func (f SpecGeneratorFunc) Generate(facts domain.AnalysisFacts) (domain.ContainerSpec, error) {
	return f(facts)
}

// LineFunc receives raw backend output, one line at a time.
type LineFunc = func(line string)

// BuildBackend turns a working copy into an image.
type BuildBackend interface {
	Build(ctx context.Context, params domain.BuildParams, onLine LineFunc) (domain.BuildResult, error)
}

// DeployBackend runs an image as a reachable service.
type DeployBackend interface {
	Deploy(ctx context.Context, params domain.DeployParams, onLine LineFunc) (domain.DeployResult, error)
}

// =============================================================================
// Observers
// =============================================================================

// Sink receives progress events one at a time, in sequence order. Publish
// should return once ctx is done; a call that does not is abandoned and the
// events behind it are dropped until it returns.
type Sink interface {
	Publish(ctx context.Context, ev domain.ProgressEvent) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev domain.ProgressEvent) error

func (f SinkFunc) Publish(ctx context.Context, ev domain.ProgressEvent) error {
	return f(ctx, ev)
}

// MetricsRecorder observes runs. Implementations must be safe for
// concurrent use.
type MetricsRecorder interface {
	StartRun(runID, serviceName string)
	RecordStage(runID string, stage domain.Stage, status domain.StageStatus, d time.Duration)
	RecordRetry(runID string, stage domain.Stage)
	RecordError(runID, msg string)
	RecordWarning(runID, msg string)
	CompleteRun(runID string, status domain.RunStatus) error
}

// RunStore persists run records. Stage results are appended; the terminal
// state is written once by FinishRun.
type RunStore interface {
	CreateRun(ctx context.Context, run *domain.PipelineRun) error
	AppendStageResult(ctx context.Context, runID string, res domain.StageResult) error
	AppendWarning(ctx context.Context, runID, msg string) error
	FinishRun(ctx context.Context, run *domain.PipelineRun) error
}

// ArtifactStore keeps generated files and run reports.
type ArtifactStore interface {
	PutDockerfile(ctx context.Context, runID, content string) (string, error)
	PutReport(ctx context.Context, run *domain.PipelineRun) (string, error)
}
