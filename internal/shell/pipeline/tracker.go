package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/docker/go-units"

	"github.com/artpar/shipyard/internal/core/domain"
	"github.com/artpar/shipyard/internal/core/progress"
)

// DefaultSinkTimeout bounds a single sink delivery.
const DefaultSinkTimeout = 250 * time.Millisecond

// eventQueueSize bounds the events waiting for the sink. Events beyond it
// are dropped.
const eventQueueSize = 1024

var (
	errQueueFull   = errors.New("event queue full")
	errSinkStalled = errors.New("sink still busy with an abandoned event")
	errClosed      = errors.New("tracker closed")
)

// Tracker emits the progress stream of one run. Emission never fails,
// never panics and never waits on the sink: events are queued and a
// per-tracker goroutine delivers them in Emit order. Sink errors, panics
// and timeouts drop the event and are logged. A sink call that outlives
// its timeout is abandoned; later events are dropped until it returns.
// Tracker is safe for concurrent use. Close flushes the queue.
type Tracker struct {
	runID       string
	serviceName string
	sink        Sink
	timeout     time.Duration
	logger      *slog.Logger
	now         func() time.Time

	mu      sync.Mutex
	current int
	seq     uint64
	done    bool
	closed  bool
	queue   chan domain.ProgressEvent
	dropped atomic.Int64

	drain  context.Context
	expire context.CancelFunc
	idle   chan struct{}

	// stalled holds the result of an abandoned sink call. Only the
	// delivery goroutine touches it.
	stalled chan error
}

// NewTracker creates the tracker of a run. A nil sink discards events.
func NewTracker(runID, serviceName string, sink Sink, timeout time.Duration, logger *slog.Logger) *Tracker {
	if timeout <= 0 {
		timeout = DefaultSinkTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{
		runID:       runID,
		serviceName: serviceName,
		sink:        sink,
		timeout:     timeout,
		logger:      logger.With("component", "tracker", "run_id", runID),
		now:         time.Now,
	}
	if sink != nil {
		t.queue = make(chan domain.ProgressEvent, eventQueueSize)
		t.idle = make(chan struct{})
		t.drain, t.expire = context.WithCancel(context.Background())
		go t.deliverLoop()
	}
	return t
}

// Percent returns the last published percent.
func (t *Tracker) Percent() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// Dropped returns how many events never reached the sink.
func (t *Tracker) Dropped() int {
	return int(t.dropped.Load())
}

// Close stops accepting events and waits for queued ones to be delivered.
// The wait is bounded by one sink timeout; what is still queued then is
// dropped. Close is idempotent.
func (t *Tracker) Close() {
	t.mu.Lock()
	if t.closed || t.queue == nil {
		t.closed = true
		t.mu.Unlock()
		return
	}
	t.closed = true
	close(t.queue)
	t.mu.Unlock()

	timer := time.NewTimer(t.timeout)
	defer timer.Stop()
	select {
	case <-t.idle:
	case <-timer.C:
		t.expire()
		<-t.idle
	}
	t.expire()
}

// Emit publishes a free-form or stage event. percent may be nil to keep the
// current value; it is clamped into the stage band and never decreases.
func (t *Tracker) Emit(msg string, stage *domain.Stage, percent *int) domain.ProgressEvent {
	return t.emit(domain.LevelInfo, msg, stage, percent, false)
}

func (t *Tracker) emit(level domain.Level, msg string, stage *domain.Stage, percent *int, final bool) domain.ProgressEvent {
	t.mu.Lock()
	defer t.mu.Unlock()

	if final {
		t.current = domain.ProgressComplete
	} else {
		t.current = progress.Resolve(t.current, stage, percent)
	}
	t.seq++
	ev := domain.ProgressEvent{
		RunID:     t.runID,
		Sequence:  t.seq,
		Stage:     stage,
		Percent:   t.current,
		Message:   msg,
		Level:     level,
		Timestamp: t.now().UTC(),
		Final:     final,
	}
	if t.done {
		t.logger.Debug("event after completion", "message", msg)
	}
	if final {
		t.done = true
	}
	t.enqueue(ev)
	return ev
}

// enqueue hands ev to the delivery goroutine. Callers hold t.mu, so queue
// order is sequence order.
func (t *Tracker) enqueue(ev domain.ProgressEvent) {
	if t.queue == nil {
		return
	}
	if t.closed {
		t.drop(ev, errClosed)
		return
	}
	select {
	case t.queue <- ev:
	default:
		t.drop(ev, errQueueFull)
	}
}

func (t *Tracker) deliverLoop() {
	defer close(t.idle)
	for ev := range t.queue {
		if err := t.drain.Err(); err != nil {
			t.drop(ev, err)
			continue
		}
		t.deliver(ev)
	}
}

func (t *Tracker) deliver(ev domain.ProgressEvent) {
	if t.stalled != nil {
		select {
		case <-t.stalled:
			t.stalled = nil
		default:
			t.drop(ev, errSinkStalled)
			return
		}
	}

	ctx, cancel := context.WithTimeout(t.drain, t.timeout)
	defer cancel()

	result := make(chan error, 1)
	go func() {
		result <- t.publish(ctx, ev)
	}()

	select {
	case err := <-result:
		if err != nil {
			t.drop(ev, err)
		}
	case <-ctx.Done():
		t.drop(ev, ctx.Err())
		t.stalled = result
	}
}

func (t *Tracker) publish(ctx context.Context, ev domain.ProgressEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panic: %v", r)
		}
	}()
	return t.sink.Publish(ctx, ev)
}

func (t *Tracker) drop(ev domain.ProgressEvent, err error) {
	t.dropped.Add(1)
	t.logger.Warn("progress event dropped", "sequence", ev.Sequence, "percent", ev.Percent, "error", err)
}

// =============================================================================
// Generic Helpers
// =============================================================================

// EmitError reports the failure of stage. Percent is left unchanged.
func (t *Tracker) EmitError(stage domain.Stage, msg string) domain.ProgressEvent {
	return t.emit(domain.LevelError, fmt.Sprintf("%s failed: %s", stage.Label(), msg), domain.StagePtr(stage), nil, false)
}

// EmitWarning reports a non-fatal finding. Percent is left unchanged.
func (t *Tracker) EmitWarning(msg string) domain.ProgressEvent {
	return t.emit(domain.LevelWarning, msg, nil, nil, false)
}

// Done publishes the single terminal event at 100 percent.
func (t *Tracker) Done(url string) domain.ProgressEvent {
	return t.emit(domain.LevelInfo, fmt.Sprintf("Deployment of %s complete: %s", t.serviceName, url),
		domain.StagePtr(domain.StageServiceDeploy), nil, true)
}

// Cancelled publishes the terminal event of a cancelled run at error level.
func (t *Tracker) Cancelled(stage domain.Stage) domain.ProgressEvent {
	return t.emit(domain.LevelError, fmt.Sprintf("Run cancelled before %s", stage.Label()), domain.StagePtr(stage), nil, false)
}

func (t *Tracker) stageEvent(stage domain.Stage, percent int, format string, args ...any) domain.ProgressEvent {
	return t.Emit(fmt.Sprintf(format, args...), domain.StagePtr(stage), progress.Int(percent))
}

// =============================================================================
// Repository Access
// =============================================================================

func (t *Tracker) StartRepoAccess(ref string) domain.ProgressEvent {
	return t.stageEvent(domain.StageRepoAccess, 5, "Accessing repository %s", ref)
}

func (t *Tracker) CompleteRepoAccess(info domain.SourceInfo) domain.ProgressEvent {
	return t.stageEvent(domain.StageRepoAccess, 15, "Repository ready: %d files, %s",
		info.FileCount, units.HumanSize(float64(info.SizeBytes)))
}

// =============================================================================
// Code Analysis
// =============================================================================

func (t *Tracker) StartCodeAnalysis() domain.ProgressEvent {
	return t.stageEvent(domain.StageCodeAnalysis, 20, "Analyzing project structure")
}

func (t *Tracker) FrameworkDetected(language, framework string) domain.ProgressEvent {
	if framework == "" {
		return t.stageEvent(domain.StageCodeAnalysis, 25, "Detected %s project", language)
	}
	return t.stageEvent(domain.StageCodeAnalysis, 25, "Detected %s project using %s", language, framework)
}

func (t *Tracker) DependenciesAnalyzed(count int, database string) domain.ProgressEvent {
	if database != "" {
		return t.stageEvent(domain.StageCodeAnalysis, 30, "Found %d dependencies, database: %s", count, database)
	}
	return t.stageEvent(domain.StageCodeAnalysis, 30, "Found %d dependencies", count)
}

func (t *Tracker) CompleteCodeAnalysis(facts domain.AnalysisFacts) domain.ProgressEvent {
	return t.stageEvent(domain.StageCodeAnalysis, 35, "Analysis complete: entry point %s, %d environment variables",
		orNone(facts.EntryPoint), len(facts.EnvVars))
}

// =============================================================================
// Spec Generation
// =============================================================================

func (t *Tracker) StartSpecGeneration() domain.ProgressEvent {
	return t.stageEvent(domain.StageSpecGeneration, 40, "Generating container spec")
}

func (t *Tracker) SpecOptimizations(optimizations []string) domain.ProgressEvent {
	return t.stageEvent(domain.StageSpecGeneration, 45, "Applied optimizations: %s", strings.Join(optimizations, ", "))
}

func (t *Tracker) CompleteSpecGeneration(spec domain.ContainerSpec) domain.ProgressEvent {
	if spec.Generic {
		return t.stageEvent(domain.StageSpecGeneration, 50, "Container spec ready (generic %s template)", spec.Template)
	}
	return t.stageEvent(domain.StageSpecGeneration, 50, "Container spec ready (%s template)", spec.Template)
}

// =============================================================================
// Security Scan
// =============================================================================

func (t *Tracker) StartSecurityScan() domain.ProgressEvent {
	return t.stageEvent(domain.StageSecurityScan, 55, "Running security checks")
}

func (t *Tracker) SecurityCheck(check string, passed bool) domain.ProgressEvent {
	status := "passed"
	if !passed {
		status = "flagged"
	}
	return t.stageEvent(domain.StageSecurityScan, 57, "Security check %s %s", check, status)
}

func (t *Tracker) CompleteSecurityScan(issues int) domain.ProgressEvent {
	if issues == 0 {
		return t.stageEvent(domain.StageSecurityScan, 60, "Security scan passed")
	}
	return t.stageEvent(domain.StageSecurityScan, 60, "Security scan finished with %d findings", issues)
}

// =============================================================================
// Image Build
// =============================================================================

func (t *Tracker) StartImageBuild(imageRef string) domain.ProgressEvent {
	return t.stageEvent(domain.StageImageBuild, 65, "Building image %s", imageRef)
}

// BuildProgress maps a raw 0-100 build percentage into the build band.
func (t *Tracker) BuildProgress(raw int, line string) domain.ProgressEvent {
	band, _ := domain.BandFor(domain.StageImageBuild)
	return t.stageEvent(domain.StageImageBuild, band.Scale(raw), "%s", line)
}

// BuildOutput forwards a raw build line without moving progress.
func (t *Tracker) BuildOutput(line string) domain.ProgressEvent {
	return t.Emit(line, domain.StagePtr(domain.StageImageBuild), nil)
}

func (t *Tracker) CompleteImageBuild(res domain.BuildResult) domain.ProgressEvent {
	if res.Digest != "" {
		return t.stageEvent(domain.StageImageBuild, 84, "Image built: %s (%s)", res.ImageRef, res.Digest)
	}
	return t.stageEvent(domain.StageImageBuild, 84, "Image built: %s", res.ImageRef)
}

// =============================================================================
// Service Deploy
// =============================================================================

func (t *Tracker) StartServiceDeploy() domain.ProgressEvent {
	return t.stageEvent(domain.StageServiceDeploy, 85, "Deploying service %s", t.serviceName)
}

func (t *Tracker) DeployConfig(cfg domain.ResourceConfig) domain.ProgressEvent {
	return t.stageEvent(domain.StageServiceDeploy, 87, "Resources: %s CPU, %s memory, %d-%d instances",
		cfg.CPU, cfg.Memory, cfg.MinInstances, cfg.MaxInstances)
}

// DeployStatus maps a raw 0-100 deploy percentage into the deploy band.
func (t *Tracker) DeployStatus(raw int, line string) domain.ProgressEvent {
	band, _ := domain.BandFor(domain.StageServiceDeploy)
	return t.stageEvent(domain.StageServiceDeploy, band.Scale(raw), "%s", line)
}

func (t *Tracker) CompleteServiceDeploy(res domain.DeployResult) domain.ProgressEvent {
	return t.stageEvent(domain.StageServiceDeploy, 97, "Service live at %s", res.URL)
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
