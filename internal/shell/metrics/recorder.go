// Package metrics records per-run stage outcomes and process-wide pipeline
// aggregates, and exports them as prometheus collectors.
package metrics

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/artpar/shipyard/internal/core/domain"
)

var (
	ErrUnknownRun       = errors.New("run not recorded")
	ErrAlreadyCompleted = errors.New("run already completed")
)

// DefaultRetention is how many completed runs are kept in memory.
const DefaultRetention = 1000

// =============================================================================
// Collectors
// =============================================================================

type collectors struct {
	runs          *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	stageRetries  *prometheus.CounterVec
	inFlight      prometheus.Gauge
}

func newCollectors(reg prometheus.Registerer) *collectors {
	factory := promauto.With(reg)
	return &collectors{
		runs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shipyard_pipeline_runs_total",
				Help: "Completed pipeline runs by terminal status.",
			},
			[]string{"status"},
		),
		stageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "shipyard_pipeline_stage_duration_seconds",
				Help:    "Duration of pipeline stages.",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
			},
			[]string{"stage", "status"},
		),
		stageRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shipyard_pipeline_stage_retries_total",
				Help: "Stage attempts that were retried after a transient failure.",
			},
			[]string{"stage"},
		),
		inFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "shipyard_pipeline_runs_in_flight",
				Help: "Pipeline runs started but not yet completed.",
			},
		),
	}
}

// =============================================================================
// Recorder
// =============================================================================

type entry struct {
	metrics domain.RunMetrics
	retries map[domain.Stage]int
}

// Recorder implements the pipeline metrics recorder. It is safe for
// concurrent use; CompleteRun is the only writer of the aggregate.
type Recorder struct {
	mu        sync.RWMutex
	runs      map[string]*entry
	completed []string
	aggregate domain.AggregateMetrics
	retention int

	prom   *collectors
	logger *slog.Logger
	now    func() time.Time
}

// NewRecorder creates a recorder. Collectors are registered on reg when it
// is not nil. retention <= 0 uses DefaultRetention.
func NewRecorder(reg prometheus.Registerer, retention int, logger *slog.Logger) *Recorder {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		runs:      make(map[string]*entry),
		retention: retention,
		prom:      newCollectors(reg),
		logger:    logger.With("component", "metrics"),
		now:       time.Now,
	}
}

// StartRun opens the entry of a run. Starting a known run is a no-op.
func (r *Recorder) StartRun(runID, serviceName string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.runs[runID]; ok {
		return
	}
	r.runs[runID] = &entry{
		metrics: domain.RunMetrics{
			RunID:       runID,
			ServiceName: serviceName,
			Status:      domain.RunInProgress,
			StartedAt:   r.now().UTC(),
		},
		retries: make(map[domain.Stage]int),
	}
	r.prom.inFlight.Inc()
}

// RecordStage appends a stage outcome to the run.
func (r *Recorder) RecordStage(runID string, stage domain.Stage, status domain.StageStatus, d time.Duration) {
	r.prom.stageDuration.WithLabelValues(string(stage), string(status)).Observe(d.Seconds())

	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.open(runID, "record stage")
	if e == nil {
		return
	}
	e.metrics.Stages = append(e.metrics.Stages, domain.StageMetric{
		Stage:    stage,
		Status:   status,
		Duration: d,
		Retries:  e.retries[stage],
	})
}

// RecordRetry counts one retried attempt of stage.
func (r *Recorder) RecordRetry(runID string, stage domain.Stage) {
	r.prom.stageRetries.WithLabelValues(string(stage)).Inc()

	r.mu.Lock()
	defer r.mu.Unlock()
	if e := r.open(runID, "record retry"); e != nil {
		e.retries[stage]++
	}
}

func (r *Recorder) RecordError(runID, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e := r.open(runID, "record error"); e != nil {
		e.metrics.Errors = append(e.metrics.Errors, msg)
	}
}

func (r *Recorder) RecordWarning(runID, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e := r.open(runID, "record warning"); e != nil {
		e.metrics.Warnings = append(e.metrics.Warnings, msg)
	}
}

// CompleteRun closes the run and folds it into the aggregate. Each run is
// counted once; a second completion returns ErrAlreadyCompleted.
func (r *Recorder) CompleteRun(runID string, status domain.RunStatus) error {
	if !status.Terminal() {
		return fmt.Errorf("complete run %s: status %q is not terminal", runID, status)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.runs[runID]
	if !ok {
		return fmt.Errorf("complete run %s: %w", runID, ErrUnknownRun)
	}
	if e.metrics.EndedAt != nil {
		return fmt.Errorf("complete run %s: %w", runID, ErrAlreadyCompleted)
	}

	ended := r.now().UTC()
	e.metrics.EndedAt = &ended
	e.metrics.Status = status
	r.aggregate = r.aggregate.Include(status, e.metrics.Duration())

	r.prom.inFlight.Dec()
	r.prom.runs.WithLabelValues(string(status)).Inc()

	r.completed = append(r.completed, runID)
	for len(r.completed) > r.retention {
		delete(r.runs, r.completed[0])
		r.completed = r.completed[1:]
	}
	return nil
}

// open returns the in-progress entry of runID or nil. Caller holds mu.
func (r *Recorder) open(runID, op string) *entry {
	e, ok := r.runs[runID]
	if !ok {
		r.logger.Debug("metrics for unknown run ignored", "op", op, "run_id", runID)
		return nil
	}
	if e.metrics.EndedAt != nil {
		r.logger.Debug("metrics after completion ignored", "op", op, "run_id", runID)
		return nil
	}
	return e
}

// =============================================================================
// Queries
// =============================================================================

// RunMetrics returns a copy of the metrics of one run.
func (r *Recorder) RunMetrics(runID string) (domain.RunMetrics, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.runs[runID]
	if !ok {
		return domain.RunMetrics{}, false
	}
	return copyRun(e.metrics), true
}

// Aggregate returns the process-wide counters.
func (r *Recorder) Aggregate() domain.AggregateMetrics {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.aggregate
}

// InFlight returns the number of started but not completed runs.
func (r *Recorder) InFlight() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.runs) - len(r.completed)
}

func copyRun(m domain.RunMetrics) domain.RunMetrics {
	out := m
	out.Stages = append([]domain.StageMetric(nil), m.Stages...)
	out.Errors = append([]string(nil), m.Errors...)
	out.Warnings = append([]string(nil), m.Warnings...)
	if m.EndedAt != nil {
		t := *m.EndedAt
		out.EndedAt = &t
	}
	return out
}
