package domain

import "time"

// =============================================================================
// Metrics
// =============================================================================

// AggregateMetrics are process-wide counters over completed runs.
type AggregateMetrics struct {
	TotalRuns              int64   `json:"total_runs"`
	SuccessCount           int64   `json:"success_count"`
	FailureCount           int64   `json:"failure_count"`
	AverageDurationSeconds float64 `json:"average_duration_seconds"`
	ErrorRate              float64 `json:"error_rate"`
}

// Include folds one completed run into the aggregate using a running mean.
// Any non-success status counts as a failure.
func (a AggregateMetrics) Include(status RunStatus, d time.Duration) AggregateMetrics {
	n := a.TotalRuns + 1
	a.AverageDurationSeconds = (a.AverageDurationSeconds*float64(n-1) + d.Seconds()) / float64(n)
	a.TotalRuns = n
	if status == RunSuccess {
		a.SuccessCount++
	} else {
		a.FailureCount++
	}
	a.ErrorRate = float64(a.FailureCount) / float64(n)
	return a
}

// StageMetric is the recorded duration and outcome of one stage.
type StageMetric struct {
	Stage    Stage         `json:"stage"`
	Status   StageStatus   `json:"status"`
	Duration time.Duration `json:"duration"`
	Retries  int           `json:"retries"`
}

// RunMetrics is the per-run view kept by the metrics recorder.
type RunMetrics struct {
	RunID       string        `json:"run_id"`
	ServiceName string        `json:"service_name"`
	Status      RunStatus     `json:"status"`
	StartedAt   time.Time     `json:"started_at"`
	EndedAt     *time.Time    `json:"ended_at,omitempty"`
	Stages      []StageMetric `json:"stages"`
	Errors      []string      `json:"errors,omitempty"`
	Warnings    []string      `json:"warnings,omitempty"`
}

// Duration is the run's wall time, zero while it is still running.
func (m RunMetrics) Duration() time.Duration {
	if m.EndedAt == nil {
		return 0
	}
	return m.EndedAt.Sub(m.StartedAt)
}
