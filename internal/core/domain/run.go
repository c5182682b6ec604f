package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Run Errors
// =============================================================================

var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrRunTerminal       = errors.New("run is already terminal")
	ErrStageOutOfOrder   = errors.New("stage recorded out of order")
	ErrUnknownStage      = errors.New("unknown stage")
)

// =============================================================================
// Run Status
// =============================================================================

type RunStatus string

const (
	RunInProgress RunStatus = "in_progress"
	RunSuccess    RunStatus = "success"
	RunFailed     RunStatus = "failed"
	RunCancelled  RunStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s RunStatus) Terminal() bool {
	return s == RunSuccess || s == RunFailed || s == RunCancelled
}

// validTransitions defines the allowed run status transitions.
var validTransitions = map[RunStatus][]RunStatus{
	RunInProgress: {RunSuccess, RunFailed, RunCancelled},
	RunSuccess:    {},
	RunFailed:     {},
	RunCancelled:  {},
}

// ValidateTransition checks if a status transition is valid.
func ValidateTransition(from, to RunStatus) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return ErrInvalidTransition
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return ErrInvalidTransition
}

// =============================================================================
// Stage Result
// =============================================================================

// StageResult records one executed stage.
type StageResult struct {
	Stage    Stage             `json:"stage"`
	Status   StageStatus       `json:"status"`
	Duration time.Duration     `json:"duration"`
	Attempts int               `json:"attempts"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// =============================================================================
// Pipeline Run
// =============================================================================

// PipelineRun is the lifecycle record of one pipeline execution.
type PipelineRun struct {
	ID              string        `json:"id"`
	ServiceName     string        `json:"service_name"`
	SourceReference string        `json:"source_reference"`
	Status          RunStatus     `json:"status"`
	Options         RunOptions    `json:"options"`
	StartedAt       time.Time     `json:"started_at"`
	EndedAt         *time.Time    `json:"ended_at,omitempty"`
	Stages          []StageResult `json:"stages"`
	Errors          []string      `json:"errors,omitempty"`
	Warnings        []string      `json:"warnings,omitempty"`
	FailedStage     Stage         `json:"failed_stage,omitempty"`
	ImageRef        string        `json:"image_ref,omitempty"`
	Result          *DeployResult `json:"result,omitempty"`
}

// NewPipelineRun creates an in-progress run with a fresh correlation id.
func NewPipelineRun(serviceName, sourceReference string, opts RunOptions) *PipelineRun {
	return &PipelineRun{
		ID:              uuid.New().String(),
		ServiceName:     serviceName,
		SourceReference: sourceReference,
		Status:          RunInProgress,
		Options:         opts,
		StartedAt:       time.Now().UTC(),
	}
}

// NextStage returns the stage expected to run next, or "" when all stages
// have been recorded.
func (r *PipelineRun) NextStage() Stage {
	if len(r.Stages) >= len(Bands) {
		return ""
	}
	return Bands[len(r.Stages)].Stage
}

// RecordStage appends a stage result. Stages must be recorded in table order.
func (r *PipelineRun) RecordStage(res StageResult) error {
	if r.Status.Terminal() {
		return ErrRunTerminal
	}
	if !res.Stage.Valid() {
		return fmt.Errorf("%w: %s", ErrUnknownStage, res.Stage)
	}
	if res.Stage != r.NextStage() {
		return fmt.Errorf("%w: got %s, want %s", ErrStageOutOfOrder, res.Stage, r.NextStage())
	}
	r.Stages = append(r.Stages, res)
	return nil
}

// AddWarning records a non-fatal finding. Status is unchanged.
func (r *PipelineRun) AddWarning(msg string) error {
	if r.Status.Terminal() {
		return ErrRunTerminal
	}
	r.Warnings = append(r.Warnings, msg)
	return nil
}

// Fail marks the run failed at stage with a fatal error message.
func (r *PipelineRun) Fail(stage Stage, msg string) error {
	if err := r.transition(RunFailed); err != nil {
		return err
	}
	r.FailedStage = stage
	r.Errors = append(r.Errors, msg)
	return nil
}

// Cancel marks the run cancelled before stage started.
func (r *PipelineRun) Cancel(stage Stage) error {
	if err := r.transition(RunCancelled); err != nil {
		return err
	}
	r.FailedStage = stage
	return nil
}

// Succeed marks the run successful with the deploy result.
func (r *PipelineRun) Succeed(result DeployResult) error {
	if err := r.transition(RunSuccess); err != nil {
		return err
	}
	r.Result = &result
	return nil
}

func (r *PipelineRun) transition(to RunStatus) error {
	if r.Status.Terminal() {
		return ErrRunTerminal
	}
	if err := ValidateTransition(r.Status, to); err != nil {
		return err
	}
	now := time.Now().UTC()
	r.Status = to
	r.EndedAt = &now
	return nil
}

// Duration is the wall time of the run, up to now when still running.
func (r *PipelineRun) Duration() time.Duration {
	if r.EndedAt != nil {
		return r.EndedAt.Sub(r.StartedAt)
	}
	return time.Since(r.StartedAt)
}

// Clone returns a deep copy safe to hand to readers.
func (r *PipelineRun) Clone() *PipelineRun {
	cp := *r
	cp.Options = r.Options.Clone()
	cp.Stages = make([]StageResult, len(r.Stages))
	for i, s := range r.Stages {
		cp.Stages[i] = s
		if s.Metadata != nil {
			cp.Stages[i].Metadata = make(map[string]string, len(s.Metadata))
			for k, v := range s.Metadata {
				cp.Stages[i].Metadata[k] = v
			}
		}
	}
	cp.Errors = append([]string(nil), r.Errors...)
	cp.Warnings = append([]string(nil), r.Warnings...)
	if r.EndedAt != nil {
		t := *r.EndedAt
		cp.EndedAt = &t
	}
	if r.Result != nil {
		res := *r.Result
		cp.Result = &res
	}
	return &cp
}

// RedactedValue replaces secret values in outward-facing copies of a run.
const RedactedValue = "***"

// Redacted returns a copy of the run with environment values masked.
func (r *PipelineRun) Redacted() *PipelineRun {
	cp := r.Clone()
	for k := range cp.Options.EnvVars {
		cp.Options.EnvVars[k] = RedactedValue
	}
	return cp
}

// =============================================================================
// Run Result
// =============================================================================

// RunResult is returned to the caller when a run succeeds.
type RunResult struct {
	RunID    string        `json:"run_id"`
	Status   RunStatus     `json:"status"`
	URL      string        `json:"url"`
	Region   string        `json:"region,omitempty"`
	ImageRef string        `json:"image_ref,omitempty"`
	Stages   []StageResult `json:"stages"`
	Warnings []string      `json:"warnings,omitempty"`
	Duration time.Duration `json:"duration"`
}

// ResultOf builds the caller-facing result of a successful run.
func ResultOf(r *PipelineRun) RunResult {
	res := RunResult{
		RunID:    r.ID,
		Status:   r.Status,
		ImageRef: r.ImageRef,
		Stages:   append([]StageResult(nil), r.Stages...),
		Warnings: append([]string(nil), r.Warnings...),
		Duration: r.Duration(),
	}
	if r.Result != nil {
		res.URL = r.Result.URL
		res.Region = r.Result.Region
	}
	return res
}
