package domain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// =============================================================================
// Error Kinds
// =============================================================================

// ErrorKind classifies a stage failure. Only KindTransientIO is retried.
type ErrorKind string

const (
	KindTransientIO   ErrorKind = "transient_io"
	KindConfiguration ErrorKind = "configuration"
	KindBackend       ErrorKind = "backend"
	KindCancelled     ErrorKind = "cancelled"
)

// Retryable reports whether the stage executor may retry errors of this kind.
func (k ErrorKind) Retryable() bool {
	return k == KindTransientIO
}

// =============================================================================
// Stage Error
// =============================================================================

// StageError is the typed failure returned by collaborators and stages.
type StageError struct {
	Stage   Stage
	Kind    ErrorKind
	Op      string
	Message string
	Err     error
}

func (e *StageError) Error() string {
	var b strings.Builder
	if e.Stage != "" {
		b.WriteString(string(e.Stage))
		b.WriteString(": ")
	}
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Message != "" {
		b.WriteString(e.Message)
	} else {
		b.WriteString(string(e.Kind))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Transient builds a retryable error.
func Transient(op, message string, err error) *StageError {
	return &StageError{Kind: KindTransientIO, Op: op, Message: message, Err: err}
}

// Configuration builds an error caused by bad input.
func Configuration(op, message string, err error) *StageError {
	return &StageError{Kind: KindConfiguration, Op: op, Message: message, Err: err}
}

// Backend builds a non-retryable collaborator error.
func Backend(op, message string, err error) *StageError {
	return &StageError{Kind: KindBackend, Op: op, Message: message, Err: err}
}

// Cancelled builds the error reported when a run is cancelled.
func Cancelled(stage Stage) *StageError {
	return &StageError{Stage: stage, Kind: KindCancelled, Message: "run cancelled", Err: context.Canceled}
}

// WithStage returns a copy of err attributed to stage when err is a
// StageError without one, or wraps any other error as a classified StageError.
func WithStage(stage Stage, err error) *StageError {
	if err == nil {
		return nil
	}
	var se *StageError
	if errors.As(err, &se) {
		cp := *se
		if cp.Stage == "" {
			cp.Stage = stage
		}
		return &cp
	}
	return &StageError{Stage: stage, Kind: Classify(err), Err: err}
}

// Classify returns the kind of err. Unknown errors are backend errors.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var se *StageError
	if errors.As(err, &se) {
		return se.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransientIO
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTransientIO
	}
	return KindBackend
}

// IsRetryable reports whether err may be retried.
func IsRetryable(err error) bool {
	return Classify(err).Retryable()
}

// =============================================================================
// Pipeline Error
// =============================================================================

// PipelineError is the structured failure of a whole run.
type PipelineError struct {
	RunID    string
	Stage    Stage
	Kind     ErrorKind
	Message  string
	Warnings []string
	Err      error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("run %s failed at %s (%s): %s", e.RunID, e.Stage, e.Kind, e.Message)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// NewPipelineError builds the run failure from the stage error that ended it.
func NewPipelineError(runID string, stage Stage, err error, warnings []string) *PipelineError {
	se := WithStage(stage, err)
	msg := se.Message
	if se.Err != nil {
		if msg == "" {
			msg = se.Err.Error()
		} else {
			msg = msg + ": " + se.Err.Error()
		}
	}
	if msg == "" {
		msg = string(se.Kind)
	}
	return &PipelineError{
		RunID:    runID,
		Stage:    stage,
		Kind:     se.Kind,
		Message:  msg,
		Warnings: append([]string(nil), warnings...),
		Err:      err,
	}
}
