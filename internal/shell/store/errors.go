// Package store persists pipeline runs in SQLite.
package store

import (
	"errors"
	"fmt"

	"github.com/artpar/shipyard/internal/core/domain"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// ErrNotFound is returned when no run has the requested ID.
	ErrNotFound = errors.New("run not found")

	// ErrDuplicateID is returned when a run, or a stage of a run, is
	// recorded twice.
	ErrDuplicateID = errors.New("already recorded")

	// ErrAlreadyFinished is returned when a run's terminal state is written twice.
	ErrAlreadyFinished = errors.New("run already finished")

	// ErrNotTerminal is returned when finishing a run that is still in progress.
	ErrNotTerminal = errors.New("run status is not terminal")

	// ErrConnectionFailed is returned when the run database cannot be opened.
	ErrConnectionFailed = errors.New("run database unavailable")

	// ErrMigrationFailed is returned when the run schema cannot be applied.
	ErrMigrationFailed = errors.New("run schema migration failed")

	// ErrInvalidData is returned when a stored run cannot be encoded or decoded.
	ErrInvalidData = errors.New("malformed run record")

	// ErrTxFailed is returned when a transaction operation fails.
	ErrTxFailed = errors.New("transaction failed")
)

// StoreError describes a failed operation on a run's records.
type StoreError struct {
	Op    string // Operation that failed (e.g., "FinishRun")
	RunID string // empty for store-wide operations
	Stage domain.Stage
	// Status is the run status the operation saw, when relevant.
	Status  domain.RunStatus
	Message string
	Err     error
}

func (e *StoreError) Error() string {
	var subject string
	switch {
	case e.RunID != "" && e.Stage != "":
		subject = fmt.Sprintf(" run %s stage %s", e.RunID, e.Stage)
	case e.RunID != "":
		subject = " run " + e.RunID
	}
	if e.Status != "" {
		subject += " (" + string(e.Status) + ")"
	}
	return fmt.Sprintf("%s%s: %s", e.Op, subject, e.Message)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func runError(op, runID, message string, err error) *StoreError {
	return &StoreError{Op: op, RunID: runID, Message: message, Err: err}
}

func stageError(op, runID string, stage domain.Stage, message string, err error) *StoreError {
	return &StoreError{Op: op, RunID: runID, Stage: stage, Message: message, Err: err}
}

func storeError(op, message string, err error) *StoreError {
	return &StoreError{Op: op, Message: message, Err: err}
}
