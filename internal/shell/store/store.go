package store

import (
	"context"
	"time"

	"github.com/artpar/shipyard/internal/core/domain"
)

// =============================================================================
// Store Interface
// =============================================================================

// Store defines the persistence interface for pipeline runs. A run is
// created once, its stage results and warnings are appended, and its
// terminal state is written once.
type Store interface {
	CreateRun(ctx context.Context, run *domain.PipelineRun) error
	AppendStageResult(ctx context.Context, runID string, res domain.StageResult) error
	AppendWarning(ctx context.Context, runID, msg string) error
	FinishRun(ctx context.Context, run *domain.PipelineRun) error

	GetRun(ctx context.Context, id string) (*domain.PipelineRun, error)
	ListRuns(ctx context.Context, filter RunFilter, opts ListOptions) ([]domain.PipelineRun, error)

	// DeleteFinishedBefore removes terminal runs that ended before cutoff.
	DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int, error)

	// Transaction support
	WithTx(ctx context.Context, fn func(Store) error) error

	// Lifecycle
	Close() error
}

// =============================================================================
// Options
// =============================================================================

// RunFilter narrows ListRuns. Zero values match everything.
type RunFilter struct {
	ServiceName string
	Status      domain.RunStatus
}

// ListOptions defines pagination and filtering options.
type ListOptions struct {
	Limit  int
	Offset int
}

// DefaultListOptions returns default list options.
func DefaultListOptions() ListOptions {
	return ListOptions{
		Limit:  100,
		Offset: 0,
	}
}

// Normalize ensures list options have valid values.
func (o ListOptions) Normalize() ListOptions {
	if o.Limit <= 0 {
		o.Limit = 100
	}
	if o.Limit > 1000 {
		o.Limit = 1000
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}
