package docker

import (
	"context"
	"errors"
	"fmt"

	"github.com/artpar/shipyard/internal/core/domain"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// Container errors
	ErrContainerNotFound       = errors.New("container not found")
	ErrContainerAlreadyExists  = errors.New("container already exists")
	ErrContainerNotRunning     = errors.New("container is not running")
	ErrContainerAlreadyRunning = errors.New("container is already running")
	ErrContainerExited         = errors.New("container exited")
	ErrContainerUnhealthy      = errors.New("container is unhealthy")

	// Image errors
	ErrImageNotFound   = errors.New("image not found")
	ErrImageBuild      = errors.New("image build failed")
	ErrImagePushFailed = errors.New("image push failed")
	ErrBuildContext    = errors.New("invalid build context")

	// Connection errors
	ErrPortAlreadyAllocated = errors.New("port is already allocated")
	ErrConnectionFailed     = errors.New("docker connection failed")
	ErrTimeout              = errors.New("operation timed out")
)

// DockerError wraps errors with additional context.
type DockerError struct {
	Op      string // Operation that failed
	Entity  string // Entity type (container, image)
	ID      string // Entity ID if applicable
	Message string
	Err     error
}

func (e *DockerError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s %s %s: %s", e.Op, e.Entity, e.ID, e.Message)
	}
	if e.Entity != "" {
		return fmt.Sprintf("%s %s: %s", e.Op, e.Entity, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *DockerError) Unwrap() error {
	return e.Err
}

// NewDockerError creates a new DockerError.
func NewDockerError(op, entity, id, message string, err error) *DockerError {
	return &DockerError{
		Op:      op,
		Entity:  entity,
		ID:      id,
		Message: message,
		Err:     err,
	}
}

// =============================================================================
// Classification
// =============================================================================

// stageError classifies an engine error for the stage executor. An
// unreachable daemon or a timeout is transient; a missing image, a taken
// port or a bad build context is a configuration problem.
func stageError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var se *domain.StageError
	if errors.As(err, &se) {
		return err
	}
	switch {
	case errors.Is(err, ErrConnectionFailed), errors.Is(err, ErrTimeout):
		return domain.Transient(op, err.Error(), err)
	case errors.Is(err, ErrImageNotFound), errors.Is(err, ErrPortAlreadyAllocated), errors.Is(err, ErrBuildContext):
		return domain.Configuration(op, err.Error(), err)
	}
	return domain.Backend(op, err.Error(), err)
}
