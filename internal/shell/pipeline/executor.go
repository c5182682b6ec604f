package pipeline

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/artpar/shipyard/internal/core/domain"
)

// =============================================================================
// Retry Policy
// =============================================================================

// RetryPolicy bounds how often and how slowly a stage is retried.
type RetryPolicy struct {
	// MaxRetries is the total attempt budget, including the first attempt.
	MaxRetries int
	BaseDelay  time.Duration
	// MaxDelay caps a single backoff. Zero means uncapped.
	MaxDelay time.Duration
	// Jitter randomizes each delay by up to this fraction (0..1).
	Jitter float64
}

// DefaultRetryPolicy returns default configuration.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
	}
}

// Delay is the wait after failed attempt number attempt (0-based):
// BaseDelay * 2^attempt, capped and jittered.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter > 0 && d > 0 {
		span := float64(d) * p.Jitter
		d = time.Duration(float64(d) - span + rand.Float64()*2*span)
	}
	return d
}

// =============================================================================
// Executor
// =============================================================================

// Executor runs a stage operation with bounded retries. Only transient
// errors are retried; every other error is returned at once.
type Executor struct {
	Policy RetryPolicy
	Logger *slog.Logger
	// OnRetry is called before each backoff.
	OnRetry func(stage domain.Stage, attempt int, delay time.Duration, err error)
	// Sleep waits for d or until ctx is done. Defaults to a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Execute calls op until it succeeds, fails with a non-retryable error, the
// attempt budget is spent or ctx is done. It returns the number of attempts
// made and the last error.
func (e *Executor) Execute(ctx context.Context, stage domain.Stage, op func(ctx context.Context) error) (int, error) {
	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sleep := e.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	maxAttempts := e.Policy.MaxRetries
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = op(ctx)
		if err == nil {
			return attempt + 1, nil
		}
		if !domain.IsRetryable(err) {
			return attempt + 1, err
		}
		if attempt == maxAttempts-1 {
			break
		}
		if ctx.Err() != nil {
			return attempt + 1, err
		}

		delay := e.Policy.Delay(attempt)
		logger.Warn("stage attempt failed, retrying",
			"stage", stage,
			"attempt", attempt+1,
			"max_attempts", maxAttempts,
			"delay", delay,
			"error", err,
		)
		if e.OnRetry != nil {
			e.OnRetry(stage, attempt+1, delay, err)
		}
		if serr := sleep(ctx, delay); serr != nil {
			return attempt + 1, err
		}
	}

	logger.Error("stage retries exhausted", "stage", stage, "attempts", maxAttempts, "error", err)
	return maxAttempts, err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
