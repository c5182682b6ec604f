// Package command runs external tools with streamed output and wraps them
// as build, deploy and log backends.
package command

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/artpar/shipyard/internal/core/domain"
)

// TailLines is how many trailing output lines are kept for error messages.
const TailLines = 20

// maxLineBytes bounds a single output line.
const maxLineBytes = 1024 * 1024

// =============================================================================
// Types
// =============================================================================

// Spec describes one command invocation.
type Spec struct {
	Name string
	Args []string
	Dir  string
	// Env is appended to the current process environment.
	Env []string
	// Redact lists substrings replaced with "***" in logs and errors.
	Redact []string
}

func (s Spec) String() string {
	return s.redact(strings.Join(append([]string{s.Name}, s.Args...), " "))
}

func (s Spec) redact(text string) string {
	for _, r := range s.Redact {
		if r != "" {
			text = strings.ReplaceAll(text, r, "***")
		}
	}
	return text
}

// Output is what a finished command printed.
type Output struct {
	// Tail holds the last TailLines lines of combined output.
	Tail []string
}

// Last returns the last non-empty line, or "".
func (o Output) Last() string {
	for i := len(o.Tail) - 1; i >= 0; i-- {
		if s := strings.TrimSpace(o.Tail[i]); s != "" {
			return s
		}
	}
	return ""
}

// Runner executes commands. onLine may be nil.
type Runner interface {
	Run(ctx context.Context, spec Spec, onLine func(string)) (Output, error)
}

// ExitError is returned when a command exits non-zero.
type ExitError struct {
	Command  string
	ExitCode int
	Tail     []string
	Err      error
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s exited with code %d", e.Command, e.ExitCode)
	if len(e.Tail) > 0 {
		msg += ": " + e.Tail[len(e.Tail)-1]
	}
	return msg
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// =============================================================================
// Exec Runner
// =============================================================================

// ExecRunner runs commands as local subprocesses. stdout and stderr are
// read concurrently and delivered to onLine one line at a time.
type ExecRunner struct {
	logger *slog.Logger
}

// NewExecRunner creates a subprocess runner.
func NewExecRunner(logger *slog.Logger) *ExecRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecRunner{logger: logger.With("component", "command")}
}

func (r *ExecRunner) Run(ctx context.Context, spec Spec, onLine func(string)) (Output, error) {
	cmd := exec.CommandContext(ctx, spec.Name, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Output{}, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Output{}, fmt.Errorf("stderr pipe: %w", err)
	}

	r.logger.Debug("running command", "command", spec.String(), "dir", spec.Dir)
	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return Output{}, domain.Configuration("exec", spec.Name+" is not installed", err)
		}
		return Output{}, domain.Backend("exec", "start "+spec.Name, err)
	}

	tail := &tailBuffer{max: TailLines}
	var mu sync.Mutex
	emit := func(line string) {
		line = spec.redact(line)
		mu.Lock()
		defer mu.Unlock()
		tail.add(line)
		if onLine != nil {
			onLine(line)
		}
	}

	var g errgroup.Group
	g.Go(func() error { return scanLines(stdout, emit) })
	g.Go(func() error { return scanLines(stderr, emit) })
	readErr := g.Wait()
	waitErr := cmd.Wait()

	out := Output{Tail: tail.lines()}
	if ctx.Err() != nil {
		return out, ctx.Err()
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return out, &ExitError{Command: spec.String(), ExitCode: exitErr.ExitCode(), Tail: out.Tail, Err: waitErr}
		}
		return out, domain.Backend("exec", spec.String(), waitErr)
	}
	if readErr != nil {
		r.logger.Warn("command output truncated", "command", spec.String(), "error", readErr)
	}
	return out, nil
}

func scanLines(rd io.Reader, emit func(string)) error {
	sc := bufio.NewScanner(rd)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	for sc.Scan() {
		emit(sc.Text())
	}
	if err := sc.Err(); err != nil {
		// Drain so the process never blocks on a full pipe.
		_, _ = io.Copy(io.Discard, rd)
		return err
	}
	return nil
}

type tailBuffer struct {
	max int
	buf []string
}

func (t *tailBuffer) add(line string) {
	t.buf = append(t.buf, line)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
}

func (t *tailBuffer) lines() []string {
	return append([]string(nil), t.buf...)
}

// =============================================================================
// Error Classification
// =============================================================================

var transientMarkers = []string{
	"timed out", "timeout", "connection reset", "connection refused",
	"could not resolve host", "temporary failure", "try again",
	"service unavailable", "503", "429", "rate limit", "early eof",
	"tls handshake", "i/o timeout", "internal error",
}

var configurationMarkers = []string{
	"not found", "does not exist", "permission denied", "authentication",
	"unauthenticated", "not authorized", "unauthorized", "403", "forbidden",
	"invalid", "unknown flag", "unrecognized arguments",
}

// Classify turns a Run error into a stage error. Exit errors are classified
// by their output: network trouble is transient, bad input or credentials
// is configuration, anything else is a backend failure.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *domain.StageError
	if errors.As(err, &se) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		return domain.Backend(op, err.Error(), err)
	}
	text := strings.ToLower(strings.Join(exitErr.Tail, "\n"))
	msg := exitErr.Error()
	for _, m := range transientMarkers {
		if strings.Contains(text, m) {
			return domain.Transient(op, msg, err)
		}
	}
	for _, m := range configurationMarkers {
		if strings.Contains(text, m) {
			return domain.Configuration(op, msg, err)
		}
	}
	return domain.Backend(op, msg, err)
}
