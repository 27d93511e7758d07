package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const defaultKillGrace = 5 * time.Second

// Outcome labels reported to the Observer.
const (
	OutcomeOK          = "ok"
	OutcomeSpawnError  = "spawn_error"
	OutcomeExitError   = "exit_error"
	OutcomeTimeout     = "timeout"
	OutcomeOutputLimit = "output_limit"
	OutcomeCanceled    = "canceled"
	OutcomeError       = "error"
)

// Observer receives one record per finished execution.
type Observer interface {
	ExecutionFinished(command, outcome string, duration time.Duration)
}

// Options bounds every execution of a Runner. Zero values mean no timeout,
// unbounded output and no concurrency cap.
type Options struct {
	Timeout        time.Duration
	MaxOutputBytes int64
	KillGrace      time.Duration
	MaxConcurrent  int
	Observer       Observer
	Logger         *zap.Logger
}

// Runner spawns one external process per call and maps its exit into a
// result or a typed error. It keeps no state between calls.
type Runner struct {
	timeout   time.Duration
	maxOutput int64
	killGrace time.Duration
	slots     *semaphore.Weighted
	observer  Observer
	logger    *zap.Logger
}

// New creates a Runner.
func New(opts Options) *Runner {
	r := &Runner{
		timeout:   opts.Timeout,
		maxOutput: opts.MaxOutputBytes,
		killGrace: opts.KillGrace,
		observer:  opts.Observer,
		logger:    opts.Logger,
	}
	if r.killGrace <= 0 {
		r.killGrace = defaultKillGrace
	}
	if opts.MaxConcurrent > 0 {
		r.slots = semaphore.NewWeighted(int64(opts.MaxConcurrent))
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	return r
}

// Execute runs name with args in dir and returns its standard output.
func (r *Runner) Execute(ctx context.Context, name string, args []string, dir string) (string, error) {
	return r.run(ctx, name, args, dir, nil)
}

// Stream is Execute with onChunk called for each piece of standard output as
// the process produces it. onChunk runs on a single goroutine.
func (r *Runner) Stream(ctx context.Context, name string, args []string, dir string, onChunk func(string)) (string, error) {
	var forward func([]byte)
	if onChunk != nil {
		forward = func(p []byte) { onChunk(string(p)) }
	}
	return r.run(ctx, name, args, dir, forward)
}

func (r *Runner) run(ctx context.Context, name string, args []string, dir string, onChunk func([]byte)) (out string, err error) {
	start := time.Now()
	defer func() {
		outcome := Classify(err)
		if r.observer != nil {
			r.observer.ExecutionFinished(name, outcome, time.Since(start))
		}
		r.logger.Debug("command finished",
			zap.String("command", name),
			zap.String("dir", dir),
			zap.String("outcome", outcome),
			zap.Int("output_bytes", len(out)),
			zap.Duration("duration", time.Since(start)),
		)
	}()

	if r.slots != nil {
		if err := r.slots.Acquire(ctx, 1); err != nil {
			return "", fmt.Errorf("wait for execution slot: %w", err)
		}
		defer r.slots.Release(1)
	}

	ctx, abort := context.WithCancelCause(ctx)
	defer abort(nil)
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, r.timeout, ErrTimeout)
		defer cancel()
	}
	if ctx.Err() != nil {
		return "", context.Cause(ctx)
	}

	stdout := &cappedBuffer{
		limit:      r.maxOutput,
		strict:     true,
		onChunk:    onChunk,
		onOverflow: func() { abort(ErrOutputLimit) },
	}
	stderr := &cappedBuffer{limit: r.maxOutput}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// Interrupt first so the assistant can flush its own session state; the
	// process is killed if it is still running after the grace period.
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = r.killGrace

	if err := cmd.Start(); err != nil {
		return "", &SpawnError{Command: name, Err: err}
	}
	r.logger.Debug("command started",
		zap.String("command", name),
		zap.String("dir", dir),
		zap.Int("pid", cmd.Process.Pid),
		zap.Int("args", len(args)),
	)

	waitErr := cmd.Wait()

	if stdout.Overflowed() {
		return "", fmt.Errorf("%w of %d bytes", ErrOutputLimit, r.maxOutput)
	}
	if waitErr == nil {
		return stdout.String(), nil
	}
	if ctx.Err() != nil {
		cause := context.Cause(ctx)
		if errors.Is(cause, ErrTimeout) {
			return "", fmt.Errorf("%w after %s", ErrTimeout, r.timeout)
		}
		return "", fmt.Errorf("command %s interrupted: %w", name, cause)
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return "", &ExecutionError{
			Command:  name,
			ExitCode: exitErr.ExitCode(),
			Stderr:   stderr.String(),
		}
	}
	// A background child still holding stdout makes Wait give up after the
	// kill grace even though the assistant itself exited cleanly.
	if errors.Is(waitErr, exec.ErrWaitDelay) && cmd.ProcessState != nil && cmd.ProcessState.Success() {
		r.logger.Warn("command left output open after exit",
			zap.String("command", name),
			zap.String("dir", dir),
		)
		return stdout.String(), nil
	}
	return "", fmt.Errorf("wait for %s: %w", name, waitErr)
}

// Classify maps an Execute error to an outcome label.
func Classify(err error) string {
	var spawnErr *SpawnError
	var execErr *ExecutionError
	switch {
	case err == nil:
		return OutcomeOK
	case errors.As(err, &spawnErr):
		return OutcomeSpawnError
	case errors.As(err, &execErr):
		return OutcomeExitError
	case errors.Is(err, ErrTimeout):
		return OutcomeTimeout
	case errors.Is(err, ErrOutputLimit):
		return OutcomeOutputLimit
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return OutcomeCanceled
	default:
		return OutcomeError
	}
}
