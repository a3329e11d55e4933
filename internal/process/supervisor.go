// Package process runs external media tools as supervised child processes.
// Each run is bounded by a wall-clock timeout, keeps only the tail of the tool's
// diagnostic stream, and terminates the whole process group on timeout or cancellation.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync/atomic"
	"time"
)

// Static errors for supervised runs.
var (
	// ErrTimeout is returned when a process runs past its timeout.
	ErrTimeout = errors.New("process timed out")
	// ErrCancelled is returned when the caller cancels a running process.
	ErrCancelled = errors.New("process cancelled")
	// ErrStart is returned when the process could not be spawned.
	ErrStart = errors.New("process failed to start")
	// ErrEmptyInvocation is returned when no binary is given.
	ErrEmptyInvocation = errors.New("invocation has no binary")
)

const (
	// DefaultTailBytes is the default size of the diagnostic tail.
	DefaultTailBytes = 16 * 1024
	// DefaultKillGrace is how long a terminated process group gets before SIGKILL.
	DefaultKillGrace = 5 * time.Second
)

// Invocation describes a single run of an external tool.
// Args is passed to the tool as a vector; no shell is involved.
type Invocation struct {
	Binary  string
	Args    []string
	Timeout time.Duration
	// Stdout receives the tool's standard output. Discarded when nil.
	Stdout io.Writer
}

// String renders the invocation for logs.
func (i Invocation) String() string {
	return strings.TrimSpace(i.Binary + " " + strings.Join(i.Args, " "))
}

// Result is the outcome of a process that ran to exit.
type Result struct {
	// ExitCode is the process exit status, or -1 when killed by a signal.
	ExitCode int
	// Diagnostics holds the last bytes written to stderr.
	Diagnostics string
	// Truncated reports whether Diagnostics lost earlier output.
	Truncated bool
	// Elapsed is the wall-clock run time.
	Elapsed time.Duration
}

// Runner runs invocations. The Supervisor is the production implementation;
// tests substitute fakes that count spawns.
type Runner interface {
	// Run spawns the tool and blocks until it exits, times out, or ctx is done.
	// A non-zero exit is reported through Result.ExitCode with a nil error;
	// the caller decides what an exit status means.
	Run(ctx context.Context, inv Invocation) (Result, error)
}

// Compile-time check that Supervisor implements Runner.
var _ Runner = (*Supervisor)(nil)

// Supervisor spawns child processes in their own process group.
type Supervisor struct {
	tailBytes int
	killGrace time.Duration
	logger    *slog.Logger
	spawned   atomic.Int64
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithTailBytes sets how many trailing stderr bytes are kept per run.
func WithTailBytes(n int) Option {
	return func(s *Supervisor) {
		if n > 0 {
			s.tailBytes = n
		}
	}
}

// WithKillGrace sets the delay between SIGTERM and SIGKILL for a terminated group.
func WithKillGrace(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.killGrace = d
		}
	}
}

// WithLogger sets the logger used for spawn and exit events.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Supervisor) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewSupervisor creates a Supervisor.
func NewSupervisor(opts ...Option) *Supervisor {
	s := &Supervisor{
		tailBytes: DefaultTailBytes,
		killGrace: DefaultKillGrace,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Spawned returns the number of processes started so far.
func (s *Supervisor) Spawned() int64 {
	return s.spawned.Load()
}

// Run implements Runner.
func (s *Supervisor) Run(ctx context.Context, inv Invocation) (Result, error) {
	if inv.Binary == "" {
		return Result{ExitCode: -1}, ErrEmptyInvocation
	}
	if err := ctx.Err(); err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("%w: %v", ErrCancelled, err)
	}

	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if inv.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, inv.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	tail := NewRingBuffer(s.tailBytes)
	cmd := exec.CommandContext(runCtx, inv.Binary, inv.Args...)
	cmd.Stderr = tail
	if inv.Stdout != nil {
		cmd.Stdout = inv.Stdout
	}
	setProcessGroup(cmd, s.killGrace)
	cmd.WaitDelay = s.killGrace

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("%w: %s: %v", ErrStart, inv.Binary, err)
	}
	s.spawned.Add(1)
	s.logger.Debug("process started",
		slog.String("binary", inv.Binary),
		slog.Int("pid", cmd.Process.Pid),
		slog.Duration("timeout", inv.Timeout),
	)

	waitErr := cmd.Wait()
	res := Result{
		ExitCode:    exitCode(cmd),
		Diagnostics: tail.String(),
		Truncated:   tail.Truncated(),
		Elapsed:     time.Since(start),
	}

	if waitErr == nil {
		return res, nil
	}

	// A killed process also reports a non-zero status, so the context is checked first.
	if runCtx.Err() != nil {
		if ctx.Err() != nil {
			return res, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
		}
		return res, fmt.Errorf("%w after %s", ErrTimeout, inv.Timeout)
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return res, nil
	}
	return res, fmt.Errorf("wait for %s: %w", inv.Binary, waitErr)
}

func exitCode(cmd *exec.Cmd) int {
	if cmd.ProcessState == nil {
		return -1
	}
	return cmd.ProcessState.ExitCode()
}
