package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/reelforge/reelforge/internal/metrics"
	"github.com/reelforge/reelforge/internal/observability"
)

const (
	// stderrTailCap bounds the stderr retained per invocation. Encoder logs
	// can run to megabytes; only the tail is diagnostic.
	stderrTailCap = 8 * 1024

	// defaultGrace is how long a terminated process gets to exit cleanly
	// before it is killed.
	defaultGrace = 5 * time.Second
)

// Invocation describes one external tool run.
type Invocation struct {
	// Bin is the resolved binary path.
	Bin string

	// Args is the full argument list, usually from one of the stage
	// builders in this package.
	Args []string

	// Dir is the working directory, usually the job's scratch directory.
	// Empty means inherit.
	Dir string

	// Stdin feeds the process when set.
	Stdin io.Reader

	// Stdout receives raw tool output when set. The invoker pipes it
	// through untouched and never interprets it.
	Stdout io.Writer

	// Timeout is the wall-clock budget. Zero means no limit.
	Timeout time.Duration
}

// Result reports how an invocation ended.
type Result struct {
	ExitCode   int
	StderrTail string
	WallTime   time.Duration
}

// ToolError is returned when a tool exits non-zero or overruns its budget.
// The full stderr tail rides on the struct; Error keeps to one line.
type ToolError struct {
	Bin        string
	ExitCode   int
	StderrTail string
	TimedOut   bool
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	name := filepath.Base(e.Bin)
	last := lastLine(e.StderrTail)

	if e.TimedOut {
		if last != "" {
			return fmt.Sprintf("%s timed out: %s", name, last)
		}
		return fmt.Sprintf("%s timed out", name)
	}
	if last != "" {
		return fmt.Sprintf("%s exited with code %d: %s", name, e.ExitCode, last)
	}
	return fmt.Sprintf("%s exited with code %d", name, e.ExitCode)
}

// lastLine returns the final non-empty line of s.
func lastLine(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}

// Invoker runs external tools. The pipeline depends on this interface so
// stage tests can substitute a capturing implementation.
type Invoker interface {
	Run(ctx context.Context, inv Invocation) (Result, error)
}

// ToolInvoker spawns subprocesses with bounded stderr capture and a
// term-then-kill timeout. It treats the tool as opaque: stdout is piped
// through when asked for, never parsed.
type ToolInvoker struct {
	logger *slog.Logger
	grace  time.Duration
}

// NewToolInvoker creates an invoker with the default grace period.
func NewToolInvoker(logger *slog.Logger) *ToolInvoker {
	return &ToolInvoker{
		logger: observability.WithComponent(logger, "invoker"),
		grace:  defaultGrace,
	}
}

// WithGrace overrides the term-to-kill grace period.
func (t *ToolInvoker) WithGrace(grace time.Duration) *ToolInvoker {
	t.grace = grace
	return t
}

// Run executes the invocation and waits for it to finish. On a clean exit
// the error is nil; a non-zero exit or timeout returns a *ToolError; if
// the caller's context is cancelled mid-run, its error is returned so the
// caller can tell a cancelled job from a failed tool. The Result is
// populated in every case.
func (t *ToolInvoker) Run(ctx context.Context, inv Invocation) (Result, error) {
	if inv.Bin == "" {
		return Result{ExitCode: -1}, fmt.Errorf("invocation has no binary")
	}

	runCtx := ctx
	if inv.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, inv.Timeout)
		defer cancel()
	}

	stderr := newRingBuffer(stderrTailCap)

	cmd := exec.CommandContext(runCtx, inv.Bin, inv.Args...)
	cmd.Dir = inv.Dir
	cmd.Stdin = inv.Stdin
	cmd.Stdout = inv.Stdout
	cmd.Stderr = stderr

	// On deadline or cancel the process is asked to terminate first;
	// anything still alive after the grace period is killed.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = t.grace

	name := filepath.Base(inv.Bin)
	start := time.Now()
	err := cmd.Run()
	wall := time.Since(start)

	res := Result{
		ExitCode:   -1,
		StderrTail: stderr.String(),
		WallTime:   wall,
	}
	if state := cmd.ProcessState; state != nil {
		res.ExitCode = state.ExitCode()
	}

	switch {
	case err == nil:
		metrics.RecordToolRun(name, metrics.OutcomeOK, wall)
		t.logger.DebugContext(ctx, "tool finished",
			slog.String("bin", name),
			slog.Duration("wall_time", wall))
		return res, nil

	case ctx.Err() != nil:
		// The job was cancelled out from under the tool; report the
		// cancellation rather than the induced exit status.
		metrics.RecordToolRun(name, metrics.OutcomeCanceled, wall)
		return res, ctx.Err()

	case runCtx.Err() == context.DeadlineExceeded:
		metrics.RecordToolRun(name, metrics.OutcomeTimeout, wall)
		t.logger.WarnContext(ctx, "tool timed out",
			slog.String("bin", name),
			slog.Duration("timeout", inv.Timeout),
			slog.Duration("wall_time", wall))
		return res, &ToolError{Bin: inv.Bin, ExitCode: res.ExitCode, StderrTail: res.StderrTail, TimedOut: true}

	default:
		metrics.RecordToolRun(name, metrics.OutcomeError, wall)
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			t.logger.WarnContext(ctx, "tool failed",
				slog.String("bin", name),
				slog.Int("exit_code", res.ExitCode),
				slog.Duration("wall_time", wall),
				slog.String("stderr_last", lastLine(res.StderrTail)))
			return res, &ToolError{Bin: inv.Bin, ExitCode: res.ExitCode, StderrTail: res.StderrTail}
		}
		return res, fmt.Errorf("starting %s: %w", name, err)
	}
}

// ringBuffer is a fixed-capacity io.Writer that keeps the most recent
// bytes written to it.
type ringBuffer struct {
	mu   sync.Mutex
	buf  []byte
	next int
	full bool
}

func newRingBuffer(capacity int) *ringBuffer {
	return &ringBuffer{buf: make([]byte, capacity)}
}

// Write implements io.Writer. It never fails and never blocks beyond the
// copy; old bytes are overwritten once the buffer is full.
func (r *ringBuffer) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(p)
	if n == 0 {
		return 0, nil
	}
	if n >= len(r.buf) {
		copy(r.buf, p[n-len(r.buf):])
		r.next = 0
		r.full = true
		return n, nil
	}

	wrote := copy(r.buf[r.next:], p)
	if wrote < n {
		copy(r.buf, p[wrote:])
	}
	r.next = (r.next + n) % len(r.buf)
	if wrote < n || r.next == 0 {
		r.full = true
	}
	return n, nil
}

// String returns the retained bytes in write order.
func (r *ringBuffer) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.full {
		return string(r.buf[:r.next])
	}

	out := make([]byte, len(r.buf))
	copied := copy(out, r.buf[r.next:])
	copy(out[copied:], r.buf[:r.next])
	return string(out)
}
