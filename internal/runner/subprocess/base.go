// Package subprocess implements the shared lifecycle for every subprocess-
// backed provider runner: spawn, line-read stdout/stderr, wall-clock
// timeout, exit reconciliation, and the once-only terminal-event guard.
// Concrete providers (agentcli, codingcli) supply only argv/stdin
// construction and a line parser.
package subprocess

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	osexec "os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/basket/bridgews/internal/obs"
	"github.com/basket/bridgews/internal/runner"
)

// Build constructs the argv, working directory, extra environment, and
// optional stdin payload for one execution. Returning an error reports it
// to the caller via handlers.OnError rather than panicking.
type Build struct {
	Args    []string
	Dir     string
	Env     []string
	Stdin   []byte // nil if the provider does not write to stdin
	Cleanup func() // called once the execution finishes, regardless of outcome (e.g. temp-file removal)
}

// BuildFunc constructs a Build for the given request.
type BuildFunc func(ctx context.Context, opts runner.Options) (Build, error)

// LineFunc parses one line of stdout for the given request, invoking
// handlers.OnChunk as appropriate. It must not block.
type LineFunc func(line []byte, requestID string, handlers runner.Handlers)

// CommandFactory is the test seam: production code leaves this nil and
// gets osexec.CommandContext; tests substitute a fake that records argv and
// simulates a process without spawning one.
type CommandFactory func(ctx context.Context, name string, args ...string) *osexec.Cmd

// Base is a subprocess-backed runner.Runner. It is not safe to share
// across goroutines concurrently calling Run — the gateway serializes
// access per (connection, provider) by construction.
type Base struct {
	execPath       string
	providerName   string
	timeout        time.Duration
	buildFn        BuildFunc
	lineFn         LineFunc
	commandFactory CommandFactory
	logger         *slog.Logger
	metrics        *obs.Metrics

	mu       sync.Mutex
	current  *execution
	disposed bool
}

// Option configures a Base at construction.
type Option func(*Base)

// WithTimeout sets the wall-clock execution timeout.
func WithTimeout(d time.Duration) Option {
	return func(b *Base) { b.timeout = d }
}

// WithLogger sets the logger used for stderr forwarding and lifecycle events.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Base) { b.logger = logger }
}

// WithCommandFactory overrides process creation for tests.
func WithCommandFactory(fn CommandFactory) Option {
	return func(b *Base) { b.commandFactory = fn }
}

// WithMetrics records runner-timeout events on the given instruments.
func WithMetrics(m *obs.Metrics) Option {
	return func(b *Base) { b.metrics = m }
}

// New creates a subprocess runner for one provider.
func New(execPath, providerName string, buildFn BuildFunc, lineFn LineFunc, opts ...Option) *Base {
	b := &Base{
		execPath:     execPath,
		providerName: providerName,
		timeout:      300 * time.Second,
		buildFn:      buildFn,
		lineFn:       lineFn,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

var _ runner.Runner = (*Base)(nil)

// execution carries the state of exactly one spawned process.
type execution struct {
	requestID string
	cmd       *osexec.Cmd
	cancel    context.CancelFunc
	timer     *time.Timer
	cleanup   func()
	killed    atomic.Bool
	done      sync.Once
}

func (e *execution) stopTimer() {
	if e.timer != nil {
		e.timer.Stop()
	}
}

// killProcess sends the platform kill signal, swallowing "already dead"
// errors. Safe to call more than once.
func (e *execution) killProcess() {
	if e.cmd == nil || e.cmd.Process == nil {
		return
	}
	_ = e.cmd.Process.Kill()
}

// finish is the one-shot terminal-event guard: only the first caller's
// callback runs, for either this execution's timeout, its exit
// reconciliation, or an explicit Kill/Dispose.
func (e *execution) finish(cb func()) {
	e.done.Do(func() {
		e.stopTimer()
		cb()
		if e.cancel != nil {
			e.cancel()
		}
		if e.cleanup != nil {
			e.cleanup()
		}
	})
}

// Run starts executing one request. If already executing, the prior
// execution is killed first (no terminal event emitted for it — the
// caller is assumed to have ensured request-id uniqueness upstream).
func (b *Base) Run(opts runner.Options, handlers runner.Handlers) {
	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		handlers.OnError("Runner has been disposed", opts.RequestID)
		return
	}
	prior := b.current
	b.current = nil
	b.mu.Unlock()

	if prior != nil {
		prior.finish(func() {
			prior.killed.Store(true)
			prior.killProcess()
		})
	}

	build, err := b.buildFn(context.Background(), opts)
	if err != nil {
		handlers.OnError(err.Error(), opts.RequestID)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())

	var cmd *osexec.Cmd
	if b.commandFactory != nil {
		cmd = b.commandFactory(ctx, b.execPath, build.Args...)
	} else {
		cmd = osexec.CommandContext(ctx, b.execPath, build.Args...)
	}
	cmd.Dir = build.Dir
	cmd.Env = build.Env

	exc := &execution{requestID: opts.RequestID, cmd: cmd, cancel: cancel, cleanup: build.Cleanup}

	var stdin io.WriteCloser
	if build.Stdin != nil {
		stdin, err = cmd.StdinPipe()
		if err != nil {
			cancel()
			handlers.OnError(fmt.Sprintf("failed to open stdin: %s", err), opts.RequestID)
			return
		}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		handlers.OnError(fmt.Sprintf("failed to open stdout: %s", err), opts.RequestID)
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		handlers.OnError(fmt.Sprintf("failed to open stderr: %s", err), opts.RequestID)
		return
	}

	if err := cmd.Start(); err != nil {
		cancel()
		handlers.OnError(fmt.Sprintf("failed to start %s: %s", b.providerName, err), opts.RequestID)
		return
	}

	if stdin != nil {
		payload := build.Stdin
		go func() {
			_, _ = stdin.Write(payload)
			_ = stdin.Close()
		}()
	}

	b.mu.Lock()
	b.current = exc
	b.mu.Unlock()

	if b.timeout > 0 {
		exc.timer = time.AfterFunc(b.timeout, func() {
			exc.finish(func() {
				exc.killed.Store(true)
				exc.killProcess()
				if b.metrics != nil {
					b.metrics.RecordTimeout(context.Background())
				}
				handlers.OnError("Process timed out", opts.RequestID)
			})
		})
	}

	go b.readStdout(exc, stdout, handlers)
	go b.readStderr(exc, stderr)
	go b.waitExit(exc, handlers)
}

func (b *Base) readStdout(exc *execution, stdout io.ReadCloser, handlers runner.Handlers) {
	scanner := bufio.NewScanner(stdout)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		cp := make([]byte, len(line))
		copy(cp, line)
		b.lineFn(cp, exc.requestID, handlers)
	}
	if err := scanner.Err(); err != nil {
		b.logger.Warn("subprocess stdout scanner error", "provider", b.providerName, "error", err)
	}
}

func (b *Base) readStderr(exc *execution, stderr io.ReadCloser) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		b.logger.Warn("subprocess stderr", "provider", b.providerName, "requestId", exc.requestID, "line", scanner.Text())
	}
}

func (b *Base) waitExit(exc *execution, handlers runner.Handlers) {
	err := exc.cmd.Wait()
	exc.finish(func() {
		if exc.killed.Load() {
			return
		}
		if err == nil {
			handlers.OnComplete(exc.requestID)
			return
		}
		if ee, ok := err.(*osexec.ExitError); ok && ee.ProcessState != nil {
			if status, ok := ee.ProcessState.Sys().(syscall.WaitStatus); ok && status.Signaled() {
				handlers.OnError(fmt.Sprintf("CLI killed by signal %s", status.Signal()), exc.requestID)
				return
			}
			handlers.OnError(fmt.Sprintf("CLI exited with code %d", ee.ProcessState.ExitCode()), exc.requestID)
			return
		}
		handlers.OnError(fmt.Sprintf("%s process exited: %s", b.providerName, err), exc.requestID)
	})
}

// Kill cooperatively stops the current execution, if any. Idempotent.
func (b *Base) Kill() {
	b.mu.Lock()
	cur := b.current
	b.mu.Unlock()
	if cur == nil {
		return
	}
	cur.finish(func() {
		cur.killed.Store(true)
		cur.killProcess()
	})
}

// Dispose marks the runner terminally unusable and kills any current execution.
func (b *Base) Dispose() {
	b.mu.Lock()
	b.disposed = true
	cur := b.current
	b.current = nil
	b.mu.Unlock()
	if cur != nil {
		cur.finish(func() {
			cur.killed.Store(true)
			cur.killProcess()
		})
	}
}
