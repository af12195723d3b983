package governor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"

	"github.com/isdmx/analytica/policy"
	"github.com/isdmx/analytica/sandbox"
)

const (
	// DefaultPollInterval is how often worker memory is sampled.
	DefaultPollInterval = 25 * time.Millisecond
	// DefaultKillGrace is how long past the policy timeout the worker may
	// take to report its own timeout before it is killed.
	DefaultKillGrace = time.Second

	stderrLimit   = 64 * 1024
	frameOverhead = 64 * 1024
	waitDelay     = time.Second
)

// Config controls how workers are started.
type Config struct {
	// Command is the worker argv. Empty means the current executable with
	// the worker subcommand.
	Command []string
	// Env is the complete worker environment. Nil means DefaultEnv.
	Env []string
	// PollInterval is the resident memory sampling period.
	PollInterval time.Duration
	// KillGrace is added to the policy timeout for the hard deadline.
	KillGrace time.Duration
	// Container, when set, runs every worker in its own container and
	// Command is ignored.
	Container *Container
}

// MemoryProbe reports the resident memory of a process.
type MemoryProbe interface {
	ResidentBytes(ctx context.Context, pid int) (uint64, error)
}

// ProcessProbe reads resident memory from the operating system.
type ProcessProbe struct{}

// ResidentBytes returns the resident set size of pid.
func (ProcessProbe) ResidentBytes(ctx context.Context, pid int) (uint64, error) {
	proc, err := process.NewProcessWithContext(ctx, int32(pid)) //nolint:gosec // pids fit in int32
	if err != nil {
		return 0, err
	}
	info, err := proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return info.RSS, nil
}

// Option configures a Governor.
type Option func(*Governor)

// WithMemoryProbe replaces the operating system memory probe.
func WithMemoryProbe(probe MemoryProbe) Option {
	return func(g *Governor) {
		g.probe = probe
	}
}

// WithKillHook registers a function called with the reason every time a
// worker is killed: "timeout", "memory_or_output" or "cancelled".
func WithKillHook(hook func(reason string)) Option {
	return func(g *Governor) {
		g.onKill = hook
	}
}

// Governor runs each script in a fresh, killable worker process and
// enforces the policy's time and memory limits from outside it.
type Governor struct {
	logger *zap.Logger
	cfg    Config
	probe  MemoryProbe
	onKill func(reason string)
}

// DefaultEnv is the minimal environment workers get. Nothing is inherited
// from the host process.
func DefaultEnv() []string {
	return []string{
		"PATH=/usr/bin:/bin",
		"TZ=UTC",
		"LANG=C.UTF-8",
		"GOMAXPROCS=2",
		"GOTRACEBACK=single",
	}
}

// DefaultCommand re-executes the current binary as a worker.
func DefaultCommand() ([]string, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to locate executable: %w", err)
	}
	return []string{exe, sandbox.WorkerCommand}, nil
}

// New creates a Governor.
func New(logger *zap.Logger, cfg Config, opts ...Option) *Governor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = DefaultKillGrace
		if cfg.Container != nil {
			cfg.KillGrace = DefaultContainerKillGrace
		}
	}
	if cfg.Env == nil {
		cfg.Env = DefaultEnv()
	}

	g := &Governor{
		logger: logger,
		cfg:    cfg,
		probe:  ProcessProbe{},
		onKill: func(string) {},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Run executes req in a new worker under p and waits for it to finish. The
// worker is always dead and reaped when Run returns.
//
// A script error is a Response with status error and a nil error. Limit
// breaches, whether detected here or reported by the worker, return a
// *LimitError. Caller cancellation returns ErrCancelled. Anything else that
// goes wrong with the worker returns ErrWorker.
func (g *Governor) Run(ctx context.Context, p *policy.Policy, req sandbox.Request) (sandbox.Response, error) {
	if err := ctx.Err(); err != nil {
		return sandbox.Response{}, fmt.Errorf("%w: %w", ErrCancelled, context.Cause(ctx))
	}

	w, err := g.worker(p)
	if err != nil {
		return sandbox.Response{}, fmt.Errorf("%w: %w", ErrWorker, err)
	}

	req.Policy = p.Spec()
	var stdin bytes.Buffer
	if err := sandbox.WriteFrame(&stdin, req); err != nil {
		return sandbox.Response{}, fmt.Errorf("%w: %w", ErrWorker, err)
	}

	log := g.logger.With(zap.String("request_id", req.ID))
	stdout := newCappedBuffer(frameLimit(p))
	stderr := newCappedBuffer(stderrLimit)

	cmd := exec.Command(w.argv[0], w.argv[1:]...) //nolint:gosec // worker command comes from configuration
	cmd.Env = g.cfg.Env
	cmd.Dir = os.TempDir()
	cmd.Stdin = &stdin
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = waitDelay
	configurePlatformProcess(cmd)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return sandbox.Response{}, fmt.Errorf("%w: failed to start worker: %w", ErrWorker, err)
	}
	log.Debug("worker started", zap.Int("pid", cmd.Process.Pid))

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	killed, waitErr := g.supervise(ctx, p, cmd, stdout, done, w.stop, log)
	log.Debug("worker exited",
		zap.Duration("duration", time.Since(start)),
		zap.NamedError("wait", waitErr))
	if killed != nil {
		return sandbox.Response{ID: req.ID}, killed
	}

	if stdout.Overflowed() {
		return sandbox.Response{ID: req.ID}, &LimitError{
			Kind:   ErrMemoryOrOutput,
			Detail: "response frame exceeds output cap",
		}
	}

	resp, err := sandbox.DecodeResponse(stdout.Bytes())
	if err != nil {
		return sandbox.Response{ID: req.ID}, g.unreadable(cmd, err, waitErr, stderr.String(), log)
	}

	switch resp.Status {
	case sandbox.StatusBreach:
		return resp, limitFromBreach(resp.Breach, resp.Error)
	case sandbox.StatusFault:
		log.Error("worker reported a fault",
			zap.String("error", resp.Error),
			zap.String("stderr", stderr.String()))
		return resp, fmt.Errorf("%w: %s", ErrWorker, resp.Error)
	}
	if resp.ID != req.ID {
		return resp, fmt.Errorf("%w: response for %q, want %q", ErrWorker, resp.ID, req.ID)
	}

	return resp, nil
}

// supervise waits for the worker to exit on its own or kills it when a
// limit is crossed or ctx ends. It returns the kill reason, if any, and the
// wait error.
func (g *Governor) supervise(
	ctx context.Context,
	p *policy.Policy,
	cmd *exec.Cmd,
	stdout *cappedBuffer,
	done <-chan error,
	stop func(*zap.Logger),
	log *zap.Logger,
) (killed, waitErr error) {
	deadline := time.NewTimer(p.Timeout() + g.cfg.KillGrace)
	defer deadline.Stop()
	ticker := time.NewTicker(g.cfg.PollInterval)
	defer ticker.Stop()

	limit := uint64(p.MaxMemoryBytes()) //nolint:gosec // policy limits are positive

	for killed == nil {
		select {
		case err := <-done:
			return nil, err

		case <-ctx.Done():
			killed = fmt.Errorf("%w: %w", ErrCancelled, context.Cause(ctx))

		case <-deadline.C:
			killed = &LimitError{
				Kind:   ErrTimeout,
				Detail: fmt.Sprintf("worker still running after %s", p.Timeout()),
			}

		case <-stdout.Full():
			killed = &LimitError{
				Kind:   ErrMemoryOrOutput,
				Detail: "response frame exceeds output cap",
			}

		case <-ticker.C:
			rss, err := g.probe.ResidentBytes(ctx, cmd.Process.Pid)
			if err != nil {
				// The process may be exiting; done will say so.
				continue
			}
			if rss > limit {
				killed = &LimitError{
					Kind:   ErrMemoryOrOutput,
					Detail: fmt.Sprintf("resident memory of %d bytes exceeds %d", rss, limit),
				}
			}
		}
	}

	log.Warn("killing worker", zap.Int("pid", cmd.Process.Pid), zap.Error(killed))
	if err := killProcessTree(cmd.Process); err != nil {
		log.Error("failed to kill worker", zap.Int("pid", cmd.Process.Pid), zap.Error(err))
	}
	g.onKill(KillReason(killed))
	waitErr = <-done
	if stop != nil {
		stop(log)
	}

	return killed, waitErr
}

// unreadable classifies a worker that exited without a usable frame.
func (g *Governor) unreadable(cmd *exec.Cmd, decodeErr, waitErr error, stderr string, log *zap.Logger) error {
	log.Error("worker produced no readable response",
		zap.Error(decodeErr),
		zap.NamedError("wait", waitErr),
		zap.String("stderr", stderr))

	// A kill we did not send is the kernel's OOM killer or a runtime abort
	// on memory exhaustion.
	oom := killedBySignal(cmd.ProcessState) || strings.Contains(stderr, "out of memory")
	if g.cfg.Container != nil && cmd.ProcessState.ExitCode() == containerOOMExitCode {
		oom = true
	}
	if oom {
		return &LimitError{
			Kind:   ErrMemoryOrOutput,
			Detail: "worker was stopped by the operating system",
		}
	}
	return fmt.Errorf("%w: %w", ErrWorker, decodeErr)
}

// workerProcess is how one worker is started and, after a kill, cleaned up.
type workerProcess struct {
	argv []string
	stop func(*zap.Logger)
}

func (g *Governor) worker(p *policy.Policy) (workerProcess, error) {
	if c := g.cfg.Container; c != nil {
		name := "analytica-" + uuid.NewString()
		return workerProcess{
			argv: c.runArgs(name, p),
			stop: func(log *zap.Logger) { c.stop(name, log) },
		}, nil
	}
	if len(g.cfg.Command) > 0 {
		return workerProcess{argv: g.cfg.Command}, nil
	}
	argv, err := DefaultCommand()
	if err != nil {
		return workerProcess{}, err
	}
	return workerProcess{argv: argv}, nil
}

// KillReason names why a worker was killed, for metrics and logs.
func KillReason(err error) string {
	switch {
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	case errors.Is(err, ErrTimeout):
		return string(sandbox.BreachTimeout)
	default:
		return string(sandbox.BreachMemoryOrOutput)
	}
}

// frameLimit bounds the response frame. It covers worst-case JSON escaping
// of text and results plus base64-encoded charts.
func frameLimit(p *policy.Policy) int {
	text := 8 * p.MaxOutputBytes()
	charts := p.MaxArtifacts() * (p.MaxArtifactBytes()/3*4 + 4 + 6*sandbox.MaxChartNameBytes + 64)
	return frameOverhead + 6*sandbox.MaxErrorBytes + text + charts
}
