package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/isdmx/analytica/capture"
	"github.com/isdmx/analytica/dataset"
	"github.com/isdmx/analytica/governor"
	"github.com/isdmx/analytica/observability"
	"github.com/isdmx/analytica/policy"
	"github.com/isdmx/analytica/sandbox"
	"github.com/isdmx/analytica/validator"
)

// DefaultMaxConcurrent bounds simultaneous workers unless overridden.
const DefaultMaxConcurrent = 4

// Runner executes an accepted script in isolation. *governor.Governor is
// the production implementation.
type Runner interface {
	Run(ctx context.Context, p *policy.Policy, req sandbox.Request) (sandbox.Response, error)
}

type state string

const (
	stateReceived   state = "received"
	stateValidating state = "validating"
	stateRejected   state = "rejected"
	stateRunning    state = "running"
	stateSucceeded  state = "succeeded"
	stateFailed     state = "failed"
)

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithMaxConcurrent bounds how many workers may run at once.
func WithMaxConcurrent(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithQueueTimeout bounds how long Execute waits for a free worker slot.
// The default is the policy timeout. A request that cannot start in time
// ends as a timeout.
func WithQueueTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.queueTimeout = d
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r observability.Recorder) Option {
	return func(c *Coordinator) {
		c.recorder = r
	}
}

// WithIDGenerator replaces the request id generator used for scripts that
// arrive without one.
func WithIDGenerator(newID func() string) Option {
	return func(c *Coordinator) {
		c.newID = newID
	}
}

// Coordinator validates, runs and captures one script per Execute call.
// It is safe for concurrent use; the policy it holds is never modified.
type Coordinator struct {
	logger   *zap.Logger
	policy   *policy.Policy
	runner   Runner
	sem      *semaphore.Weighted
	recorder observability.Recorder
	newID    func() string

	queueTimeout time.Duration
}

// New creates a Coordinator.
func New(logger *zap.Logger, p *policy.Policy, runner Runner, opts ...Option) *Coordinator {
	c := &Coordinator{
		logger:   logger,
		policy:   p,
		runner:   runner,
		sem:      semaphore.NewWeighted(DefaultMaxConcurrent),
		recorder: nopRecorder{},
		newID:    uuid.NewString,

		queueTimeout: p.Timeout(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Policy returns the policy every execution runs under.
func (c *Coordinator) Policy() *policy.Policy {
	return c.policy
}

// Execute runs script against ds and returns exactly one Outcome. It never
// panics and never retries. A nil ds is treated as an empty dataset.
func (c *Coordinator) Execute(ctx context.Context, script Script, ds *dataset.Handle) (out Outcome) {
	start := time.Now()
	id := script.RequestID
	if id == "" {
		id = c.newID()
	}
	log := c.logger.With(zap.String("request_id", id))

	c.recorder.ExecutionStarted()
	defer func() {
		if r := recover(); r != nil {
			log.Error("execution panicked", zap.Any("panic", r), zap.Stack("stack"))
			out = InternalError(id)
		}
		out.elapsed = time.Since(start)
		c.recorder.ExecutionFinished(string(out.status), string(out.resource), out.elapsed)
		log.Info("execution finished",
			zap.String("status", string(out.status)),
			zap.String("resource", string(out.resource)),
			zap.Duration("duration", out.elapsed))
	}()

	transition(log, stateReceived, zap.Int("source_bytes", len(script.Source)))
	if ds == nil {
		ds = dataset.Empty()
	}

	transition(log, stateValidating)
	verdict := validator.Validate(script.Source, c.policy)
	if !verdict.Accepted {
		transition(log, stateRejected, zap.String("verdict", verdict.String()))
		c.recorder.ValidationRejected(string(verdict.Rule))
		return Rejected(id, verdict)
	}

	waitCtx, cancelWait := context.WithTimeout(ctx, c.queueTimeout)
	err := c.sem.Acquire(waitCtx, 1)
	cancelWait()
	if err != nil {
		if ctx.Err() != nil {
			transition(log, stateFailed, zap.Error(err))
			return Cancelled(id)
		}
		transition(log, stateFailed, zap.Duration("queue_timeout", c.queueTimeout))
		return ResourceExceeded(id, sandbox.BreachTimeout)
	}
	defer c.sem.Release(1)

	transition(log, stateRunning)
	resp, err := c.runner.Run(ctx, c.policy, sandbox.Request{
		ID:      id,
		Source:  script.Source,
		Dataset: ds.JSON(),
		AsOf:    ds.AsOf(),
		Policy:  c.policy.Spec(),
	})

	out = c.outcome(ctx, id, resp, err, log)
	if out.status == StatusSuccess {
		transition(log, stateSucceeded)
	} else {
		transition(log, stateFailed, zap.String("status", string(out.status)))
	}
	return out
}

func (c *Coordinator) outcome(ctx context.Context, id string, resp sandbox.Response, err error, log *zap.Logger) Outcome {
	if err != nil {
		return c.failure(ctx, id, err, log)
	}

	switch resp.Status {
	case sandbox.StatusOK:
		payload, err := capture.Build(resp, c.policy)
		if err != nil {
			return c.failure(ctx, id, err, log)
		}
		return Succeeded(id, payload)

	case sandbox.StatusError:
		log.Debug("script raised an error", zap.String("error", resp.Error))
		return RuntimeFailed(id, Sanitize(resp.Error))

	default:
		log.Error("runner returned an unexpected status", zap.String("status", string(resp.Status)))
		return InternalError(id)
	}
}

func (c *Coordinator) failure(ctx context.Context, id string, err error, log *zap.Logger) Outcome {
	var limit *governor.LimitError
	switch {
	case errors.Is(err, governor.ErrCancelled), ctx.Err() != nil:
		log.Info("execution cancelled", zap.Error(err))
		return Cancelled(id)
	case errors.As(err, &limit):
		log.Info("resource limit exceeded", zap.Error(err))
		return ResourceExceeded(id, limit.Breach())
	default:
		log.Error("execution failed inside the engine", zap.Error(err))
		return InternalError(id)
	}
}

func transition(log *zap.Logger, to state, fields ...zap.Field) {
	log.Debug("execution state changed", append([]zap.Field{zap.String("state", string(to))}, fields...)...)
}

type nopRecorder struct{}

func (nopRecorder) ExecutionStarted() {}

func (nopRecorder) ExecutionFinished(string, string, time.Duration) {}

func (nopRecorder) ValidationRejected(string) {}
