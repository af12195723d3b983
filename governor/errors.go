package governor

import (
	"errors"
	"fmt"

	"github.com/isdmx/analytica/sandbox"
)

// Sentinel errors for governed runs.
var (
	// ErrTimeout indicates the run exceeded the policy's wall-clock limit.
	ErrTimeout = errors.New("governor: time limit exceeded")

	// ErrMemoryOrOutput indicates the worker exceeded its memory limit or
	// produced more output than the frame cap allows.
	ErrMemoryOrOutput = errors.New("governor: memory or output limit exceeded")

	// ErrArtifactCount indicates the script produced too many charts.
	ErrArtifactCount = errors.New("governor: artifact count limit exceeded")

	// ErrCancelled indicates the caller cancelled the run.
	ErrCancelled = errors.New("governor: execution cancelled")

	// ErrWorker indicates the worker failed for reasons unrelated to the
	// script: it could not start, crashed or wrote an unreadable frame.
	ErrWorker = errors.New("governor: worker failure")
)

// LimitError reports a resource limit breach. Kind is one of ErrTimeout,
// ErrMemoryOrOutput or ErrArtifactCount.
type LimitError struct {
	Kind   error
	Detail string
}

func (e *LimitError) Error() string {
	if e.Detail == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *LimitError) Unwrap() error {
	return e.Kind
}

// Breach names the limit as the worker reports it.
func (e *LimitError) Breach() sandbox.BreachKind {
	switch {
	case errors.Is(e.Kind, ErrTimeout):
		return sandbox.BreachTimeout
	case errors.Is(e.Kind, ErrArtifactCount):
		return sandbox.BreachArtifactCount
	default:
		return sandbox.BreachMemoryOrOutput
	}
}

func limitFromBreach(kind sandbox.BreachKind, detail string) *LimitError {
	switch kind {
	case sandbox.BreachTimeout:
		return &LimitError{Kind: ErrTimeout, Detail: detail}
	case sandbox.BreachArtifactCount:
		return &LimitError{Kind: ErrArtifactCount, Detail: detail}
	default:
		return &LimitError{Kind: ErrMemoryOrOutput, Detail: detail}
	}
}
