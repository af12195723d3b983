package engine

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/isdmx/analytica/capture"
	"github.com/isdmx/analytica/sandbox"
	"github.com/isdmx/analytica/validator"
)

// Status is the variant of an Outcome.
type Status string

const (
	StatusSuccess           Status = "success"
	StatusValidationFailure Status = "validation_failure"
	StatusRuntimeFailure    Status = "runtime_failure"
	StatusResourceExceeded  Status = "resource_exceeded"
	StatusCancelled         Status = "cancelled"
	StatusInternalError     Status = "internal_error"
)

// Script is a candidate analysis script. An empty RequestID is replaced
// with a generated one.
type Script struct {
	RequestID string
	Source    string
}

// Outcome is the single result of one Execute call. It is built only by the
// constructors below and never changes afterwards; accessors return copies.
type Outcome struct {
	requestID string
	status    Status
	reason    string
	verdict   validator.Verdict
	resource  sandbox.BreachKind
	payload   capture.Payload
	elapsed   time.Duration
}

// Succeeded builds a success outcome owning a copy of payload.
func Succeeded(requestID string, payload capture.Payload) Outcome {
	return Outcome{requestID: requestID, status: StatusSuccess, payload: payload.Clone()}
}

// Rejected builds a validation failure.
func Rejected(requestID string, verdict validator.Verdict) Outcome {
	return Outcome{requestID: requestID, status: StatusValidationFailure, reason: verdict.Reason, verdict: verdict}
}

// RuntimeFailed builds a runtime failure. message must already be
// sanitized.
func RuntimeFailed(requestID, message string) Outcome {
	return Outcome{requestID: requestID, status: StatusRuntimeFailure, reason: message}
}

// ResourceExceeded builds a limit breach outcome.
func ResourceExceeded(requestID string, kind sandbox.BreachKind) Outcome {
	return Outcome{requestID: requestID, status: StatusResourceExceeded, resource: kind}
}

// Cancelled builds the outcome of a run the caller abandoned.
func Cancelled(requestID string) Outcome {
	return Outcome{requestID: requestID, status: StatusCancelled}
}

// InternalError builds an opaque engine failure. Details belong in the log.
func InternalError(requestID string) Outcome {
	return Outcome{requestID: requestID, status: StatusInternalError}
}

func (o Outcome) RequestID() string { return o.requestID }

func (o Outcome) Status() Status { return o.status }

// Reason is the validation reason or sanitized runtime message.
func (o Outcome) Reason() string { return o.reason }

func (o Outcome) Elapsed() time.Duration { return o.elapsed }

// Verdict returns the rejecting verdict of a validation failure.
func (o Outcome) Verdict() (validator.Verdict, bool) {
	return o.verdict, o.status == StatusValidationFailure
}

// Resource returns the limit crossed by a resource_exceeded outcome.
func (o Outcome) Resource() (sandbox.BreachKind, bool) {
	return o.resource, o.status == StatusResourceExceeded
}

// Payload returns a copy of a success outcome's payload.
func (o Outcome) Payload() (capture.Payload, bool) {
	if o.status != StatusSuccess {
		return capture.Payload{}, false
	}
	return o.payload.Clone(), true
}

// UserMessage is the short text that is safe to show the end user.
func (o Outcome) UserMessage() string {
	switch o.status {
	case StatusSuccess:
		return "The analysis completed successfully."
	case StatusValidationFailure:
		if loc := o.verdict.Location; loc.Line > 0 {
			return fmt.Sprintf("The script was rejected before running: %s (line %d, column %d).", o.reason, loc.Line, loc.Column)
		}
		return fmt.Sprintf("The script was rejected before running: %s.", o.reason)
	case StatusRuntimeFailure:
		return fmt.Sprintf("The script failed while running: %s", o.reason)
	case StatusResourceExceeded:
		switch o.resource {
		case sandbox.BreachTimeout:
			return "The script took too long and was stopped."
		case sandbox.BreachArtifactCount:
			return "The script produced more charts than allowed."
		default:
			return "The script used too much memory or produced too much output and was stopped."
		}
	case StatusCancelled:
		return "The analysis was cancelled."
	default:
		return "Something went wrong while running the analysis. Please try again."
	}
}

type outcomeJSON struct {
	RequestID  string             `json:"request_id"`
	Status     Status             `json:"status"`
	Message    string             `json:"message"`
	Verdict    *validator.Verdict `json:"verdict,omitempty"`
	Resource   sandbox.BreachKind `json:"resource,omitempty"`
	Payload    *capture.Payload   `json:"payload,omitempty"`
	DurationMS int64              `json:"duration_ms"`
}

// MarshalJSON renders the outcome for delivery. Only the variant's own
// fields are included.
func (o Outcome) MarshalJSON() ([]byte, error) {
	out := outcomeJSON{
		RequestID:  o.requestID,
		Status:     o.status,
		Message:    o.UserMessage(),
		DurationMS: o.elapsed.Milliseconds(),
	}
	if v, ok := o.Verdict(); ok {
		out.Verdict = &v
	}
	if kind, ok := o.Resource(); ok {
		out.Resource = kind
	}
	if p, ok := o.Payload(); ok {
		out.Payload = &p
	}
	return json.Marshal(out)
}
