package sandbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/isdmx/analytica/policy"
)

// Status is the terminal state reported by a worker.
type Status string

const (
	StatusOK     Status = "ok"
	StatusError  Status = "error"
	StatusBreach Status = "breach"
	// StatusFault reports a failure of the worker itself, unrelated to the
	// script. It is never shown to the user as a script error.
	StatusFault Status = "fault"
)

// BreachKind names the resource limit a run crossed.
type BreachKind string

const (
	BreachTimeout        BreachKind = "timeout"
	BreachMemoryOrOutput BreachKind = "memory_or_output"
	BreachArtifactCount  BreachKind = "artifact_count"
)

// Breach is the interrupt value used to stop a running script when a limit
// is crossed. It is also returned as a context cancellation cause.
type Breach struct {
	Kind   BreachKind
	Detail string
}

func (b *Breach) Error() string {
	if b.Detail == "" {
		return fmt.Sprintf("limit exceeded: %s", b.Kind)
	}
	return fmt.Sprintf("limit exceeded: %s: %s", b.Kind, b.Detail)
}

// Request is the single frame sent to a worker on stdin.
type Request struct {
	ID      string          `json:"id"`
	Source  string          `json:"source"`
	Dataset json.RawMessage `json:"dataset"`
	AsOf    time.Time       `json:"as_of"`
	Policy  policy.Spec     `json:"policy"`
}

// Result is one named entry of the script's RESULT object, serialized by the
// runtime. Coerced is set when a value had no plain-data form and was
// replaced by a textual summary.
type Result struct {
	Name    string          `json:"name"`
	Value   json.RawMessage `json:"value"`
	Coerced bool            `json:"coerced,omitempty"`
}

// Chart is a rendered chart image in creation order.
type Chart struct {
	Name   string `json:"name"`
	Format string `json:"format"`
	Data   []byte `json:"data"`
}

// Response is the single frame a worker writes to stdout.
type Response struct {
	ID        string     `json:"id"`
	Status    Status     `json:"status"`
	Error     string     `json:"error,omitempty"`
	Breach    BreachKind `json:"breach,omitempty"`
	Stdout    string     `json:"stdout"`
	Truncated bool       `json:"truncated,omitempty"`
	Results   []Result   `json:"results,omitempty"`
	Charts    []Chart    `json:"charts,omitempty"`
}

var errEmptyFrame = errors.New("empty frame")

// WriteFrame encodes v as one JSON document followed by a newline.
func WriteFrame(w io.Writer, v any) error {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}
	return nil
}

// ReadRequest decodes exactly one Request frame.
func ReadRequest(r io.Reader) (Request, error) {
	var req Request
	if err := readFrame(r, &req); err != nil {
		return Request{}, err
	}
	return req, nil
}

// DecodeResponse decodes exactly one Response frame from data.
func DecodeResponse(data []byte) (Response, error) {
	var resp Response
	if len(data) == 0 {
		return Response{}, fmt.Errorf("failed to decode response: %w", errEmptyFrame)
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return Response{}, fmt.Errorf("failed to decode response: %w", err)
	}
	switch resp.Status {
	case StatusOK, StatusError, StatusBreach, StatusFault:
	default:
		return Response{}, fmt.Errorf("failed to decode response: unknown status %q", resp.Status)
	}
	return resp, nil
}

func readFrame(r io.Reader, v any) error {
	dec := json.NewDecoder(r)
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("failed to decode request: %w", errEmptyFrame)
		}
		return fmt.Errorf("failed to decode request: %w", err)
	}
	return nil
}
