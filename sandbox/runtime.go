package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/dop251/goja"
	"github.com/dop251/goja/parser"

	"github.com/isdmx/analytica/policy"
	"github.com/isdmx/analytica/validator"
)

const (
	maxCallStackSize = 1024
	fixedSeed        = 42
	// MaxErrorBytes bounds the error text carried in a Response.
	MaxErrorBytes = 4096
)

var epoch = time.Unix(0, 0).UTC()

type runtime struct {
	vm       *goja.Runtime
	policy   *policy.Policy
	programs map[string]*goja.Program
	out      *outputBuffer
	charts   []Chart
	modules  map[string]*goja.Object
	freeze   goja.Callable
	export   goja.Callable
}

// Run executes req.Source in a fresh runtime and reports the outcome. The
// source is expected to have passed validation already.
//
// Run stops the script when ctx is done. A *Breach cancellation cause is
// reported as that breach; a deadline is reported as a timeout.
func Run(ctx context.Context, req Request) Response {
	p, err := policy.New(req.Policy)
	if err != nil {
		return fault(req.ID, err)
	}

	rt, err := newRuntime(p, req)
	if err != nil {
		return fault(req.ID, err)
	}

	stop := context.AfterFunc(ctx, func() {
		rt.vm.Interrupt(interruptCause(ctx))
	})
	defer stop()

	prog, err := goja.Compile(validator.ScriptName, req.Source, false)
	if err != nil {
		return rt.failed(req.ID, err)
	}
	if _, err := rt.vm.RunProgram(prog); err != nil {
		return rt.failed(req.ID, err)
	}

	results, err := rt.exportResults()
	if err != nil {
		return rt.failed(req.ID, err)
	}

	size := 0
	for _, r := range results {
		size += len(r.Value) + len(r.Name)
	}
	if size > p.MaxOutputBytes() {
		return rt.failed(req.ID, &Breach{
			Kind:   BreachMemoryOrOutput,
			Detail: fmt.Sprintf("results of %d bytes exceed %d", size, p.MaxOutputBytes()),
		})
	}

	return Response{
		ID:        req.ID,
		Status:    StatusOK,
		Stdout:    rt.out.String(),
		Truncated: rt.out.Truncated(),
		Results:   results,
		Charts:    rt.charts,
	}
}

func newRuntime(p *policy.Policy, req Request) (*runtime, error) {
	progs, err := programs()
	if err != nil {
		return nil, err
	}

	vm := goja.New()
	vm.SetParserOptions(parser.WithDisableSourceMaps)
	vm.SetMaxCallStackSize(maxCallStackSize)

	// Deterministic execution: fixed random source and a clock pinned to
	// the dataset snapshot.
	seeded := rand.New(rand.NewSource(fixedSeed)) //nolint:gosec // determinism, not security
	vm.SetRandSource(seeded.Float64)
	asOf := req.AsOf
	if asOf.IsZero() {
		asOf = epoch
	}
	vm.SetTimeSource(func() time.Time { return asOf })

	rt := &runtime{
		vm:       vm,
		policy:   p,
		programs: progs,
		out:      newOutputBuffer(p.MaxOutputBytes()),
		modules:  make(map[string]*goja.Object),
	}

	if _, err := vm.RunProgram(progs["harden"]); err != nil {
		return nil, fmt.Errorf("failed to harden runtime: %w", err)
	}
	global := vm.GlobalObject()
	for _, name := range []string{"eval", "Function"} {
		if err := global.Delete(name); err != nil {
			return nil, fmt.Errorf("failed to remove %s: %w", name, err)
		}
	}

	freeze, ok := goja.AssertFunction(vm.Get("Object").ToObject(vm).Get("freeze"))
	if !ok {
		return nil, errors.New("Object.freeze is not callable")
	}
	rt.freeze = freeze

	raw := string(req.Dataset)
	if raw == "" {
		raw = "[]"
	}
	factory, err := vm.RunProgram(progs["prelude"])
	if err != nil {
		return nil, fmt.Errorf("failed to load prelude: %w", err)
	}
	setup, ok := goja.AssertFunction(factory)
	if !ok {
		return nil, errors.New("prelude did not evaluate to a function")
	}
	host, err := setup(goja.Undefined(), global, vm.ToValue(raw), vm.ToValue(rt.write))
	if err != nil {
		return nil, fmt.Errorf("failed to run prelude: %w", err)
	}
	export, ok := goja.AssertFunction(host.ToObject(vm).Get("exportResults"))
	if !ok {
		return nil, errors.New("prelude did not provide exportResults")
	}
	rt.export = export

	if err := global.DefineDataProperty("require", vm.ToValue(rt.require), goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_FALSE); err != nil {
		return nil, fmt.Errorf("failed to install require: %w", err)
	}

	return rt, nil
}

func (rt *runtime) write(call goja.FunctionCall) goja.Value {
	rt.out.write(call.Argument(0).String())
	return goja.Undefined()
}

func (rt *runtime) exportResults() ([]Result, error) {
	v, err := rt.export(goja.Undefined())
	if err != nil {
		return nil, err
	}
	var results []Result
	if err := json.Unmarshal([]byte(v.String()), &results); err != nil {
		return nil, fmt.Errorf("results could not be serialized: %w", err)
	}
	return results, nil
}

// failed classifies a run error into an error or breach response.
func (rt *runtime) failed(id string, err error) Response {
	resp := Response{
		ID:        id,
		Stdout:    rt.out.String(),
		Truncated: rt.out.Truncated(),
	}

	var breach *Breach
	if errors.As(err, &breach) {
		resp.Status = StatusBreach
		resp.Breach = breach.Kind
		resp.Error = breach.Error()
		return resp
	}

	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		resp.Status = StatusError
		resp.Error = "execution interrupted"
		return resp
	}

	resp.Status = StatusError
	resp.Error = TruncateUTF8(err.Error(), MaxErrorBytes)
	return resp
}

func fault(id string, err error) Response {
	return Response{ID: id, Status: StatusFault, Error: TruncateUTF8(err.Error(), MaxErrorBytes)}
}

func interruptCause(ctx context.Context) error {
	cause := context.Cause(ctx)
	var breach *Breach
	switch {
	case errors.As(cause, &breach):
		return breach
	case errors.Is(cause, context.DeadlineExceeded):
		return &Breach{Kind: BreachTimeout}
	default:
		return cause
	}
}
