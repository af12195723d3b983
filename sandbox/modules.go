package sandbox

import (
	"embed"
	"fmt"
	"sort"
	"sync"

	"github.com/dop251/goja"
)

//go:embed js/*.js
var scripts embed.FS

const chartModule = "chart"

// Modules implemented in embedded JavaScript. Each file evaluates to a
// factory taking the exports object.
var scriptModules = []string{"stats", "frame", "dates", "path"}

var (
	compileOnce sync.Once
	compiled    map[string]*goja.Program
	compileErr  error
)

// programs compiles the embedded scripts once per process. Compiled programs
// are not tied to a runtime and are shared by every run.
func programs() (map[string]*goja.Program, error) {
	compileOnce.Do(func() {
		names := append([]string{"harden", "prelude"}, scriptModules...)
		out := make(map[string]*goja.Program, len(names))
		for _, name := range names {
			src, err := scripts.ReadFile("js/" + name + ".js")
			if err != nil {
				compileErr = fmt.Errorf("failed to read embedded script %s: %w", name, err)
				return
			}
			prog, err := goja.Compile(name+".js", string(src), false)
			if err != nil {
				compileErr = fmt.Errorf("failed to compile embedded script %s: %w", name, err)
				return
			}
			out[name] = prog
		}
		compiled = out
	})
	return compiled, compileErr
}

// ModuleNames returns every module name the runtime can provide, sorted.
// A policy may allow a subset of these.
func ModuleNames() []string {
	names := append([]string{chartModule}, scriptModules...)
	sort.Strings(names)
	return names
}

// CheckModules returns an error naming the first allowed module the runtime
// cannot provide.
func CheckModules(allowed []string) error {
	known := make(map[string]struct{})
	for _, n := range ModuleNames() {
		known[n] = struct{}{}
	}
	for _, n := range allowed {
		if _, ok := known[n]; !ok {
			return fmt.Errorf("module %q is allowed by policy but not provided by the runtime", n)
		}
	}
	return nil
}

func (rt *runtime) require(call goja.FunctionCall) goja.Value {
	name := call.Argument(0).String()
	if !rt.policy.AllowsModule(name) {
		panic(rt.vm.NewTypeError("module %q is not available", name))
	}
	if m, ok := rt.modules[name]; ok {
		return m
	}

	m, err := rt.instantiate(name)
	if err != nil {
		panic(rt.vm.NewTypeError("module %q failed to load", name))
	}
	rt.modules[name] = m
	return m
}

func (rt *runtime) instantiate(name string) (*goja.Object, error) {
	var exports *goja.Object

	if name == chartModule {
		exports = rt.chartExports()
	} else {
		prog, ok := rt.programs[name]
		if !ok {
			return nil, fmt.Errorf("unknown module %q", name)
		}
		v, err := rt.vm.RunProgram(prog)
		if err != nil {
			return nil, err
		}
		factory, ok := goja.AssertFunction(v)
		if !ok {
			return nil, fmt.Errorf("module %q did not evaluate to a factory", name)
		}
		obj := rt.vm.NewObject()
		if _, err := factory(goja.Undefined(), obj); err != nil {
			return nil, err
		}
		exports = obj
	}

	for _, key := range exports.Keys() {
		if rt.policy.DeniesCall(key) {
			if err := exports.Delete(key); err != nil {
				return nil, err
			}
		}
	}
	if _, err := rt.freeze(goja.Undefined(), exports); err != nil {
		return nil, err
	}
	return exports, nil
}
