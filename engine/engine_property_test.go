package engine

import (
	"context"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"go.uber.org/zap"

	"github.com/isdmx/analytica/policy"
)

// Property: a script importing a module outside the allow-list never
// reaches the runner.
func TestDisallowedImportNeverRunsProperty(t *testing.T) {
	p := policy.Default()
	runner := &stubRunner{}
	c := New(zap.NewNop(), p, runner)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("rejected before running", prop.ForAll(
		func(name string, prefix string) bool {
			before := runner.calls.Load()
			src := fmt.Sprintf("const %s = 1;\nconst m = require(%q);\nRESULT.x = m;", "v"+prefix, name)
			out := c.Execute(context.Background(), Script{RequestID: "prop", Source: src}, nil)
			return out.Status() == StatusValidationFailure && runner.calls.Load() == before
		},
		gen.AlphaString().SuchThat(func(s string) bool { return !p.AllowsModule(s) }),
		gen.Identifier(),
	))

	properties.TestingRun(t)
}

// Property: denied callables are rejected whether called bare or through an
// allowed module, and the runner is never invoked.
func TestDeniedCallNeverRunsProperty(t *testing.T) {
	p := policy.Default()
	runner := &stubRunner{}
	c := New(zap.NewNop(), p, runner)

	denied := make([]interface{}, 0, len(p.DeniedCalls()))
	for _, name := range p.DeniedCalls() {
		denied = append(denied, name)
	}
	modules := make([]interface{}, 0, len(p.AllowedModules()))
	for _, name := range p.AllowedModules() {
		modules = append(modules, name)
	}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("denied calls never run", prop.ForAll(
		func(call string, module string, viaModule bool) bool {
			src := fmt.Sprintf("%s(\"x\");", call)
			if viaModule {
				src = fmt.Sprintf("const m = require(%q);\nm.%s(\"x\");", module, call)
			}
			out := c.Execute(context.Background(), Script{RequestID: "prop", Source: src}, nil)
			return out.Status() == StatusValidationFailure && runner.calls.Load() == 0
		},
		gen.OneConstOf(denied...),
		gen.OneConstOf(modules...),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
