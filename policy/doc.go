// Package policy defines the execution policy applied to every analysis script.
//
// A Policy is built once at startup, either from the embedded default
// (default_policy.yaml) or from an operator-supplied YAML file, and is then
// shared read-only by all concurrent executions. It carries the module
// allow-list, the callable deny-list and the resource ceilings enforced by
// the validator, the sandbox runtime and the resource governor.
//
// Usage:
//
//	p, err := policy.LoadFile("policy.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if p.AllowsModule("stats") {
//	    // ...
//	}
package policy
