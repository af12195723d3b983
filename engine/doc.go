// Package engine coordinates one analysis execution from candidate script to
// reported outcome.
//
// Execute validates the script, hands accepted scripts to a Runner (the
// governor in production), captures the payload of a successful run and maps
// every failure onto exactly one Outcome variant: validation_failure,
// runtime_failure, resource_exceeded, cancelled or internal_error. Rejected
// scripts never reach the Runner. Nothing is retried.
//
// Usage:
//
//	gov := governor.New(logger, governor.Config{})
//	coord := engine.New(logger, policy.Default(), gov, engine.WithMaxConcurrent(4))
//	out := coord.Execute(ctx, engine.Script{Source: src}, ds)
//	fmt.Println(out.UserMessage())
package engine
