// Package sandbox provides the restricted runtime that executes analysis
// scripts.
//
// Every run gets a fresh JavaScript runtime with no file, network, process
// or timer APIs. Scripts see a deep-frozen dataset global, a require
// function limited to the policy's module allow-list, console/print output
// capture and a RESULT object for named results. The runtime is made
// deterministic: Math.random uses a fixed seed and the clock is pinned to
// the dataset snapshot time. String-to-code paths (eval, the Function
// constructor and its generator/async variants) are removed.
//
// The runtime is meant to run inside a short-lived worker process started
// by the governor package. ServeWorker is that process's entrypoint: it
// reads one Request frame from stdin, re-validates the script, runs it
// under a heap watchdog and writes one Response frame to stdout.
//
// Usage:
//
//	resp := sandbox.Run(ctx, sandbox.Request{
//	    ID:      "req-1",
//	    Source:  `RESULT.rows = dataset.length;`,
//	    Dataset: raw,
//	    Policy:  policy.DefaultSpec(),
//	})
package sandbox
