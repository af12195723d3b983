// Package governor runs analysis scripts in short-lived worker processes and
// enforces execution limits from outside the worker.
//
// Each Run starts a fresh worker in its own process group with a minimal
// environment, sends it one request frame on stdin and reads one response
// frame from stdout through a capped buffer. While the worker runs, the
// governor samples its resident memory and watches a hard deadline. Any
// breach, and caller cancellation, kills the whole process group and reaps
// it before Run returns.
//
// With Config.Container set, each worker instead runs in a fresh docker or
// podman container with no network and a read-only root filesystem. The
// container runtime enforces the memory limit as well, and a killed
// worker's container is removed.
//
// Limit breaches are reported as *LimitError values matching ErrTimeout,
// ErrMemoryOrOutput or ErrArtifactCount with errors.Is. Cancellation matches
// ErrCancelled and worker malfunctions match ErrWorker.
//
// Usage:
//
//	gov := governor.New(logger, governor.Config{})
//	resp, err := gov.Run(ctx, policy.Default(), sandbox.Request{
//	    ID:      "req-1",
//	    Source:  `RESULT.rows = dataset.length;`,
//	    Dataset: raw,
//	})
package governor
