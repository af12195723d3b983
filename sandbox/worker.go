package sandbox

import (
	"context"
	"fmt"
	"io"
	"runtime/debug"
	"runtime/metrics"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/analytica/logger"
	"github.com/isdmx/analytica/policy"
	"github.com/isdmx/analytica/validator"
)

// WorkerCommand is the CLI subcommand under which a binary serves one run.
const WorkerCommand = "worker"

const (
	heapObjectsMetric = "/memory/classes/heap/objects:bytes"
	heapPollInterval  = 10 * time.Millisecond
)

// ServeWorker reads one Request from stdin, runs it and writes one Response
// to stdout. Diagnostics go to stderr as JSON log lines. It returns the
// process exit code: 0 whenever a response frame was written.
func ServeWorker(stdin io.Reader, stdout, stderr io.Writer) int {
	log, err := logger.NewWriter(stderr, "info")
	if err != nil {
		log = zap.NewNop()
	}
	defer func() { _ = log.Sync() }()

	resp := serve(stdin, log)
	if err := WriteFrame(stdout, resp); err != nil {
		log.Error("failed to write response", zap.Error(err))
		return 1
	}
	return 0
}

func serve(stdin io.Reader, log *zap.Logger) Response {
	req, err := ReadRequest(stdin)
	if err != nil {
		log.Error("failed to read request", zap.Error(err))
		return fault("", err)
	}
	log = log.With(zap.String("request_id", req.ID))

	p, err := policy.New(req.Policy)
	if err != nil {
		log.Error("invalid policy", zap.Error(err))
		return fault(req.ID, err)
	}

	if v := validator.Validate(req.Source, p); !v.Accepted {
		log.Error("script failed validation inside worker", zap.String("verdict", v.String()))
		return fault(req.ID, fmt.Errorf("script rejected: %s", v))
	}

	heapLimit := heapBudget(p.MaxMemoryBytes())
	debug.SetMemoryLimit(heapLimit)

	ctx, cancel := context.WithTimeoutCause(context.Background(), p.Timeout(), &Breach{Kind: BreachTimeout})
	defer cancel()
	ctx, breach := context.WithCancelCause(ctx)
	defer breach(nil)

	go watchHeap(ctx, uint64(heapLimit), heapPollInterval, breach)

	start := time.Now()
	resp := Run(ctx, req)
	log.Info("run finished",
		zap.String("status", string(resp.Status)),
		zap.String("breach", string(resp.Breach)),
		zap.Int("charts", len(resp.Charts)),
		zap.Duration("duration", time.Since(start)))

	return resp
}

// heapBudget leaves a quarter of the resident limit for the runtime itself,
// so the worker reports a breach before the governor has to kill it.
func heapBudget(maxMemory int64) int64 {
	return maxMemory / 4 * 3
}

// watchHeap cancels the run with a memory breach once live heap objects
// exceed limit.
func watchHeap(ctx context.Context, limit uint64, interval time.Duration, breach context.CancelCauseFunc) {
	sample := []metrics.Sample{{Name: heapObjectsMetric}}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.Read(sample)
			if sample[0].Value.Kind() != metrics.KindUint64 {
				// Unsupported runtime; the governor's resident-memory watch still applies.
				return
			}
			if used := sample[0].Value.Uint64(); used > limit {
				breach(&Breach{
					Kind:   BreachMemoryOrOutput,
					Detail: fmt.Sprintf("heap of %d bytes exceeds %d", used, limit),
				})
				return
			}
		}
	}
}
