//go:build !windows
// +build !windows

package governor

import (
	"context"
	"errors"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isdmx/analytica/policy"
)

// pidRecorder remembers the worker pid the governor samples.
type pidRecorder struct {
	pid atomic.Int64
}

func (r *pidRecorder) ResidentBytes(_ context.Context, pid int) (uint64, error) {
	r.pid.Store(int64(pid))
	return 0, nil
}

func (r *pidRecorder) Pid(t *testing.T) int {
	t.Helper()
	pid := int(r.pid.Load())
	require.NotZero(t, pid, "the worker was never sampled")
	return pid
}

// assertGroupGone checks that nothing in the worker's process group is
// still alive, grandchildren included.
func assertGroupGone(t *testing.T, pid int) {
	t.Helper()
	assert.Eventually(t, func() bool {
		return errors.Is(syscall.Kill(-pid, 0), syscall.ESRCH)
	}, 2*time.Second, 20*time.Millisecond, "process group %d still has live members", pid)
}

func TestGovernorLeavesNoProcesses(t *testing.T) {
	t.Run("HardDeadline", func(t *testing.T) {
		pids := &pidRecorder{}
		kills := &killRecorder{}
		g := newTestGovernor(t, "hang-child", kills, WithMemoryProbe(pids))
		p := testPolicy(t, func(s *policy.Spec) { s.Timeout = 100 * time.Millisecond })

		_, err := g.Run(context.Background(), p, request("req-deadline", `1`))
		require.ErrorIs(t, err, ErrTimeout)
		assert.Equal(t, []string{"timeout"}, kills.Reasons())
		assertGroupGone(t, pids.Pid(t))
	})

	t.Run("Cancelled", func(t *testing.T) {
		pids := &pidRecorder{}
		kills := &killRecorder{}
		g := newTestGovernor(t, "hang-child", kills, WithMemoryProbe(pids))

		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(100*time.Millisecond, cancel)

		_, err := g.Run(ctx, testPolicy(t, nil), request("req-cancelled", `1`))
		require.ErrorIs(t, err, ErrCancelled)
		assert.Equal(t, []string{"cancelled"}, kills.Reasons())
		assertGroupGone(t, pids.Pid(t))
	})

	t.Run("WorkerReportedTimeout", func(t *testing.T) {
		pids := &pidRecorder{}
		kills := &killRecorder{}
		g := newTestGovernor(t, "worker", kills, WithMemoryProbe(pids))
		g.cfg.KillGrace = 5 * time.Second
		p := testPolicy(t, func(s *policy.Spec) { s.Timeout = 200 * time.Millisecond })

		_, err := g.Run(context.Background(), p, request("req-spin", `while (true) {}`))
		require.ErrorIs(t, err, ErrTimeout)
		assert.Empty(t, kills.Reasons())
		assertGroupGone(t, pids.Pid(t))
	})
}
