package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/wikigraph/internal/broker"
	"github.com/ChuLiYu/wikigraph/internal/broker/memory"
	"github.com/ChuLiYu/wikigraph/pkg/types"
)

type recorder struct {
	mu          sync.Mutex
	completed   map[types.JobID]string
	rescheduled []types.JobID
}

func newRecorder() *recorder {
	return &recorder{completed: make(map[types.JobID]string)}
}

func (r *recorder) hooks(cfg *Config) {
	cfg.OnComplete = func(id types.JobID, payload string) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.completed[id] = payload
	}
	cfg.OnReschedule = func(id types.JobID) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.rescheduled = append(r.rescheduled, id)
	}
}

func (r *recorder) snapshot() (map[types.JobID]string, []types.JobID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := make(map[types.JobID]string, len(r.completed))
	for k, v := range r.completed {
		c[k] = v
	}
	return c, append([]types.JobID(nil), r.rescheduled...)
}

func testMonitor(t *testing.T, b broker.Broker, clk *testclock.Clock, rec *recorder) *Monitor {
	t.Helper()
	cfg := Config{
		DefaultGrace: 5 * time.Second,
		PopTimeout:   10 * time.Millisecond,
		Clock:        clk,
	}
	if rec != nil {
		rec.hooks(&cfg)
	}
	return New(b, cfg)
}

func waitDone(t *testing.T, m *Monitor) {
	t.Helper()
	select {
	case <-m.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop")
	}
}

func TestLifecycle(t *testing.T) {
	b := memory.New()
	defer b.Close()
	m := testMonitor(t, b, testclock.NewClock(time.Now()), nil)
	ctx := context.Background()

	assert.Equal(t, StateIdle, m.State())
	assert.ErrorIs(t, m.Stop(), ErrNotRunning)
	select {
	case <-m.Done():
	default:
		t.Fatal("idle monitor must report done")
	}

	require.NoError(t, m.Start(ctx))
	assert.Equal(t, StateRunning, m.State())
	assert.ErrorIs(t, m.Start(ctx), ErrAlreadyRunning)

	require.NoError(t, m.Stop())
	assert.ErrorIs(t, m.Stop(), ErrNotRunning)
	waitDone(t, m)
	assert.Equal(t, StateIdle, m.State())

	// Restartable once idle.
	require.NoError(t, m.Start(ctx))
	require.NoError(t, m.Stop())
	waitDone(t, m)
}

func TestStartClearsStaleMarkers(t *testing.T) {
	ctx := context.Background()
	b := memory.New()
	defer b.Close()
	require.NoError(t, b.Push(ctx, broker.RunningQueue, "aD1"))
	require.NoError(t, b.Push(ctx, broker.RunningQueue, "aD2"))

	rec := newRecorder()
	m := testMonitor(t, b, testclock.NewClock(time.Now()), rec)
	require.NoError(t, m.Start(ctx))
	defer func() {
		_ = m.Stop()
		waitDone(t, m)
	}()

	n, err := b.LLen(ctx, broker.RunningQueue)
	require.NoError(t, err)
	assert.Zero(t, n)
	_, rescheduled := rec.snapshot()
	assert.Empty(t, rescheduled)
}

func TestLostJobReappearsExactlyOnce(t *testing.T) {
	ctx := context.Background()
	b := memory.New()
	defer b.Close()
	clk := testclock.NewClock(time.Now())
	rec := newRecorder()
	m := testMonitor(t, b, clk, rec)
	require.NoError(t, m.Start(ctx))

	require.NoError(t, b.Push(ctx, broker.RunningQueue, "aD42"))

	// Grace period not elapsed yet: nothing rescheduled.
	require.NoError(t, clk.WaitAdvance(4*time.Second, time.Second, 1))
	assert.Empty(t, b.Range(broker.JobsQueue))

	clk.Advance(time.Second)
	require.Eventually(t, func() bool {
		return len(b.Range(broker.JobsQueue)) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, m.Stop())
	waitDone(t, m)

	assert.Equal(t, []string{"aD42"}, b.Range(broker.JobsQueue))
	completed, rescheduled := rec.snapshot()
	assert.Empty(t, completed)
	assert.Equal(t, []types.JobID{"aD42"}, rescheduled)
}

func TestCompletedJobIsNotRescheduled(t *testing.T) {
	ctx := context.Background()
	b := memory.New()
	defer b.Close()
	clk := testclock.NewClock(time.Now())
	rec := newRecorder()
	m := testMonitor(t, b, clk, rec)
	require.NoError(t, m.Start(ctx))

	require.NoError(t, b.Set(ctx, broker.ResultKey("cD3"), `{"count_dist":[1]}`))
	require.NoError(t, b.Push(ctx, broker.RunningQueue, "cD3"))
	require.NoError(t, clk.WaitAdvance(5*time.Second, time.Second, 1))

	require.Eventually(t, func() bool {
		completed, _ := rec.snapshot()
		return len(completed) == 1
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, m.Stop())
	waitDone(t, m)

	completed, rescheduled := rec.snapshot()
	assert.Equal(t, `{"count_dist":[1]}`, completed["cD3"])
	assert.Empty(t, rescheduled)
	assert.Empty(t, b.Range(broker.JobsQueue))
}

func TestStopWaitsForPendingVerification(t *testing.T) {
	ctx := context.Background()
	b := memory.New()
	defer b.Close()
	clk := testclock.NewClock(time.Now())
	rec := newRecorder()
	m := testMonitor(t, b, clk, rec)
	require.NoError(t, m.Start(ctx))

	require.NoError(t, b.Push(ctx, broker.RunningQueue, "aD7"))
	require.NoError(t, clk.WaitAdvance(0, time.Second, 1)) // verification is waiting
	require.NoError(t, m.Stop())

	select {
	case <-m.Done():
		t.Fatal("monitor finished before its verification")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, StateStopping, m.State())

	clk.Advance(5 * time.Second)
	waitDone(t, m)
	_, rescheduled := rec.snapshot()
	assert.Equal(t, []types.JobID{"aD7"}, rescheduled)
}

func TestGraceByPrefix(t *testing.T) {
	m := New(memory.New(), Config{
		DefaultGrace: time.Second,
		GraceByPrefix: map[string]time.Duration{
			"a":  2 * time.Second,
			"aS": time.Minute,
			"cR": time.Hour,
		},
	})
	assert.Equal(t, time.Minute, m.Grace("aS"))
	assert.Equal(t, 2*time.Second, m.Grace("aD12"))
	assert.Equal(t, time.Hour, m.Grace("cR"))
	assert.Equal(t, time.Second, m.Grace("cD5"))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "stopping", StateStopping.String())
}
