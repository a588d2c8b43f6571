package controller

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/wikigraph/internal/broker"
	"github.com/ChuLiYu/wikigraph/internal/broker/memory"
	"github.com/ChuLiYu/wikigraph/internal/worker"
	"github.com/ChuLiYu/wikigraph/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

// countingBroker counts pushes onto the work queue and can script the
// depths LLen reports.
type countingBroker struct {
	*memory.Broker

	mu       sync.Mutex
	pushes   int
	total    int
	depths   []int64
	scripted bool
	batches  []int // pushes between consecutive LLen probes
}

func newCountingBroker() *countingBroker {
	return &countingBroker{Broker: memory.New()}
}

func (b *countingBroker) Push(ctx context.Context, queue, value string) error {
	b.mu.Lock()
	if queue == broker.JobsQueue {
		b.pushes++
		b.total++
	}
	b.mu.Unlock()
	return b.Broker.Push(ctx, queue, value)
}

func (b *countingBroker) LLen(ctx context.Context, queue string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.batches = append(b.batches, b.pushes)
	b.pushes = 0
	if !b.scripted {
		return b.Broker.LLen(ctx, queue)
	}
	var d int64
	if len(b.depths) > 0 {
		d, b.depths = b.depths[0], b.depths[1:]
	}
	return d, nil
}

func (b *countingBroker) totalPushes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}

// perTick returns how many jobs each probe admitted.
func (b *countingBroker) perTick() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append(append([]int(nil), b.batches[1:]...), b.pushes)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Submitter.Interval = time.Millisecond
	return cfg
}

func newTestController(t *testing.T, b broker.Broker, cfg Config) *Controller {
	t.Helper()
	c, err := New(b, cfg)
	require.NoError(t, err)
	return c
}

// startWorkers answers jobs with exec until the test ends.
func startWorkers(t *testing.T, b broker.Broker, exec worker.Executor) {
	t.Helper()
	p := worker.NewPool(b, exec, worker.PoolConfig{Workers: 4, PollTimeout: 20 * time.Millisecond})
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() { _ = p.Stop() })
}

func histogramExecutor() worker.ExecutorFunc {
	return func(_ context.Context, id types.JobID) (string, error) {
		_, _, node, err := id.Parse()
		if err != nil {
			return "", err
		}
		return fmt.Sprintf(`{"count_dist":[1,%d]}`, node), nil
	}
}

// ============================================================================
// Configuration
// ============================================================================

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(memory.New(), Config{})
	require.Error(t, err)
	for _, msg := range []string{"initial bulk", "granularity", "interval", "name batch", "info concurrency"} {
		assert.Contains(t, err.Error(), msg)
	}

	_, err = New(nil, DefaultConfig())
	assert.Error(t, err)

	c := newTestController(t, memory.New(), DefaultConfig())
	assert.Equal(t, 2, c.cfg.Submitter.MinBulk, "min bulk defaults to granularity")
	assert.NotNil(t, c.cfg.Clock)
}

// ============================================================================
// Submit
// ============================================================================

func TestSubmitCachedResultDoesNotPush(t *testing.T) {
	ctx := context.Background()
	b := newCountingBroker()
	defer b.Close()
	require.NoError(t, b.Set(ctx, broker.ResultKey("aD1"), `{"count_dist":[1,4]}`))
	c := newTestController(t, b, testConfig())

	for i := 0; i < 2; i++ {
		res, err := c.Submit(ctx, "aD1")
		require.NoError(t, err)
		var hist types.DistanceResult
		require.NoError(t, res.Decode(&hist))
		assert.Equal(t, []int64{1, 4}, hist.CountDist)
	}
	assert.Equal(t, 0, b.totalPushes())
	assert.Equal(t, 0, c.Pending())
}

func TestSubmitRunsJobThenServesFromCache(t *testing.T) {
	ctx := context.Background()
	b := newCountingBroker()
	defer b.Close()
	startWorkers(t, b, histogramExecutor())
	c := newTestController(t, b, testConfig())

	res, err := c.Submit(ctx, "aD7")
	require.NoError(t, err)
	assert.False(t, res.Failed())
	assert.JSONEq(t, `{"count_dist":[1,7]}`, string(res.Payload))

	again, err := c.Submit(ctx, "aD7")
	require.NoError(t, err)
	assert.Equal(t, res.Payload, again.Payload)
	assert.Equal(t, 1, b.totalPushes())
	assert.Eventually(t, func() bool {
		return b.NumSub(broker.AnnounceChannel("aD7")) == 0
	}, time.Second, 5*time.Millisecond, "subscription released")
}

func TestSubmitReturnsWorkerError(t *testing.T) {
	b := memory.New()
	defer b.Close()
	startWorkers(t, b, worker.ExecutorFunc(func(context.Context, types.JobID) (string, error) {
		return "", worker.ErrNodeIsCategory
	}))
	c := newTestController(t, b, testConfig())

	res, err := c.Submit(context.Background(), "aD3")
	require.NoError(t, err)
	assert.True(t, res.Failed())
	assert.Equal(t, worker.ErrNodeIsCategory.Error(), res.Err)
}

func TestConcurrentSubmitsShareOnePush(t *testing.T) {
	ctx := context.Background()
	b := newCountingBroker()
	defer b.Close()
	c := newTestController(t, b, testConfig())

	const callers = 10
	chans := make([]<-chan types.Result, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch, err := c.SubmitAsync(ctx, "cD5")
			assert.NoError(t, err)
			chans[i] = ch
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, b.totalPushes())
	assert.Equal(t, 1, b.NumSub(broker.AnnounceChannel("cD5")))
	assert.Equal(t, 1, c.Pending())

	// Play the worker.
	require.NoError(t, b.Set(ctx, broker.ResultKey("cD5"), `{"count_dist":[1]}`))
	require.NoError(t, b.Publish(ctx, broker.AnnounceChannel("cD5"), `{"count_dist":[1]}`))

	for _, ch := range chans {
		select {
		case res := <-ch:
			assert.Equal(t, types.JobID("cD5"), res.JobID)
			assert.False(t, res.Failed())
		case <-time.After(2 * time.Second):
			t.Fatal("waiter not resolved")
		}
	}
	assert.Equal(t, 0, c.Pending())
}

func TestSubmitAbandonedOnContextEnd(t *testing.T) {
	b := memory.New()
	defer b.Close()
	c := newTestController(t, b, testConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := c.Submit(ctx, "aD9")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.Eventually(t, func() bool { return c.Pending() == 0 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return b.NumSub(broker.AnnounceChannel("aD9")) == 0 }, time.Second, 5*time.Millisecond)
}

func TestCancelledWaiterLeavesOthersWaiting(t *testing.T) {
	b := memory.New()
	defer b.Close()
	c := newTestController(t, b, testConfig())

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	first, err := c.SubmitAsync(firstCtx, "aD3")
	require.NoError(t, err)
	second, err := c.SubmitAsync(context.Background(), "aD3")
	require.NoError(t, err)

	cancelFirst()
	select {
	case _, ok := <-first:
		assert.False(t, ok, "cancelled waiter gets no result")
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled waiter not released")
	}
	assert.Equal(t, 1, c.Pending())
	assert.Equal(t, 1, b.NumSub(broker.AnnounceChannel("aD3")))

	// Play the worker.
	require.NoError(t, b.Publish(context.Background(), broker.AnnounceChannel("aD3"), `{"count_dist":[1]}`))
	select {
	case res, ok := <-second:
		require.True(t, ok)
		assert.Equal(t, types.JobID("aD3"), res.JobID)
	case <-time.After(2 * time.Second):
		t.Fatal("remaining waiter not resolved")
	}
	assert.Equal(t, 0, c.Pending())
}

func TestLastWaiterLeavingEndsSubscription(t *testing.T) {
	b := memory.New()
	defer b.Close()
	c := newTestController(t, b, testConfig())

	ctx1, cancel1 := context.WithCancel(context.Background())
	ctx2, cancel2 := context.WithCancel(context.Background())
	_, err := c.SubmitAsync(ctx1, "cD4")
	require.NoError(t, err)
	_, err = c.SubmitAsync(ctx2, "cD4")
	require.NoError(t, err)

	cancel1()
	cancel2()
	require.Eventually(t, func() bool { return c.Pending() == 0 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return b.NumSub(broker.AnnounceChannel("cD4")) == 0 }, time.Second, 5*time.Millisecond)
}

func TestSubmitFailsOnClosedBroker(t *testing.T) {
	b := memory.New()
	c := newTestController(t, b, testConfig())
	require.NoError(t, b.Close())

	_, err := c.Submit(context.Background(), "aD1")
	assert.ErrorIs(t, err, broker.ErrClosed)
	assert.Equal(t, 0, c.Pending())
}

// ============================================================================
// Explore mode
// ============================================================================

func TestExploreMode(t *testing.T) {
	ctx := context.Background()
	b := newCountingBroker()
	defer b.Close()
	require.NoError(t, b.Set(ctx, broker.ResultKey("aD1"), `{"count_dist":[1]}`))

	cfg := testConfig()
	cfg.Explore = true
	c := newTestController(t, b, cfg)

	res, err := c.Submit(ctx, "aD1")
	require.NoError(t, err)
	assert.Equal(t, MarkerAlreadyRunning, res.Err)

	res, err = c.Submit(ctx, "aD2")
	require.NoError(t, err)
	assert.Equal(t, MarkerEnqueued, res.Err)

	st, err := c.Explore(ctx, "aD3")
	require.NoError(t, err)
	assert.Equal(t, ExploreEnqueued, st)
	assert.Equal(t, "enqueued", st.String())

	assert.Equal(t, 2, b.totalPushes())
	assert.Equal(t, []string{"aD2", "aD3"}, b.Range(broker.JobsQueue))
	assert.Equal(t, 0, b.NumSub(broker.AnnounceChannel("aD2")), "explore never subscribes")
}
