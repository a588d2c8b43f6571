package memory

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/wikigraph/internal/aof"
	"github.com/ChuLiYu/wikigraph/internal/broker"
)

type memFile struct{ bytes.Buffer }

func (memFile) Sync() error  { return nil }
func (memFile) Close() error { return nil }

func TestQueueIsFIFO(t *testing.T) {
	ctx := context.Background()
	b := New()
	defer b.Close()

	for _, v := range []string{"a", "b", "c"} {
		require.NoError(t, b.Push(ctx, "q", v))
	}
	n, err := b.LLen(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	for _, want := range []string{"a", "b", "c"} {
		got, err := b.BlockingPop(ctx, "q", time.Second)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestBlockingPopTimeout(t *testing.T) {
	b := New()
	defer b.Close()

	start := time.Now()
	_, err := b.BlockingPop(context.Background(), "q", 30*time.Millisecond)
	assert.ErrorIs(t, err, broker.ErrNil)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestBlockingPopWakesOnPush(t *testing.T) {
	ctx := context.Background()
	b := New()
	defer b.Close()

	got := make(chan string, 1)
	go func() {
		v, err := b.BlockingPop(ctx, "q", 0)
		if err == nil {
			got <- v
		}
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, b.Push(ctx, "q", "job"))

	select {
	case v := <-got:
		assert.Equal(t, "job", v)
	case <-time.After(time.Second):
		t.Fatal("blocked pop did not wake up")
	}
}

func TestBlockingPopHonoursContextAndClose(t *testing.T) {
	b := New()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := b.BlockingPop(ctx, "q", 0)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	errCh := make(chan error, 1)
	go func() {
		_, err := b.BlockingPop(context.Background(), "q", 0)
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, b.Close())
	assert.ErrorIs(t, <-errCh, broker.ErrClosed)
	assert.ErrorIs(t, b.Push(context.Background(), "q", "x"), broker.ErrClosed)
}

func TestBlockingMove(t *testing.T) {
	ctx := context.Background()
	b := New()
	defer b.Close()

	require.NoError(t, b.Push(ctx, "src", "1"))
	require.NoError(t, b.Push(ctx, "src", "2"))

	v, err := b.BlockingMove(ctx, "src", "dst", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "1", v)
	assert.Equal(t, []string{"2"}, b.Range("src"))
	assert.Equal(t, []string{"1"}, b.Range("dst"))
}

func TestKeys(t *testing.T) {
	ctx := context.Background()
	b := New()
	defer b.Close()

	_, err := b.Get(ctx, "missing")
	assert.ErrorIs(t, err, broker.ErrNil)

	require.NoError(t, b.Set(ctx, "k1", "v1"))
	v, err := b.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "v1", v)

	vals, err := b.MGet(ctx, "k1", "k2")
	require.NoError(t, err)
	require.Len(t, vals, 2)
	require.NotNil(t, vals[0])
	assert.Equal(t, "v1", *vals[0])
	assert.Nil(t, vals[1])

	n, err := b.Incr(ctx, "ctr")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = b.Incr(ctx, "ctr")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, err = b.Incr(ctx, "k1")
	assert.Error(t, err)

	require.NoError(t, b.Push(ctx, "q", "x"))
	require.NoError(t, b.Del(ctx, "k1", "q"))
	_, err = b.Get(ctx, "k1")
	assert.ErrorIs(t, err, broker.ErrNil)
	assert.Empty(t, b.Range("q"))
}

func TestPubSub(t *testing.T) {
	ctx := context.Background()
	b := New()
	defer b.Close()

	s1, err := b.Subscribe(ctx, "announce:aD1")
	require.NoError(t, err)
	s2, err := b.Subscribe(ctx, "announce:aD1")
	require.NoError(t, err)
	assert.Equal(t, 2, b.NumSub("announce:aD1"))

	require.NoError(t, b.Publish(ctx, "announce:aD1", "hello"))
	require.NoError(t, b.Publish(ctx, "announce:other", "ignored"))
	assert.Equal(t, "hello", <-s1.C())
	assert.Equal(t, "hello", <-s2.C())

	require.NoError(t, s1.Close())
	require.NoError(t, s1.Close())
	assert.Equal(t, 1, b.NumSub("announce:aD1"))
	_, open := <-s1.C()
	assert.False(t, open)

	require.NoError(t, b.Close())
	_, open = <-s2.C()
	assert.False(t, open)
}

func TestConcurrentPushPop(t *testing.T) {
	ctx := context.Background()
	b := New()
	defer b.Close()

	const n = 200
	var wg sync.WaitGroup
	seen := make(chan string, n)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				v, err := b.BlockingPop(ctx, "q", 100*time.Millisecond)
				if err != nil {
					return
				}
				seen <- v
			}
		}()
	}
	for i := 0; i < n; i++ {
		require.NoError(t, b.Push(ctx, "q", "job"))
	}
	wg.Wait()
	assert.Len(t, seen, n)
}

func TestCommandLogCapture(t *testing.T) {
	ctx := context.Background()
	f := &memFile{}
	w := aof.NewWriter(f, false)
	b := New(WithLog(w))

	require.NoError(t, b.Push(ctx, "queue:jobs", "aD1"))
	_, err := b.BlockingMove(ctx, "queue:jobs", "queue:running", time.Second)
	require.NoError(t, err)
	require.NoError(t, b.Set(ctx, "result:aD1", `{"count_dist":[1]}`))
	_, err = b.Incr(ctx, "mutex")
	require.NoError(t, err)
	require.NoError(t, b.Close())

	var got [][]string
	r := aof.NewReader(bytes.NewReader(f.Bytes()))
	for _, cmd := range []string{"LPUSH", "RPOPLPUSH", "SET", "INCR"} {
		r.Handle(cmd, func(args []string) error {
			got = append(got, args)
			return nil
		})
	}
	require.NoError(t, r.Run())
	assert.Equal(t, [][]string{
		{"LPUSH", "queue:jobs", "aD1"},
		{"RPOPLPUSH", "queue:jobs", "queue:running"},
		{"SET", "result:aD1", `{"count_dist":[1]}`},
		{"INCR", "mutex"},
	}, got)
}
