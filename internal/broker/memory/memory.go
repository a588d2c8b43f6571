// Package memory provides an in-process Broker with the list, key/value and
// pub/sub semantics the coordinator expects from Redis.
//
// Write commands can be captured into an append-only command log (see
// internal/aof) in the same format Redis uses, which is how tests and the demo
// produce logs for offline replay.
package memory

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/ChuLiYu/wikigraph/internal/aof"
	"github.com/ChuLiYu/wikigraph/internal/broker"
)

// subscriptionBuffer is how many undelivered messages a subscription holds
// before new ones are dropped.
const subscriptionBuffer = 64

// Option configures a Broker.
type Option func(*Broker)

// WithLog captures every write command into w.
func WithLog(w *aof.Writer) Option {
	return func(b *Broker) { b.aof = w }
}

// WithLogger sets the logger used for dropped messages and log failures.
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) { b.log = l }
}

// Broker is an in-memory broker.Broker. The zero value is not usable; call New.
type Broker struct {
	mu     sync.Mutex
	lists  map[string][]string // index 0 is the tail (oldest element)
	kv     map[string]string
	subs   map[string]map[*subscription]struct{}
	notify chan struct{} // closed and replaced whenever a list grows
	closed chan struct{}
	done   bool

	aof *aof.Writer
	log *slog.Logger
}

var _ broker.Broker = (*Broker)(nil)

// New returns an empty broker.
func New(opts ...Option) *Broker {
	b := &Broker{
		lists:  make(map[string][]string),
		kv:     make(map[string]string),
		subs:   make(map[string]map[*subscription]struct{}),
		notify: make(chan struct{}),
		closed: make(chan struct{}),
		log:    slog.Default().With("component", "memory-broker"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// record appends a write command to the capture log. Callers hold b.mu so the
// log order matches the apply order.
func (b *Broker) record(args ...string) {
	if b.aof == nil {
		return
	}
	if err := b.aof.Append(args...); err != nil {
		b.log.Error("append to command log failed", "command", args[0], "error", err)
	}
}

// wakeLocked releases every blocked pop so it can re-check its list.
func (b *Broker) wakeLocked() {
	close(b.notify)
	b.notify = make(chan struct{})
}

// ============================================================================
// Lists
// ============================================================================

func (b *Broker) Push(_ context.Context, queue, value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done {
		return broker.ErrClosed
	}
	b.lists[queue] = append(b.lists[queue], value)
	b.record("LPUSH", queue, value)
	b.wakeLocked()
	return nil
}

// popLocked removes the oldest element of queue.
func (b *Broker) popLocked(queue string) (string, bool) {
	l := b.lists[queue]
	if len(l) == 0 {
		return "", false
	}
	v := l[0]
	if len(l) == 1 {
		delete(b.lists, queue)
	} else {
		b.lists[queue] = l[1:]
	}
	return v, true
}

func (b *Broker) BlockingPop(ctx context.Context, queue string, timeout time.Duration) (string, error) {
	return b.blocking(ctx, timeout, func() (string, bool) {
		v, ok := b.popLocked(queue)
		if ok {
			b.record("RPOP", queue)
		}
		return v, ok
	})
}

func (b *Broker) BlockingMove(ctx context.Context, src, dst string, timeout time.Duration) (string, error) {
	return b.blocking(ctx, timeout, func() (string, bool) {
		v, ok := b.popLocked(src)
		if !ok {
			return "", false
		}
		b.lists[dst] = append(b.lists[dst], v)
		b.record("RPOPLPUSH", src, dst)
		b.wakeLocked()
		return v, true
	})
}

// blocking retries take under the lock until it succeeds, the timeout
// expires, ctx ends or the broker closes.
func (b *Broker) blocking(ctx context.Context, timeout time.Duration, take func() (string, bool)) (string, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	for {
		b.mu.Lock()
		if b.done {
			b.mu.Unlock()
			return "", broker.ErrClosed
		}
		if v, ok := take(); ok {
			b.mu.Unlock()
			return v, nil
		}
		wake := b.notify
		b.mu.Unlock()

		select {
		case <-wake:
		case <-expired:
			return "", broker.ErrNil
		case <-ctx.Done():
			return "", ctx.Err()
		case <-b.closed:
			return "", broker.ErrClosed
		}
	}
}

func (b *Broker) LLen(_ context.Context, queue string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done {
		return 0, broker.ErrClosed
	}
	return int64(len(b.lists[queue])), nil
}

// Range returns a copy of queue, oldest element first.
func (b *Broker) Range(queue string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.lists[queue]...)
}

// ============================================================================
// Keys
// ============================================================================

func (b *Broker) Get(_ context.Context, key string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done {
		return "", broker.ErrClosed
	}
	v, ok := b.kv[key]
	if !ok {
		return "", broker.ErrNil
	}
	return v, nil
}

func (b *Broker) MGet(_ context.Context, keys ...string) ([]*string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done {
		return nil, broker.ErrClosed
	}
	out := make([]*string, len(keys))
	for i, k := range keys {
		if v, ok := b.kv[k]; ok {
			out[i] = &v
		}
	}
	return out, nil
}

func (b *Broker) Set(_ context.Context, key, value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done {
		return broker.ErrClosed
	}
	b.kv[key] = value
	b.record("SET", key, value)
	return nil
}

func (b *Broker) Del(_ context.Context, keys ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done {
		return broker.ErrClosed
	}
	for _, k := range keys {
		delete(b.kv, k)
		delete(b.lists, k)
	}
	b.record(append([]string{"DEL"}, keys...)...)
	return nil
}

func (b *Broker) Incr(_ context.Context, key string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done {
		return 0, broker.ErrClosed
	}
	var n int64
	if v, ok := b.kv[key]; ok {
		var err error
		if n, err = strconv.ParseInt(v, 10, 64); err != nil {
			return 0, err
		}
	}
	n++
	b.kv[key] = strconv.FormatInt(n, 10)
	b.record("INCR", key)
	return n, nil
}

// ============================================================================
// Pub/Sub
// ============================================================================

type subscription struct {
	b       *Broker
	channel string
	ch      chan string
	once    sync.Once
}

func (s *subscription) C() <-chan string { return s.ch }

func (s *subscription) Close() error {
	s.once.Do(func() {
		s.b.mu.Lock()
		defer s.b.mu.Unlock()
		if set, ok := s.b.subs[s.channel]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(s.b.subs, s.channel)
			}
		}
		close(s.ch)
	})
	return nil
}

func (b *Broker) Subscribe(_ context.Context, channel string) (broker.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done {
		return nil, broker.ErrClosed
	}
	s := &subscription{b: b, channel: channel, ch: make(chan string, subscriptionBuffer)}
	set, ok := b.subs[channel]
	if !ok {
		set = make(map[*subscription]struct{})
		b.subs[channel] = set
	}
	set[s] = struct{}{}
	return s, nil
}

func (b *Broker) Publish(_ context.Context, channel, message string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done {
		return broker.ErrClosed
	}
	for s := range b.subs[channel] {
		select {
		case s.ch <- message:
		default:
			b.log.Warn("subscriber buffer full, message dropped", "channel", channel)
		}
	}
	return nil
}

// NumSub returns the number of active subscriptions on channel.
func (b *Broker) NumSub(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[channel])
}

// Close releases blocked callers and closes every subscription. The capture
// log, if any, is flushed but left open; its owner closes it.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.done {
		b.mu.Unlock()
		return nil
	}
	b.done = true
	close(b.closed)
	var subs []*subscription
	for _, set := range b.subs {
		for s := range set {
			subs = append(subs, s)
		}
	}
	b.mu.Unlock()

	for _, s := range subs {
		_ = s.Close()
	}
	if b.aof != nil {
		return b.aof.Flush()
	}
	return nil
}
