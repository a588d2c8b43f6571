// ============================================================================
// Redis broker
// ============================================================================
//
// Package: internal/broker/redisbroker
// Purpose: broker.Broker on top of Redis.
//
// Connections:
//   - cmd:   pooled client for ordinary request/response commands
//   - block: single-connection client reserved for BRPOP / BRPOPLPUSH, so a
//     long blocking pop never holds up cache reads or pushes
//   - pubsub: one shared subscriber connection; a router goroutine fans
//     announcements out to local Subscriptions
//
// Subscribe only returns after Redis confirmed the SUBSCRIBE, which is what
// lets the dispatcher push a job right after subscribing without missing a
// fast worker's announcement.
// ============================================================================

package redisbroker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/redis/go-redis/v9"

	"github.com/ChuLiYu/wikigraph/internal/broker"
)

const subscriptionBuffer = 64

// Config holds the Redis connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
	PoolSize int // request client pool; 0 uses the go-redis default
}

// Broker implements broker.Broker against Redis.
type Broker struct {
	cmd   *redis.Client
	block *redis.Client
	ps    *redis.PubSub
	log   *slog.Logger

	mu       sync.Mutex
	subs     map[string]map[*subscription]struct{}
	active   map[string]bool            // channels Redis confirmed
	waiters  map[string][]chan struct{} // Subscribe calls awaiting confirmation
	inflight map[string]int             // SUBSCRIBEs sent but not yet confirmed
	closed   bool

	routerDone chan struct{}
}

var _ broker.Broker = (*Broker)(nil)

// New connects lazily; use Ping to verify the server is reachable.
func New(cfg Config, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	}
	blockOpts := *opts
	blockOpts.PoolSize = 1
	blockOpts.MinIdleConns = 0

	cmd := redis.NewClient(opts)
	b := &Broker{
		cmd:        cmd,
		block:      redis.NewClient(&blockOpts),
		ps:         cmd.Subscribe(context.Background()),
		log:        logger.With("component", "redis-broker", "addr", cfg.Addr),
		subs:       make(map[string]map[*subscription]struct{}),
		active:     make(map[string]bool),
		waiters:    make(map[string][]chan struct{}),
		inflight:   make(map[string]int),
		routerDone: make(chan struct{}),
	}
	go b.route(b.ps.ChannelWithSubscriptions(redis.WithChannelSize(1024)))
	return b
}

// Ping checks connectivity of the request connection.
func (b *Broker) Ping(ctx context.Context) error {
	if err := b.cmd.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// route runs until the PubSub is closed.
func (b *Broker) route(msgs <-chan interface{}) {
	defer close(b.routerDone)
	for m := range msgs {
		switch v := m.(type) {
		case *redis.Subscription:
			if v.Kind == "subscribe" {
				b.confirm(v.Channel)
			}
		case *redis.Message:
			b.deliver(v.Channel, v.Payload)
		}
	}
}

// confirm handles a subscribe reply. Replies arrive in command order, so
// only the reply to the latest SUBSCRIBE of a channel releases waiters; an
// earlier one may belong to a subscription that was closed meanwhile.
func (b *Broker) confirm(channel string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.inflight[channel] > 1 {
		b.inflight[channel]--
		return
	}
	delete(b.inflight, channel)
	if _, ok := b.subs[channel]; ok {
		b.active[channel] = true
	}
	for _, w := range b.waiters[channel] {
		close(w)
	}
	delete(b.waiters, channel)
}

func (b *Broker) deliver(channel, payload string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs[channel] {
		select {
		case s.ch <- payload:
		default:
			b.log.Warn("subscriber buffer full, message dropped", "channel", channel)
		}
	}
}

func nilErr(err error) error {
	if errors.Is(err, redis.Nil) {
		return broker.ErrNil
	}
	return err
}

// ============================================================================
// Lists
// ============================================================================

func (b *Broker) Push(ctx context.Context, queue, value string) error {
	return b.cmd.LPush(ctx, queue, value).Err()
}

// BlockingPop issues BRPOP on the blocking connection. Redis counts timeouts
// in whole seconds; go-redis rounds sub-second values up to one second.
func (b *Broker) BlockingPop(ctx context.Context, queue string, timeout time.Duration) (string, error) {
	res, err := b.block.BRPop(ctx, timeout, queue).Result()
	if err != nil {
		return "", nilErr(err)
	}
	return res[1], nil
}

func (b *Broker) BlockingMove(ctx context.Context, src, dst string, timeout time.Duration) (string, error) {
	v, err := b.block.BRPopLPush(ctx, src, dst, timeout).Result()
	return v, nilErr(err)
}

func (b *Broker) LLen(ctx context.Context, queue string) (int64, error) {
	return b.cmd.LLen(ctx, queue).Result()
}

// ============================================================================
// Keys
// ============================================================================

func (b *Broker) Get(ctx context.Context, key string) (string, error) {
	v, err := b.cmd.Get(ctx, key).Result()
	return v, nilErr(err)
}

func (b *Broker) MGet(ctx context.Context, keys ...string) ([]*string, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := b.cmd.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*string, len(vals))
	for i, v := range vals {
		if s, ok := v.(string); ok {
			out[i] = &s
		}
	}
	return out, nil
}

func (b *Broker) Set(ctx context.Context, key, value string) error {
	return b.cmd.Set(ctx, key, value, 0).Err()
}

func (b *Broker) Del(ctx context.Context, keys ...string) error {
	return b.cmd.Del(ctx, keys...).Err()
}

func (b *Broker) Incr(ctx context.Context, key string) (int64, error) {
	return b.cmd.Incr(ctx, key).Result()
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
	var err error
	s.once.Do(func() {
		b := s.b
		b.mu.Lock()
		defer b.mu.Unlock()
		set := b.subs[s.channel]
		delete(set, s)
		close(s.ch)
		if len(set) > 0 {
			return
		}
		delete(b.subs, s.channel)
		delete(b.active, s.channel)
		if !b.closed {
			err = b.ps.Unsubscribe(context.Background(), s.channel)
		}
	})
	return err
}

// Subscribe registers a local subscription and waits until Redis has
// confirmed the channel. Subscriptions to the same channel share one
// SUBSCRIBE.
func (b *Broker) Subscribe(ctx context.Context, channel string) (broker.Subscription, error) {
	s := &subscription{b: b, channel: channel, ch: make(chan string, subscriptionBuffer)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, broker.ErrClosed
	}
	set, ok := b.subs[channel]
	if !ok {
		set = make(map[*subscription]struct{})
		b.subs[channel] = set
	}
	set[s] = struct{}{}

	var wait chan struct{}
	if !b.active[channel] {
		wait = make(chan struct{})
		b.waiters[channel] = append(b.waiters[channel], wait)
	}
	if !ok {
		// Sent under the lock so it cannot reorder with an UNSUBSCRIBE
		// issued by a concurrent Close on the same channel.
		b.inflight[channel]++
		if err := b.ps.Subscribe(ctx, channel); err != nil {
			b.inflight[channel]--
			b.mu.Unlock()
			_ = s.Close()
			return nil, fmt.Errorf("subscribe %s: %w", channel, err)
		}
	}
	b.mu.Unlock()

	if wait == nil {
		return s, nil
	}
	select {
	case <-wait:
		return s, nil
	case <-ctx.Done():
		_ = s.Close()
		return nil, ctx.Err()
	}
}

func (b *Broker) Publish(ctx context.Context, channel, message string) error {
	return b.cmd.Publish(ctx, channel, message).Err()
}

// Close closes every subscription and all three connections.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
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

	var result error
	if err := b.ps.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close pubsub: %w", err))
	}
	<-b.routerDone
	if err := b.block.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close blocking client: %w", err))
	}
	if err := b.cmd.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close client: %w", err))
	}
	return result
}
