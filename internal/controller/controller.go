// ============================================================================
// wikigraph Controller - job dispatcher
// ============================================================================
//
// Package: internal/controller
// File: controller.go
// Function: issue jobs to the external workers and hand back their results
//
// Submission flow:
//   1. GET result:<job>        hit  -> resolve from cache, nothing pushed
//   2. SUBSCRIBE announce:<job> (confirmed before the push, so a fast worker
//      cannot announce into the void)
//   3. LPUSH queue:jobs <job>
//   4. first message on the channel resolves every waiter, then UNSUBSCRIBE
//
// Pending jobs:
//   Concurrent submissions of the same id attach to one pending record and
//   share its single push. Duplicate results from crash recovery are harmless:
//   the record is gone after the first one.
//
// Explore mode:
//   Never waits for a worker. A cached job resolves with the synthetic error
//   marker "already running", anything else is pushed and resolves with
//   "enqueued". Used to pre-populate the broker.
//
// Companion files:
//   - submitter.go: additive-increase/additive-decrease bulk submission
//   - resolve.go:   name, degree/distance and counter lookups
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/juju/clock"

	"github.com/ChuLiYu/wikigraph/internal/broker"
	"github.com/ChuLiYu/wikigraph/internal/metrics"
	"github.com/ChuLiYu/wikigraph/pkg/types"
)

// ============================================================================
// Errors & markers
// ============================================================================

var (
	// ErrAbandoned is returned to waiters of a job whose submission failed or
	// whose announcement subscription ended before a result arrived.
	ErrAbandoned = errors.New("job abandoned before a result arrived")
	// ErrNameNotFound means a node has no n:<node> record.
	ErrNameNotFound = errors.New("name record not found")
	// ErrCountMissing means a graph counter key is absent.
	ErrCountMissing = errors.New("graph counter missing")
)

// Synthetic error markers produced in explore mode.
const (
	MarkerAlreadyRunning = "already running"
	MarkerEnqueued       = "enqueued"
)

// ExploreStatus is the outcome of an explore-mode submission.
type ExploreStatus int

const (
	ExploreCached ExploreStatus = iota
	ExploreEnqueued
)

func (s ExploreStatus) String() string {
	if s == ExploreCached {
		return MarkerAlreadyRunning
	}
	return MarkerEnqueued
}

// ============================================================================
// Configuration
// ============================================================================

// SubmitterConfig tunes the bulk submitter's admission window.
type SubmitterConfig struct {
	InitialBulk int           // window at the first tick
	Granularity int           // additive step, both directions
	MinBulk     int           // floor for the window; 0 means Granularity
	LowWater    int           // submit while depth < LowWater*bulk
	Interval    time.Duration // time between queue depth probes
}

// Config configures a Controller.
type Config struct {
	Explore   bool
	Submitter SubmitterConfig
	// NameBatch is the number of name records fetched per MGET.
	NameBatch int
	// InfoConcurrency bounds how many nodes ResolveInfo works on at once.
	InfoConcurrency int

	// Clock drives the submitter ticks. Defaults to the wall clock.
	Clock   clock.Clock
	Metrics *metrics.Collector
	Logger  *slog.Logger
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{
		Submitter: SubmitterConfig{
			InitialBulk: 5,
			Granularity: 2,
			LowWater:    1,
			Interval:    time.Second,
		},
		NameBatch:       1000,
		InfoConcurrency: 16,
	}
}

func (cfg *Config) validate() error {
	var err error
	s := &cfg.Submitter
	if s.InitialBulk <= 0 {
		err = multierror.Append(err, fmt.Errorf("submitter initial bulk must be positive"))
	}
	if s.Granularity <= 0 {
		err = multierror.Append(err, fmt.Errorf("submitter granularity must be positive"))
	}
	if s.MinBulk == 0 {
		s.MinBulk = s.Granularity
	}
	if s.MinBulk < 0 {
		err = multierror.Append(err, fmt.Errorf("submitter min bulk must not be negative"))
	}
	if s.LowWater <= 0 {
		s.LowWater = 1
	}
	if s.Interval <= 0 {
		err = multierror.Append(err, fmt.Errorf("submitter interval must be positive"))
	}
	if cfg.NameBatch <= 0 {
		err = multierror.Append(err, fmt.Errorf("name batch must be positive"))
	}
	if cfg.InfoConcurrency <= 0 {
		err = multierror.Append(err, fmt.Errorf("info concurrency must be positive"))
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return err
}

// ============================================================================
// Controller
// ============================================================================

// Controller submits jobs through a broker.
type Controller struct {
	broker broker.Broker
	cfg    Config
	log    *slog.Logger

	mu      sync.Mutex
	pending map[types.JobID]*pendingJob
}

// pendingJob collects everyone waiting on one in-flight job. cancel ends the
// announcement wait once no waiter is left.
type pendingJob struct {
	waiters []*waiter
	cancel  context.CancelFunc
}

// waiter is one caller of SubmitAsync. stop detaches it from its context.
type waiter struct {
	ch   chan types.Result
	stop func() bool
}

// New validates cfg and returns a Controller.
func New(b broker.Broker, cfg Config) (*Controller, error) {
	if b == nil {
		return nil, errors.New("controller: broker is nil")
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("controller: config validation failed: %w", err)
	}
	return &Controller{
		broker:  b,
		cfg:     cfg,
		log:     cfg.Logger.With("component", "controller"),
		pending: make(map[types.JobID]*pendingJob),
	}, nil
}

// Pending returns the number of jobs waiting for an announcement.
func (c *Controller) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Submit runs a job and waits for its result. In explore mode it returns
// immediately with a marker result.
func (c *Controller) Submit(ctx context.Context, id types.JobID) (types.Result, error) {
	ch, err := c.SubmitAsync(ctx, id)
	if err != nil {
		return types.Result{}, err
	}
	select {
	case res, ok := <-ch:
		if !ok {
			if ctx.Err() != nil {
				return types.Result{}, ctx.Err()
			}
			return types.Result{}, fmt.Errorf("%s: %w", id, ErrAbandoned)
		}
		return res, nil
	case <-ctx.Done():
		return types.Result{}, ctx.Err()
	}
}

// SubmitAsync returns once the job is answered from cache or durably
// enqueued. The channel yields exactly one Result, or is closed without a
// value if the job is abandoned.
//
// Concurrent submissions of one id share a single push and subscription.
// Each caller's ctx bounds only its own wait: the channel of a caller whose
// ctx ends is closed, and the shared wait ends with the last caller.
func (c *Controller) SubmitAsync(ctx context.Context, id types.JobID) (<-chan types.Result, error) {
	ch := make(chan types.Result, 1)
	if c.cfg.Explore {
		st, err := c.Explore(ctx, id)
		if err != nil {
			return nil, err
		}
		ch <- types.Result{JobID: id, Err: st.String()}
		return ch, nil
	}

	w := &waiter{ch: ch}
	c.mu.Lock()
	if p, ok := c.pending[id]; ok {
		p.waiters = append(p.waiters, w)
		w.stop = context.AfterFunc(ctx, func() { c.leave(id, w) })
		c.mu.Unlock()
		return ch, nil
	}
	awaitCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p := &pendingJob{waiters: []*waiter{w}, cancel: cancel}
	c.pending[id] = p
	w.stop = context.AfterFunc(ctx, func() { c.leave(id, w) })
	c.mu.Unlock()

	raw, err := c.broker.Get(ctx, broker.ResultKey(id))
	switch {
	case err == nil:
		c.cfg.Metrics.RecordCacheHit()
		c.resolve(types.ParseResult(id, raw))
		return ch, nil
	case !errors.Is(err, broker.ErrNil):
		c.abandon(id, p)
		return nil, fmt.Errorf("lookup %s: %w", id, err)
	}

	sub, err := c.broker.Subscribe(ctx, broker.AnnounceChannel(id))
	if err != nil {
		c.abandon(id, p)
		return nil, fmt.Errorf("subscribe %s: %w", id, err)
	}
	if err := c.broker.Push(ctx, broker.JobsQueue, string(id)); err != nil {
		_ = sub.Close()
		c.abandon(id, p)
		return nil, fmt.Errorf("enqueue %s: %w", id, err)
	}
	c.cfg.Metrics.RecordSubmitted()

	go c.await(awaitCtx, id, p, sub)
	return ch, nil
}

// Explore makes sure a job is cached or enqueued without waiting for it.
func (c *Controller) Explore(ctx context.Context, id types.JobID) (ExploreStatus, error) {
	_, err := c.broker.Get(ctx, broker.ResultKey(id))
	if err == nil {
		c.cfg.Metrics.RecordCacheHit()
		return ExploreCached, nil
	}
	if !errors.Is(err, broker.ErrNil) {
		return 0, fmt.Errorf("lookup %s: %w", id, err)
	}
	if err := c.broker.Push(ctx, broker.JobsQueue, string(id)); err != nil {
		return 0, fmt.Errorf("enqueue %s: %w", id, err)
	}
	c.cfg.Metrics.RecordSubmitted()
	return ExploreEnqueued, nil
}

// await waits for the announcement of p's job. ctx ends when the last
// waiter of p leaves.
func (c *Controller) await(ctx context.Context, id types.JobID, p *pendingJob, sub broker.Subscription) {
	defer sub.Close()
	select {
	case msg, ok := <-sub.C():
		if !ok {
			c.log.Warn("announcement channel closed", "job", id)
			c.abandon(id, p)
			return
		}
		res := types.ParseResult(id, msg)
		c.cfg.Metrics.RecordResult(res.Failed())
		c.resolve(res)
	case <-ctx.Done():
		c.abandon(id, p)
	}
}

// take removes and returns the waiters of id. With want set, only that
// pending entry is taken; a newer submission of the same id is left alone.
func (c *Controller) take(id types.JobID, want *pendingJob) []*waiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	if !ok || (want != nil && p != want) {
		return nil
	}
	delete(c.pending, id)
	p.cancel()
	return p.waiters
}

func (c *Controller) resolve(res types.Result) {
	for _, w := range c.take(res.JobID, nil) {
		w.stop()
		w.ch <- res
	}
}

func (c *Controller) abandon(id types.JobID, p *pendingJob) {
	for _, w := range c.take(id, p) {
		w.stop()
		close(w.ch)
	}
}

// leave drops w once its context ends. The last waiter out ends the shared
// announcement wait.
func (c *Controller) leave(id types.JobID, w *waiter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	if !ok {
		return
	}
	for i, x := range p.waiters {
		if x != w {
			continue
		}
		p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
		close(w.ch)
		if len(p.waiters) == 0 {
			delete(c.pending, id)
			p.cancel()
		}
		return
	}
}
