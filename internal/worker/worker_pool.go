// ============================================================================
// wikigraph Worker Pool
// ============================================================================
//
// Package: internal/worker
// File: worker_pool.go
// Function: lifecycle of N emulated workers sharing one broker
//
// Lifecycle:
//  1. NewPool() - bind broker and executor
//  2. Start(ctx) - launch the worker goroutines
//  3. Stop() - cancel the workers and wait for the job in hand to finish
//
// Errors:
//   - ErrPoolStarted: Start on a running or stopped pool
//   - ErrPoolNotStarted: Stop before Start
//   - ErrPoolClosed: Stop twice
// ============================================================================

package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/wikigraph/internal/broker"
)

var (
	ErrPoolStarted    = errors.New("worker pool already started")
	ErrPoolNotStarted = errors.New("worker pool not started")
	ErrPoolClosed     = errors.New("worker pool is closed")
)

// PoolConfig configures a Pool.
type PoolConfig struct {
	Workers int
	// PollTimeout bounds each blocking take so workers notice Stop even on
	// brokers whose blocking pops ignore context cancellation.
	PollTimeout time.Duration
	Logger      *slog.Logger
}

// Pool runs a fixed set of workers.
type Pool struct {
	broker broker.Broker
	exec   Executor
	cfg    PoolConfig
	stats  poolStats

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	stopped bool
}

// NewPool creates a stopped pool.
func NewPool(b broker.Broker, exec Executor, cfg PoolConfig) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Logger = cfg.Logger.With("component", "worker-pool")
	return &Pool{broker: b, exec: exec, cfg: cfg}
}

// Start launches the workers. They stop when ctx ends or Stop is called.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return ErrPoolStarted
	}
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		w := newWorker(i, p.broker, p.exec, p.cfg.PollTimeout, p.cfg.Logger, &p.stats)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			w.Run(ctx)
		}()
	}
	p.started = true
	p.cfg.Logger.Info("worker pool started", "workers", p.cfg.Workers)
	return nil
}

// Stop cancels the workers and waits for them to exit.
func (p *Pool) Stop() error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrPoolNotStarted
	}
	if p.stopped {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.stopped = true
	p.cancel()
	p.mu.Unlock()

	p.wg.Wait()
	s := p.Stats()
	p.cfg.Logger.Info("worker pool stopped", "processed", s.Processed, "failed", s.Failed, "dropped", s.Dropped)
	return nil
}

// WorkerCount returns the configured number of workers.
func (p *Pool) WorkerCount() int { return p.cfg.Workers }

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Processed: p.stats.processed.Load(),
		Failed:    p.stats.failed.Load(),
		Dropped:   p.stats.dropped.Load(),
	}
}
