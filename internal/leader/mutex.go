// ============================================================================
// wikigraph Leader - single active coordinator
// ============================================================================
//
// Package: internal/leader
// File: mutex.go
// Function: optimistic mutual exclusion over one shared broker counter
//
// Protocol:
//
//	INCR mutex -> c1
//	wait 2 x Period
//	INCR mutex -> c2
//	c2 == c1+1  -> held, renew with one INCR per Period while held
//	otherwise   -> another instance incremented in between: ErrContended
//
// A holder renews twice per check window, so a competitor starting later
// always observes a foreign increment. The check is not linearizable: two
// instances starting within broker latency of each other can both succeed.
// It assumes at most one competitor and a Period well above clock and
// network jitter.
// ============================================================================

package leader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/juju/clock"

	"github.com/ChuLiYu/wikigraph/internal/broker"
	"github.com/ChuLiYu/wikigraph/internal/metrics"
)

// DefaultPeriod is the renewal interval used when Config.Period is unset.
const DefaultPeriod = time.Second

var (
	ErrAlreadyHeld = errors.New("mutex is already held")
	ErrNotHeld     = errors.New("mutex was not started")
	ErrContended   = errors.New("another instance is running")
)

// Config configures a Mutex.
type Config struct {
	// Period is the renewal interval; the startup check waits twice as long.
	Period time.Duration
	// OnChange is called whenever the held flag flips.
	OnChange func(held bool)

	Clock   clock.Clock
	Metrics *metrics.Collector
	Logger  *slog.Logger
}

// Mutex is the leadership lock of one coordinator process.
type Mutex struct {
	broker broker.Broker
	cfg    Config
	log    *slog.Logger

	mu       sync.Mutex
	held     bool
	starting bool
	gen      int   // bumped per acquisition; a renewal loop serves one
	last     int64 // last observed counter value
}

// New returns an unheld mutex.
func New(b broker.Broker, cfg Config) *Mutex {
	if cfg.Period <= 0 {
		cfg.Period = DefaultPeriod
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Mutex{broker: b, cfg: cfg, log: cfg.Logger.With("component", "leader")}
}

// Start acquires leadership. It blocks for two periods. On success a renewal
// goroutine keeps the counter moving until Stop or ctx ends.
func (m *Mutex) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.held || m.starting {
		m.mu.Unlock()
		return ErrAlreadyHeld
	}
	m.starting = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.starting = false
		m.mu.Unlock()
	}()

	first, err := m.broker.Incr(ctx, broker.MutexKey)
	if err != nil {
		return fmt.Errorf("leader: first increment: %w", err)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-m.cfg.Clock.After(2 * m.cfg.Period):
	}
	second, err := m.broker.Incr(ctx, broker.MutexKey)
	if err != nil {
		return fmt.Errorf("leader: second increment: %w", err)
	}
	if second != first+1 {
		m.log.Error("leadership contended", "first", first, "second", second)
		return fmt.Errorf("%w (counter moved %d -> %d)", ErrContended, first, second)
	}

	m.mu.Lock()
	m.held = true
	m.gen++
	gen := m.gen
	m.last = second
	m.mu.Unlock()
	m.cfg.Metrics.SetLeader(true)
	if m.cfg.OnChange != nil {
		m.cfg.OnChange(true)
	}
	m.log.Info("leadership acquired", "counter", second)

	go m.renew(ctx, gen)
	return nil
}

// Stop releases leadership. The renewal goroutine exits at its next wake.
func (m *Mutex) Stop() error {
	m.mu.Lock()
	if !m.held {
		m.mu.Unlock()
		return ErrNotHeld
	}
	m.held = false
	m.mu.Unlock()

	m.cfg.Metrics.SetLeader(false)
	if m.cfg.OnChange != nil {
		m.cfg.OnChange(false)
	}
	m.log.Info("leadership released")
	return nil
}

// Held reports whether this process is the leader.
func (m *Mutex) Held() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.held
}

// Counter returns the last counter value this mutex observed.
func (m *Mutex) Counter() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

func (m *Mutex) renew(ctx context.Context, gen int) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.cfg.Clock.After(m.cfg.Period):
		}
		m.mu.Lock()
		current := m.held && m.gen == gen
		m.mu.Unlock()
		if !current {
			return
		}
		n, err := m.broker.Incr(ctx, broker.MutexKey)
		if err != nil {
			m.log.Warn("renew leadership failed", "error", err)
			continue
		}
		m.mu.Lock()
		m.last = n
		m.mu.Unlock()
		m.cfg.Metrics.RecordRenewal()
	}
}
