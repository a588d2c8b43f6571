// ============================================================================
// wikigraph Monitor - lost job recovery
// ============================================================================
//
// Package: internal/monitor
// File: monitor.go
// Function: drain the in-flight marker queue and re-enqueue jobs that never
// produced a result
//
// Workers park every job they take on queue:running and never remove the
// marker. The monitor pops markers one by one; for each it waits the job's
// grace period and then checks result:<job>:
//   - present: the job completed (OnComplete)
//   - absent:  the worker was lost, the job goes back onto queue:jobs
//     (OnReschedule)
// Verification runs in its own goroutine, so draining continues at full rate
// while earlier markers sit out their grace period.
//
// States:
//
//	Idle --Start--> Running --Stop--> Stopping --(next pop returns)--> Idle
//
// Stop is cooperative. It takes effect when the current blocking pop returns
// (at most PopTimeout later) and never aborts a verification already waiting.
// ============================================================================

package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"

	"github.com/ChuLiYu/wikigraph/internal/broker"
	"github.com/ChuLiYu/wikigraph/internal/metrics"
	"github.com/ChuLiYu/wikigraph/pkg/types"
)

const (
	DefaultGrace      = 10 * time.Second
	DefaultPopTimeout = time.Second
)

var (
	ErrAlreadyRunning = errors.New("monitor already running")
	ErrNotRunning     = errors.New("monitor not running")
)

// State is the lifecycle state of a Monitor.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config configures a Monitor.
type Config struct {
	// DefaultGrace is how long a job may run before it is considered lost.
	DefaultGrace time.Duration
	// GraceByPrefix overrides DefaultGrace for job ids starting with a key;
	// the longest matching prefix wins.
	GraceByPrefix map[string]time.Duration
	// PopTimeout bounds each blocking pop, and so how long Stop takes.
	PopTimeout time.Duration

	// OnComplete is called with the cached payload of a verified job.
	OnComplete func(id types.JobID, payload string)
	// OnReschedule is called after a lost job was pushed back.
	OnReschedule func(id types.JobID)

	Clock   clock.Clock
	Metrics *metrics.Collector
	Logger  *slog.Logger
}

func (cfg *Config) setDefaults() {
	if cfg.DefaultGrace <= 0 {
		cfg.DefaultGrace = DefaultGrace
	}
	if cfg.PopTimeout <= 0 {
		cfg.PopTimeout = DefaultPopTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
}

// Monitor recovers jobs lost by the workers.
type Monitor struct {
	broker broker.Broker
	cfg    Config
	log    *slog.Logger

	mu    sync.Mutex
	state State
	done  chan struct{}

	verifying sync.WaitGroup
}

// New returns an idle monitor.
func New(b broker.Broker, cfg Config) *Monitor {
	cfg.setDefaults()
	done := make(chan struct{})
	close(done)
	return &Monitor{
		broker: b,
		cfg:    cfg,
		log:    cfg.Logger.With("component", "monitor"),
		done:   done,
	}
}

// Start clears stale in-flight markers and starts draining queue:running.
// ctx bounds the drain loop and every verification.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateIdle {
		return ErrAlreadyRunning
	}
	// Markers from a previous run belong to jobs that will be resubmitted.
	if err := m.broker.Del(ctx, broker.RunningQueue); err != nil {
		return fmt.Errorf("clear stale markers: %w", err)
	}
	m.state = StateRunning
	m.done = make(chan struct{})
	go m.loop(ctx, m.done)
	m.log.Info("monitor started", "default_grace", m.cfg.DefaultGrace)
	return nil
}

// Stop asks the drain loop to exit after its current pop.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateRunning {
		return ErrNotRunning
	}
	m.state = StateStopping
	m.log.Info("monitor stopping")
	return nil
}

// Done is closed once the monitor is idle again and every verification has
// finished.
func (m *Monitor) Done() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done
}

// State returns the current lifecycle state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Monitor) running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateRunning
}

func (m *Monitor) loop(ctx context.Context, done chan struct{}) {
	defer func() {
		m.verifying.Wait()
		m.mu.Lock()
		m.state = StateIdle
		m.mu.Unlock()
		close(done)
		m.log.Info("monitor stopped")
	}()

	for m.running() && ctx.Err() == nil {
		marker, err := m.broker.BlockingPop(ctx, broker.RunningQueue, m.cfg.PopTimeout)
		switch {
		case err == nil:
			m.verifying.Add(1)
			go m.verify(ctx, types.JobID(marker))
		case errors.Is(err, broker.ErrNil):
		case errors.Is(err, broker.ErrClosed), ctx.Err() != nil:
			return
		default:
			m.log.Error("pop in-flight marker failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-m.cfg.Clock.After(m.cfg.PopTimeout):
			}
		}
	}
}

// Grace returns the grace period of a job.
func (m *Monitor) Grace(id types.JobID) time.Duration {
	grace, best := m.cfg.DefaultGrace, -1
	for prefix, d := range m.cfg.GraceByPrefix {
		if len(prefix) > best && strings.HasPrefix(string(id), prefix) {
			grace, best = d, len(prefix)
		}
	}
	return grace
}

func (m *Monitor) verify(ctx context.Context, id types.JobID) {
	defer m.verifying.Done()
	select {
	case <-ctx.Done():
		return
	case <-m.cfg.Clock.After(m.Grace(id)):
	}

	payload, err := m.broker.Get(ctx, broker.ResultKey(id))
	switch {
	case err == nil:
		m.cfg.Metrics.RecordVerified()
		if m.cfg.OnComplete != nil {
			m.cfg.OnComplete(id, payload)
		}
	case errors.Is(err, broker.ErrNil):
		if err := m.broker.Push(ctx, broker.JobsQueue, string(id)); err != nil {
			m.log.Error("reschedule lost job failed", "job", id, "error", err)
			return
		}
		m.cfg.Metrics.RecordRescheduled()
		m.log.Warn("job lost, rescheduled", "job", id)
		if m.cfg.OnReschedule != nil {
			m.cfg.OnReschedule(id)
		}
	default:
		m.log.Error("verify job failed", "job", id, "error", err)
	}
}
