// ============================================================================
// wikigraph Worker - emulation of an external graph worker
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: one worker goroutine speaking the broker protocol of the real
// graph workers, used by the demo and by tests
//
// Loop:
//
//	┌───────────────────────────────────────────────────────────┐
//	│ BRPOPLPUSH queue:jobs -> queue:running   (marker stays)   │
//	│ payload := Execute(job)                                   │
//	│ SET result:<job> payload                                  │
//	│ PUBLISH announce:<job> payload   (after the SET)          │
//	└───────────────────────────────────────────────────────────┘
//
// The in-flight marker is never removed by the worker; the coordinator's
// lost-job monitor pops it and checks for the result after a grace period.
// ============================================================================

package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/wikigraph/internal/broker"
	"github.com/ChuLiYu/wikigraph/pkg/types"
)

// Worker pulls jobs from the broker and answers them.
type Worker struct {
	id          int
	broker      broker.Broker
	exec        Executor
	pollTimeout time.Duration
	log         *slog.Logger
	stats       *poolStats
}

type poolStats struct {
	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

func newWorker(id int, b broker.Broker, exec Executor, pollTimeout time.Duration, logger *slog.Logger, stats *poolStats) *Worker {
	return &Worker{
		id:          id,
		broker:      b,
		exec:        exec,
		pollTimeout: pollTimeout,
		log:         logger.With("worker", id),
		stats:       stats,
	}
}

// Run processes jobs until ctx is cancelled or the broker is closed.
func (w *Worker) Run(ctx context.Context) {
	for ctx.Err() == nil {
		job, err := w.broker.BlockingMove(ctx, broker.JobsQueue, broker.RunningQueue, w.pollTimeout)
		switch {
		case err == nil:
			w.handle(ctx, types.JobID(job))
		case errors.Is(err, broker.ErrNil):
			// poll timeout, check ctx again
		case errors.Is(err, broker.ErrClosed), ctx.Err() != nil:
			return
		default:
			w.log.Warn("take job failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.pollTimeout):
			}
		}
	}
}

func (w *Worker) handle(ctx context.Context, id types.JobID) {
	payload, err := w.exec.Execute(ctx, id)
	if errors.Is(err, ErrNoResult) {
		w.stats.dropped.Add(1)
		w.log.Debug("job dropped", "job", id)
		return
	}
	if err != nil {
		w.stats.failed.Add(1)
		payload = errorPayload(err)
	}

	// Announcing must come after setting the result.
	if err := w.broker.Set(ctx, broker.ResultKey(id), payload); err != nil {
		w.log.Error("store result failed", "job", id, "error", err)
		return
	}
	if err := w.broker.Publish(ctx, broker.AnnounceChannel(id), payload); err != nil {
		w.log.Error("announce result failed", "job", id, "error", err)
	}
	w.stats.processed.Add(1)
}

func errorPayload(err error) string {
	b, _ := json.Marshal(struct {
		Error string `json:"error"`
	}{err.Error()})
	return string(b)
}
