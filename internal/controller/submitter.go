package controller

// ============================================================================
// Bulk submitter
// Responsibility: feed a large number of jobs to the workers without flooding
// the queue. Additive increase / additive decrease on the admission window:
//
//	depth < LowWater*bulk or depth < Granularity
//	    -> push min(bulk, remaining) jobs, bulk += Granularity
//	otherwise
//	    -> push nothing, bulk -= Granularity (floored at MinBulk)
//
// The first probe happens immediately, later ones every Interval.
// ============================================================================

import (
	"context"
	"fmt"
	"sync"

	"github.com/ChuLiYu/wikigraph/internal/broker"
	"github.com/ChuLiYu/wikigraph/pkg/types"
)

// Mapper turns a 1-based submission index into the node id of the job.
type Mapper func(i int64) types.NodeID

// Identity maps index i to node i.
func Identity(i int64) types.NodeID { return types.NodeID(i) }

// Bulk tracks the results of a BulkSubmit call.
type Bulk struct {
	total int64
	wg    sync.WaitGroup

	mu       sync.Mutex
	received int64
	err      error
}

// Total returns the number of jobs in the bulk.
func (b *Bulk) Total() int64 { return b.total }

// Received returns how many results have been handed to onEach so far.
func (b *Bulk) Received() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.received
}

// Wait blocks until every job was either delivered to onEach or abandoned.
// It returns the first abandonment.
func (b *Bulk) Wait() error {
	b.wg.Wait()
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// BulkSubmit issues count jobs named prefix+mapper(i) for i in 1..count under
// the admission policy and calls onEach once per result as they arrive. It
// returns once every job has been issued; use Bulk.Wait for completion.
// onEach may run concurrently with itself.
func (c *Controller) BulkSubmit(ctx context.Context, count int64, prefix string, mapper Mapper, onEach func(types.Result)) (*Bulk, error) {
	if mapper == nil {
		mapper = Identity
	}
	bulk := &Bulk{total: count}
	cfg := c.cfg.Submitter
	log := c.log.With("prefix", prefix, "total", count)

	window := cfg.InitialBulk
	var issued int64
	for issued < count {
		depth, err := c.broker.LLen(ctx, broker.JobsQueue)
		if err != nil {
			return bulk, fmt.Errorf("probe queue depth: %w", err)
		}
		c.cfg.Metrics.SetQueueDepth(depth)

		if depth < int64(cfg.LowWater*window) || depth < int64(cfg.Granularity) {
			n := int64(window)
			if remaining := count - issued; n > remaining {
				n = remaining
			}
			for k := int64(0); k < n; k++ {
				issued++
				id := types.JobID(prefix + mapper(issued).String())
				if err := c.track(ctx, bulk, id, onEach); err != nil {
					return bulk, err
				}
			}
			window += cfg.Granularity
		} else {
			window -= cfg.Granularity
			if window < cfg.MinBulk {
				window = cfg.MinBulk
			}
		}
		c.cfg.Metrics.SetBulkSize(window)
		log.Info("bulk submit progress",
			"issued", issued,
			"percent", fmt.Sprintf("%.2f", 100*float64(issued)/float64(count)),
			"queue_depth", depth,
			"bulk_size", window)

		if issued >= count {
			break
		}
		select {
		case <-ctx.Done():
			return bulk, ctx.Err()
		case <-c.cfg.Clock.After(cfg.Interval):
		}
	}
	log.Info("all jobs are inserted into the queue")
	return bulk, nil
}

func (c *Controller) track(ctx context.Context, bulk *Bulk, id types.JobID, onEach func(types.Result)) error {
	ch, err := c.SubmitAsync(ctx, id)
	if err != nil {
		return err
	}
	bulk.wg.Add(1)
	go func() {
		defer bulk.wg.Done()
		res, ok := <-ch
		if !ok {
			bulk.mu.Lock()
			if bulk.err == nil {
				bulk.err = fmt.Errorf("%s: %w", id, ErrAbandoned)
			}
			bulk.mu.Unlock()
			return
		}
		if onEach != nil {
			onEach(res)
		}
		bulk.mu.Lock()
		bulk.received++
		bulk.mu.Unlock()
	}()
	return nil
}
