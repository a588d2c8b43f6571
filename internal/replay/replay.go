// ============================================================================
// wikigraph Replay - rebuild aggregates from the broker's command log
// ============================================================================
//
// Package: internal/replay
// File: replay.go
// Function: feed distance results recorded in an append-only command log into
// an aggregate, then run the jobs the log did not cover
//
// Replay flow:
//  1. Decode the log with aof.Reader; only SET and SETEX are handled
//  2. Keep result:<dim>D<node> records whose node is wanted
//  3. First record per node wins (workers may have run a job twice)
//  4. Repair: submit live jobs for exactly the wanted nodes still missing
//
// Both sources go through Aggregate.AddJobResult, so a replayed run and a
// live run of the same results produce the same aggregate.
// ============================================================================

package replay

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"

	"github.com/ChuLiYu/wikigraph/internal/aof"
	"github.com/ChuLiYu/wikigraph/internal/broker"
	"github.com/ChuLiYu/wikigraph/internal/controller"
	"github.com/ChuLiYu/wikigraph/internal/graphinfo"
	"github.com/ChuLiYu/wikigraph/pkg/types"
)

// Replayer feeds one dimension's aggregate from a command log.
type Replayer struct {
	agg *graphinfo.Aggregate
	log *slog.Logger

	mu     sync.Mutex
	wanted map[types.NodeID]struct{}
	seen   map[types.NodeID]struct{}
}

// New returns a replayer for the given wanted nodes.
func New(agg *graphinfo.Aggregate, wanted []types.NodeID, logger *slog.Logger) *Replayer {
	if logger == nil {
		logger = slog.Default()
	}
	w := make(map[types.NodeID]struct{}, len(wanted))
	for _, n := range wanted {
		w[n] = struct{}{}
	}
	return &Replayer{
		agg:    agg,
		log:    logger.With("component", "replay", "dimension", agg.Dimension().String()),
		wanted: w,
		seen:   make(map[types.NodeID]struct{}),
	}
}

// Register installs the SET and SETEX handlers on r.
func (r *Replayer) Register(rd *aof.Reader) {
	rd.Handle("SET", r.handleSet)
	rd.Handle("SETEX", r.handleSetEx)
}

// Replay decodes src to the end. A corrupted record or a rejected result
// aborts the replay.
func (r *Replayer) Replay(src io.Reader) error {
	rd := aof.NewReader(src)
	r.Register(rd)
	if err := rd.Run(); err != nil {
		return err
	}
	r.log.Info("log replayed",
		"records", rd.Records(),
		"skipped", rd.Skipped(),
		"recovered", r.Recovered(),
		"missing", len(r.Missing()))
	return nil
}

// SET key value [EX seconds | PX ms | NX | XX ...]
func (r *Replayer) handleSet(args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("SET: want key and value, got %d arguments", len(args)-1)
	}
	return r.record(args[1], args[2])
}

// SETEX key seconds value
func (r *Replayer) handleSetEx(args []string) error {
	if len(args) != 4 {
		return fmt.Errorf("SETEX: want key, ttl and value, got %d arguments", len(args)-1)
	}
	return r.record(args[1], args[3])
}

func (r *Replayer) record(key, value string) error {
	id, ok := broker.JobFromResultKey(key)
	if !ok {
		return nil
	}
	dim, cmd, node, err := id.Parse()
	if err != nil || dim != r.agg.Dimension() || cmd != types.CmdDistance || node == 0 {
		return nil
	}
	if !r.claim(node) {
		return nil
	}
	return r.agg.AddJobResult(types.ParseResult(id, value))
}

// claim marks node as recovered. It reports false for unwanted or already
// recovered nodes.
func (r *Replayer) claim(node types.NodeID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.wanted[node]; !ok {
		return false
	}
	if _, ok := r.seen[node]; ok {
		return false
	}
	r.seen[node] = struct{}{}
	return true
}

// Recovered returns how many wanted nodes have a result.
func (r *Replayer) Recovered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}

// Missing returns the wanted nodes without a result, in ascending order.
func (r *Replayer) Missing() []types.NodeID {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []types.NodeID
	for n := range r.wanted {
		if _, ok := r.seen[n]; !ok {
			out = append(out, n)
		}
	}
	slices.Sort(out)
	return out
}

// Repair runs the distance jobs of every missing node through c and feeds
// the results into the same aggregate. It returns once all of them arrived.
func (r *Replayer) Repair(ctx context.Context, c *controller.Controller) error {
	missing := r.Missing()
	if len(missing) == 0 {
		return nil
	}
	r.log.Info("repairing from live jobs", "missing", len(missing))

	var mu sync.Mutex
	var firstErr error
	prefix := r.agg.Dimension().Prefix(types.CmdDistance)
	bulk, err := c.BulkSubmit(ctx, int64(len(missing)), prefix,
		func(i int64) types.NodeID { return missing[i-1] },
		func(res types.Result) {
			_, _, node, _ := res.JobID.Parse()
			if !r.claim(node) {
				return
			}
			if err := r.agg.AddJobResult(res); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		})
	if err != nil {
		return fmt.Errorf("repair: %w", err)
	}
	if err := bulk.Wait(); err != nil {
		return fmt.Errorf("repair: %w", err)
	}
	mu.Lock()
	defer mu.Unlock()
	return firstErr
}
