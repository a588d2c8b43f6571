package worker

import (
	"context"
	"sync"

	"github.com/ChuLiYu/wikigraph/pkg/types"
)

// FlakyExecutor loses the first attempt of every Every-th distinct job, the
// way a worker crashing mid-job does. Retries of a lost job succeed.
type FlakyExecutor struct {
	Next  Executor
	Every int

	mu    sync.Mutex
	seen  map[types.JobID]bool
	count int
	lost  []types.JobID
}

// Flaky wraps next; every <= 0 never drops.
func Flaky(next Executor, every int) *FlakyExecutor {
	return &FlakyExecutor{Next: next, Every: every, seen: make(map[types.JobID]bool)}
}

func (f *FlakyExecutor) Execute(ctx context.Context, id types.JobID) (string, error) {
	f.mu.Lock()
	first := !f.seen[id]
	f.seen[id] = true
	drop := false
	if first && f.Every > 0 {
		f.count++
		drop = f.count%f.Every == 0
		if drop {
			f.lost = append(f.lost, id)
		}
	}
	f.mu.Unlock()

	if drop {
		return "", ErrNoResult
	}
	return f.Next.Execute(ctx, id)
}

// Lost lists the jobs dropped so far.
func (f *FlakyExecutor) Lost() []types.JobID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.JobID(nil), f.lost...)
}
