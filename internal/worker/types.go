package worker

import (
	"context"
	"errors"

	"github.com/ChuLiYu/wikigraph/pkg/types"
)

// Executor computes the serialized result of one job.
//
// A returned error is reported to the coordinator as {"error": "<msg>"}.
// ErrNoResult makes the worker drop the job without writing or announcing
// anything, which is how a crashed worker looks from the outside.
type Executor interface {
	Execute(ctx context.Context, id types.JobID) (string, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, id types.JobID) (string, error)

func (f ExecutorFunc) Execute(ctx context.Context, id types.JobID) (string, error) {
	return f(ctx, id)
}

// ErrNoResult drops the job silently.
var ErrNoResult = errors.New("worker: job produced no result")

// Stats counts what a pool has done so far.
type Stats struct {
	Processed int64 // results written, including error results
	Failed    int64 // error results
	Dropped   int64 // jobs swallowed via ErrNoResult
}
