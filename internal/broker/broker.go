// ============================================================================
// Broker contract
// ============================================================================
//
// Package: internal/broker
// Purpose: the four primitives the coordinator relies on (durable list queue,
// blocking pop, key/value result cache, publish/subscribe) plus the key naming
// shared with the external graph workers.
//
// Implementations:
//   - redisbroker: Redis over three logical connections (requests, blocking
//     pops, pub/sub), so a blocking pop never stalls other traffic.
//   - memory: in-process broker for tests and the demo; it can also capture an
//     append-only command log of its writes.
//
// Queue semantics: Push prepends (LPUSH) and the pops take from the tail
// (BRPOP / BRPOPLPUSH), so a queue is FIFO.
// ============================================================================

package broker

import (
	"context"
	"errors"
	"time"

	"github.com/ChuLiYu/wikigraph/pkg/types"
)

// ErrNil is returned when a key is absent or a blocking pop timed out. It is an
// expected condition, not a failure.
var ErrNil = errors.New("broker: nil")

// ErrClosed is returned by operations on a closed broker.
var ErrClosed = errors.New("broker: closed")

// Broker is the subset of broker operations used by the coordinator and the
// worker emulation.
type Broker interface {
	// Push prepends value to the list stored at queue.
	Push(ctx context.Context, queue, value string) error
	// BlockingPop removes and returns the oldest element of queue, waiting up
	// to timeout (0 waits forever). Returns ErrNil on timeout.
	BlockingPop(ctx context.Context, queue string, timeout time.Duration) (string, error)
	// BlockingMove atomically pops the oldest element of src and prepends it
	// to dst, waiting up to timeout. Returns ErrNil on timeout.
	BlockingMove(ctx context.Context, src, dst string, timeout time.Duration) (string, error)
	// LLen returns the length of queue.
	LLen(ctx context.Context, queue string) (int64, error)

	// Get returns the value of key, or ErrNil if absent.
	Get(ctx context.Context, key string) (string, error)
	// MGet returns one entry per key; absent keys yield nil.
	MGet(ctx context.Context, keys ...string) ([]*string, error)
	Set(ctx context.Context, key, value string) error
	Del(ctx context.Context, keys ...string) error
	// Incr increments the integer at key and returns the new value.
	Incr(ctx context.Context, key string) (int64, error)

	Publish(ctx context.Context, channel, message string) error
	// Subscribe returns once the subscription is active on the broker, so a
	// message published after Subscribe returns is delivered.
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	Close() error
}

// Subscription delivers messages published on one channel.
type Subscription interface {
	C() <-chan string
	// Close unsubscribes. It is safe to call more than once.
	Close() error
}

// ============================================================================
// Key naming shared with the workers
// ============================================================================

const (
	// JobsQueue holds job ids waiting for a worker.
	JobsQueue = "queue:jobs"
	// RunningQueue holds markers of jobs a worker has taken.
	RunningQueue = "queue:running"
	// MutexKey is the shared counter behind leadership.
	MutexKey = "mutex"

	resultPrefix   = "result:"
	announcePrefix = "announce:"
	namePrefix     = "n:"
)

// ResultKey is where a worker caches the result of a job.
func ResultKey(id types.JobID) string { return resultPrefix + string(id) }

// AnnounceChannel is where a worker publishes the result of a job.
func AnnounceChannel(id types.JobID) string { return announcePrefix + string(id) }

// NameKey holds the namespaced display name of a node.
func NameKey(node types.NodeID) string {
	return namePrefix + node.String()
}

// JobFromResultKey extracts the job id from a result key.
func JobFromResultKey(key string) (types.JobID, bool) {
	if len(key) <= len(resultPrefix) || key[:len(resultPrefix)] != resultPrefix {
		return "", false
	}
	return types.JobID(key[len(resultPrefix):]), true
}

// Counter keys published by the graph import step.
const (
	CountNodes         = "s:count:Graph_nodes"
	CountArticles      = "s:count:Articles"
	CountArticleLinks  = "s:count:Article_links"
	CountCategories    = "s:count:Categories"
	CountCategoryLinks = "s:count:Category_links"
)
