// ============================================================================
// wikigraph GraphInfo - streaming distance aggregation
// ============================================================================
//
// Package: internal/graphinfo
// File: aggregate.go
// Function: fold per-node distance histograms into summary statistics and a
// bounded set of the most central nodes
//
// Per result:
//
//	reachable = Σ hist[d], d >= 1        (the node itself is hist[0])
//	distance  = Σ d * hist[d]
//	closeness = distance / max(reachable, 1)   lower is more central
//
// Only nodes with reachable+1 >= largest SCC (the node counts itself) compete
// for closeness; their sums count regardless. The heap keeps -closeness, so
// evicting the minimum drops the least central node.
//
// Completion: Done() closes exactly once, when nodes_done reaches the sample
// size. Results past that point are rejected.
// ============================================================================

package graphinfo

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ChuLiYu/wikigraph/internal/metrics"
	"github.com/ChuLiYu/wikigraph/internal/topk"
	"github.com/ChuLiYu/wikigraph/pkg/types"
)

var (
	ErrSCCNotSet         = errors.New("largest scc must be set before adding results")
	ErrSampleSizeNotSet  = errors.New("sample size is not set")
	ErrSampleExceeded    = errors.New("sample already complete")
	ErrInvalidSampleSize = errors.New("sample size must be positive")
)

// DefaultKeepClosest is the number of most central nodes retained.
const DefaultKeepClosest = 100

// Aggregate is the streaming state of one graph dimension. Safe for
// concurrent use.
type Aggregate struct {
	dim     types.Dimension
	keep    int
	metrics *metrics.Collector

	mu           sync.Mutex
	nodes        int64
	links        int64
	largestSCC   int64
	sampleSize   int64
	nodesDone    int64
	nodesValid   int64
	distanceSum  int64
	reachableSum int64
	hist         []int64
	closest      *topk.Heap[types.NodeID]
	done         chan struct{}
	finished     bool
}

// NewAggregate returns an empty aggregate keeping the keep most central
// nodes. keep <= 0 selects DefaultKeepClosest.
func NewAggregate(dim types.Dimension, keep int, m *metrics.Collector) *Aggregate {
	if keep <= 0 {
		keep = DefaultKeepClosest
	}
	return &Aggregate{
		dim:     dim,
		keep:    keep,
		metrics: m,
		closest: topk.New[types.NodeID](keep),
		done:    make(chan struct{}),
	}
}

// Dimension returns the graph dimension being aggregated.
func (a *Aggregate) Dimension() types.Dimension { return a.dim }

// SetTotals records the node and link counts of the graph.
func (a *Aggregate) SetTotals(nodes, links int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nodes, a.links = nodes, links
}

// SetLargestSCC records the size of the largest strongly connected component
// from [size, count] pairs and returns it.
func (a *Aggregate) SetLargestSCC(components [][2]int64) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, c := range components {
		if c[0] > a.largestSCC {
			a.largestSCC = c[0]
		}
	}
	return a.largestSCC
}

// SetSampleSize declares how many nodes will be reported. A non-positive n is
// rejected and leaves the aggregate finished, so no waiter hangs on it.
func (a *Aggregate) SetSampleSize(n int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n <= 0 {
		a.finishLocked()
		return fmt.Errorf("%w: %d", ErrInvalidSampleSize, n)
	}
	a.sampleSize = n
	return nil
}

// SampleSize returns the declared sample size.
func (a *Aggregate) SampleSize() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sampleSize
}

// AddInvalid counts a node whose job failed.
func (a *Aggregate) AddInvalid(node types.NodeID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.admitLocked(); err != nil {
		return fmt.Errorf("node %s: %w", node, err)
	}
	a.nodesDone++
	a.metrics.RecordAggregated(a.dim.String(), false)
	a.checkDoneLocked()
	return nil
}

// AddResult folds the distance histogram of node into the aggregate.
func (a *Aggregate) AddResult(node types.NodeID, hist []int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.largestSCC == 0 {
		return fmt.Errorf("node %s: %w", node, ErrSCCNotSet)
	}
	if err := a.admitLocked(); err != nil {
		return fmt.Errorf("node %s: %w", node, err)
	}

	if len(hist) > len(a.hist) {
		a.hist = append(a.hist, make([]int64, len(hist)-len(a.hist))...)
	}
	var reachable, distance int64
	for d, count := range hist {
		a.hist[d] += count
		if d == 0 {
			continue
		}
		reachable += count
		distance += int64(d) * count
	}
	a.nodesDone++
	a.nodesValid++
	a.reachableSum += reachable
	a.distanceSum += distance

	if reachable+1 >= a.largestSCC {
		a.closest.InsertBounded(-Closeness(reachable, distance), node, a.keep)
	}
	a.metrics.RecordAggregated(a.dim.String(), true)
	a.checkDoneLocked()
	return nil
}

// Closeness is the average distance from a node to the nodes it reaches.
func Closeness(reachable, distance int64) float64 {
	if reachable < 1 {
		reachable = 1
	}
	return float64(distance) / float64(reachable)
}

func (a *Aggregate) admitLocked() error {
	if a.sampleSize == 0 {
		return ErrSampleSizeNotSet
	}
	if a.nodesDone >= a.sampleSize {
		return ErrSampleExceeded
	}
	return nil
}

func (a *Aggregate) checkDoneLocked() {
	if a.nodesDone == a.sampleSize {
		a.finishLocked()
	}
}

func (a *Aggregate) finishLocked() {
	if !a.finished {
		a.finished = true
		close(a.done)
	}
}

// Done is closed once every sampled node has been reported.
func (a *Aggregate) Done() <-chan struct{} { return a.done }

// Center is a node ranked by closeness.
type Center struct {
	Node        types.NodeID `json:"node"`
	Name        string       `json:"name,omitempty"`
	AvgDistance float64      `json:"avg_dist"`
}

// Closest drains the retained nodes, most central first. The aggregate
// keeps no closeness ranking afterwards.
func (a *Aggregate) Closest() []Center {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Center, a.closest.Len())
	for pos := len(out) - 1; pos >= 0; pos-- {
		e, _ := a.closest.ExtractMin()
		out[pos] = Center{Node: e.Payload, AvgDistance: -e.Priority}
	}
	return out
}

// ============================================================================
// Snapshot
// ============================================================================

// Snapshot is a plain copy of an aggregate's state.
type Snapshot struct {
	Dimension    string                     `json:"dimension"`
	Nodes        int64                      `json:"nodes"`
	Links        int64                      `json:"links"`
	LargestSCC   int64                      `json:"largest_scc"`
	SampleSize   int64                      `json:"sample_size"`
	NodesDone    int64                      `json:"nodes_done"`
	NodesValid   int64                      `json:"nodes_valid"`
	DistanceSum  int64                      `json:"distance_sum"`
	ReachableSum int64                      `json:"reachable_sum"`
	Histogram    []int64                    `json:"histogram"`
	Keep         int                        `json:"keep"`
	Closest      []topk.Entry[types.NodeID] `json:"closest"`
}

// AvgDistance is the mean distance over every reachable pair seen.
func (s Snapshot) AvgDistance() float64 {
	return Closeness(s.ReachableSum, s.DistanceSum)
}

// Snapshot copies the current state.
func (a *Aggregate) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Snapshot{
		Dimension:    a.dim.String(),
		Nodes:        a.nodes,
		Links:        a.links,
		LargestSCC:   a.largestSCC,
		SampleSize:   a.sampleSize,
		NodesDone:    a.nodesDone,
		NodesValid:   a.nodesValid,
		DistanceSum:  a.distanceSum,
		ReachableSum: a.reachableSum,
		Histogram:    append([]int64(nil), a.hist...),
		Keep:         a.keep,
		Closest:      a.closest.Entries(),
	}
}

// Restore rebuilds an aggregate from a snapshot. A snapshot taken after
// completion yields a finished aggregate.
func Restore(dim types.Dimension, s Snapshot, m *metrics.Collector) *Aggregate {
	a := NewAggregate(dim, s.Keep, m)
	a.nodes, a.links = s.Nodes, s.Links
	a.largestSCC = s.LargestSCC
	a.sampleSize = s.SampleSize
	a.nodesDone, a.nodesValid = s.NodesDone, s.NodesValid
	a.distanceSum, a.reachableSum = s.DistanceSum, s.ReachableSum
	a.hist = append([]int64(nil), s.Histogram...)
	for _, e := range s.Closest {
		a.closest.InsertBounded(e.Priority, e.Payload, a.keep)
	}
	if a.sampleSize > 0 && a.nodesDone >= a.sampleSize {
		a.finishLocked()
	}
	return a
}

// AddJobResult feeds the outcome of a distance job of this dimension. Failed
// or undecodable results count as invalid nodes.
func (a *Aggregate) AddJobResult(res types.Result) error {
	dim, cmd, node, err := res.JobID.Parse()
	if err != nil {
		return err
	}
	if dim != a.dim || cmd != types.CmdDistance || node == 0 {
		return fmt.Errorf("job %s is not a %s distance job", res.JobID, a.dim)
	}
	var hist types.DistanceResult
	if err := res.Decode(&hist); err != nil {
		return a.AddInvalid(node)
	}
	return a.AddResult(node, hist.CountDist)
}
