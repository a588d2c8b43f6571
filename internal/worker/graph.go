package worker

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sort"
	"sync"

	"github.com/ChuLiYu/wikigraph/pkg/types"
)

// Errors reported to the coordinator inside {"error": ...} payloads.
var (
	ErrNodeOutOfRange = errors.New("node out of range")
	ErrNodeIsCategory = errors.New("node is category")
	ErrUnknownCommand = errors.New("unknown command")
)

// Graph is a directed graph over nodes 1..N.
type Graph struct {
	out [][]types.NodeID // out[u] lists successors; out[0] unused

	inOnce sync.Once
	in     []int64
}

// NewGraph returns an empty graph with n nodes.
func NewGraph(n int) *Graph {
	return &Graph{out: make([][]types.NodeID, n+1)}
}

// N returns the number of nodes.
func (g *Graph) N() int { return len(g.out) - 1 }

// AddEdge adds u -> v. Not safe once the graph is shared with workers.
func (g *Graph) AddEdge(u, v types.NodeID) {
	g.out[u] = append(g.out[u], v)
}

// Edges returns the number of edges.
func (g *Graph) Edges() int64 {
	var m int64
	for _, adj := range g.out {
		m += int64(len(adj))
	}
	return m
}

func (g *Graph) valid(n types.NodeID) bool {
	return n >= 1 && int(n) <= g.N()
}

// Distances returns count_dist for a BFS from src: entry d counts the nodes at
// shortest distance d, entry 0 is src itself.
func (g *Graph) Distances(src types.NodeID) []int64 {
	dist := make([]int32, len(g.out))
	for i := range dist {
		dist[i] = -1
	}
	dist[src] = 0
	counts := []int64{1}
	queue := []types.NodeID{src}
	for len(queue) > 0 {
		u := queue[0]
		queue = queue[1:]
		for _, v := range g.out[u] {
			if dist[v] >= 0 {
				continue
			}
			dist[v] = dist[u] + 1
			if int(dist[v]) == len(counts) {
				counts = append(counts, 0)
			}
			counts[dist[v]]++
			queue = append(queue, v)
		}
	}
	return counts
}

// Degree returns the in and out degree of n.
func (g *Graph) Degree(n types.NodeID) (in, out int64) {
	g.inOnce.Do(func() {
		g.in = make([]int64, len(g.out))
		for _, adj := range g.out {
			for _, v := range adj {
				g.in[v]++
			}
		}
	})
	return g.in[n], int64(len(g.out[n]))
}

// SCC returns [size, count] pairs of the strongly connected components,
// largest size first. Iterative Tarjan, so deep graphs do not overflow the
// stack.
func (g *Graph) SCC() [][2]int64 {
	n := len(g.out)
	index := make([]int32, n)
	low := make([]int32, n)
	onStack := make([]bool, n)
	for i := range index {
		index[i] = -1
	}
	var (
		next  int32
		stack []types.NodeID
		sizes = make(map[int64]int64)
	)
	type frame struct {
		node types.NodeID
		edge int
	}
	for root := 1; root < n; root++ {
		if index[root] >= 0 {
			continue
		}
		call := []frame{{node: types.NodeID(root)}}
		index[root], low[root] = next, next
		next++
		stack = append(stack, types.NodeID(root))
		onStack[root] = true

		for len(call) > 0 {
			top := &call[len(call)-1]
			u := top.node
			if top.edge < len(g.out[u]) {
				v := g.out[u][top.edge]
				top.edge++
				switch {
				case index[v] < 0:
					index[v], low[v] = next, next
					next++
					stack = append(stack, v)
					onStack[v] = true
					call = append(call, frame{node: v})
				case onStack[v] && index[v] < low[u]:
					low[u] = index[v]
				}
				continue
			}
			call = call[:len(call)-1]
			if len(call) > 0 {
				parent := call[len(call)-1].node
				if low[u] < low[parent] {
					low[parent] = low[u]
				}
			}
			if low[u] == index[u] {
				var size int64
				for {
					w := stack[len(stack)-1]
					stack = stack[:len(stack)-1]
					onStack[w] = false
					size++
					if w == u {
						break
					}
				}
				sizes[size]++
			}
		}
	}

	out := make([][2]int64, 0, len(sizes))
	for size, count := range sizes {
		out = append(out, [2]int64{size, count})
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] > out[j][0] })
	return out
}

// PageRank runs power iteration and returns the top results as
// [score, node] pairs, highest score first.
func (g *Graph) PageRank(top, iterations int, damping float64) [][2]float64 {
	n := g.N()
	if n == 0 {
		return nil
	}
	rank := make([]float64, n+1)
	next := make([]float64, n+1)
	for i := 1; i <= n; i++ {
		rank[i] = 1 / float64(n)
	}
	for it := 0; it < iterations; it++ {
		var dangling float64
		for i := 1; i <= n; i++ {
			next[i] = 0
			if len(g.out[i]) == 0 {
				dangling += rank[i]
			}
		}
		for u := 1; u <= n; u++ {
			if len(g.out[u]) == 0 {
				continue
			}
			share := rank[u] / float64(len(g.out[u]))
			for _, v := range g.out[u] {
				next[v] += share
			}
		}
		base := (1-damping)/float64(n) + damping*dangling/float64(n)
		for i := 1; i <= n; i++ {
			next[i] = base + damping*next[i]
		}
		rank, next = next, rank
	}

	nodes := make([]int, n)
	for i := range nodes {
		nodes[i] = i + 1
	}
	sort.SliceStable(nodes, func(a, b int) bool { return rank[nodes[a]] > rank[nodes[b]] })
	if top > n {
		top = n
	}
	out := make([][2]float64, top)
	for i := 0; i < top; i++ {
		out[i] = [2]float64{rank[nodes[i]], float64(nodes[i])}
	}
	return out
}

// RandomGraph builds a graph with n nodes and about degree out-edges per
// node, without self loops.
func RandomGraph(rng *rand.Rand, n, degree int) *Graph {
	g := NewGraph(n)
	if n < 2 {
		return g
	}
	for u := 1; u <= n; u++ {
		for k := 0; k < degree; k++ {
			v := 1 + rng.Intn(n)
			if v == u {
				continue
			}
			g.AddEdge(types.NodeID(u), types.NodeID(v))
		}
	}
	return g
}

// ============================================================================
// Graph executor
// ============================================================================

// GraphExecutor answers D, I, S and R jobs over in-memory graphs.
type GraphExecutor struct {
	Articles   *Graph
	Categories *Graph
	// IsCategory marks nodes the article graph refuses per-node jobs for.
	IsCategory func(types.NodeID) bool
	// PageRankResults is how many [score, node] pairs an R job returns.
	PageRankResults int
}

var _ Executor = (*GraphExecutor)(nil)

func (e *GraphExecutor) Execute(ctx context.Context, id types.JobID) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dim, cmd, node, err := id.Parse()
	if err != nil {
		return "", ErrUnknownCommand
	}

	var g *Graph
	switch dim {
	case types.DimArticles:
		g = e.Articles
	case types.DimCategories:
		g = e.Categories
	}
	if g == nil {
		return "", ErrUnknownCommand
	}
	if node != 0 {
		if !g.valid(node) {
			return "", ErrNodeOutOfRange
		}
		if dim == types.DimArticles && e.IsCategory != nil && e.IsCategory(node) {
			return "", ErrNodeIsCategory
		}
	}

	var payload any
	switch {
	case cmd == types.CmdDistance && node != 0:
		payload = types.DistanceResult{CountDist: g.Distances(node)}
	case cmd == types.CmdDegree && node != 0:
		in, out := g.Degree(node)
		payload = types.DegreeResult{InDegree: in, OutDegree: out}
	case cmd == types.CmdSCC:
		payload = types.SCCResult{Components: g.SCC()}
	case cmd == types.CmdPageRank:
		top := e.PageRankResults
		if top <= 0 {
			top = 10
		}
		payload = types.PageRankResult{Ranks: g.PageRank(top, 30, 0.85)}
	default:
		return "", ErrUnknownCommand
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
