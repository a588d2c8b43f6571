package graphinfo

import (
	"slices"
	"sync"

	"github.com/ChuLiYu/wikigraph/pkg/types"
)

// Source tags why a node is interesting.
type Source string

const (
	SourcePageRank  Source = "pagerank"
	SourceCloseness Source = "closeness"
)

// NodeDetail is what the report shows about a node in one dimension.
type NodeDetail struct {
	InDegree  int64   `json:"in_degree"`
	OutDegree int64   `json:"out_degree"`
	CountDist []int64 `json:"count_dist"`
	MaxDist   int     `json:"max_dist"`
	Reachable int64   `json:"reachable"`
	Distance  int64   `json:"distance"`
}

// NewNodeDetail derives the distance figures of a node from its histogram.
// MaxDist is the eccentricity: the largest distance with a non-empty bucket.
func NewNodeDetail(inDegree, outDegree int64, countDist []int64) NodeDetail {
	d := NodeDetail{InDegree: inDegree, OutDegree: outDegree, CountDist: countDist}
	for i, count := range countDist {
		if count > 0 {
			d.MaxDist = i
		}
		if i == 0 {
			continue
		}
		d.Reachable += count
		d.Distance += int64(i) * count
	}
	return d
}

// InterestingNode is a node featured in the report.
type InterestingNode struct {
	Node    types.NodeID          `json:"node"`
	Name    string                `json:"name,omitempty"`
	Sources []Source              `json:"sources"`
	Details map[string]NodeDetail `json:"details,omitempty"` // keyed by dimension name
}

// InterestingSet collects interesting nodes from several stages. Safe for
// concurrent use; indices are stable after Dedupe until the next Add.
type InterestingSet struct {
	mu    sync.Mutex
	nodes []InterestingNode
}

// Add records node as interesting because of src.
func (s *InterestingSet) Add(node types.NodeID, src Source) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes = append(s.nodes, InterestingNode{Node: node, Sources: []Source{src}})
}

// Dedupe sorts the set by node id and merges duplicate entries.
func (s *InterestingSet) Dedupe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	slices.SortStableFunc(s.nodes, func(a, b InterestingNode) int {
		switch {
		case a.Node < b.Node:
			return -1
		case a.Node > b.Node:
			return 1
		default:
			return 0
		}
	})
	out := s.nodes[:0]
	for _, n := range s.nodes {
		if last := len(out) - 1; last >= 0 && out[last].Node == n.Node {
			for _, src := range n.Sources {
				if !slices.Contains(out[last].Sources, src) {
					out[last].Sources = append(out[last].Sources, src)
				}
			}
			continue
		}
		out = append(out, n)
	}
	s.nodes = out
}

// Len returns the number of entries.
func (s *InterestingSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.nodes)
}

// Node returns the node id at index i.
func (s *InterestingSet) Node(i int) types.NodeID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nodes[i].Node
}

// SetName sets the display name at index i.
func (s *InterestingSet) SetName(i int, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[i].Name = name
}

// SetDetail records the details of the node at index i in dim.
func (s *InterestingSet) SetDetail(i int, dim types.Dimension, d NodeDetail) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nodes[i].Details == nil {
		s.nodes[i].Details = make(map[string]NodeDetail)
	}
	s.nodes[i].Details[dim.String()] = d
}

// Nodes returns a copy of the entries.
func (s *InterestingSet) Nodes() []InterestingNode {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]InterestingNode, len(s.nodes))
	for i, n := range s.nodes {
		n.Sources = slices.Clone(n.Sources)
		if n.Details != nil {
			details := make(map[string]NodeDetail, len(n.Details))
			for k, v := range n.Details {
				details[k] = v
			}
			n.Details = details
		}
		out[i] = n
	}
	return out
}
