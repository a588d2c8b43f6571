package graphinfo

import (
	"time"

	"github.com/ChuLiYu/wikigraph/pkg/types"
)

// RankedNode is one PageRank entry.
type RankedNode struct {
	Node  types.NodeID `json:"node"`
	Score float64      `json:"score"`
	Name  string       `json:"name,omitempty"`
}

// RankedNodes converts an R job payload.
func RankedNodes(r types.PageRankResult) []RankedNode {
	out := make([]RankedNode, len(r.Ranks))
	for i, pair := range r.Ranks {
		out[i] = RankedNode{Score: pair[0], Node: types.NodeID(pair[1])}
	}
	return out
}

// Report is everything a renderer needs about one analysis run.
type Report struct {
	GeneratedAt time.Time             `json:"generated_at"`
	Counts      types.Counts          `json:"counts"`
	SCC         map[string][][2]int64 `json:"scc"`        // dimension -> [size, count]
	PageRanks   []RankedNode          `json:"page_ranks"` // articles only
	Aggregates  map[string]Snapshot   `json:"aggregates"`
	Centers     map[string][]Center   `json:"centers"`
	Interesting []InterestingNode     `json:"interesting"`
}

// NewReport returns an empty report with its maps allocated.
func NewReport() *Report {
	return &Report{
		SCC:        make(map[string][][2]int64),
		Aggregates: make(map[string]Snapshot),
		Centers:    make(map[string][]Center),
	}
}
