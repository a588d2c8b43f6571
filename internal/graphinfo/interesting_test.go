package graphinfo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/wikigraph/pkg/types"
)

func TestNewNodeDetail(t *testing.T) {
	d := NewNodeDetail(3, 4, []int64{1, 2, 0, 5})
	assert.Equal(t, int64(7), d.Reachable)
	assert.Equal(t, int64(2+15), d.Distance)
	assert.Equal(t, 3, d.MaxDist)

	empty := NewNodeDetail(0, 0, nil)
	assert.Zero(t, empty.MaxDist)
	assert.Zero(t, empty.Reachable)
}

func TestInterestingSetDedupe(t *testing.T) {
	var s InterestingSet
	s.Add(9, SourcePageRank)
	s.Add(2, SourceCloseness)
	s.Add(9, SourceCloseness)
	s.Add(2, SourceCloseness)
	s.Add(5, SourcePageRank)
	s.Dedupe()

	require.Equal(t, 3, s.Len())
	assert.Equal(t, types.NodeID(2), s.Node(0))
	assert.Equal(t, types.NodeID(5), s.Node(1))
	assert.Equal(t, types.NodeID(9), s.Node(2))

	s.SetName(2, "Go")
	s.SetDetail(2, types.DimArticles, NewNodeDetail(1, 1, []int64{1, 1}))
	nodes := s.Nodes()
	assert.Equal(t, []Source{SourceCloseness}, nodes[0].Sources)
	assert.Equal(t, []Source{SourcePageRank, SourceCloseness}, nodes[2].Sources)
	assert.Equal(t, "Go", nodes[2].Name)
	assert.Equal(t, int64(1), nodes[2].Details["articles"].Reachable)

	// copies are detached
	nodes[2].Details["articles"] = NodeDetail{}
	assert.Equal(t, int64(1), s.Nodes()[2].Details["articles"].Reachable)
}

func TestDedupeEmpty(t *testing.T) {
	var s InterestingSet
	s.Dedupe()
	assert.Zero(t, s.Len())
	assert.Empty(t, s.Nodes())
}

func TestRankedNodes(t *testing.T) {
	ranked := RankedNodes(types.PageRankResult{Ranks: [][2]float64{{0.4, 7}, {0.1, 3}}})
	assert.Equal(t, []RankedNode{{Node: 7, Score: 0.4}, {Node: 3, Score: 0.1}}, ranked)
}
