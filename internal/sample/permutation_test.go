package sample

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/wikigraph/pkg/types"
)

func TestPermutationCoversEveryNode(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for n := int64(1); n <= 100; n++ {
		p := NewGroupPermutation(n, rng)
		got := p.Nodes(n)
		require.Len(t, got, int(n))
		sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
		for i := range got {
			assert.Equal(t, types.NodeID(i+1), got[i], "n=%d", n)
		}
	}
}

func TestPermutationPrefix(t *testing.T) {
	p := NewGroupPermutation(1000, rand.New(rand.NewSource(2)))
	assert.Equal(t, int64(1000), p.Size())
	head := p.Nodes(10)
	require.Len(t, head, 10)
	assert.Equal(t, types.NodeID(1), head[0], "the walk starts at node 1")
	for i, n := range head {
		assert.Equal(t, p.Get(int64(i+1)), n)
	}
	assert.Len(t, p.Nodes(5000), 1000)
}

func TestGCD(t *testing.T) {
	assert.Equal(t, int64(6), gcd(12, 18))
	assert.Equal(t, int64(1), gcd(7, 10))
	assert.Equal(t, int64(5), gcd(5, 0))
}
