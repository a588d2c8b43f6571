// Package sample picks pseudo-random node samples without materialising the
// node list.
package sample

import (
	"math/rand"

	"github.com/ChuLiYu/wikigraph/pkg/types"
)

// GroupPermutation maps 1..n onto a permutation of 1..n by stepping through
// the cyclic group Z_n with a stride coprime to n.
type GroupPermutation struct {
	n, stride int64
}

// NewGroupPermutation draws a random stride for n >= 1 nodes.
func NewGroupPermutation(n int64, rng *rand.Rand) *GroupPermutation {
	if n < 1 {
		n = 1
	}
	s := 1 + rng.Int63n(n)
	for gcd(s, n) != 1 {
		s++
	}
	return &GroupPermutation{n: n, stride: s % n}
}

// Get returns the i-th element, 1 <= i <= n.
func (p *GroupPermutation) Get(i int64) types.NodeID {
	return types.NodeID(((i-1)*p.stride)%p.n + 1)
}

// Size returns n.
func (p *GroupPermutation) Size() int64 { return p.n }

// Nodes returns the first k elements of the permutation.
func (p *GroupPermutation) Nodes(k int64) []types.NodeID {
	if k > p.n {
		k = p.n
	}
	out := make([]types.NodeID, 0, k)
	for i := int64(1); i <= k; i++ {
		out = append(out, p.Get(i))
	}
	return out
}

func gcd(a, b int64) int64 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}
