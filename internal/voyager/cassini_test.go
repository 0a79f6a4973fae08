package voyager

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCassiniEdgeKindAndDegreeCounts(t *testing.T) {
	g, a, b, c := buildChain()
	Pioneer(g)

	m := Cassini(g)
	assert.Equal(t, 2, m.IndirectEdges)
	assert.Equal(t, 0, m.DirectEdges)
	assert.Equal(t, 0, m.RemoteEdges)
	assert.Equal(t, 1, m.ConnectedComponents)
	assert.Equal(t, 3, m.LargestComponent)
	assert.Equal(t, 2, m.MaxDepth, "gate a -> b -> c is two hops")
	assert.Equal(t, 2, m.DepthByGate[a.ID])

	assert.Equal(t, 1, m.OutDegree.Max)
	assert.Equal(t, 1, m.InDegree.Max)
	_ = b
	_ = c
}
