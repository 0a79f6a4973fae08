package voyager

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jefgrailet/sage/internal/graph"
)

// buildChain returns a -> b -> c (a's edge targets b, b's targets c), a
// being the single gate: no edge targets it.
func buildChain() (*graph.Graph, *graph.Vertex, *graph.Vertex, *graph.Vertex) {
	g := graph.NewForTest()
	a := &graph.Vertex{}
	b := &graph.Vertex{}
	c := &graph.Vertex{}
	a.Edges = []*graph.Edge{{Kind: graph.Indirect, Tail: a, Head: b}}
	b.Edges = []*graph.Edge{{Kind: graph.Indirect, Tail: b, Head: c}}
	g.AddForTest(a, b, c)
	g.Gates = []*graph.Vertex{a}
	return g, a, b, c
}

func TestPioneerAssignsPermutationOfOneToN(t *testing.T) {
	g, a, b, c := buildChain()
	Pioneer(g)

	assert.Equal(t, 3, g.VertexCount)
	ids := map[int]bool{a.ID: true, b.ID: true, c.ID: true}
	assert.Len(t, ids, 3)
	for _, id := range []int{a.ID, b.ID, c.ID} {
		assert.GreaterOrEqual(t, id, 1)
		assert.LessOrEqual(t, id, 3)
	}
	assert.Equal(t, 1, a.ID, "forward DFS starts at the gate")
}

func TestPioneerIsIdempotent(t *testing.T) {
	g, a, b, c := buildChain()
	Pioneer(g)
	firstA, firstB, firstC, firstCount := a.ID, b.ID, c.ID, g.VertexCount

	Pioneer(g)
	assert.Equal(t, firstA, a.ID)
	assert.Equal(t, firstB, b.ID)
	assert.Equal(t, firstC, c.ID)
	assert.Equal(t, firstCount, g.VertexCount)
}

func TestMarinerEnumeratesInIDOrder(t *testing.T) {
	g, _, _, _ := buildChain()
	Pioneer(g)

	ordered := Mariner(g)
	for i := 1; i < len(ordered); i++ {
		assert.Less(t, ordered[i-1].ID, ordered[i].ID)
	}
}
