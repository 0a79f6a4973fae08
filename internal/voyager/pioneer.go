// Package voyager implements the Graph Voyagers (C10): the four
// forward-DFS traversals that number vertices, enumerate them for
// emission, collect full-resolution aliases, and compute graph metrics
// (spec.md §4.10).
package voyager

import (
	"github.com/jefgrailet/sage/internal/graph"
)

// Pioneer assigns ascending 1-based IDs to every vertex reachable from a
// gate, in visit order, and sets graph.VertexCount. Already-numbered
// vertices keep their ID, so a second pass is a no-op (spec.md §8
// "Pioneer is idempotent after the first pass").
func Pioneer(g *graph.Graph) {
	next := 1
	for _, v := range g.Vertices() {
		if v.ID >= next {
			next = v.ID + 1
		}
	}

	visited := make(map[*graph.Vertex]bool, len(g.Vertices()))
	var visit func(v *graph.Vertex)
	visit = func(v *graph.Vertex) {
		if visited[v] {
			return
		}
		visited[v] = true
		if v.ID == 0 {
			v.ID = next
			next++
		}
		for _, e := range v.Edges {
			visit(e.Head)
		}
	}

	for _, gate := range g.Gates {
		visit(gate)
	}
	// Anything not reached from a gate (a disconnected component) still
	// needs an ID so every later traversal sees a total numbering.
	for _, v := range g.Vertices() {
		visit(v)
	}

	if next-1 > g.VertexCount {
		g.VertexCount = next - 1
	}
}
