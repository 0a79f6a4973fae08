package voyager

import (
	"sort"

	"github.com/jefgrailet/sage/internal/graph"
)

// Mariner enumerates every vertex in ascending-ID order, the ordering
// the .neighborhoods and .graph emitters, Galileo and the sqlite export
// rely on (spec.md §4.10). Assumes Pioneer has already run.
func Mariner(g *graph.Graph) []*graph.Vertex {
	vs := append([]*graph.Vertex(nil), g.Vertices()...)
	sort.Slice(vs, func(i, j int) bool { return vs[i].ID < vs[j].ID })
	return vs
}

// Shutdown walks Mariner's enumeration dropping every vertex's owned
// edges and non-owning back-references, breaking the reference cycles
// between peers before the graph itself is discarded (spec.md §9
// "Vertices are owned by the graph and freed via a final traversal").
func Shutdown(g *graph.Graph) {
	for _, v := range Mariner(g) {
		v.Edges = nil
		v.Peers = nil
		v.Aggregates = nil
	}
}
