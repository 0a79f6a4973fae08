package voyager

import (
	"github.com/jefgrailet/sage/internal/graph"
)

// DegreeStat is one histogram entry: the maximum observed value, the
// mean across every vertex, and the vertex IDs achieving the maximum.
type DegreeStat struct {
	Max     int
	Average float64
	MaxIDs  []int
}

// Metrics is Cassini's report (spec.md §4.10, emitted as <label>.metrics).
type Metrics struct {
	InDegree    DegreeStat
	OutDegree   DegreeStat
	TotalDegree DegreeStat

	SubnetCoverage int

	AliasedVertices  int
	TotalAliases     int
	AverageAliasSize float64

	DirectEdges   int
	IndirectEdges int
	RemoteEdges   int

	ConnectedComponents int
	LargestComponent    int

	MaxDepth    int
	DepthByGate map[int]int
}

// Cassini computes degree histograms, subnet coverage, alias statistics,
// edge-kind ratios, connected-component analysis, and depth (spec.md
// §4.10). Assumes Pioneer has already numbered every vertex.
func Cassini(g *graph.Graph) *Metrics {
	vertices := g.Vertices()
	m := &Metrics{DepthByGate: make(map[int]int)}
	if len(vertices) == 0 {
		return m
	}

	inDeg := make(map[*graph.Vertex]int, len(vertices))
	outDeg := make(map[*graph.Vertex]int, len(vertices))
	for _, v := range vertices {
		outDeg[v] = len(v.Edges)
		for _, e := range v.Edges {
			inDeg[e.Head]++
			switch e.Kind {
			case graph.Direct:
				m.DirectEdges++
			case graph.Indirect:
				m.IndirectEdges++
			case graph.Remote:
				m.RemoteEdges++
			}
		}
	}

	m.InDegree = degreeStat(vertices, inDeg)
	m.OutDegree = degreeStat(vertices, outDeg)
	total := make(map[*graph.Vertex]int, len(vertices))
	for _, v := range vertices {
		total[v] = inDeg[v] + outDeg[v]
	}
	m.TotalDegree = degreeStat(vertices, total)

	subnets := make(map[string]bool)
	for _, v := range vertices {
		for _, s := range v.Subnets {
			subnets[s.CIDR()] = true
		}
	}
	m.SubnetCoverage = len(subnets)

	var aliasSizeSum int
	for _, v := range vertices {
		if v.Aliases == nil {
			continue
		}
		counted := false
		for _, al := range v.Aliases.Aliases {
			if len(al.IPs) < 2 {
				continue
			}
			if !counted {
				m.AliasedVertices++
				counted = true
			}
			m.TotalAliases++
			aliasSizeSum += len(al.IPs)
		}
	}
	if m.TotalAliases > 0 {
		m.AverageAliasSize = float64(aliasSizeSum) / float64(m.TotalAliases)
	}

	m.ConnectedComponents, m.LargestComponent = connectedComponents(vertices)
	m.MaxDepth, m.DepthByGate = depths(g)

	return m
}

func degreeStat(vertices []*graph.Vertex, deg map[*graph.Vertex]int) DegreeStat {
	max := -1
	sum := 0
	var maxIDs []int
	for _, v := range vertices {
		d := deg[v]
		sum += d
		switch {
		case d > max:
			max = d
			maxIDs = []int{v.ID}
		case d == max:
			maxIDs = append(maxIDs, v.ID)
		}
	}
	return DegreeStat{Max: max, Average: float64(sum) / float64(len(vertices)), MaxIDs: maxIDs}
}

// connectedComponents treats edges as undirected (a bidirectional visit
// also walking peer pointers, spec.md §4.10), since the directed graph's
// weak connectivity is what the metric describes.
func connectedComponents(vertices []*graph.Vertex) (count int, largest int) {
	adj := make(map[*graph.Vertex][]*graph.Vertex, len(vertices))
	for _, v := range vertices {
		for _, e := range v.Edges {
			adj[v] = append(adj[v], e.Head)
			adj[e.Head] = append(adj[e.Head], v)
		}
	}

	visited := make(map[*graph.Vertex]bool, len(vertices))
	for _, start := range vertices {
		if visited[start] {
			continue
		}
		count++
		size := 0
		queue := []*graph.Vertex{start}
		visited[start] = true
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			size++
			for _, n := range adj[cur] {
				if !visited[n] {
					visited[n] = true
					queue = append(queue, n)
				}
			}
		}
		if size > largest {
			largest = size
		}
	}
	return count, largest
}

// depths computes, from every gate, the longest forward path in hops
// (spec.md §4.10). A per-path visited guard makes the walk safe even if
// a malformed input graph carries a cycle.
func depths(g *graph.Graph) (maxDepth int, perGate map[int]int) {
	memo := make(map[*graph.Vertex]int)
	var longest func(v *graph.Vertex, onPath map[*graph.Vertex]bool) int
	longest = func(v *graph.Vertex, onPath map[*graph.Vertex]bool) int {
		if d, ok := memo[v]; ok {
			return d
		}
		if onPath[v] {
			return 0
		}
		onPath[v] = true
		best := 0
		for _, e := range v.Edges {
			if d := 1 + longest(e.Head, onPath); d > best {
				best = d
			}
		}
		onPath[v] = false
		memo[v] = best
		return best
	}

	perGate = make(map[int]int, len(g.Gates))
	for _, gate := range g.Gates {
		d := longest(gate, make(map[*graph.Vertex]bool))
		perGate[gate.ID] = d
		if d > maxDepth {
			maxDepth = d
		}
	}
	return maxDepth, perGate
}
