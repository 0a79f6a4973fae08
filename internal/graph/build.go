package graph

import (
	"strings"

	"github.com/jefgrailet/sage/internal/alias"
	"github.com/jefgrailet/sage/internal/dictionary"
	"github.com/jefgrailet/sage/internal/ipaddr"
)

// Build assembles the directed graph from aggregates once peer
// discovery and disambiguation have run (spec.md §4.8 "Vertex
// construction" + "Edge wiring"). graphBuildingSet is the alias set
// DisambiguatePeers returned; discoverySet is the subnet-discovery
// stage's alias set, needed to restore flickering-alias IPs on
// clusters.
func Build(aggregates []*Aggregate, graphBuildingSet, discoverySet *alias.Set) *Graph {
	peerOf := assignPeers(aggregates, graphBuildingSet)
	identifiedBy := identifyingIndex(aggregates)

	g := newGraph()
	peerToVertex := make(map[*Peer]*Vertex)
	aggToVertex := make(map[*Aggregate]*Vertex)

	seenPeer := make(map[*Peer]bool)
	var uniquePeers []*Peer
	for _, p := range peerOf {
		if !seenPeer[p] {
			seenPeer[p] = true
			uniquePeers = append(uniquePeers, p)
		}
	}

	for _, a := range aggregates {
		if isTerminus(a, peerOf) {
			v := newVertexFromAggregate(a)
			g.all = append(g.all, v)
			aggToVertex[a] = v
		}
	}

	for _, p := range uniquePeers {
		var identified []*Aggregate
		var blindspots []ipaddr.Addr
		seenAgg := make(map[*Aggregate]bool)
		for _, ip := range p.IPs {
			if a, ok := identifiedBy[ip]; ok {
				if !seenAgg[a] {
					seenAgg[a] = true
					identified = append(identified, a)
				}
			} else {
				blindspots = append(blindspots, ip)
			}
		}
		if len(identified) == 0 {
			continue
		}

		var v *Vertex
		if len(identified) == 1 && len(blindspots) == 0 {
			v = newVertexFromAggregate(identified[0])
		} else {
			v = newClusterVertex(identified, blindspots, discoverySet)
		}
		g.all = append(g.all, v)
		peerToVertex[p] = v
		for _, a := range identified {
			aggToVertex[a] = v
		}
	}

	indexSubnets(g, aggToVertex)
	wireEdges(g, aggregates, aggToVertex, peerOf, identifiedBy)

	// A gate is a vertex with no incoming edges (GLOSSARY "Gate"):
	// edges run tail (downstream neighborhood) -> head (its upstream
	// peer), so gates are the vertices nothing downstream ever names
	// as its peer -- the leaves Pioneer starts its forward DFS from.
	inDegree := make(map[*Vertex]int)
	for _, v := range g.all {
		for _, e := range v.Edges {
			inDegree[e.Head]++
		}
	}
	for _, v := range g.all {
		if inDegree[v] == 0 {
			g.Gates = append(g.Gates, v)
		}
	}
	return g
}

// assignPeers groups every aggregate's resolved peer IPs into Peer
// objects (spec.md §4.8: "merging IPs belonging to a graph-building
// alias under one Peer") and records, per aggregate, the distinct
// Peers it references.
func assignPeers(aggregates []*Aggregate, graphBuildingSet *alias.Set) map[ipaddr.Addr]*Peer {
	peerOf := make(map[ipaddr.Addr]*Peer)

	peerFor := func(ip ipaddr.Addr) *Peer {
		if p, ok := peerOf[ip]; ok {
			return p
		}
		var p *Peer
		if graphBuildingSet != nil {
			if al, ok := graphBuildingSet.AliasOf(ip); ok {
				p = &Peer{IPs: append([]ipaddr.Addr(nil), al.IPs...)}
			}
		}
		if p == nil {
			p = &Peer{IPs: []ipaddr.Addr{ip}}
		}
		for _, member := range p.IPs {
			peerOf[member] = p
		}
		return p
	}

	for _, a := range aggregates {
		seen := make(map[*Peer]bool)
		for _, ip := range a.PeerIPs {
			p := peerFor(ip)
			if !seen[p] {
				seen[p] = true
				a.Peers = append(a.Peers, p)
			}
		}
	}
	return peerOf
}

// identifyingIndex maps every IP that identifies an aggregate (its
// trails' last-valid IPs, or its pre-echoing IPs for echo aggregates)
// back to that aggregate.
func identifyingIndex(aggregates []*Aggregate) map[ipaddr.Addr]*Aggregate {
	out := make(map[ipaddr.Addr]*Aggregate)
	for _, a := range aggregates {
		for _, t := range a.Trails {
			if !t.LastValidIP.IsZero() {
				out[t.LastValidIP] = a
			}
		}
		for _, ip := range a.PreEchoingIPs {
			out[ip] = a
		}
	}
	return out
}

// isTerminus reports whether no Peer anywhere carries an IP that
// identifies this aggregate (spec.md §4.8).
func isTerminus(a *Aggregate, peerOf map[ipaddr.Addr]*Peer) bool {
	for _, t := range a.Trails {
		if _, ok := peerOf[t.LastValidIP]; ok {
			return false
		}
	}
	for _, ip := range a.PreEchoingIPs {
		if _, ok := peerOf[ip]; ok {
			return false
		}
	}
	return true
}

func newVertexFromAggregate(a *Aggregate) *Vertex {
	v := &Vertex{
		Kind:          Node,
		Aggregates:    []*Aggregate{a},
		Trails:        a.Trails,
		Subnets:       a.Subnets,
		PeerOffset:    a.PeerOffset,
		PreEchoingIPs: a.PreEchoingIPs,
	}
	return v
}

func newClusterVertex(aggregates []*Aggregate, blindspots []ipaddr.Addr, discoverySet *alias.Set) *Vertex {
	v := &Vertex{Kind: Cluster, Blindspots: blindspots}
	offset := -1
	for _, a := range aggregates {
		v.Aggregates = append(v.Aggregates, a)
		v.Trails = append(v.Trails, a.Trails...)
		v.Subnets = append(v.Subnets, a.Subnets...)
		if offset == -1 || a.PeerOffset < offset {
			offset = a.PeerOffset
		}
		for _, t := range a.Trails {
			if discoverySet == nil {
				continue
			}
			if al, ok := discoverySet.AliasOf(t.LastValidIP); ok && t.Flickering {
				v.FlickeringAliasIPs = appendUniqueIP(v.FlickeringAliasIPs, al.IPs...)
			}
		}
	}
	if offset >= 0 {
		v.PeerOffset = offset
	}
	return v
}

func appendUniqueIP(s []ipaddr.Addr, ips ...ipaddr.Addr) []ipaddr.Addr {
	for _, ip := range ips {
		dup := false
		for _, x := range s {
			if x == ip {
				dup = true
				break
			}
		}
		if !dup {
			s = append(s, ip)
		}
	}
	return s
}

// wireEdges implements spec.md §4.8's "Edge wiring": vertex peer lists
// are set from the aggregates' resolved Peers, then each V -> U edge is
// classified Direct/Indirect (offset 0) or Remote (offset > 0).
func wireEdges(g *Graph, aggregates []*Aggregate, aggToVertex map[*Aggregate]*Vertex, peerOf map[ipaddr.Addr]*Peer, identifiedBy map[ipaddr.Addr]*Aggregate) {
	for _, v := range g.all {
		seenPeer := make(map[*Vertex]bool)
		for _, a := range v.Aggregates {
			for _, p := range a.Peers {
				var headAgg *Aggregate
				for _, ip := range p.IPs {
					if hit, ok := identifiedBy[ip]; ok {
						headAgg = hit
						break
					}
				}
				if headAgg == nil {
					continue
				}
				head, ok := aggToVertex[headAgg]
				if !ok || head == v || seenPeer[head] {
					continue
				}
				seenPeer[head] = true
				v.Peers = append(v.Peers, head)

				var e *Edge
				if v.PeerOffset == 0 {
					e = buildLocalEdge(g, v, head)
				} else {
					e = buildRemoteEdge(v, head)
				}
				v.Edges = append(v.Edges, e)
			}
		}
	}
}

// buildLocalEdge classifies an offset-0 edge as Direct (a subnet of the
// head contains one of the tail's identifying IPs) or Indirect, falling
// back to the graph's subnet index for a remote medium (spec.md §4.8
// "Edge wiring").
func buildLocalEdge(g *Graph, tail, head *Vertex) *Edge {
	ips := identifyingIPs(tail)
	for _, s := range head.Subnets {
		for _, ip := range ips {
			if s.Contains(ip) {
				return &Edge{Kind: Direct, Tail: tail, Head: head, Medium: s}
			}
		}
	}
	for _, ip := range ips {
		if owner, ok := g.VertexContaining(ip); ok {
			for _, s := range owner.Subnets {
				if s.Contains(ip) {
					return &Edge{Kind: Indirect, Tail: tail, Head: head, Medium: s, RemoteMediumVertex: owner}
				}
			}
		}
	}
	return &Edge{Kind: Indirect, Tail: tail, Head: head}
}

// buildRemoteEdge walks the tail's interfaces' partial routes, keeping
// those whose first hop matches a trail-IP of the head, canonicalizing
// each route by the string form of its tail (skipping the peer-IP
// leader) and deduplicating (spec.md §4.8).
func buildRemoteEdge(tail, head *Vertex) *Edge {
	headIPs := identifyingIPs(head)
	isHeadIP := func(ip ipaddr.Addr) bool {
		for _, h := range headIPs {
			if h == ip {
				return true
			}
		}
		return false
	}

	seen := make(map[string]bool)
	var routes [][]dictionary.RouteHop
	for _, s := range tail.Subnets {
		for _, route := range s.PartialRoutes {
			if len(route) == 0 || !isHeadIP(route[0].IP) {
				continue
			}
			key := canonicalRouteKey(route)
			if seen[key] {
				continue
			}
			seen[key] = true
			routes = append(routes, route)
		}
	}
	return &Edge{Kind: Remote, Tail: tail, Head: head, Routes: routes}
}

func canonicalRouteKey(route []dictionary.RouteHop) string {
	var b strings.Builder
	for i, h := range route {
		if i == 0 {
			continue // skip the peer-IP leader
		}
		b.WriteString(h.IP.String())
		b.WriteByte('|')
	}
	return b.String()
}

func identifyingIPs(v *Vertex) []ipaddr.Addr {
	var out []ipaddr.Addr
	for _, t := range v.Trails {
		if !t.LastValidIP.IsZero() {
			out = append(out, t.LastValidIP)
		}
	}
	out = append(out, v.PreEchoingIPs...)
	return out
}

func indexSubnets(g *Graph, aggToVertex map[*Aggregate]*Vertex) {
	for a, v := range aggToVertex {
		for _, s := range a.Subnets {
			g.indexSubnet(s, v)
		}
	}
}
