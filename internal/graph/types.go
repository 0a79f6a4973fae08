// Package graph implements Aggregation & Graph Construction (C8): it
// aggregates subnets by shared trail, discovers peers via bounded
// backward traceroute, resolves peer ambiguity through alias
// resolution, and assembles a directed graph of Nodes, Clusters, and
// Direct/Indirect/Remote edges (spec.md §4.8).
package graph

import (
	"net/netip"

	"github.com/gaissmai/bart"

	"github.com/jefgrailet/sage/internal/alias"
	"github.com/jefgrailet/sage/internal/dictionary"
	"github.com/jefgrailet/sage/internal/ipaddr"
	"github.com/jefgrailet/sage/internal/subnet"
)

// Aggregate is the pre-vertex grouping of subnets sharing a trail (or an
// alias thereof), spec.md §3 "Aggregate".
type Aggregate struct {
	Subnets []*subnet.Subnet
	Trails  []dictionary.Trail // >1 only if flickering

	PreEchoingIPs []ipaddr.Addr

	PeerIPs   []ipaddr.Addr // discovered peer IPs
	MiscIPs   []ipaddr.Addr // same-offset IPs that are not peering-points
	Blindspots []ipaddr.Addr

	PeerOffset int
	Peers      []*Peer // final Peer objects, filled during vertex construction
}

// Peer is one or more InetAddresses known to belong to one routing
// device because they are in the same alias (spec.md §3 "Peer").
type Peer struct {
	IPs []ipaddr.Addr
}

func (p *Peer) Has(ip ipaddr.Addr) bool {
	for _, x := range p.IPs {
		if x == ip {
			return true
		}
	}
	return false
}

// VertexKind distinguishes Node from Cluster (spec.md §3 "Vertex",
// §9 "Replacing inheritance": tagged variant instead of a Vertex base
// with Node/Cluster subclasses).
type VertexKind int

const (
	Node VertexKind = iota
	Cluster
)

// Vertex is a neighborhood: either one aggregate (Node) or two-or-more
// aggregates and/or blindspots (Cluster).
type Vertex struct {
	ID   int // assigned post-construction by the Pioneer voyager
	Kind VertexKind

	Aggregates []*Aggregate
	Trails     []dictionary.Trail
	Subnets    []*subnet.Subnet

	// Aliases holds this vertex's full-resolution alias set, filled in
	// by the Galileo voyager (C10); nil until then.
	Aliases *alias.Set

	PeerOffset int
	Peers      []*Vertex // non-owning back-references
	Edges      []*Edge   // owned outgoing edges

	// Node-only: the pre-echoing IPs of its one aggregate, when that
	// aggregate is an echo-trail aggregate.
	PreEchoingIPs []ipaddr.Addr

	// Cluster-only.
	Blindspots        []ipaddr.Addr
	FlickeringAliasIPs []ipaddr.Addr
}

// EdgeKind distinguishes the three edge variants (spec.md §3 "Edge").
type EdgeKind int

const (
	Direct EdgeKind = iota
	Indirect
	Remote
)

// Edge is a directed tail -> head connection, owned by its tail vertex.
type Edge struct {
	Kind EdgeKind
	Tail *Vertex
	Head *Vertex

	// Direct: Medium is the head's subnet containing one of the tail's
	// identifying IPs.
	// Indirect: Medium is set when the subnet index finds a subnet
	// elsewhere in the graph; RemoteMediumVertex names its owner. Both
	// are nil when the medium is unknown.
	Medium             *subnet.Subnet
	RemoteMediumVertex *Vertex

	// Remote: deduplicated observed hop vectors (spec.md §4.8 "Edge
	// wiring"), canonicalized by the string form of each route's tail
	// (the peer-IP leader is skipped).
	Routes [][]dictionary.RouteHop
}

// Graph owns every vertex and indexes subnets for O(1) "which vertex
// owns the subnet containing IP X" lookups (spec.md §3 "Graph"). The
// spec's literal 2^20-bucket array keyed on a subnet's lower border is
// implemented here with a real longest-prefix-match routing table
// (github.com/gaissmai/bart), which answers exactly that query.
type Graph struct {
	Gates       []*Vertex // vertices with no incoming edge (no vertex names them as a peer)
	VertexCount int

	all         []*Vertex
	subnetIndex *bart.Table[*Vertex]
}

func newGraph() *Graph {
	return &Graph{subnetIndex: &bart.Table[*Vertex]{}}
}

func (g *Graph) indexSubnet(s *subnet.Subnet, v *Vertex) {
	g.subnetIndex.Insert(ipaddr.Prefix(s.LowerBorder(), s.PrefixLen), v)
}

// VertexContaining looks up the vertex owning the subnet that contains
// ip, if any.
func (g *Graph) VertexContaining(ip ipaddr.Addr) (*Vertex, bool) {
	return g.subnetIndex.Lookup(netip.Addr(ip.NetipAddr()))
}

// Vertices returns every vertex the graph owns, in construction order
// (Pioneer/Mariner assign their own traversal-order numbering on top of
// this).
func (g *Graph) Vertices() []*Vertex {
	return g.all
}

// NewForTest and AddForTest let other packages' tests assemble a bare
// Graph by hand (e.g. voyager's Pioneer/Cassini tests), without driving
// the full Build pipeline.
func NewForTest() *Graph {
	return newGraph()
}

func (g *Graph) AddForTest(vs ...*Vertex) {
	g.all = append(g.all, vs...)
}
