package graph

import (
	"fmt"
	"sort"

	basicgraph "github.com/Emeline-1/basic_graph"

	"github.com/jefgrailet/sage/internal/alias"
	"github.com/jefgrailet/sage/internal/dictionary"
	"github.com/jefgrailet/sage/internal/ipaddr"
	"github.com/jefgrailet/sage/internal/subnet"
)

// AggregateSubnets implements spec.md §4.8's "Aggregation" step: bucket
// subnets by trail key, with void-trail subnets routed to a single home
// aggregate and echo-trail subnets diverted to the pre-trail-IP branch.
func AggregateSubnets(subnets []*subnet.Subnet, discoverySet *alias.Set) []*Aggregate {
	var home *Aggregate
	buckets := make(map[string]*Aggregate)
	var order []string
	var echoSubnets []*subnet.Subnet

	for _, s := range subnets {
		pivot := s.Pivot()
		if pivot == nil {
			continue
		}
		trail := pivot.Entry.Trail

		if trail.IsVoid() {
			if home == nil {
				home = &Aggregate{}
			}
			home.Subnets = append(home.Subnets, s)
			continue
		}
		if trail.Echoing {
			echoSubnets = append(echoSubnets, s)
			continue
		}

		key := trailKey(trail)
		a, ok := buckets[key]
		if !ok {
			a = &Aggregate{}
			buckets[key] = a
			order = append(order, key)
		}
		a.Subnets = append(a.Subnets, s)
		a.Trails = appendTrail(a.Trails, trail)
	}

	// Absorb aliased flickering buckets into one another (spec.md
	// §4.8: "if the trail is flickering with no anomalies and the
	// subnet-discovery alias set contains an alias for the trail-IP,
	// absorb every other bucket keyed on an aliased IP into this
	// aggregate").
	absorbed := make(map[string]bool)
	for _, key := range order {
		if absorbed[key] {
			continue
		}
		a := buckets[key]
		trail := a.Trails[0]
		if !trail.Flickering || trail.NbAnomalies != 0 || discoverySet == nil {
			continue
		}
		aliasSet, ok := discoverySet.AliasOf(trail.LastValidIP)
		if !ok {
			continue
		}
		for _, other := range order {
			if other == key || absorbed[other] {
				continue
			}
			ob := buckets[other]
			if !aliasSet.Has(ob.Trails[0].LastValidIP) {
				continue
			}
			a.Subnets = append(a.Subnets, ob.Subnets...)
			a.Trails = append(a.Trails, ob.Trails...)
			absorbed[other] = true
		}
	}

	var result []*Aggregate
	if home != nil {
		result = append(result, home)
	}
	for _, key := range order {
		if !absorbed[key] {
			result = append(result, buckets[key])
		}
	}
	result = append(result, aggregateEchoSubnets(echoSubnets)...)
	return result
}

func trailKey(t dictionary.Trail) string {
	return fmt.Sprintf("%s/%d", t.LastValidIP, t.NbAnomalies)
}

func appendTrail(trails []dictionary.Trail, t dictionary.Trail) []dictionary.Trail {
	for _, o := range trails {
		if o.Equal(t) {
			return trails
		}
	}
	return append(trails, t)
}

// aggregateEchoSubnets implements the echo-trail branch: each subnet's
// pre-trail IPs are computed, then subnets are subdivided by (pivot-
// TTL, pre-trail-offset) and, within each sub-group, pre-trail IPs are
// clustered by simple connectivity (any subnet sharing a pre-trail IP
// with another belongs to the same cluster) using the same connected-
// components routine the teacher drives over BGP overlay pairs
// (github.com/Emeline-1/basic_graph), one aggregate per cluster.
func aggregateEchoSubnets(subnets []*subnet.Subnet) []*Aggregate {
	for _, s := range subnets {
		computePreTrail(s)
	}

	type subgroupKey struct {
		ttl    int
		offset int
	}
	subgroups := make(map[subgroupKey][]*subnet.Subnet)
	var order []subgroupKey
	for _, s := range subnets {
		pivot := s.Pivot()
		if pivot == nil {
			continue
		}
		k := subgroupKey{ttl: pivot.Entry.TTL, offset: s.PreTrailOffset}
		if _, ok := subgroups[k]; !ok {
			order = append(order, k)
		}
		subgroups[k] = append(subgroups[k], s)
	}

	var out []*Aggregate
	for _, k := range order {
		group := subgroups[k]
		out = append(out, clusterByPreTrailIPs(group)...)
	}
	return out
}

func clusterByPreTrailIPs(subnets []*subnet.Subnet) []*Aggregate {
	if len(subnets) == 1 {
		s := subnets[0]
		return []*Aggregate{{Subnets: []*subnet.Subnet{s}, PreEchoingIPs: append([]ipaddr.Addr(nil), s.PreTrailIPs...)}}
	}

	g := basicgraph.New()
	bySubnet := make(map[string]*subnet.Subnet, len(subnets))
	for i, s := range subnets {
		key := fmt.Sprintf("s%d", i)
		bySubnet[key] = s
		if len(s.PreTrailIPs) == 0 {
			g.Add_edge(key, key)
			continue
		}
		for _, ip := range s.PreTrailIPs {
			g.Add_edge(key, "ip:"+ip.String())
		}
	}

	var out []*Aggregate
	g.Set_iterator()
	for g.Next_connected_component() {
		component := g.Connected_component()
		a := &Aggregate{}
		seenIP := make(map[ipaddr.Addr]bool)
		for _, node := range component {
			if s, ok := bySubnet[node]; ok {
				a.Subnets = append(a.Subnets, s)
				for _, ip := range s.PreTrailIPs {
					if !seenIP[ip] {
						seenIP[ip] = true
						a.PreEchoingIPs = append(a.PreEchoingIPs, ip)
					}
				}
			}
		}
		if len(a.Subnets) > 0 {
			out = append(out, a)
		}
	}
	return out
}

// computePreTrail fills s.PreTrailIPs/PreTrailOffset from the selected
// pivot's route: the non-anonymous hops immediately preceding the
// echoing trail (spec.md §4.8).
func computePreTrail(s *subnet.Subnet) {
	pivot := s.Pivot()
	if pivot == nil {
		return
	}
	e := pivot.Entry
	route := e.Route
	if len(route) == 0 {
		return
	}

	// The echoing trail sits at index len(route)-1-anomalies; walk
	// further back over consecutive usable hops, stopping at the first
	// anonymous or unmeasured one.
	idx := len(route) - 1 - e.Trail.NbAnomalies
	offset := 0
	var ips []ipaddr.Addr
	for i := idx - 1; i >= 0; i-- {
		if !route[i].IsUsable() {
			break
		}
		ips = append([]ipaddr.Addr{route[i].IP}, ips...)
		offset++
	}
	s.PreTrailIPs = ips
	s.PreTrailOffset = offset
}

// DiscoverPeers implements spec.md §4.8's "Peer discovery": for every
// aggregate, find the smallest offset at which any interface's partial
// route contains a peering-point hop; peer IPs are the hops at that
// offset, non-peering hops at the same offset become miscellaneous IPs.
// Peer IPs aliased in the subnet-discovery set are rewritten to their
// alias's canonical (first) IP.
func DiscoverPeers(aggregates []*Aggregate, discoverySet *alias.Set) {
	for _, a := range aggregates {
		offset, ok := smallestPeeringOffset(a)
		if !ok {
			continue
		}
		a.PeerOffset = offset

		seenPeer := make(map[ipaddr.Addr]bool)
		seenMisc := make(map[ipaddr.Addr]bool)
		for _, s := range a.Subnets {
			for _, route := range s.PartialRoutes {
				if offset >= len(route) {
					continue
				}
				hop := route[offset]
				if hop.IP.IsZero() {
					continue
				}
				ip := hop.IP
				if discoverySet != nil {
					ip = discoverySet.Canonical(ip)
				}
				if hop.State == dictionary.RouteHopPeeringPoint {
					if !seenPeer[ip] {
						seenPeer[ip] = true
						a.PeerIPs = append(a.PeerIPs, ip)
					}
				} else if !seenMisc[ip] {
					seenMisc[ip] = true
					a.MiscIPs = append(a.MiscIPs, ip)
				}
			}
		}
	}
}

// smallestPeeringOffset finds the smallest index, across every
// interface's partial route in the aggregate, at which a peering-point
// hop appears.
func smallestPeeringOffset(a *Aggregate) (int, bool) {
	best := -1
	for _, s := range a.Subnets {
		for _, route := range s.PartialRoutes {
			for i, hop := range route {
				if hop.State == dictionary.RouteHopPeeringPoint {
					if best == -1 || i < best {
						best = i
					}
					break
				}
			}
		}
	}
	if best == -1 {
		return 0, false
	}
	return best, true
}

// DisambiguationConfig bundles what the peer-disambiguation pass needs
// from the alias-resolution engine.
type DisambiguationConfig struct {
	Collect func([]*dictionary.Entry)
	Resolve func([]*dictionary.Entry) *alias.Set
}

// DisambiguatePeers implements spec.md §4.8's "Peer disambiguation":
// build an IP-clusterer over every aggregate's initial peer IP list
// (peers ∪ miscellaneous), resolve aliases per cluster of size >= 2,
// keep only aliases with >= 2 interfaces as the graph-building alias
// set, then identify and relocate blindspots.
func DisambiguatePeers(dict *dictionary.Dictionary, aggregates []*Aggregate, cfg DisambiguationConfig) *alias.Set {
	g := basicgraph.New()
	for _, a := range aggregates {
		ips := append(append([]ipaddr.Addr(nil), a.PeerIPs...), a.MiscIPs...)
		for i := 1; i < len(ips); i++ {
			g.Add_edge(ips[0].String(), ips[i].String())
		}
		if len(ips) == 1 {
			g.Add_edge(ips[0].String(), ips[0].String())
		}
	}

	graphBuildingSet := alias.NewSet()
	g.Set_iterator()
	for g.Next_connected_component() {
		component := g.Connected_component()
		if len(component) < 2 {
			continue
		}
		var entries []*dictionary.Entry
		for _, ipStr := range component {
			ip, err := ipaddr.Parse(ipStr)
			if err != nil {
				continue
			}
			if e, ok := dict.Lookup(ip); ok {
				entries = append(entries, e)
			}
		}
		if len(entries) < 2 {
			continue
		}
		cfg.Collect(entries)
		set := cfg.Resolve(entries)
		for _, al := range set.Aliases {
			if len(al.IPs) >= 2 {
				graphBuildingSet.Add(al.IPs)
			}
		}
	}

	identifyBlindspots(dict, aggregates, graphBuildingSet)
	relocateBlindspots(dict, aggregates, graphBuildingSet)

	return graphBuildingSet
}

// identifyBlindspots marks, for every aggregate, the miscellaneous IPs
// aliased to a neighborhood-denoting IP (spec.md §4.8).
func identifyBlindspots(dict *dictionary.Dictionary, aggregates []*Aggregate, set *alias.Set) {
	for _, a := range aggregates {
		for _, ip := range a.MiscIPs {
			al, ok := set.AliasOf(ip)
			if !ok {
				continue
			}
			for _, member := range al.IPs {
				if e, ok := dict.Lookup(member); ok && e.DenotingNeighborhood {
					a.Blindspots = append(a.Blindspots, ip)
					if own, ok := dict.Lookup(ip); ok {
						own.Blindspot = true
					}
					break
				}
			}
		}
	}
}

// relocateBlindspots reruns a backward search over each blindspot-
// carrying aggregate's partial routes for an earlier valid hop flagged
// blindspot, replacing the peer set at the new, smaller offset when one
// is found (spec.md §4.8).
func relocateBlindspots(dict *dictionary.Dictionary, aggregates []*Aggregate, set *alias.Set) {
	for _, a := range aggregates {
		if len(a.Blindspots) == 0 {
			continue
		}
		trailIP := ipaddr.Zero
		if len(a.Trails) > 0 {
			trailIP = a.Trails[0].LastValidIP
		}

		bestOffset := -1
		earlierPeers := make(map[ipaddr.Addr]bool)
		for _, s := range a.Subnets {
			for _, route := range s.PartialRoutes {
				for i := 0; i < a.PeerOffset && i < len(route); i++ {
					hop := route[i]
					if hop.IP.IsZero() || !hop.IsUsable() {
						continue
					}
					e, ok := dict.Lookup(hop.IP)
					if !ok || !e.Blindspot {
						continue
					}
					if hop.IP == trailIP || (set != nil && set.Linked(hop.IP, trailIP)) {
						continue
					}
					if bestOffset == -1 || i < bestOffset {
						bestOffset = i
						earlierPeers = map[ipaddr.Addr]bool{hop.IP: true}
					} else if i == bestOffset {
						earlierPeers[hop.IP] = true
					}
				}
			}
		}
		if bestOffset == -1 {
			continue
		}
		a.PeerOffset = bestOffset
		a.PeerIPs = nil
		for ip := range earlierPeers {
			a.PeerIPs = append(a.PeerIPs, ip)
		}
		sort.Slice(a.PeerIPs, func(i, j int) bool { return a.PeerIPs[i] < a.PeerIPs[j] })
	}
}
