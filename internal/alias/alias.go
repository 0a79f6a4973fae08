// Package alias implements the Alias Resolution Engine (C9): hint
// collection plus the Ally, velocity, reverse-DNS and fingerprint-group
// methods that partition IP sets into routers.
package alias

import "github.com/jefgrailet/sage/internal/ipaddr"

// Alias is one router, identified as a set of interfaces believed to
// belong to the same device.
type Alias struct {
	IPs []ipaddr.Addr
}

// Has reports whether ip belongs to this alias.
func (a *Alias) Has(ip ipaddr.Addr) bool {
	for _, x := range a.IPs {
		if x == ip {
			return true
		}
	}
	return false
}

// Set is one stage's alias partition: a list of Aliases plus the
// reverse IP -> Alias index (spec.md §3 "Alias set").
type Set struct {
	Aliases []*Alias
	byIP    map[ipaddr.Addr]*Alias
}

// NewSet creates an empty alias set.
func NewSet() *Set {
	return &Set{byIP: make(map[ipaddr.Addr]*Alias)}
}

// Add registers a new alias grouping ips together. Single-member groups
// are allowed unless the caller enforces strict mode itself (spec.md
// §4.9's strict-mode rule is enforced by the Resolver, not here).
func (s *Set) Add(ips []ipaddr.Addr) *Alias {
	a := &Alias{IPs: append([]ipaddr.Addr(nil), ips...)}
	s.Aliases = append(s.Aliases, a)
	for _, ip := range ips {
		s.byIP[ip] = a
	}
	return a
}

// AliasOf returns the alias containing ip, if any.
func (s *Set) AliasOf(ip ipaddr.Addr) (*Alias, bool) {
	a, ok := s.byIP[ip]
	return a, ok
}

// Linked reports whether a and b are known to be aliased (spec.md §4.5
// rules 4/5's "the subnet-discovery alias set links their trail-IPs").
func (s *Set) Linked(a, b ipaddr.Addr) bool {
	if a == b {
		return true
	}
	alias, ok := s.AliasOf(a)
	if !ok {
		return false
	}
	return alias.Has(b)
}

// Canonical returns the first IP of ip's alias (spec.md §4.8 "rewrite
// the peer IP to a canonical representative: first IP of that alias"),
// or ip itself if it belongs to no alias.
func (s *Set) Canonical(ip ipaddr.Addr) ipaddr.Addr {
	if a, ok := s.AliasOf(ip); ok && len(a.IPs) > 0 {
		return a.IPs[0]
	}
	return ip
}

// Merge absorbs the aliases of other into s, used when the graph-
// building stage's set is assembled incrementally cluster by cluster.
func (s *Set) Merge(other *Set) {
	for _, a := range other.Aliases {
		s.Add(a.IPs)
	}
}
