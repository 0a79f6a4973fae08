package scan

import (
	graph "github.com/Emeline-1/basic_graph"

	"github.com/jefgrailet/sage/internal/alias"
	"github.com/jefgrailet/sage/internal/dictionary"
	"github.com/jefgrailet/sage/internal/ipaddr"
)

// DiscoverSubnetAliases implements the tail end of spec.md §4.4's
// "Special-IP detection": after the dictionary's post-scan-labeling and
// special-IP-detection passes run, every trio of mutually flickering IPs
// (pair-transitively) is fed to the alias-resolution engine in strict
// mode. The resulting aliases form the subnet-discovery alias set rule 4
// and rule 5 of subnet inference consult.
//
// Flickering-peer pairs are exactly edges of an undirected graph; the
// pair-transitive closure spec.md calls for is that graph's connected
// components, computed with the same github.com/Emeline-1/basic_graph
// connected-components routine the teacher uses to close BGP overlay
// pairs into aggregates (overlays_processing.go's process_overlays).
func DiscoverSubnetAliases(dict *dictionary.Dictionary, collect func([]*dictionary.Entry), resolve func([]*dictionary.Entry) *alias.Set) *alias.Set {
	dict.PostScanLabeling()
	dict.DetectSpecialIPs()

	byIP := make(map[ipaddr.Addr]*dictionary.Entry)
	g := graph.New()
	dict.All(func(e *dictionary.Entry) {
		if !e.Flickering || len(e.FlickeringPeers) == 0 {
			return
		}
		byIP[e.IP] = e
		for _, peer := range e.FlickeringPeers {
			g.Add_edge(e.IP.String(), peer.String())
		}
	})

	result := alias.NewSet()
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
			if e, ok := byIP[ip]; ok {
				entries = append(entries, e)
			} else if e, ok := dict.Lookup(ip); ok {
				entries = append(entries, e)
			}
		}
		if len(entries) < 2 {
			continue
		}
		collect(entries)
		set := resolve(entries)
		result.Merge(set)
	}
	return result
}
