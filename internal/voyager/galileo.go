package voyager

import (
	"time"

	"github.com/jefgrailet/sage/internal/alias"
	"github.com/jefgrailet/sage/internal/dictionary"
	"github.com/jefgrailet/sage/internal/graph"
	"github.com/jefgrailet/sage/internal/ipaddr"
	"github.com/jefgrailet/sage/internal/workerpool"
)

// CollectConfig bundles the hint-collector tunables the full-resolution
// pass needs (spec.md §6's aliasResolution* keys).
type CollectConfig struct {
	NbIPIDs      int
	Timeout      time.Duration
	MaxRollovers int
	MaxError     float64
}

// Galileo implements spec.md §4.10: for every vertex, gather its
// contra-pivot IPs union its trail IPs (deduplicated), collect hints at
// the full-resolution stage, resolve, and store the resulting alias set
// on the vertex. Runs with a single borrowed prober so the hint
// collector's IP-ID token counter stays strictly monotonic across the
// whole pass (spec.md §5 mutex (d)).
func Galileo(g *graph.Graph, dict *dictionary.Dictionary, pool *workerpool.ProberPool, cc CollectConfig, rc alias.ResolverConfig) {
	pr := pool.Borrow()
	defer pool.Return(pr)

	collector := &alias.Collector{Prober: pr, NbIPIDs: cc.NbIPIDs, Timeout: cc.Timeout}

	for _, v := range Mariner(g) {
		if pool.Stopped() {
			return
		}
		entries := vertexEntries(v, dict)
		if len(entries) == 0 {
			continue
		}
		collector.Collect(entries, dictionary.DuringFullAliasResolution, cc.MaxRollovers, cc.MaxError)
		v.Aliases = alias.Resolve(entries, dictionary.DuringFullAliasResolution, rc)
	}
}

// vertexEntries gathers the dictionary entries for v's contra-pivot IPs
// union its trail IPs, deduplicated.
func vertexEntries(v *graph.Vertex, dict *dictionary.Dictionary) []*dictionary.Entry {
	seen := make(map[ipaddr.Addr]bool)
	var entries []*dictionary.Entry

	add := func(ip ipaddr.Addr) {
		if ip.IsZero() || seen[ip] {
			return
		}
		seen[ip] = true
		if e, ok := dict.Lookup(ip); ok {
			entries = append(entries, e)
		}
	}

	for _, s := range v.Subnets {
		for _, cp := range s.ContraPivots() {
			add(cp.Entry.IP)
		}
	}
	for _, t := range v.Trails {
		add(t.LastValidIP)
	}
	return entries
}
