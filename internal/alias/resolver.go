package alias

import (
	"sort"

	"github.com/jefgrailet/sage/internal/dictionary"
	"github.com/jefgrailet/sage/internal/ipaddr"
)

// ResolverConfig bundles the tunables spec.md §6 exposes for resolution
// (the same thresholds Ally and the velocity test take directly).
type ResolverConfig struct {
	MaxDifference            int
	MaxConsecutiveDifference int
	VelocityOverlapTolerance float64
	StrictMode               bool
}

// Resolve runs spec.md §4.9's "Resolution" procedure over entries, all of
// which must already carry hints collected at stage. Returns the
// resulting alias partition.
func Resolve(entries []*dictionary.Entry, stage dictionary.CollectionStage, cfg ResolverConfig) *Set {
	set := NewSet()
	if len(entries) == 0 {
		return set
	}

	entryByIP := make(map[ipaddr.Addr]*dictionary.Entry, len(entries))
	remaining := make([]*dictionary.Entry, 0, len(entries))
	for _, e := range entries {
		if e.ARHints == nil {
			continue
		}
		entryByIP[e.IP] = e
		remaining = append(remaining, e)
	}

	// Entries naming a UDP source IP come first, so the IP they name is
	// still unclaimed when such an entry becomes the head and peels it.
	sort.SliceStable(remaining, func(i, j int) bool {
		ui := remaining[i].ARHints.UDPHasSource && !remaining[i].ARHints.UDPSecondary
		uj := remaining[j].ARHints.UDPHasSource && !remaining[j].ARHints.UDPSecondary
		if ui != uj {
			return ui
		}
		return Less(Of(remaining[i].ARHints, stage), Of(remaining[j].ARHints, stage))
	})

	var udpAliases []*Alias

	for len(remaining) > 0 {
		head := remaining[0]
		headHints := head.ARHints
		headFP := Of(headHints, stage)

		group := []*dictionary.Entry{head}
		var leftover []*dictionary.Entry
		for _, e := range remaining[1:] {
			if Equal(Of(e.ARHints, stage), headFP) {
				group = append(group, e)
			} else {
				leftover = append(leftover, e)
			}
		}

		hasUDPSource := headHints.UDPHasSource && !headHints.UDPSecondary
		if hasUDPSource {
			var stillLeftover []*dictionary.Entry
			for _, e := range leftover {
				if e.IP == headHints.UDPSourceIP {
					group = append(group, e)
				} else {
					stillLeftover = append(stillLeftover, e)
				}
			}
			leftover = stillLeftover
		}
		remaining = leftover

		switch {
		case hasUDPSource:
			a := set.Add(ipsOf(group))
			udpAliases = append(udpAliases, a)

		case headFP.CounterClass == dictionary.HealthyCounter:
			resolveHealthy(set, group, cfg, udpAliases, entryByIP)

		case headFP.CounterClass == dictionary.FastCounter:
			resolveFast(set, group, cfg)

		case headFP.CounterClass == dictionary.RandomCounter || headFP.CounterClass == dictionary.EchoCounter:
			if cfg.StrictMode {
				continue
			}
			resolveByDefaultGrouping(set, group, cfg)

		default: // NoIdea
			if cfg.StrictMode {
				continue
			}
			resolveUnknown(set, group, cfg)
		}
	}

	return set
}

func ipsOf(entries []*dictionary.Entry) []ipaddr.Addr {
	out := make([]ipaddr.Addr, len(entries))
	for i, e := range entries {
		out[i] = e.IP
	}
	return out
}

func emit(set *Set, group []*dictionary.Entry, cfg ResolverConfig) *Alias {
	if len(group) < 2 && cfg.StrictMode {
		return nil
	}
	return set.Add(ipsOf(group))
}

// resolveHealthy implements the Healthy branch: a growing Ally group with
// one retry pass for set-aside candidates, then an attempt to fuse with a
// previously emitted UDP-method alias via its healthy-counter pivot.
func resolveHealthy(set *Set, group []*dictionary.Entry, cfg ResolverConfig, udpAliases []*Alias, entryByIP map[ipaddr.Addr]*dictionary.Entry) {
	built, setAside := buildAllyGroup(group, cfg)

	a := emit(set, built, cfg)
	if a != nil {
		fuseWithUDPAliases(set, a, built, udpAliases, entryByIP, cfg)
	}

	for _, cand := range setAside {
		emit(set, []*dictionary.Entry{cand}, cfg)
	}
}

func buildAllyGroup(group []*dictionary.Entry, cfg ResolverConfig) (built, leftover []*dictionary.Entry) {
	built = []*dictionary.Entry{group[0]}
	var setAside []*dictionary.Entry
	for _, cand := range group[1:] {
		if allyFitsGroup(cand, built, cfg) {
			built = append(built, cand)
		} else {
			setAside = append(setAside, cand)
		}
	}
	var stillLeft []*dictionary.Entry
	for _, cand := range setAside {
		if allyFitsGroup(cand, built, cfg) {
			built = append(built, cand)
		} else {
			stillLeft = append(stillLeft, cand)
		}
	}
	return built, stillLeft
}

// allyFitsGroup requires every pairwise comparison against the growing
// group to be ACCEPTED or NO_SEQUENCE, with at least one ACCEPTED
// (spec.md §4.9).
func allyFitsGroup(cand *dictionary.Entry, group []*dictionary.Entry, cfg ResolverConfig) bool {
	sawAccepted := false
	for _, m := range group {
		switch Ally(cand.ARHints, m.ARHints, cfg.MaxDifference, cfg.MaxConsecutiveDifference) {
		case Rejected:
			return false
		case Accepted:
			sawAccepted = true
		}
	}
	return sawAccepted
}

func fuseWithUDPAliases(set *Set, built *Alias, builtEntries []*dictionary.Entry, udpAliases []*Alias, entryByIP map[ipaddr.Addr]*dictionary.Entry, cfg ResolverConfig) {
	for _, ua := range udpAliases {
		var pivot *dictionary.Entry
		for _, ip := range ua.IPs {
			if e, ok := entryByIP[ip]; ok && e.ARHints != nil && e.ARHints.IPIDCounterClass == dictionary.HealthyCounter {
				pivot = e
				break
			}
		}
		if pivot == nil {
			continue
		}
		if allyFitsGroup(pivot, builtEntries, cfg) {
			mergeAliasesInto(set, built, ua)
			return
		}
	}
}

func mergeAliasesInto(s *Set, keep, drop *Alias) {
	if keep == drop {
		return
	}
	for _, ip := range drop.IPs {
		if !keep.Has(ip) {
			keep.IPs = append(keep.IPs, ip)
		}
		s.byIP[ip] = keep
	}
	for i, a := range s.Aliases {
		if a == drop {
			s.Aliases = append(s.Aliases[:i], s.Aliases[i+1:]...)
			break
		}
	}
}

// resolveFast groups by velocity overlap: each candidate is tested
// against the growing group's most recently accepted member.
func resolveFast(set *Set, group []*dictionary.Entry, cfg ResolverConfig) {
	built := []*dictionary.Entry{group[0]}
	var setAside []*dictionary.Entry
	for _, cand := range group[1:] {
		last := built[len(built)-1]
		if VelocityOverlap(last.ARHints, cand.ARHints, cfg.VelocityOverlapTolerance) {
			built = append(built, cand)
		} else {
			setAside = append(setAside, cand)
		}
	}
	emit(set, built, cfg)
	for _, cand := range setAside {
		emit(set, []*dictionary.Entry{cand}, cfg)
	}
}

// resolveByDefaultGrouping handles Random/Echo: the whole fingerprint
// group is one alias by default, refined into reverse-DNS sub-groups
// when hostnames are available.
func resolveByDefaultGrouping(set *Set, group []*dictionary.Entry, cfg ResolverConfig) {
	if !anyHaveDNS(group) {
		emit(set, group, cfg)
		return
	}
	for _, sub := range groupByDNS(group) {
		emit(set, sub, cfg)
	}
}

// resolveUnknown handles CounterClass NoIdea: singles unless reverse-DNS
// groups them.
func resolveUnknown(set *Set, group []*dictionary.Entry, cfg ResolverConfig) {
	if !anyHaveDNS(group) {
		for _, e := range group {
			emit(set, []*dictionary.Entry{e}, cfg)
		}
		return
	}
	for _, sub := range groupByDNS(group) {
		emit(set, sub, cfg)
	}
}

func anyHaveDNS(group []*dictionary.Entry) bool {
	for _, e := range group {
		if e.ARHints.ReverseDNS != "" {
			return true
		}
	}
	return false
}

func groupByDNS(group []*dictionary.Entry) [][]*dictionary.Entry {
	var out [][]*dictionary.Entry
	used := make([]bool, len(group))
	for i, e := range group {
		if used[i] {
			continue
		}
		cluster := []*dictionary.Entry{e}
		used[i] = true
		if e.ARHints.ReverseDNS == "" {
			out = append(out, cluster)
			continue
		}
		for j := i + 1; j < len(group); j++ {
			if used[j] {
				continue
			}
			o := group[j]
			if o.ARHints.ReverseDNS != "" && ReverseDNSMatch(e.ARHints.ReverseDNS, o.ARHints.ReverseDNS) {
				cluster = append(cluster, o)
				used[j] = true
			}
		}
		out = append(out, cluster)
	}
	return out
}
