package subnet

import (
	"sort"

	"github.com/jefgrailet/sage/internal/alias"
	"github.com/jefgrailet/sage/internal/dictionary"
	"github.com/jefgrailet/sage/internal/ipaddr"
)

// minPrefixLen is the absolute floor an expanding subnet can reach
// (spec.md §4.5 "minimum prefix length (20)").
const minPrefixLen = 20

// InferenceConfig bundles the two tunables spec.md §6 exposes for
// subnet-inference diagnosis.
type InferenceConfig struct {
	OutliersRatioDivisor int
	MaxContraPivots      int
}

func DefaultInferenceConfig() InferenceConfig {
	return InferenceConfig{OutliersRatioDivisor: 3, MaxContraPivots: 5}
}

// round holds one expansion step's bookkeeping so a failed step can be
// rolled back cleanly.
type round struct {
	prefixLen    int
	candidates   []*dictionary.Entry
	contraPivots []*dictionary.Entry
	outliers     int
	newPivots    int
	pivotSwapped bool
	priorPivot   *dictionary.Entry
}

// Infer builds the subnet list from scanned-OK entries, per spec.md
// §4.5: subnets are grown right-to-left (from the highest address down)
// over a worklist kept in ascending order.
func Infer(worklist []*dictionary.Entry, discoverySet *alias.Set, cfg InferenceConfig) []*Subnet {
	entries := append([]*dictionary.Entry(nil), worklist...)
	sort.Slice(entries, func(i, j int) bool { return entries[i].IP < entries[j].IP })

	var subnets []*Subnet
	havePrevLow := false
	var prevLow ipaddr.Addr

	for len(entries) > 0 {
		pivotEntry := entries[len(entries)-1]
		entries = entries[:len(entries)-1]

		s := New(pivotEntry)

		for s.PrefixLen > minPrefixLen {
			if len(entries) == 0 {
				break
			}

			newP := s.PrefixLen - 1
			newUpper := ipaddr.UpperBorder(s.Base, newP)

			if havePrevLow && newUpper >= prevLow {
				s.StopDescription = "overlap with previously inserted subnet"
				s.NeedsPostProcessing = true
				break
			}

			var popped []*dictionary.Entry
			newLow := ipaddr.LowerBorder(s.Base, newP)
			for len(entries) > 0 && ipaddr.Contains(newLow, newP, entries[len(entries)-1].IP) {
				popped = append(popped, entries[len(entries)-1])
				entries = entries[:len(entries)-1]
			}
			if len(popped) == 0 {
				s.PrefixLen = newP
				continue
			}

			r := &round{prefixLen: newP, candidates: popped}
			applyRules(s, r, discoverySet)
			verdict := diagnose(s, r, cfg, discoverySet)

			if verdict == shrinkVerdict {
				rollback(s, r)
				entries = append(entries, popped...)
				sort.Slice(entries, func(i, j int) bool { return entries[i].IP < entries[j].IP })
				break
			}

			s.PrefixLen = newP
			if len(r.contraPivots) > 0 {
				for _, cp := range r.contraPivots {
					s.Interfaces = append(s.Interfaces, Interface{Entry: cp, Status: ContraPivot})
				}
				break
			}
		}

		if s.PrefixLen == minPrefixLen {
			s.StopDescription = "reached minimum prefix length"
		}
		if len(entries) == 0 && s.StopDescription == "" {
			s.NeedsPostProcessing = true
			s.StopDescription = "worklist exhausted"
		}

		s.DeriveAdjustedPrefix()
		subnets = append(subnets, s)
		havePrevLow = true
		prevLow = s.LowerBorder()
	}

	sort.Slice(subnets, func(i, j int) bool { return subnets[i].LowerBorder() < subnets[j].LowerBorder() })
	return subnets
}

type diagnosisVerdict int

const (
	acceptVerdict diagnosisVerdict = iota
	shrinkVerdict
)

// applyRules classifies every popped candidate against the subnet's
// current pivot, mutating s.Interfaces and r in place (spec.md §4.5
// step 3).
func applyRules(s *Subnet, r *round, discoverySet *alias.Set) {
	for _, cand := range r.candidates {
		pi := pivotIndex(s)
		pivot := s.Interfaces[pi].Entry

		switch {
		case ruleApplies1(pivot, cand):
			s.Interfaces = append(s.Interfaces, Interface{Entry: cand, Status: PivotByRule(1)})
			r.newPivots++

		case ruleApplies2(pivot, cand):
			if cand.Trail.NbAnomalies < pivot.Trail.NbAnomalies {
				s.Interfaces[pi].Status = PivotByRule(2)
				s.Interfaces = append(s.Interfaces, Interface{Entry: cand, Status: SelectedPivot})
				r.pivotSwapped = true
				r.priorPivot = pivot
			} else {
				s.Interfaces = append(s.Interfaces, Interface{Entry: cand, Status: PivotByRule(2)})
			}
			r.newPivots++

		case ruleApplies3(pivot, cand):
			s.Interfaces = append(s.Interfaces, Interface{Entry: cand, Status: PivotByRule(3)})
			r.newPivots++

		case ruleApplies4(pivot, cand, discoverySet):
			s.Interfaces = append(s.Interfaces, Interface{Entry: cand, Status: PivotByRule(4)})
			r.newPivots++

		case pivot.TTL > cand.TTL:
			// Candidate is a contra-pivot territory unless rule 5 still
			// links its trail to the pivot's (original source:
			// SubnetInferrer.cpp's curPivot->getTTL() > curCandi->getTTL()
			// branch checks rule 5 before giving up to contra-pivot).
			if ruleApplies5(pivot, cand, discoverySet) {
				s.Interfaces = append(s.Interfaces, Interface{Entry: cand, Status: PivotByRule(5)})
				r.newPivots++
			} else {
				r.contraPivots = append(r.contraPivots, cand)
			}

		case pivot.TTL < cand.TTL:
			if ruleApplies5(pivot, cand, discoverySet) {
				s.Interfaces = append(s.Interfaces, Interface{Entry: cand, Status: PivotByRule(5)})
				r.newPivots++
			} else if len(s.Interfaces) == 1 && cand.TTL-pivot.TTL == 1 {
				s.Interfaces[pi].Status = ContraPivot
				s.Interfaces = append(s.Interfaces, Interface{Entry: cand, Status: SelectedPivot})
				r.pivotSwapped = true
				r.priorPivot = pivot
			} else {
				s.Interfaces = append(s.Interfaces, Interface{Entry: cand, Status: Outlier})
				r.outliers++
			}

		default:
			s.Interfaces = append(s.Interfaces, Interface{Entry: cand, Status: Outlier})
			r.outliers++
		}
	}
}

func pivotIndex(s *Subnet) int {
	for i := range s.Interfaces {
		if s.Interfaces[i].Status == SelectedPivot {
			return i
		}
	}
	return 0
}

func ruleApplies1(pivot, cand *dictionary.Entry) bool {
	return !pivot.Trail.IsVoid() && !cand.Trail.IsVoid() && pivot.Trail.Equal(cand.Trail)
}

func ruleApplies2(pivot, cand *dictionary.Entry) bool {
	return pivot.TTL == cand.TTL && !pivot.Trail.IsVoid() && !cand.Trail.IsVoid() &&
		pivot.Trail.NbAnomalies != cand.Trail.NbAnomalies
}

func ruleApplies3(pivot, cand *dictionary.Entry) bool {
	return pivot.TTL == cand.TTL && pivot.Trail.Echoing && cand.Trail.Echoing
}

func ruleApplies4(pivot, cand *dictionary.Entry, discoverySet *alias.Set) bool {
	if pivot.TTL != cand.TTL || !pivot.Flickering || !cand.Flickering || discoverySet == nil {
		return false
	}
	return discoverySet.Linked(pivot.Trail.LastValidIP, cand.Trail.LastValidIP)
}

func ruleApplies5(pivot, cand *dictionary.Entry, discoverySet *alias.Set) bool {
	if !pivot.Trail.Direct || !cand.Trail.Direct || discoverySet == nil {
		return false
	}
	return discoverySet.Linked(pivot.Trail.LastValidIP, cand.Trail.LastValidIP)
}

// diagnose implements spec.md §4.5 step 4: decide whether this
// expansion round should be accepted or fully rolled back.
func diagnose(s *Subnet, r *round, cfg InferenceConfig, discoverySet *alias.Set) diagnosisVerdict {
	divisor := cfg.OutliersRatioDivisor
	if divisor <= 0 {
		divisor = 3
	}
	if r.outliers*divisor > len(r.candidates) && r.outliers > r.newPivots {
		s.StopDescription = "too many outliers for this expansion"
		return shrinkVerdict
	}

	maxCP := cfg.MaxContraPivots
	if maxCP <= 0 {
		maxCP = 5
	}
	if len(r.contraPivots) > 2 && (len(r.contraPivots) > maxCP || len(r.contraPivots) > r.newPivots+1) {
		s.StopDescription = "too many contra-pivots"
		return shrinkVerdict
	}

	aliasedTrails := false
	if len(r.contraPivots) > 1 {
		ttl := r.contraPivots[0].TTL
		for _, cp := range r.contraPivots[1:] {
			if cp.TTL != ttl {
				s.StopDescription = "contra-pivots disagree on TTL"
				return shrinkVerdict
			}
		}
		compatible, aliased := contraPivotsCompatible(r.contraPivots, discoverySet)
		if !compatible {
			s.StopDescription = "contra-pivots have diverging, unaliased trails"
			return shrinkVerdict
		}
		aliasedTrails = aliased
	}

	if len(r.contraPivots) >= 2 && overgrown(s, r) {
		s.StopDescription = "sound contra-pivot IP would be hidden by overgrowth"
		return shrinkVerdict
	}

	if len(r.contraPivots) >= 1 {
		if aliasedTrails {
			s.StopDescription = "sound contra-pivot IP (differing trails)"
		} else {
			s.StopDescription = "sound contra-pivot IP"
		}
	}

	return acceptVerdict
}

// contraPivotsCompatible implements spec.md §4.5's trail-similarity
// check: contra-pivots whose trails differ from the least-anomalous
// reference trail are tolerated only if rule 5 (aliased trail IPs)
// links them to it (original source: SubnetInferenceRules::rule5 reused
// from SubnetInferrer.cpp's same-TTL contra-pivot diagnosis). The
// second return value reports whether any such aliasing was needed, so
// the caller can record the "differing trails" note spec.md asks for
// instead of silently accepting.
func contraPivotsCompatible(cps []*dictionary.Entry, discoverySet *alias.Set) (bool, bool) {
	ref := referenceTrailEntry(cps)
	if ref == nil {
		return true, false
	}

	aliasedTrails := false
	for _, cp := range cps {
		if cp.Trail.IsVoid() || cp.Trail.NbAnomalies != ref.Trail.NbAnomalies {
			continue
		}
		if ref.Trail.Equal(cp.Trail) {
			continue
		}
		if !ruleApplies5(ref, cp, discoverySet) {
			return false, false
		}
		aliasedTrails = true
	}
	return true, aliasedTrails
}

// referenceTrailEntry picks the contra-pivot with the fewest trail
// anomalies as the comparison point for contraPivotsCompatible.
func referenceTrailEntry(cps []*dictionary.Entry) *dictionary.Entry {
	var ref *dictionary.Entry
	minAnomalies := 256
	for _, cp := range cps {
		if cp.Trail.IsVoid() {
			continue
		}
		if ref == nil || cp.Trail.NbAnomalies < minAnomalies {
			minAnomalies = cp.Trail.NbAnomalies
			ref = cp
		}
	}
	return ref
}

// overgrown implements spec.md §4.5's "Overgrowth check" (original
// source: SubnetInferrer::overgrowthTest, SubnetInferrer.cpp:72-187).
// For each contra-pivot it grows the largest prefix (down to /20) that
// excludes every other contra-pivot, then removes from a working copy
// of this round's candidates every interface that prefix covers. If the
// copy ends up empty, every candidate was absorbed into some
// contra-pivot's own neighborhood, meaning this expansion is hiding
// smaller, sounder subnets -- unless the contra-pivots are packed too
// tightly to trust the breakdown (min gap < 8, contra-pivots at least
// as numerous as the round's pivots, and at least half of them peerless,
// i.e. no other interface fell inside their grown prefix).
func overgrown(s *Subnet, r *round) bool {
	cps := append([]*dictionary.Entry(nil), r.contraPivots...)
	if len(cps) <= 1 || len(cps) >= len(r.candidates) {
		return false
	}
	sort.Slice(cps, func(i, j int) bool { return cps[i].IP < cps[j].IP })

	minDiff := ^uint32(0)
	for i := 1; i < len(cps); i++ {
		diff := uint32(cps[i].IP) - uint32(cps[i-1].IP)
		if diff < minDiff {
			minDiff = diff
		}
	}

	remaining := append([]*dictionary.Entry(nil), r.candidates...)
	peerless := 0
	for _, cp := range cps {
		low, up := growExclusive(cp, cps)

		var kept []*dictionary.Entry
		erased := 0
		for _, cand := range remaining {
			if cand.IP >= low && cand.IP <= up {
				if cand != cp {
					erased++
				}
				continue
			}
			kept = append(kept, cand)
		}
		remaining = kept
		if erased == 0 {
			peerless++
		}
	}

	if len(remaining) > 0 {
		return false
	}

	nbPivots := len(r.candidates) - len(cps)
	if minDiff < 8 && nbPivots <= len(cps) && peerless*2 >= len(cps) {
		return false
	}

	return true
}

// growExclusive grows the largest prefix (/32 down to /20) around cp
// that still excludes every other contra-pivot in cps.
func growExclusive(cp *dictionary.Entry, cps []*dictionary.Entry) (ipaddr.Addr, ipaddr.Addr) {
	low, up := cp.IP, cp.IP
	for prefixLen := 32; prefixLen > minPrefixLen; {
		prefixLen--
		newLow := ipaddr.LowerBorder(cp.IP, prefixLen)
		newUp := ipaddr.UpperBorder(cp.IP, prefixLen)

		overlap := false
		for _, other := range cps {
			if other == cp {
				continue
			}
			if other.IP >= newLow && other.IP <= newUp {
				overlap = true
				break
			}
		}
		if overlap {
			break
		}
		low, up = newLow, newUp
	}
	return low, up
}

func rollback(s *Subnet, r *round) {
	kept := s.Interfaces[:0:0]
	for _, iface := range s.Interfaces {
		isNew := false
		for _, c := range r.candidates {
			if iface.Entry == c {
				isNew = true
				break
			}
		}
		if !isNew {
			kept = append(kept, iface)
		}
	}
	s.Interfaces = kept

	if r.pivotSwapped && r.priorPivot != nil {
		for i := range s.Interfaces {
			if s.Interfaces[i].Entry == r.priorPivot {
				s.Interfaces[i].Status = SelectedPivot
			}
		}
	}
}
