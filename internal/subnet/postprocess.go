package subnet

import (
	"fmt"
	"sort"
	"strings"

	"github.com/jefgrailet/sage/internal/alias"
	"github.com/jefgrailet/sage/internal/dictionary"
	"github.com/jefgrailet/sage/internal/ipaddr"
)

type compatibility int

const (
	unmergeable compatibility = iota
	pivotCompatible
	outlierOnly
	contraPivotCompatible
	outlierCompatible
)

// MaximumNbContraPivots bounds how many contra-pivots a merged subnet
// may carry (spec.md §4.6).
const MaximumNbContraPivots = 5

// mergingCandidate pairs one covered subnet with the compatibility its
// classification yielded and the interface counts that compatibility
// implies (a contra-pivot-compatible candidate's contra-pivots count as
// pivots, its pivots as outliers, and so on).
type mergingCandidate struct {
	subnet         *Subnet
	compat         compatibility
	nbPivots       int
	nbContraPivots int
	nbOutliers     int
}

func newMergingCandidate(s *Subnet, c compatibility) mergingCandidate {
	pivots, contras, outliers := countInterfaces(s)
	mc := mergingCandidate{subnet: s, compat: c}
	switch c {
	case contraPivotCompatible:
		mc.nbPivots = contras
		mc.nbOutliers = pivots + outliers
	case outlierCompatible:
		// Such a candidate only features pivots and outliers; its pivots
		// become contra-pivots since its outliers sit at least as far.
		mc.nbPivots = outliers
		mc.nbContraPivots = pivots
	case outlierOnly:
		mc.nbOutliers = pivots
	default:
		mc.nbPivots = pivots
		mc.nbContraPivots = contras
		mc.nbOutliers = outliers
	}
	return mc
}

func (mc mergingCandidate) isCompatible() bool {
	return mc.compat != outlierOnly
}

// pivotTTL returns the TTL of the interfaces acting as pivots under this
// candidate's compatibility, or -1 if they disagree.
func (mc mergingCandidate) pivotTTL() int {
	want := SelectedPivot
	switch mc.compat {
	case contraPivotCompatible:
		want = ContraPivot
	case outlierCompatible:
		want = Outlier
	}
	ttl := -1
	for _, ifc := range mc.subnet.Interfaces {
		match := ifc.Status == want
		if want == SelectedPivot {
			match = ifc.Status.IsPivot()
		}
		if !match {
			continue
		}
		if ttl == -1 {
			ttl = ifc.Entry.TTL
		} else if ttl != ifc.Entry.TTL {
			return -1
		}
	}
	return ttl
}

func (mc mergingCandidate) smallestTTL() int {
	min := -1
	for _, ifc := range mc.subnet.Interfaces {
		if min == -1 || ifc.Entry.TTL < min {
			min = ifc.Entry.TTL
		}
	}
	return min
}

func countInterfaces(s *Subnet) (pivots, contras, outliers int) {
	for _, ifc := range s.Interfaces {
		switch {
		case ifc.Status.IsPivot():
			pivots++
		case ifc.Status == ContraPivot || ifc.Status == AltContraPivot:
			contras++
		default:
			outliers++
		}
	}
	return
}

// PostProcess merges subnets truncated by the overlap check or by
// worklist exhaustion (spec.md §4.6). subnets must already be sorted by
// lower address (as Infer returns them); outliersRatioDivisor is the
// configured inferenceOutliersRatioDivisor.
func PostProcess(subnets []*Subnet, discoverySet *alias.Set, outliersRatioDivisor int) []*Subnet {
	if outliersRatioDivisor <= 1 {
		outliersRatioDivisor = 3
	}

	processed := make([]*Subnet, 0, len(subnets))
	remaining := append([]*Subnet(nil), subnets...)

	for len(remaining) > 0 {
		cur := remaining[0]
		remaining = remaining[1:]

		if !cur.NeedsPostProcessing {
			processed = append(processed, cur)
			continue
		}

		mergeable := expandForMerging(cur, &processed, &remaining, discoverySet, outliersRatioDivisor)
		if len(mergeable) == 0 {
			processed = append(processed, cur)
			continue
		}

		for i := range mergeable {
			relabel(&mergeable[i], cur.Pivot().Entry, discoverySet)
		}
		processed = append(processed, buildMerged(cur, mergeable))
	}

	for _, s := range processed {
		s.DeriveAdjustedPrefix()
		applyAlternativeContraPivots(s)
	}

	sort.Slice(processed, func(i, j int) bool { return processed[i].LowerBorder() < processed[j].LowerBorder() })
	return processed
}

// expandForMerging halves cur's prefix length step by step, gathering
// the subnets each new boundary covers and testing them against cur's
// selected pivot with rules 1, 2, 3, 5 (spec.md §4.6; rule 4 is skipped
// because the alias set may be stale by now). Accepted candidates are
// popped from processed/remaining as levels succeed; the returned list
// is empty when no level could be accepted.
func expandForMerging(cur *Subnet, processed, remaining *[]*Subnet, discoverySet *alias.Set, divisor int) []mergingCandidate {
	refPivot := cur.Pivot()
	if refPivot == nil {
		return nil
	}
	reference := refPivot.Entry

	lowBorder := cur.LowerBorder()
	upBorder := cur.UpperBorder()
	prefixLen := cur.PrefixLen
	curPivots, curContras, curOutliers := countInterfaces(cur)

	encompassesContraPivots := false
	var mergeable []mergingCandidate

	for prefixLen > minPrefixLen {
		oldLow := lowBorder
		prefixLen--
		lowBorder = ipaddr.LowerBorder(lowBorder, prefixLen)
		upBorder = ipaddr.UpperBorder(lowBorder, prefixLen)

		// Expansion either absorbed lower addresses (candidates sit at
		// the tail of processed) or higher ones (front of remaining).
		var newCandidates []*Subnet
		expandedLeft := oldLow > lowBorder
		if expandedLeft {
			for i := len(*processed) - 1; i >= 0; i-- {
				if (*processed)[i].LowerBorder() >= lowBorder {
					newCandidates = append(newCandidates, (*processed)[i])
				} else {
					break
				}
			}
		} else {
			for _, s := range *remaining {
				if s.UpperBorder() <= upBorder {
					newCandidates = append(newCandidates, s)
				} else {
					break
				}
			}
		}
		if len(newCandidates) == 0 {
			continue
		}

		// At most one initially sound (contra-pivot-carrying) subnet may
		// be absorbed.
		tooManySound := false
		for _, s := range newCandidates {
			if len(s.ContraPivots()) > 0 {
				if encompassesContraPivots {
					tooManySound = true
					break
				}
				encompassesContraPivots = true
			}
		}
		if tooManySound {
			break
		}

		var candis []mergingCandidate
		allMergeable := true
		for _, s := range newCandidates {
			c := classifyCompatibility(reference, s, discoverySet)
			if c == unmergeable {
				allMergeable = false
				break
			}
			candis = append(candis, newMergingCandidate(s, c))
		}
		if !allMergeable {
			break
		}

		// Evaluates the whole scenario: this level's candidates plus
		// everything already accepted.
		fullList := append(append([]mergingCandidate(nil), candis...), mergeable...)
		doublyPostProcessed := false
		nbCompatible := 0
		totalPivots, totalContras, totalIPs := curPivots, curContras, curPivots+curContras+curOutliers
		for _, mc := range fullList {
			if mc.subnet.PostProcessed {
				doublyPostProcessed = true
				break
			}
			if mc.isCompatible() {
				nbCompatible++
			}
			totalPivots += mc.nbPivots
			totalContras += mc.nbContraPivots
			totalIPs += mc.nbPivots + mc.nbContraPivots + mc.nbOutliers
		}
		if doublyPostProcessed || totalContras > MaximumNbContraPivots || nbCompatible == 0 {
			break
		}

		ratioPivots := float64(totalPivots) / float64(totalIPs)
		idealRatio := float64(divisor-1) / float64(divisor)
		if (prefixLen < 29 && ratioPivots < idealRatio) || ratioPivots < 0.5 {
			break
		}

		// If pivots all sit at the same distance, outliers located
		// strictly sooner make the scenario implausible.
		pivotTTL := reference.TTL
		outlierTTL := -1
		soundTTL := true
		for _, mc := range candis {
			if !mc.isCompatible() {
				if t := mc.smallestTTL(); outlierTTL == -1 || t < outlierTTL {
					outlierTTL = t
				}
				continue
			}
			if t := mc.pivotTTL(); t == -1 || t != pivotTTL {
				soundTTL = false
				break
			}
		}
		if soundTTL && outlierTTL != -1 && outlierTTL < pivotTTL {
			break
		}

		// Level accepted: a contra-pivot-compatible candidate's contra-
		// pivots are actually pivots, so the sound-subnet budget resets.
		for _, mc := range candis {
			if mc.compat == contraPivotCompatible {
				encompassesContraPivots = false
				break
			}
		}
		mergeable = append(mergeable, candis...)
		if expandedLeft {
			*processed = (*processed)[:len(*processed)-len(newCandidates)]
		} else {
			*remaining = (*remaining)[len(newCandidates):]
		}
	}

	return mergeable
}

// compatiblePivots runs rules 1, 2, 3, 5 between the reference pivot
// and cand, letting rule 2 promote a less-anomalous candidate to the
// new reference (the original rule-2 semantics carried into merging).
func compatiblePivots(reference **dictionary.Entry, cand *dictionary.Entry, discoverySet *alias.Set) bool {
	ref := *reference
	if ruleApplies1(ref, cand) || ruleApplies3(ref, cand) || ruleApplies5(ref, cand, discoverySet) {
		return true
	}
	if ruleApplies2(ref, cand) {
		if cand.Trail.NbAnomalies < ref.Trail.NbAnomalies {
			*reference = cand
		}
		return true
	}
	return false
}

func mutuallyCompatible(entries []*dictionary.Entry, discoverySet *alias.Set) bool {
	if len(entries) <= 1 {
		return true
	}
	ref := entries[0]
	for _, e := range entries[1:] {
		if !compatiblePivots(&ref, e, discoverySet) {
			return false
		}
	}
	return true
}

func classifyCompatibility(reference *dictionary.Entry, cand *Subnet, discoverySet *alias.Set) compatibility {
	candPivotIface := cand.Pivot()
	if candPivotIface == nil {
		return unmergeable
	}
	ref := reference
	if compatiblePivots(&ref, candPivotIface.Entry, discoverySet) {
		return pivotCompatible
	}

	if hasOnlyPivots(cand) {
		return outlierOnly
	}

	if cps := cand.ContraPivots(); len(cps) > 0 {
		entries := make([]*dictionary.Entry, len(cps))
		for i, cp := range cps {
			entries[i] = cp.Entry
		}
		ref = reference
		if mutuallyCompatible(entries, discoverySet) && compatiblePivots(&ref, entries[0], discoverySet) {
			return contraPivotCompatible
		}
		return unmergeable
	}

	outliers := outlierEntries(cand)
	if len(outliers) == 0 {
		return unmergeable
	}
	ref = reference
	if mutuallyCompatible(outliers, discoverySet) && compatiblePivots(&ref, outliers[0], discoverySet) {
		return outlierCompatible
	}
	return unmergeable
}

func hasOnlyPivots(s *Subnet) bool {
	for _, ifc := range s.Interfaces {
		if !ifc.Status.IsPivot() {
			return false
		}
	}
	return true
}

func outlierEntries(s *Subnet) []*dictionary.Entry {
	var out []*dictionary.Entry
	for _, ifc := range s.Interfaces {
		if ifc.Status == Outlier {
			out = append(out, ifc.Entry)
		}
	}
	return out
}

// relabel rewrites one accepted candidate's interface statuses for the
// merger (spec.md §4.6 "compatibility drives which type each interface
// receives"). Pivot-compatible candidates keep their labels bar the
// selected pivot, which steps down to its matching rule so the merged
// subnet keeps exactly one selected pivot; outlier-only candidates
// become all-outlier; for the contra-pivot/outlier-compatible cases the
// agreeing interfaces are relabeled by the rule they pass against the
// merger's reference pivot while the rest swap roles.
func relabel(mc *mergingCandidate, reference *dictionary.Entry, discoverySet *alias.Set) {
	s := mc.subnet
	switch mc.compat {
	case pivotCompatible:
		for i := range s.Interfaces {
			if s.Interfaces[i].Status == SelectedPivot {
				s.Interfaces[i].Status = ruleLabel(reference, s.Interfaces[i].Entry, discoverySet)
			}
		}

	case outlierOnly:
		for i := range s.Interfaces {
			s.Interfaces[i].Status = Outlier
		}

	case contraPivotCompatible:
		for i := range s.Interfaces {
			if s.Interfaces[i].Status == ContraPivot {
				s.Interfaces[i].Status = ruleLabel(reference, s.Interfaces[i].Entry, discoverySet)
			} else {
				s.Interfaces[i].Status = Outlier
			}
		}

	case outlierCompatible:
		for i := range s.Interfaces {
			if s.Interfaces[i].Status == Outlier {
				s.Interfaces[i].Status = ruleLabel(reference, s.Interfaces[i].Entry, discoverySet)
			} else {
				s.Interfaces[i].Status = ContraPivot
			}
		}
	}
}

// ruleLabel returns the pivot status matching the first inference rule
// the entry passes against the reference pivot, or Outlier when none
// fires.
func ruleLabel(reference, cand *dictionary.Entry, discoverySet *alias.Set) InterfaceStatus {
	switch {
	case ruleApplies1(reference, cand):
		return PivotByRule(1)
	case ruleApplies2(reference, cand):
		return PivotByRule(2)
	case ruleApplies3(reference, cand):
		return PivotByRule(3)
	case ruleApplies5(reference, cand, discoverySet):
		return PivotByRule(5)
	default:
		return Outlier
	}
}

// buildMerged concatenates cur and every accepted candidate into one
// subnet whose prefix is the smallest covering every interface, with a
// stop description telling how the subnet was grown.
func buildMerged(cur *Subnet, mergeable []mergingCandidate) *Subnet {
	merged := &Subnet{
		PivotIP:       cur.PivotIP,
		PartialRoutes: make(map[ipaddr.Addr][]dictionary.RouteHop),
		PostProcessed: true,
	}
	merged.Interfaces = append(merged.Interfaces, cur.Interfaces...)
	for ip, route := range cur.PartialRoutes {
		merged.PartialRoutes[ip] = route
	}

	goodSubnet := ""
	var aggregated []string
	for _, mc := range mergeable {
		s := mc.subnet
		if len(s.ContraPivots()) > 0 {
			goodSubnet = s.CIDR()
		} else {
			aggregated = append(aggregated, s.CIDR())
		}
		merged.Interfaces = append(merged.Interfaces, s.Interfaces...)
		for ip, route := range s.PartialRoutes {
			merged.PartialRoutes[ip] = route
		}
	}

	sort.Slice(merged.Interfaces, func(i, j int) bool {
		return merged.Interfaces[i].Entry.IP < merged.Interfaces[j].Entry.IP
	})

	// Smallest prefix accommodating first..last.
	first := merged.Interfaces[0].Entry.IP
	last := merged.Interfaces[len(merged.Interfaces)-1].Entry.IP
	p := 32
	for p > minPrefixLen && ipaddr.LowerBorder(first, p) != ipaddr.LowerBorder(last, p) {
		p--
	}
	merged.Base = ipaddr.LowerBorder(first, p)
	merged.PrefixLen = p

	desc := "aggregate of undergrown subnet"
	if len(aggregated) > 1 {
		desc += "s"
	}
	desc += " " + strings.Join(aggregated, ", ")
	if goodSubnet != "" {
		desc += fmt.Sprintf(" with %s (has contra-pivot(s))", goodSubnet)
	}
	merged.StopDescription = desc + "."
	return merged
}

// applyAlternativeContraPivots implements spec.md §4.6's final pass: a
// subnet with no contra-pivots whose pivots span multiple TTLs gets its
// minority outliers relabeled as alt-contra-pivots.
func applyAlternativeContraPivots(s *Subnet) {
	if len(s.ContraPivots()) > 0 {
		return
	}

	ttlSet := make(map[int]bool)
	var outliers []int
	for i, iface := range s.Interfaces {
		if iface.Status.IsPivot() {
			ttlSet[iface.Entry.TTL] = true
		} else if iface.Status == Outlier {
			outliers = append(outliers, i)
		}
	}
	if len(ttlSet) < 2 {
		return
	}
	if len(outliers) == 0 || len(outliers) > MaximumNbContraPivots {
		return
	}
	if len(outliers)*2 >= len(s.Interfaces) {
		return
	}

	for _, idx := range outliers {
		s.Interfaces[idx].Status = AltContraPivot
	}
}
