package alias

import "github.com/jefgrailet/sage/internal/dictionary"

// AllyResult is the three-way verdict spec.md §4.9 describes.
type AllyResult int

const (
	NoSequence AllyResult = iota
	Accepted
	Rejected
)

const ipidSpace = 65536

// allyRolloverSpace is the constant of Ally's rollover-diff comparison,
// (65535 - idEarlier) + idLater. Distinct from ipidSpace: velocity
// arithmetic wraps modulo 65536, while Ally measures the distance
// through the counter's maximum value.
const allyRolloverSpace = 65535

// Ally compares two IPs' IP-ID sequences (spec.md §4.9 "Ally"). Probes
// are paired by index first (round-robin collection guarantees
// interleaving), tolerating at most one rollover; then the inter-probe
// sequence (A[i]->B[i+1] and B[i]->A[i+1]) is checked the same way,
// tolerating at most two rollovers total. Ally is symmetric by
// construction: Ally(a,b) and Ally(b,a) run the identical comparisons,
// just with the two sequences swapped, which the < />= branching below
// treats identically either way round.
func Ally(a, b *dictionary.AliasHints, maxDiff, maxConsecutiveDiff int) AllyResult {
	n := min(len(a.IPIDs), len(b.IPIDs))
	if n == 0 || len(a.Tokens) < n || len(b.Tokens) < n {
		return NoSequence
	}

	rollovers := 0
	for i := 0; i < n; i++ {
		ok, rolled := compareInOrder(a.Tokens[i], b.Tokens[i], a.IPIDs[i], b.IPIDs[i], maxDiff)
		if !ok {
			return Rejected
		}
		if rolled {
			rollovers++
		}
	}
	if rollovers > 1 {
		return Rejected
	}

	rollovers2 := 0
	for i := 0; i < n-1; i++ {
		ok, rolled := compareInOrder(a.Tokens[i], b.Tokens[i+1], a.IPIDs[i], b.IPIDs[i+1], maxConsecutiveDiff)
		if !ok {
			return Rejected
		}
		if rolled {
			rollovers2++
		}
		ok, rolled = compareInOrder(b.Tokens[i], a.Tokens[i+1], b.IPIDs[i], a.IPIDs[i+1], maxConsecutiveDiff)
		if !ok {
			return Rejected
		}
		if rolled {
			rollovers2++
		}
	}
	if rollovers2 > 2 {
		return Rejected
	}
	return Accepted
}

// compareInOrder checks one (earlier, later) probe pair in token order,
// reporting whether it is within bound and whether it required counting
// a rollover. Probes with equal tokens carry no ordering information and
// are skipped (treated as trivially within bound).
func compareInOrder(tokEarlier, tokLater uint64, idEarlier, idLater uint16, maxDiff int) (ok bool, rolled bool) {
	if tokEarlier == tokLater {
		return true, false
	}
	if tokEarlier > tokLater {
		tokEarlier, tokLater = tokLater, tokEarlier
		idEarlier, idLater = idLater, idEarlier
	}

	if idLater >= idEarlier {
		return int(idLater-idEarlier) <= maxDiff, false
	}
	diff := (allyRolloverSpace - int(idEarlier)) + int(idLater)
	return diff <= maxDiff, true
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
