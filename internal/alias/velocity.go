package alias

import (
	"math"

	"github.com/jefgrailet/sage/internal/dictionary"
)

// Finalize derives h's counter class and, where applicable, its
// velocity bounds from its collected IP-ID sequence (spec.md §4.9 "After
// collection, each IP's hint is finalized").
func Finalize(h *dictionary.AliasHints, maxRollovers int, maxError float64) {
	n := len(h.IPIDs)
	if n == 0 {
		h.IPIDCounterClass = dictionary.NoIdea
		return
	}

	if allEcho(h.Echoes, n) {
		h.IPIDCounterClass = dictionary.EchoCounter
		return
	}

	negDeltas := 0
	for i := 0; i < n-1; i++ {
		if h.IPIDs[i+1] < h.IPIDs[i] {
			negDeltas++
		}
	}

	if negDeltas <= 1 {
		velocities := baseVelocities(h)
		h.IPIDCounterClass = dictionary.HealthyCounter
		setMinMax(h, velocities)
		return
	}

	if solved, velocities := trySolveRollovers(h, maxRollovers, maxError); solved {
		h.IPIDCounterClass = dictionary.FastCounter
		setMinMax(h, velocities)
		return
	}

	h.IPIDCounterClass = dictionary.RandomCounter
	h.VelocityLower = 0
	h.VelocityUpper = 65535
}

func allEcho(echoes []bool, n int) bool {
	if len(echoes) < n {
		return false
	}
	for _, e := range echoes[:n] {
		if !e {
			return false
		}
	}
	return true
}

func baseVelocities(h *dictionary.AliasHints) []float64 {
	var out []float64
	for i := 0; i < len(h.IPIDs)-1; i++ {
		if i >= len(h.Delays) || h.Delays[i] <= 0 {
			continue
		}
		delta := int(h.IPIDs[i+1]) - int(h.IPIDs[i])
		if delta < 0 {
			delta += ipidSpace
		}
		out = append(out, float64(delta)/float64(h.Delays[i]))
	}
	return out
}

// trySolveRollovers implements spec.md §4.9's fast-counter detection:
// find an integer rollover count x in [0, maxRollovers] that, applied to
// every interval that went backwards, keeps the resulting per-interval
// velocities within maxError of each other.
func trySolveRollovers(h *dictionary.AliasHints, maxRollovers int, maxError float64) (bool, []float64) {
	n := len(h.IPIDs)
	if n < 2 {
		return false, nil
	}
	for k := 0; k <= maxRollovers; k++ {
		velocities := make([]float64, 0, n-1)
		ok := true
		for i := 0; i < n-1; i++ {
			if i >= len(h.Delays) || h.Delays[i] <= 0 {
				ok = false
				break
			}
			delta := int(h.IPIDs[i+1]) - int(h.IPIDs[i])
			if delta < 0 {
				delta += ipidSpace * (k + 1)
			}
			velocities = append(velocities, float64(delta)/float64(h.Delays[i]))
		}
		if ok && velocitiesConsistent(velocities, maxError) {
			return true, velocities
		}
	}
	return false, nil
}

func velocitiesConsistent(vs []float64, maxError float64) bool {
	if len(vs) == 0 {
		return false
	}
	lo, hi := vs[0], vs[0]
	for _, v := range vs {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	if hi == 0 {
		return true
	}
	return (hi-lo)/hi <= maxError
}

func setMinMax(h *dictionary.AliasHints, velocities []float64) {
	if len(velocities) == 0 {
		h.VelocityLower, h.VelocityUpper = 0, 0
		return
	}
	lo, hi := velocities[0], velocities[0]
	for _, v := range velocities {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	h.VelocityLower, h.VelocityUpper = lo, hi
}

// VelocityOverlap implements spec.md §4.9's "Velocity overlap" test for
// the Fast method: a is the already-established (earlier) hint, b the
// candidate being tested against it.
func VelocityOverlap(a, b *dictionary.AliasHints, tolerance float64) bool {
	if a.IPIDCounterClass == dictionary.NoIdea || b.IPIDCounterClass == dictionary.NoIdea {
		return false
	}
	if len(a.IPIDs) == 0 || len(b.IPIDs) == 0 || len(a.Tokens) == 0 || len(b.Tokens) == 0 {
		return false
	}

	rangeA := a.VelocityUpper - a.VelocityLower
	rangeB := b.VelocityUpper - b.VelocityLower

	var extLo, extHi, oLo, oHi, avgSpeed float64
	if rangeA >= rangeB {
		extLo, extHi = a.VelocityLower-tolerance*rangeA, a.VelocityUpper+tolerance*rangeA
		oLo, oHi = b.VelocityLower, b.VelocityUpper
		avgSpeed = (a.VelocityLower + a.VelocityUpper) / 2
	} else {
		extLo, extHi = b.VelocityLower-tolerance*rangeB, b.VelocityUpper+tolerance*rangeB
		oLo, oHi = a.VelocityLower, a.VelocityUpper
		avgSpeed = (b.VelocityLower + b.VelocityUpper) / 2
	}
	if extHi < oLo || oHi < extLo {
		return false
	}

	idALast := a.IPIDs[len(a.IPIDs)-1]
	tokALast := a.Tokens[len(a.Tokens)-1]
	idBFirst := b.IPIDs[0]
	tokBFirst := b.Tokens[0]

	deltaTokens := float64(tokBFirst) - float64(tokALast)
	if deltaTokens < 0 {
		return false
	}
	predicted := math.Mod(float64(idALast)+2*avgSpeed*deltaTokens, ipidSpace)
	if predicted < 0 {
		predicted += ipidSpace
	}
	return inWindowMod(float64(idALast), predicted, float64(idBFirst))
}

func inWindowMod(lo, hi, x float64) bool {
	if lo <= hi {
		return x >= lo && x <= hi
	}
	return x >= lo || x <= hi
}
