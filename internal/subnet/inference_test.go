package subnet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jefgrailet/sage/internal/alias"
	"github.com/jefgrailet/sage/internal/dictionary"
	"github.com/jefgrailet/sage/internal/ipaddr"
)

func ip(t *testing.T, s string) ipaddr.Addr {
	t.Helper()
	a, err := ipaddr.Parse(s)
	require.NoError(t, err)
	return a
}

func directTrail(t *testing.T, lastValidIP string, anomalies int) dictionary.Trail {
	return dictionary.Trail{
		LastValidIP: ip(t, lastValidIP),
		NbAnomalies: anomalies,
		Direct:      anomalies == 0,
	}
}

func pivotStatus(s *Subnet, addr ipaddr.Addr) (InterfaceStatus, bool) {
	for _, iface := range s.Interfaces {
		if iface.Entry.IP == addr {
			return iface.Status, true
		}
	}
	return 0, false
}

// Seed scenario 4 (spec.md §8, "Rule 1 growth"): two same-TTL interfaces
// sharing the same trail merge into one subnet with no contra-pivot.
func TestInferRule1Growth(t *testing.T) {
	e1 := &dictionary.Entry{IP: ip(t, "10.0.0.1"), TTL: 5, Trail: directTrail(t, "10.0.0.254", 0)}
	e2 := &dictionary.Entry{IP: ip(t, "10.0.0.2"), TTL: 5, Trail: directTrail(t, "10.0.0.254", 0)}

	subnets := Infer([]*dictionary.Entry{e1, e2}, nil, DefaultInferenceConfig())
	require.Len(t, subnets, 1)

	s := subnets[0]
	require.Len(t, s.Interfaces, 2)
	assert.Empty(t, s.ContraPivots())
	for _, iface := range s.Interfaces {
		assert.True(t, iface.Status.IsPivot(), "interface %s should be a pivot", iface.Entry.IP)
	}
	assert.True(t, s.Contains(e1.IP))
	assert.True(t, s.Contains(e2.IP))
}

// Seed scenario 5 (spec.md §8, "Contra-pivot detection"): a lower-TTL
// interface whose trail neither matches nor aliases the pivot's becomes a
// contra-pivot instead of shrinking the subnet away.
func TestInferContraPivotDetection(t *testing.T) {
	e1 := &dictionary.Entry{IP: ip(t, "10.0.0.1"), TTL: 3, Trail: directTrail(t, "10.0.0.254", 1)}
	e2 := &dictionary.Entry{IP: ip(t, "10.0.0.2"), TTL: 4, Trail: directTrail(t, "10.0.0.254", 0)}
	e3 := &dictionary.Entry{IP: ip(t, "10.0.0.3"), TTL: 4, Trail: directTrail(t, "10.0.0.254", 0)}
	e4 := &dictionary.Entry{IP: ip(t, "10.0.0.4"), TTL: 4, Trail: directTrail(t, "10.0.0.254", 0)}

	subnets := Infer([]*dictionary.Entry{e1, e2, e3, e4}, nil, DefaultInferenceConfig())
	require.Len(t, subnets, 1)

	s := subnets[0]
	require.Len(t, s.ContraPivots(), 1)
	assert.Equal(t, e1.IP, s.ContraPivots()[0].Entry.IP)

	status, ok := pivotStatus(s, e4.IP)
	require.True(t, ok)
	assert.Equal(t, SelectedPivot, status)

	assert.Contains(t, s.StopDescription, "contra-pivot")
	assert.True(t, s.Contains(e1.IP))
	assert.True(t, s.Contains(e2.IP))
	assert.True(t, s.Contains(e3.IP))
	assert.True(t, s.Contains(e4.IP))
}

// A contra-pivot whose trail differs from the subnet's other contra-pivot
// but whose trail IP is linked in the discovery alias set is tolerated
// (spec.md §4.5 rule 5) rather than forcing a shrink, and the acceptance is
// recorded as a "differing trails" note.
func TestInferContraPivotsWithAliasedDifferingTrails(t *testing.T) {
	pivot := &dictionary.Entry{IP: ip(t, "10.0.0.8"), TTL: 10, Trail: directTrail(t, "10.0.0.99", 0)}
	cp1 := &dictionary.Entry{IP: ip(t, "10.0.0.1"), TTL: 8, Trail: directTrail(t, "10.0.0.50", 0)}
	cp2 := &dictionary.Entry{IP: ip(t, "10.0.0.2"), TTL: 8, Trail: directTrail(t, "10.0.0.51", 0)}

	discoverySet := alias.NewSet()
	discoverySet.Add([]ipaddr.Addr{cp1.Trail.LastValidIP, cp2.Trail.LastValidIP})

	subnets := Infer([]*dictionary.Entry{cp1, cp2, pivot}, discoverySet, DefaultInferenceConfig())
	require.Len(t, subnets, 1)

	s := subnets[0]
	require.Len(t, s.ContraPivots(), 2)
	assert.Contains(t, s.StopDescription, "differing trails")

	status, ok := pivotStatus(s, pivot.IP)
	require.True(t, ok)
	assert.Equal(t, SelectedPivot, status)
}

func TestContraPivotsCompatibleAcceptsAliasedDivergingTrails(t *testing.T) {
	cp1 := &dictionary.Entry{IP: ip(t, "10.0.0.1"), TTL: 8, Trail: directTrail(t, "10.0.0.50", 0)}
	cp2 := &dictionary.Entry{IP: ip(t, "10.0.0.2"), TTL: 8, Trail: directTrail(t, "10.0.0.51", 0)}

	discoverySet := alias.NewSet()
	discoverySet.Add([]ipaddr.Addr{cp1.Trail.LastValidIP, cp2.Trail.LastValidIP})

	compatible, aliased := contraPivotsCompatible([]*dictionary.Entry{cp1, cp2}, discoverySet)
	assert.True(t, compatible)
	assert.True(t, aliased)
}

func TestContraPivotsCompatibleRejectsUnaliasedDivergingTrails(t *testing.T) {
	cp1 := &dictionary.Entry{IP: ip(t, "10.0.0.1"), TTL: 8, Trail: directTrail(t, "10.0.0.50", 0)}
	cp2 := &dictionary.Entry{IP: ip(t, "10.0.0.2"), TTL: 8, Trail: directTrail(t, "10.0.0.51", 0)}

	compatible, aliased := contraPivotsCompatible([]*dictionary.Entry{cp1, cp2}, alias.NewSet())
	assert.False(t, compatible)
	assert.False(t, aliased)
}

// overgrown should declare overgrowth when every candidate this round,
// pivots included, is absorbed into some contra-pivot's own exclusive
// neighborhood (original source: SubnetInferrer::overgrowthTest).
func TestOvergrownDetectsFullyAbsorbedCandidates(t *testing.T) {
	cpA := &dictionary.Entry{IP: ip(t, "10.0.0.1"), TTL: 8}
	p1 := &dictionary.Entry{IP: ip(t, "10.0.0.2"), TTL: 8}
	cpB := &dictionary.Entry{IP: ip(t, "10.0.0.40"), TTL: 8}
	p2 := &dictionary.Entry{IP: ip(t, "10.0.0.41"), TTL: 8}

	r := &round{
		candidates:   []*dictionary.Entry{cpA, p1, cpB, p2},
		contraPivots: []*dictionary.Entry{cpA, cpB},
	}
	assert.True(t, overgrown(nil, r))
}

// The tight-packing exception keeps a round accepted even when its
// contra-pivots fully absorb the other candidates, provided they sit close
// together and most of them are peerless (original source's nbPivots/
// peerless heuristic).
func TestOvergrownTightPackingExceptionSpared(t *testing.T) {
	cpA := &dictionary.Entry{IP: ip(t, "10.0.0.10"), TTL: 8}
	p1 := &dictionary.Entry{IP: ip(t, "10.0.0.11"), TTL: 8}
	cpB := &dictionary.Entry{IP: ip(t, "10.0.0.15"), TTL: 8}

	r := &round{
		candidates:   []*dictionary.Entry{cpA, p1, cpB},
		contraPivots: []*dictionary.Entry{cpA, cpB},
	}
	assert.False(t, overgrown(nil, r))
}

func TestOvergrownTrivialWhenContraPivotsOutnumberCandidates(t *testing.T) {
	cpA := &dictionary.Entry{IP: ip(t, "10.0.0.1"), TTL: 8}
	cpB := &dictionary.Entry{IP: ip(t, "10.0.0.2"), TTL: 8}

	r := &round{
		candidates:   []*dictionary.Entry{cpA, cpB},
		contraPivots: []*dictionary.Entry{cpA, cpB},
	}
	assert.False(t, overgrown(nil, r))
}
