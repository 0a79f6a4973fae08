package subnet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jefgrailet/sage/internal/alias"
	"github.com/jefgrailet/sage/internal/dictionary"
)

func interfaceStatus(t *testing.T, s *Subnet, addrStr string) InterfaceStatus {
	addr := ip(t, addrStr)
	for _, iface := range s.Interfaces {
		if iface.Entry.IP == addr {
			return iface.Status
		}
	}
	t.Fatalf("no interface for %s in subnet", addrStr)
	return 0
}

// PostProcess leaves subnets that need no merging untouched, only sorting
// them by lower address (spec.md §4.6).
func TestPostProcessLeavesSoundSubnetsUnchanged(t *testing.T) {
	a := &Subnet{
		Base:      ip(t, "10.0.0.4"),
		PrefixLen: 30,
		Interfaces: []Interface{
			{Entry: &dictionary.Entry{IP: ip(t, "10.0.0.4")}, Status: SelectedPivot},
		},
	}
	b := &Subnet{
		Base:      ip(t, "10.0.1.4"),
		PrefixLen: 30,
		Interfaces: []Interface{
			{Entry: &dictionary.Entry{IP: ip(t, "10.0.1.4")}, Status: SelectedPivot},
		},
	}

	out := PostProcess([]*Subnet{b, a}, alias.NewSet(), 3)
	require.Len(t, out, 2)
	assert.Equal(t, a.Base, out[0].Base)
	assert.Equal(t, b.Base, out[1].Base)
}

// A subnet truncated by the overlap check absorbs a pivot-compatible
// neighbor when expansion covers it; the merged subnet records how it
// was grown and is not reprocessed by a second pass (spec.md §4.6, §8).
func TestPostProcessMergesUndergrownNeighbors(t *testing.T) {
	r := ip(t, "10.9.9.9")
	trail := dictionary.Trail{LastValidIP: r}

	cur := &Subnet{
		Base:      ip(t, "10.0.0.0"),
		PrefixLen: 31,
		PivotIP:   ip(t, "10.0.0.0"),
		Interfaces: []Interface{
			{Entry: &dictionary.Entry{IP: ip(t, "10.0.0.0"), TTL: 4, Trail: trail}, Status: SelectedPivot},
		},
		NeedsPostProcessing: true,
		StopDescription:     "overlap with previously inserted subnet",
	}
	neighbor := &Subnet{
		Base:      ip(t, "10.0.0.2"),
		PrefixLen: 31,
		PivotIP:   ip(t, "10.0.0.2"),
		Interfaces: []Interface{
			{Entry: &dictionary.Entry{IP: ip(t, "10.0.0.2"), TTL: 4, Trail: trail}, Status: SelectedPivot},
		},
	}

	out := PostProcess([]*Subnet{cur, neighbor}, alias.NewSet(), 3)
	require.Len(t, out, 1)

	merged := out[0]
	assert.Equal(t, 30, merged.PrefixLen)
	assert.True(t, merged.PostProcessed)
	assert.False(t, merged.NeedsPostProcessing)
	assert.Contains(t, merged.StopDescription, "aggregate of undergrown subnet")
	assert.Equal(t, SelectedPivot, interfaceStatus(t, merged, "10.0.0.0"))
	assert.Equal(t, PivotByRule1, interfaceStatus(t, merged, "10.0.0.2"))

	// Idempotence: nothing left to merge on a second pass.
	again := PostProcess(out, alias.NewSet(), 3)
	require.Len(t, again, 1)
	assert.Equal(t, merged.CIDR(), again[0].CIDR())
}

// A subnet whose pivots span more than one TTL and whose lone outlier is a
// small minority gets that outlier relabeled as an alt-contra-pivot
// (spec.md §4.6's final pass, original source's alternative contra-pivot
// detection).
func TestPostProcessPromotesMinorityOutlierToAltContraPivot(t *testing.T) {
	s := &Subnet{
		Base:      ip(t, "10.0.0.0"),
		PrefixLen: 29,
		Interfaces: []Interface{
			{Entry: &dictionary.Entry{IP: ip(t, "10.0.0.1"), TTL: 5}, Status: SelectedPivot},
			{Entry: &dictionary.Entry{IP: ip(t, "10.0.0.2"), TTL: 5}, Status: PivotByRule1},
			{Entry: &dictionary.Entry{IP: ip(t, "10.0.0.3"), TTL: 6}, Status: PivotByRule2},
			{Entry: &dictionary.Entry{IP: ip(t, "10.0.0.4"), TTL: 7}, Status: Outlier},
		},
	}

	out := PostProcess([]*Subnet{s}, alias.NewSet(), 3)
	require.Len(t, out, 1)
	assert.Equal(t, AltContraPivot, interfaceStatus(t, out[0], "10.0.0.4"))
}

// A subnet that already carries a real contra-pivot is left alone by the
// alternative-contra-pivot pass even when its outlier would otherwise
// qualify.
func TestPostProcessSkipsAltContraPivotWhenRealContraPivotPresent(t *testing.T) {
	s := &Subnet{
		Base:      ip(t, "10.0.0.0"),
		PrefixLen: 29,
		Interfaces: []Interface{
			{Entry: &dictionary.Entry{IP: ip(t, "10.0.0.1"), TTL: 5}, Status: SelectedPivot},
			{Entry: &dictionary.Entry{IP: ip(t, "10.0.0.2"), TTL: 5}, Status: PivotByRule1},
			{Entry: &dictionary.Entry{IP: ip(t, "10.0.0.3"), TTL: 6}, Status: PivotByRule2},
			{Entry: &dictionary.Entry{IP: ip(t, "10.0.0.4"), TTL: 4}, Status: ContraPivot},
			{Entry: &dictionary.Entry{IP: ip(t, "10.0.0.5"), TTL: 7}, Status: Outlier},
		},
	}

	out := PostProcess([]*Subnet{s}, alias.NewSet(), 3)
	require.Len(t, out, 1)
	assert.Equal(t, Outlier, interfaceStatus(t, out[0], "10.0.0.5"))
}
