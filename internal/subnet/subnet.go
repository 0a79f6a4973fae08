// Package subnet implements Subnet Inference (C5) and the Subnet
// Post-Processor (C6).
package subnet

import (
	"fmt"

	"github.com/jefgrailet/sage/internal/dictionary"
	"github.com/jefgrailet/sage/internal/ipaddr"
)

// InterfaceStatus classifies one interface within a subnet (spec.md §3).
type InterfaceStatus int

const (
	SelectedPivot InterfaceStatus = iota
	PivotByRule1
	PivotByRule2
	PivotByRule3
	PivotByRule4
	PivotByRule5
	ContraPivot
	AltContraPivot
	Outlier
)

func PivotByRule(n int) InterfaceStatus {
	return InterfaceStatus(int(PivotByRule1) + (n - 1))
}

func (s InterfaceStatus) IsPivot() bool {
	return s == SelectedPivot || (s >= PivotByRule1 && s <= PivotByRule5)
}

func (s InterfaceStatus) String() string {
	switch s {
	case SelectedPivot:
		return "selected-pivot"
	case PivotByRule1:
		return "pivot-by-rule1"
	case PivotByRule2:
		return "pivot-by-rule2"
	case PivotByRule3:
		return "pivot-by-rule3"
	case PivotByRule4:
		return "pivot-by-rule4"
	case PivotByRule5:
		return "pivot-by-rule5"
	case ContraPivot:
		return "contra-pivot"
	case AltContraPivot:
		return "alt-contra-pivot"
	default:
		return "outlier"
	}
}

// Interface pairs a dictionary entry with its role in a subnet.
type Interface struct {
	Entry  *dictionary.Entry
	Status InterfaceStatus
}

// Subnet is the ordered-by-prefix record spec.md §3 describes.
type Subnet struct {
	PivotIP         ipaddr.Addr
	Base            ipaddr.Addr
	PrefixLen       int
	AdjustedPrefix  int // 0 = not computed yet

	Interfaces []Interface

	StopDescription     string
	NeedsPostProcessing bool

	// PostProcessed marks a subnet born from a merge; the post-processor
	// refuses to absorb such a subnet a second time.
	PostProcessed bool

	// PartialRoutes holds, per-interface IP, the partial route the peer
	// scanner fills in (spec.md §4.7).
	PartialRoutes map[ipaddr.Addr][]dictionary.RouteHop

	// PreTrailIPs/PreTrailOffset support echo-rule subnets (spec.md §3,
	// §4.8): the non-anonymous hops preceding an echoing trail, and the
	// offset at which they were found.
	PreTrailIPs    []ipaddr.Addr
	PreTrailOffset int
}

// New creates a fresh /32 subnet anchored at pivot.
func New(pivot *dictionary.Entry) *Subnet {
	return &Subnet{
		PivotIP:   pivot.IP,
		Base:      pivot.IP,
		PrefixLen: 32,
		Interfaces: []Interface{
			{Entry: pivot, Status: SelectedPivot},
		},
		PartialRoutes: make(map[ipaddr.Addr][]dictionary.RouteHop),
	}
}

// Pivot returns the currently-selected pivot interface.
func (s *Subnet) Pivot() *Interface {
	for i := range s.Interfaces {
		if s.Interfaces[i].Status == SelectedPivot {
			return &s.Interfaces[i]
		}
	}
	return nil
}

// ContraPivots returns every interface currently labeled ContraPivot.
func (s *Subnet) ContraPivots() []*Interface {
	var out []*Interface
	for i := range s.Interfaces {
		if s.Interfaces[i].Status == ContraPivot {
			out = append(out, &s.Interfaces[i])
		}
	}
	return out
}

// LowerBorder / UpperBorder expose the subnet's current bounds.
func (s *Subnet) LowerBorder() ipaddr.Addr { return ipaddr.LowerBorder(s.Base, s.PrefixLen) }
func (s *Subnet) UpperBorder() ipaddr.Addr { return ipaddr.UpperBorder(s.Base, s.PrefixLen) }

// Contains reports whether ip lies within the subnet's current bounds.
func (s *Subnet) Contains(ip ipaddr.Addr) bool {
	return ipaddr.Contains(s.Base, s.PrefixLen, ip)
}

func (s *Subnet) CIDR() string {
	return ipaddr.CIDR(s.LowerBorder(), s.PrefixLen)
}

func (s *Subnet) String() string {
	adj := ""
	if s.AdjustedPrefix != 0 && s.AdjustedPrefix != s.PrefixLen {
		adj = fmt.Sprintf(" (/%d)", s.AdjustedPrefix)
	}
	return s.CIDR() + adj
}

// DeriveAdjustedPrefix computes the smallest prefix still encompassing
// every interface (spec.md §3's "Optional adjusted prefix"): anchored
// at the subnet's lower border, the prefix shrinks one bit at a time
// until some interface would fall outside, then backs off one step.
func (s *Subnet) DeriveAdjustedPrefix() {
	if s.PrefixLen == 32 || len(s.Interfaces) == 0 {
		s.AdjustedPrefix = s.PrefixLen
		return
	}
	base := s.LowerBorder()
	p := s.PrefixLen
	for p < 32 {
		up := ipaddr.UpperBorder(base, p+1)
		covers := true
		for _, i := range s.Interfaces {
			if i.Entry.IP < base || i.Entry.IP > up {
				covers = false
				break
			}
		}
		if !covers {
			break
		}
		p++
	}
	s.AdjustedPrefix = p
}
