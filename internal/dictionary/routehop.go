package dictionary

import "github.com/jefgrailet/sage/internal/ipaddr"

// RouteHop is one hop of a measured or inferred route towards a target
// (spec.md §3). The four states are: Unmeasured (this TTL was never
// probed), Anonymous (probed, but the reply carried no usable source
// address, or the probe simply timed out -- spec.md §7 treats both the
// same way), ViaTraceroute (a concrete IP found during distance
// estimation or reprobing), and PeeringPoint (a concrete IP the peer
// scanner recognized as a neighborhood boundary).
type RouteHop struct {
	State RouteHopState
	IP    ipaddr.Addr

	// RequestTTL is the TTL the probe carrying this hop was sent with;
	// ReplyTTL is the TTL the reply itself arrived with (used to infer
	// the replying hop's own sender-initial-TTL).
	RequestTTL int
	ReplyTTL   uint8
}

// RouteHopState distinguishes the four hop kinds spec.md §3 describes.
type RouteHopState int

const (
	RouteHopUnmeasured RouteHopState = iota
	RouteHopAnonymous
	RouteHopViaTraceroute
	RouteHopPeeringPoint
)

// IsUsable reports whether the hop carries an IP usable for aggregation
// or alias resolution.
func (h RouteHop) IsUsable() bool {
	return (h.State == RouteHopViaTraceroute || h.State == RouteHopPeeringPoint) && !h.IP.IsZero()
}
