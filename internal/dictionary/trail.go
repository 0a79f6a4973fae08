package dictionary

import (
	"fmt"

	"github.com/jefgrailet/sage/internal/ipaddr"
)

// ConflictingITTL is the sentinel recorded when Time-Exceeded initial-TTL
// observations of the same trail IP disagree (spec.md §3, §9 Open
// Questions). 42 is the value the original source stores for such a
// conflict; no separate variant is used.
const ConflictingITTL = 42

// Trail identifies the last recognizable hop before a target (spec.md §3).
// It is either void (zero value), all-anonymous (Length>0, LastValidIP
// zero), or valid (LastValidIP set).
type Trail struct {
	LastValidIP  ipaddr.Addr
	NbAnomalies  int
	AllAnonymous bool
	Length       int // only meaningful when AllAnonymous

	// LastValidIPiTTL is the reply-TTL of the last valid hop, used to
	// infer its sender-initial-TTL per the 32/64/128/255 ladder.
	LastValidIPiTTL uint8

	Direct     bool
	Warping    bool
	Flickering bool
	Echoing    bool
}

// IsVoid reports whether this trail carries no information at all.
func (t Trail) IsVoid() bool {
	return !t.AllAnonymous && t.LastValidIP.IsZero() && t.NbAnomalies == 0
}

// LengthInTTL returns nbAnomalies+1, the original source's
// getLengthInTTL() (Trail.h), used by the post-processor's "pivots span
// multiple TTLs" check.
func (t Trail) LengthInTTL() int {
	if t.AllAnonymous {
		return t.Length
	}
	return t.NbAnomalies + 1
}

// Equal implements spec.md §3's equality rule: two Trails are equal iff
// their last-valid IP and anomaly count are equal. All-anonymous trails
// compare equal only when both are all-anonymous with the same length,
// matching the original's treatment of routes with zero valid hops.
func (t Trail) Equal(o Trail) bool {
	if t.AllAnonymous || o.AllAnonymous {
		return t.AllAnonymous == o.AllAnonymous && t.Length == o.Length
	}
	return t.LastValidIP == o.LastValidIP && t.NbAnomalies == o.NbAnomalies
}

// InferInitialTTL derives the sender-initial-TTL from a reply TTL,
// following the 32/64/128/255 ladder with the correction for targets 32+
// hops away (spec.md §3).
func InferInitialTTL(replyTTL uint8, requestTTL int) uint8 {
	switch {
	case replyTTL <= 32:
		if requestTTL >= 32 {
			// The hop is itself >=32 away from its own originator in a
			// route this long; the 32 rung would under-count, so we
			// promote to the next rung up.
			return 64
		}
		return 32
	case replyTTL <= 64:
		return 64
	case replyTTL <= 128:
		return 128
	default:
		return 255
	}
}

func (t Trail) String() string {
	if t.IsVoid() {
		return "[void]"
	}
	if t.AllAnonymous {
		return fmt.Sprintf("[anonymous x%d]", t.Length)
	}
	if t.NbAnomalies > 0 {
		return fmt.Sprintf("[%s | %d]", t.LastValidIP, t.NbAnomalies)
	}
	return fmt.Sprintf("[%s]", t.LastValidIP)
}
