package dictionary

import (
	"github.com/jefgrailet/sage/internal/ipaddr"
)

// EntryType is the original source's five-way IPTableEntry classification
// (IPTableEntry.h), kept as five distinct states rather than collapsed,
// per SPEC_FULL.md §3.
type EntryType int

const (
	ResponsiveTarget EntryType = iota
	SuccessfullyScanned
	UnsuccessfullyScanned
	SeenInTrail
	SeenWithTraceroute
)

func (t EntryType) String() string {
	switch t {
	case ResponsiveTarget:
		return "responsive-target"
	case SuccessfullyScanned:
		return "successfully-scanned"
	case UnsuccessfullyScanned:
		return "unsuccessfully-scanned"
	case SeenInTrail:
		return "seen-in-trail"
	case SeenWithTraceroute:
		return "seen-with-traceroute"
	default:
		return "unknown"
	}
}

// Entry is one IP's full record in the dictionary (spec.md §3 "IP entry").
// Not every field is populated at every stage: TTL/TTLs/route/trail are
// only meaningful once the owning phase has run.
type Entry struct {
	IP   ipaddr.Addr
	Type EntryType

	// TTL is the smallest reply-derived distance estimate observed so
	// far, in hops; TTLs accumulates every distinct observation seen
	// across probes (a target can yield more than one TTL across rounds,
	// e.g. due to load balancing), PreferredTimeout is the per-entry
	// timeout in effect when the Prescanner first got a reply from the
	// IP.
	TTL              int
	TTLs             []int
	PreferredTimeout int // milliseconds

	// TimeExceedediTTL is the inferred sender-initial-TTL of the last
	// Time-Exceeded reply naming this IP as a hop (see InferInitialTTL),
	// or ConflictingITTL if two inconsistent observations were merged.
	TimeExceedediTTL uint8

	Route []RouteHop
	Trail Trail

	// TrailIP and Warping describe this IP as the trail IP of some scanned
	// target (Warping: it was seen there at two or more distances).
	// Flickering is set both on the three targets of a flickering trio and
	// on their trail IPs. Echoing marks a scanned target whose own trail
	// IP is itself, alongside its Trail.Echoing.
	TrailIP    bool
	Warping    bool
	Flickering bool
	Echoing    bool

	// DenotingNeighborhood marks an IP that DetectSpecialIPs found as the
	// trail IP of some scanned target, i.e. a neighborhood boundary.
	DenotingNeighborhood bool

	// Blindspot marks a miscellaneous IP of some aggregate that the
	// graph-building alias set aliases to a neighborhood-denoting IP.
	Blindspot bool

	// FlickeringPeers lists the other IPs this one was seen flickering
	// against, feeding the alias resolver's trio-grouping step.
	FlickeringPeers []ipaddr.Addr

	// ARHints carries this IP's latest alias-resolution hints once
	// collected (nil until collection runs for this IP); AllHints keeps
	// one record per probing stage, in collection order.
	ARHints  *AliasHints
	AllHints []*AliasHints
}

// StartHints opens a fresh hint record for stage, archiving it in
// AllHints and making it the latest.
func (e *Entry) StartHints(stage CollectionStage) *AliasHints {
	h := &AliasHints{Stage: stage, TimeExceededInitialTTL: e.TimeExceedediTTL}
	e.ARHints = h
	e.AllHints = append(e.AllHints, h)
	return h
}

// NewEntry creates a fresh dictionary entry for ip with the given type.
func NewEntry(ip ipaddr.Addr, t EntryType) *Entry {
	return &Entry{IP: ip, Type: t}
}

// RecordTTL appends an observed distance if it has not already been seen,
// and keeps TTL pointed at the minimum observation.
func (e *Entry) RecordTTL(ttl int) {
	if len(e.TTLs) == 0 || ttl < e.TTL {
		e.TTL = ttl
	}
	for _, v := range e.TTLs {
		if v == ttl {
			return
		}
	}
	e.TTLs = append(e.TTLs, ttl)
}

// RecordTimeExceedediTTL merges a newly observed initial-TTL inference,
// recording ConflictingITTL when two observations disagree (spec.md §9
// Open Questions, resolved in SPEC_FULL.md §3).
func (e *Entry) RecordTimeExceedediTTL(inferred uint8) {
	if e.TimeExceedediTTL == 0 {
		e.TimeExceedediTTL = inferred
		return
	}
	if e.TimeExceedediTTL != ConflictingITTL && e.TimeExceedediTTL != inferred {
		e.TimeExceedediTTL = ConflictingITTL
	}
}

// AliasHints holds everything the alias-resolution engine (C9) has
// collected about one IP. Populated in stages as spec.md §4.9 describes:
// EMPTY_HINTS until the first collection stage that touches this IP runs.
type AliasHints struct {
	Stage CollectionStage

	// IPIDs/Tokens/Echoes/Delays are parallel arrays, one entry per
	// round-robin IP-ID probe (spec.md §3, §4.9): Tokens is the shared
	// monotonic counter value at send time, Echoes[i] is true iff
	// IPIDs[i] equals the IP-ID that was sent, Delays holds the
	// microsecond gaps between consecutive probes (length N-1).
	IPIDs  []uint16
	Tokens []uint64
	Echoes []bool
	Delays []int64

	IPIDCounterClass CounterClass
	VelocityLower    float64
	VelocityUpper    float64

	ReverseDNS string

	TimeExceededInitialTTL uint8
	EchoInitialTTL         uint8
	RepliesToTimestamp     bool

	UDPSourceIP   ipaddr.Addr
	UDPHasSource  bool
	UDPSecondary  bool
}

// CollectionStage is the original source's probing-stage enum
// (AliasHints.h), kept verbatim.
type CollectionStage int

const (
	EmptyHints CollectionStage = iota
	DuringSubnetDiscovery
	DuringGraphBuilding
	DuringFullAliasResolution
)

// CounterClass is the original source's IPIDCounterClasses enum
// (AliasHints.h), kept verbatim.
type CounterClass int

const (
	NoIdea CounterClass = iota
	HealthyCounter
	FastCounter
	RandomCounter
	EchoCounter
)
