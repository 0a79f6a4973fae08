// Package prober defines the single-probe request/reply abstraction the
// core consumes (C2, spec.md §4.2). The wire-level implementation is an
// external collaborator per spec.md §1; this package's interface is what
// matters to every other package, plus concrete ICMP, UDP and TCP
// implementations so the tool is buildable end to end.
package prober

import (
	"time"

	"github.com/jefgrailet/sage/internal/ipaddr"
)

// Protocol selects the base probing protocol (spec.md §6, `-p` flag).
type Protocol int

const (
	ICMP Protocol = iota
	UDP
	TCP
)

func (p Protocol) String() string {
	switch p {
	case UDP:
		return "UDP"
	case TCP:
		return "TCP"
	default:
		return "ICMP"
	}
}

// ReplyKind classifies what, if anything, came back.
type ReplyKind int

const (
	ReplyNone ReplyKind = iota // timeout: no packet at all
	ReplyTimeExceeded
	ReplyEcho
	ReplyPortUnreachable
	ReplyTimestamp
	ReplyOther
)

// New opens the concrete prober matching the base probing protocol
// (spec.md §6's -p flag): ICMP Echo, UDP-to-high-port, or TCP SYN
// semantics for the distance/liveness probes. Alias-hint probing always
// runs over an ICMP prober regardless (spec.md §6 "Wire-level
// behavior").
func New(proto Protocol, id int, cfg Config) (Prober, error) {
	switch proto {
	case UDP:
		return NewUDPProber(id, cfg)
	case TCP:
		return NewTCPProber(id, cfg)
	default:
		return NewICMPProber(id, cfg)
	}
}

// Record is the result of exactly one probe (spec.md §4.2 ProbeRecord).
type Record struct {
	Kind ReplyKind

	// ReplyIP is the source address of whatever came back; zero if
	// ReplyKind is ReplyNone.
	ReplyIP ipaddr.Addr

	ReplyICMPType int
	ReplyICMPCode int

	SentIPID  uint16
	ReplyIPID uint16

	ReplyTTL   uint8
	RequestTTL int

	// Timestamp* fields are only populated for the ICMP-timestamp
	// alias-hint probe variant.
	TimestampOriginate uint32
	TimestampReceive   uint32
	TimestampTransmit  uint32

	RequestTime time.Time
	ReplyTime   time.Time
}

// RTT returns the measured round-trip time, or zero if there was no
// reply.
func (r Record) RTT() time.Duration {
	if r.Kind == ReplyNone {
		return 0
	}
	return r.ReplyTime.Sub(r.RequestTime)
}

// Prober is the abstraction every other package probes through
// (spec.md §4.2). fixedFlow requests Paris-traceroute-style flow
// identifiers so load balancers treat successive probes identically.
type Prober interface {
	Probe(dst ipaddr.Addr, ttl int, fixedFlow bool, srcPort, dstPort uint16, timeout time.Duration) (Record, error)

	// ProbeIPID is the alias-hint collector's IP-ID probe variant: an
	// ICMP Echo carrying a specific IP-ID to send, returning the one
	// that came back.
	ProbeIPID(dst ipaddr.Addr, sentIPID uint16, timeout time.Duration) (Record, error)

	// ProbeTimestamp issues an ICMP Timestamp request.
	ProbeTimestamp(dst ipaddr.Addr, timeout time.Duration) (Record, error)

	// ProbeUDPUnreachable sends a UDP datagram to an unlikely high port
	// and reports any Port-Unreachable response.
	ProbeUDPUnreachable(dst ipaddr.Addr, dstPort uint16, timeout time.Duration) (Record, error)

	// ReverseDNS resolves dst's PTR record, if any.
	ReverseDNS(dst ipaddr.Addr) (string, error)

	// Close releases the prober's socket(s). Safe to call once per
	// worker lifetime (spec.md §5 "sockets are scoped to worker
	// lifetime").
	Close() error
}

// Config bundles the ambient settings every concrete Prober needs.
type Config struct {
	Interface            string
	PayloadMessage       string
	ProbeRegulatingDelay time.Duration
}
