package prober

import (
	"fmt"
	"net"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/jefgrailet/sage/internal/ipaddr"
)

// baseUDPPort is the first destination port distance probes aim at, in
// the classic traceroute range of ports unlikely to be serviced.
const baseUDPPort = 33434

// UDPProber sends UDP datagrams to unlikely high ports and reads the
// ICMP-wrapped replies: Time-Exceeded marks an intermediate hop,
// Port-Unreachable from the target itself is the terminal liveness
// signal (spec.md §6 "Wire-level behavior"). Alias-hint probes reuse
// the embedded ICMP prober untouched, since hint collection always runs
// over ICMP regardless of the base protocol.
type UDPProber struct {
	*ICMPProber
	pktConn *ipv4.PacketConn
}

// NewUDPProber opens the UDP send socket alongside the ICMP receive
// socket of the embedded prober.
func NewUDPProber(id int, cfg Config) (*UDPProber, error) {
	inner, err := NewICMPProber(id, cfg)
	if err != nil {
		return nil, err
	}
	return &UDPProber{ICMPProber: inner, pktConn: ipv4.NewPacketConn(inner.udpConn)}, nil
}

// Probe sends one UDP datagram with the given TTL. With fixedFlow the
// destination port is pinned so per-flow load balancing sees one flow;
// otherwise the source of flow diversity is the varying port.
func (p *UDPProber) Probe(dst ipaddr.Addr, ttl int, fixedFlow bool, srcPort, dstPort uint16, timeout time.Duration) (Record, error) {
	defer p.regulate()
	if err := p.pktConn.SetTTL(ttl); err != nil {
		return Record{}, fmt.Errorf("[UDPProber.Probe]: %w", err)
	}

	port := dstPort
	if port == 0 {
		port = baseUDPPort + nextIdentifier(srcPort, fixedFlow)%64
	}
	addr := &net.UDPAddr{IP: dst.NetipAddr().AsSlice(), Port: int(port)}

	reqTime := time.Now()
	if _, err := p.udpConn.WriteTo([]byte(p.cfg.PayloadMessage), addr); err != nil {
		return Record{}, fmt.Errorf("[UDPProber.Probe]: %w", err)
	}

	rec := Record{RequestTTL: ttl, RequestTime: reqTime}
	replyMsg, src, replyTTL := p.readReply(timeout)
	if replyMsg == nil && src.IsZero() {
		rec.Kind = ReplyNone
		return rec, nil
	}
	rec.ReplyTime = time.Now()
	rec.ReplyIP = src
	rec.ReplyTTL = replyTTL
	if replyMsg == nil {
		rec.Kind = ReplyOther
		return rec, nil
	}
	if t, ok := replyMsg.Type.(ipv4.ICMPType); ok {
		rec.ReplyICMPType = int(t)
	}
	rec.ReplyICMPCode = replyMsg.Code

	switch {
	case replyMsg.Type == ipv4.ICMPTypeTimeExceeded:
		rec.Kind = ReplyTimeExceeded
	case replyMsg.Type == ipv4.ICMPTypeDestinationUnreachable && replyMsg.Code == 3:
		rec.Kind = ReplyPortUnreachable
	default:
		rec.Kind = ReplyOther
	}
	return rec, nil
}
