package prober

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/jefgrailet/sage/internal/ipaddr"
)

// tcpProbePort is the destination port SYN probes aim at; 80 maximizes
// the odds of crossing filters, and no handshake is ever completed.
const tcpProbePort = 80

// TCPProber sends raw TCP SYNs (never completing the handshake) and
// treats a SYN-ACK or RST from the target as the terminal reply;
// Time-Exceeded still arrives on the embedded prober's ICMP socket.
// Source ports vary for flow diversity unless fixed-flow pins them
// (spec.md §6 "Wire-level behavior"; the tool warns about SYN-flood
// regulation at startup). Alias-hint probes reuse the embedded ICMP
// prober untouched.
type TCPProber struct {
	*ICMPProber
	tcpConn net.PacketConn
	rawConn *ipv4.RawConn
	srcIP   ipaddr.Addr
}

// NewTCPProber opens the raw TCP socket alongside the embedded ICMP
// prober's sockets.
func NewTCPProber(id int, cfg Config) (*TCPProber, error) {
	inner, err := NewICMPProber(id, cfg)
	if err != nil {
		return nil, err
	}
	tcpConn, err := net.ListenPacket("ip4:tcp", bindAddr(cfg.Interface))
	if err != nil {
		inner.Close()
		return nil, fmt.Errorf("[prober.NewTCPProber]: %w", err)
	}
	rawConn, err := ipv4.NewRawConn(tcpConn)
	if err != nil {
		tcpConn.Close()
		inner.Close()
		return nil, fmt.Errorf("[prober.NewTCPProber]: %w", err)
	}
	src, err := localIPv4(cfg.Interface)
	if err != nil {
		tcpConn.Close()
		inner.Close()
		return nil, fmt.Errorf("[prober.NewTCPProber]: %w", err)
	}
	return &TCPProber{ICMPProber: inner, tcpConn: tcpConn, rawConn: rawConn, srcIP: src}, nil
}

func (p *TCPProber) Close() error {
	err := p.tcpConn.Close()
	if e := p.ICMPProber.Close(); err == nil {
		err = e
	}
	return err
}

// localIPv4 resolves the source address raw TCP checksums need: the
// bound interface's first IPv4 address, or the default route's.
func localIPv4(iface string) (ipaddr.Addr, error) {
	if bound := bindAddr(iface); bound != "0.0.0.0" {
		return ipaddr.Parse(bound)
	}
	conn, err := net.Dial("udp4", "192.0.2.1:9")
	if err != nil {
		return ipaddr.Zero, err
	}
	defer conn.Close()
	local := conn.LocalAddr().(*net.UDPAddr)
	return ipaddr.Parse(local.IP.String())
}

// Probe emits one SYN with the given TTL and waits for either an
// ICMP Time-Exceeded (intermediate hop) or a SYN-ACK/RST from the
// target (terminal reply, reported as ReplyEcho so callers see one
// uniform "the target answered" signal).
func (p *TCPProber) Probe(dst ipaddr.Addr, ttl int, fixedFlow bool, srcPort, dstPort uint16, timeout time.Duration) (Record, error) {
	defer p.regulate()
	sport := srcPort
	if sport == 0 {
		sport = 33000
	}
	sport += nextIdentifier(0, fixedFlow) % 512
	dport := dstPort
	if dport == 0 {
		dport = tcpProbePort
	}
	seq := uint32(time.Now().UnixNano())

	pkt := buildSYN(p.srcIP, dst, sport, dport, seq)
	hdr := &ipv4.Header{
		Version:  ipv4.Version,
		Len:      ipv4.HeaderLen,
		TotalLen: ipv4.HeaderLen + len(pkt),
		TTL:      ttl,
		Protocol: 6,
		Dst:      dst.NetipAddr().AsSlice(),
	}

	reqTime := time.Now()
	if err := p.rawConn.WriteTo(hdr, pkt, nil); err != nil {
		return Record{}, fmt.Errorf("[TCPProber.Probe]: %w", err)
	}

	rec := Record{RequestTTL: ttl, RequestTime: reqTime}

	// The answer arrives on one of two sockets; poll both under the
	// shared deadline, TCP first since the terminal reply matters most.
	deadline := reqTime.Add(timeout)
	for time.Now().Before(deadline) {
		if got := p.readSYNReply(dst, sport, 50*time.Millisecond, &rec); got {
			return rec, nil
		}
		replyMsg, src, replyTTL := p.readReply(50 * time.Millisecond)
		if replyMsg == nil && src.IsZero() {
			continue
		}
		rec.ReplyTime = time.Now()
		rec.ReplyIP = src
		rec.ReplyTTL = replyTTL
		if replyMsg != nil && replyMsg.Type == ipv4.ICMPTypeTimeExceeded {
			rec.Kind = ReplyTimeExceeded
		} else {
			rec.Kind = ReplyOther
		}
		return rec, nil
	}
	rec.Kind = ReplyNone
	return rec, nil
}

// readSYNReply polls the raw TCP socket for a SYN-ACK or RST from dst
// matching our source port; fills rec and reports true when one landed.
func (p *TCPProber) readSYNReply(dst ipaddr.Addr, sport uint16, wait time.Duration, rec *Record) bool {
	p.rawConn.SetReadDeadline(time.Now().Add(wait))
	buf := make([]byte, 1500)
	hdr, payload, _, err := p.rawConn.ReadFrom(buf)
	if err != nil || hdr == nil || len(payload) < 20 {
		return false
	}
	src, perr := ipaddr.Parse(hdr.Src.String())
	if perr != nil || src != dst {
		return false
	}
	if binary.BigEndian.Uint16(payload[2:4]) != sport {
		return false
	}
	flags := payload[13]
	synAck := flags&0x12 == 0x12
	rst := flags&0x04 != 0
	if !synAck && !rst {
		return false
	}
	rec.ReplyTime = time.Now()
	rec.ReplyIP = src
	rec.ReplyTTL = uint8(hdr.TTL)
	rec.ReplyIPID = uint16(hdr.ID)
	rec.Kind = ReplyEcho
	return true
}

// buildSYN assembles a 20-byte TCP header with only SYN set and a
// correct pseudo-header checksum.
func buildSYN(src, dst ipaddr.Addr, sport, dport uint16, seq uint32) []byte {
	h := make([]byte, 20)
	binary.BigEndian.PutUint16(h[0:2], sport)
	binary.BigEndian.PutUint16(h[2:4], dport)
	binary.BigEndian.PutUint32(h[4:8], seq)
	h[12] = 5 << 4 // data offset: 5 words
	h[13] = 0x02   // SYN
	binary.BigEndian.PutUint16(h[14:16], 65535)

	pseudo := make([]byte, 12)
	binary.BigEndian.PutUint32(pseudo[0:4], uint32(src))
	binary.BigEndian.PutUint32(pseudo[4:8], uint32(dst))
	pseudo[9] = 6
	binary.BigEndian.PutUint16(pseudo[10:12], uint16(len(h)))

	binary.BigEndian.PutUint16(h[16:18], tcpChecksum(pseudo, h))
	return h
}

func tcpChecksum(pseudo, segment []byte) uint16 {
	var sum uint32
	addAll := func(b []byte) {
		for i := 0; i+1 < len(b); i += 2 {
			sum += uint32(binary.BigEndian.Uint16(b[i : i+2]))
		}
		if len(b)%2 == 1 {
			sum += uint32(b[len(b)-1]) << 8
		}
	}
	addAll(pseudo)
	addAll(segment)
	for sum>>16 != 0 {
		sum = sum&0xFFFF + sum>>16
	}
	return ^uint16(sum)
}
