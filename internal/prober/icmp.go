package prober

import (
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"

	"github.com/jefgrailet/sage/internal/ipaddr"
)

// ICMPProber is the default Prober implementation: ICMP Echo for
// liveness/distance/IP-ID probing, ICMP Time-Exceeded recognition for
// traceroute hops, ICMP Timestamp for timestamp-support hints, and a UDP
// socket for Port-Unreachable hints (spec.md §6 "Wire-level behavior").
// Sender identifiers are round-robin-allocated per worker by the caller
// (the scan/prescan/peer packages), never by this type, so that replies
// cannot be misattributed across workers sharing the same prober pool
// (spec.md §4.2, §5).
type ICMPProber struct {
	conn    *icmp.PacketConn
	udpConn *net.UDPConn
	id      int
	cfg     Config
}

// NewICMPProber opens the raw ICMP socket this prober needs. Per
// spec.md §5, callers should open one sentinel prober at startup and
// discard it to detect privilege failures before scheduling any work.
func NewICMPProber(id int, cfg Config) (*ICMPProber, error) {
	conn, err := icmp.ListenPacket("ip4:icmp", bindAddr(cfg.Interface))
	if err != nil {
		return nil, fmt.Errorf("[prober.NewICMPProber]: %w", err)
	}
	conn.IPv4PacketConn().SetControlMessage(ipv4.FlagTTL, true)
	udpConn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("[prober.NewICMPProber]: %w", err)
	}
	return &ICMPProber{conn: conn, udpConn: udpConn, id: id, cfg: cfg}, nil
}

func bindAddr(iface string) string {
	if iface == "" {
		return "0.0.0.0"
	}
	ifc, err := net.InterfaceByName(iface)
	if err != nil {
		return "0.0.0.0"
	}
	addrs, err := ifc.Addrs()
	if err != nil || len(addrs) == 0 {
		return "0.0.0.0"
	}
	if ipNet, ok := addrs[0].(*net.IPNet); ok {
		return ipNet.IP.String()
	}
	return "0.0.0.0"
}

func (p *ICMPProber) Close() error {
	err1 := p.conn.Close()
	err2 := p.udpConn.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// readReply waits up to timeout for one ICMP packet, reporting its
// parsed message, the source address, and the reply's remaining TTL
// (from the control message). A nil message with a zero source means
// timeout.
func (p *ICMPProber) readReply(timeout time.Duration) (*icmp.Message, ipaddr.Addr, uint8) {
	pc := p.conn.IPv4PacketConn()
	pc.SetReadDeadline(time.Now().Add(timeout))

	rb := make([]byte, 1500)
	n, cm, src, err := pc.ReadFrom(rb)
	if err != nil {
		return nil, ipaddr.Zero, 0
	}

	var replyTTL uint8
	if cm != nil {
		replyTTL = uint8(cm.TTL)
	}
	var srcIP ipaddr.Addr
	if ipAddr, ok := src.(*net.IPAddr); ok {
		srcIP, _ = ipaddr.Parse(ipAddr.IP.String())
	}

	msg, err := icmp.ParseMessage(1, rb[:n])
	if err != nil {
		return nil, srcIP, replyTTL
	}
	return msg, srcIP, replyTTL
}

// regulate enforces the per-probe pacing delay (spec.md §5
// ProbeRegulatingPeriod) after every distance/liveness probe. Alias
// IP-ID probes deliberately skip it: their inter-probe delays feed the
// velocity estimates and must stay as tight as the network allows.
func (p *ICMPProber) regulate() {
	if p.cfg.ProbeRegulatingDelay > 0 {
		time.Sleep(p.cfg.ProbeRegulatingDelay)
	}
}

func (p *ICMPProber) send(msg icmp.Message, dst ipaddr.Addr) error {
	wb, err := msg.Marshal(nil)
	if err != nil {
		return err
	}
	_, err = p.conn.WriteTo(wb, &net.IPAddr{IP: dst.NetipAddr().AsSlice()})
	return err
}

// Probe sends a single ICMP Echo with the given TTL and waits for
// either a Time-Exceeded or an Echo Reply (spec.md §4.2, §6).
func (p *ICMPProber) Probe(dst ipaddr.Addr, ttl int, fixedFlow bool, srcPort, dstPort uint16, timeout time.Duration) (Record, error) {
	defer p.regulate()
	pc := p.conn.IPv4PacketConn()
	if err := pc.SetTTL(ttl); err != nil {
		return Record{}, fmt.Errorf("[ICMPProber.Probe]: %w", err)
	}

	sentID := nextIdentifier(srcPort, fixedFlow)
	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho, Code: 0,
		Body: &icmp.Echo{ID: p.id, Seq: int(sentID), Data: []byte(p.cfg.PayloadMessage)},
	}

	reqTime := time.Now()
	if err := p.send(msg, dst); err != nil {
		return Record{}, fmt.Errorf("[ICMPProber.Probe]: %w", err)
	}

	rec := Record{RequestTTL: ttl, RequestTime: reqTime, SentIPID: sentID}
	replyMsg, src, replyTTL := p.readReply(timeout)
	if replyMsg == nil && src.IsZero() {
		rec.Kind = ReplyNone
		return rec, nil // timeout is not an error (spec.md §7)
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

	switch replyMsg.Type {
	case ipv4.ICMPTypeEchoReply:
		rec.Kind = ReplyEcho
		if echo, ok := replyMsg.Body.(*icmp.Echo); ok {
			rec.ReplyIPID = uint16(echo.Seq)
		}
	case ipv4.ICMPTypeTimeExceeded:
		rec.Kind = ReplyTimeExceeded
	case ipv4.ICMPTypeDestinationUnreachable:
		if replyMsg.Code == 3 {
			rec.Kind = ReplyPortUnreachable
		} else {
			rec.Kind = ReplyOther
		}
	default:
		rec.Kind = ReplyOther
	}
	return rec, nil
}

// ProbeIPID sends an ICMP Echo carrying a caller-chosen IP-ID (encoded in
// the sequence number, mirroring spec.md's token/IP-ID pairing for the
// Ally method) and reports what came back.
func (p *ICMPProber) ProbeIPID(dst ipaddr.Addr, sentIPID uint16, timeout time.Duration) (Record, error) {
	pc := p.conn.IPv4PacketConn()
	pc.SetTTL(64)

	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho, Code: 0,
		Body: &icmp.Echo{ID: p.id, Seq: int(sentIPID), Data: []byte(p.cfg.PayloadMessage)},
	}

	reqTime := time.Now()
	if err := p.send(msg, dst); err != nil {
		return Record{}, fmt.Errorf("[ICMPProber.ProbeIPID]: %w", err)
	}

	rec := Record{RequestTime: reqTime, SentIPID: sentIPID}
	replyMsg, src, replyTTL := p.readReply(timeout)
	if replyMsg == nil && src.IsZero() {
		rec.Kind = ReplyNone
		return rec, nil
	}
	rec.ReplyTime = time.Now()
	rec.ReplyIP = src
	rec.ReplyTTL = replyTTL
	if replyMsg == nil || replyMsg.Type != ipv4.ICMPTypeEchoReply {
		rec.Kind = ReplyOther
		return rec, nil
	}
	rec.Kind = ReplyEcho
	if echo, ok := replyMsg.Body.(*icmp.Echo); ok {
		rec.ReplyIPID = uint16(echo.Seq)
	}
	return rec, nil
}

// ProbeTimestamp issues an ICMP Timestamp request (spec.md §4.9 hint
// collection: "one ICMP-timestamp probe -> replies-to-timestamp flag").
// The body is the raw 16-byte id/seq/originate/receive/transmit layout
// the type requires.
func (p *ICMPProber) ProbeTimestamp(dst ipaddr.Addr, timeout time.Duration) (Record, error) {
	body := make([]byte, 16)
	body[0] = byte(p.id >> 8)
	body[1] = byte(p.id)
	body[3] = 1 // sequence
	msg := icmp.Message{
		Type: ipv4.ICMPTypeTimestamp, Code: 0,
		Body: &icmp.RawBody{Data: body},
	}

	reqTime := time.Now()
	if err := p.send(msg, dst); err != nil {
		return Record{}, fmt.Errorf("[ICMPProber.ProbeTimestamp]: %w", err)
	}

	rec := Record{RequestTime: reqTime}
	replyMsg, src, replyTTL := p.readReply(timeout)
	if replyMsg == nil && src.IsZero() {
		rec.Kind = ReplyNone
		return rec, nil
	}
	rec.ReplyTime = time.Now()
	rec.ReplyIP = src
	rec.ReplyTTL = replyTTL
	if replyMsg == nil || replyMsg.Type != ipv4.ICMPTypeTimestampReply {
		rec.Kind = ReplyOther
		return rec, nil
	}
	rec.Kind = ReplyTimestamp
	if raw, ok := replyMsg.Body.(*icmp.RawBody); ok && len(raw.Data) >= 16 {
		rec.TimestampOriginate = be32(raw.Data[4:8])
		rec.TimestampReceive = be32(raw.Data[8:12])
		rec.TimestampTransmit = be32(raw.Data[12:16])
	}
	return rec, nil
}

func be32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// ProbeUDPUnreachable sends a UDP datagram to an unlikely high port and
// waits on the ICMP socket for a Port-Unreachable (spec.md §4.9, §6).
func (p *ICMPProber) ProbeUDPUnreachable(dst ipaddr.Addr, dstPort uint16, timeout time.Duration) (Record, error) {
	reqTime := time.Now()
	addr := &net.UDPAddr{IP: dst.NetipAddr().AsSlice(), Port: int(dstPort)}
	if _, err := p.udpConn.WriteTo([]byte(p.cfg.PayloadMessage), addr); err != nil {
		return Record{}, fmt.Errorf("[ICMPProber.ProbeUDPUnreachable]: %w", err)
	}

	rec := Record{RequestTime: reqTime}
	replyMsg, src, replyTTL := p.readReply(timeout)
	if replyMsg == nil && src.IsZero() {
		rec.Kind = ReplyNone
		return rec, nil
	}
	rec.ReplyTime = time.Now()
	rec.ReplyIP = src
	rec.ReplyTTL = replyTTL
	if replyMsg == nil || replyMsg.Type != ipv4.ICMPTypeDestinationUnreachable || replyMsg.Code != 3 {
		rec.Kind = ReplyOther
		return rec, nil
	}
	rec.Kind = ReplyPortUnreachable
	return rec, nil
}

func (p *ICMPProber) ReverseDNS(dst ipaddr.Addr) (string, error) {
	names, err := net.LookupAddr(dst.String())
	if err != nil || len(names) == 0 {
		return "", err
	}
	return names[0], nil
}

var seqCounter uint32

// nextIdentifier derives the flow identifier for one probe: pinned to
// the worker's base under fixed-flow (Paris-traceroute style), varied
// otherwise. The counter is shared by every prober in the process, so
// it bumps atomically.
func nextIdentifier(base uint16, fixedFlow bool) uint16 {
	if fixedFlow {
		return base
	}
	return base + uint16(atomic.AddUint32(&seqCounter, 1))
}
