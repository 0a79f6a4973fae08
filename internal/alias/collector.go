package alias

import (
	"sync/atomic"
	"time"

	"github.com/jefgrailet/sage/internal/dictionary"
	"github.com/jefgrailet/sage/internal/prober"
)

// Collector fires the four alias-resolution probe kinds spec.md §4.9
// describes, pacing IP-ID probes with a single shared, monotonically
// increasing token counter (spec.md §5's mutex (d): "acquisition of a
// token is an atomic increment").
type Collector struct {
	Prober  prober.Prober
	NbIPIDs int
	Timeout time.Duration

	tokenCounter uint64
}

func (c *Collector) nextToken() uint64 {
	return atomic.AddUint64(&c.tokenCounter, 1)
}

// CollectRound robin-fires one IP-ID probe per IP in ips, in order, so
// that no IP's i-th probe precedes another IP's (i-1)-th (spec.md §4.9).
// Call it NbIPIDs times, once per round, across the whole IP set.
// lastSent records, per entry index, when that IP's previous IP-ID probe
// went out, so the hint's delay sequence measures the gap between
// successive probes of the same IP.
func (c *Collector) CollectRound(entries []*dictionary.Entry, lastSent []time.Time) {
	for i, e := range entries {
		h := e.ARHints
		token := c.nextToken()
		sent := uint16(token % 65536)

		reqTime := time.Now()
		rec, err := c.Prober.ProbeIPID(e.IP, sent, c.Timeout)
		if err != nil || rec.Kind != prober.ReplyEcho {
			continue
		}
		if len(h.IPIDs) > 0 && !lastSent[i].IsZero() {
			h.Delays = append(h.Delays, reqTime.Sub(lastSent[i]).Microseconds())
		}
		lastSent[i] = reqTime
		h.IPIDs = append(h.IPIDs, rec.ReplyIPID)
		h.Tokens = append(h.Tokens, token)
		h.Echoes = append(h.Echoes, rec.ReplyIPID == sent)
		if rec.ReplyTTL > 0 && h.EchoInitialTTL == 0 {
			h.EchoInitialTTL = dictionary.InferInitialTTL(rec.ReplyTTL, 0)
		}
	}
}

// CollectAncillary issues the one-shot ICMP-timestamp, reverse-DNS and
// UDP-port-unreachable probes spec.md §4.9 lists.
func (c *Collector) CollectAncillary(e *dictionary.Entry) {
	h := e.ARHints

	if rec, err := c.Prober.ProbeTimestamp(e.IP, c.Timeout); err == nil && rec.Kind == prober.ReplyTimestamp {
		h.RepliesToTimestamp = true
	}

	if name, err := c.Prober.ReverseDNS(e.IP); err == nil && name != "" {
		h.ReverseDNS = name
	}

	if rec, err := c.Prober.ProbeUDPUnreachable(e.IP, unlikelyHighPort, c.Timeout); err == nil && rec.Kind == prober.ReplyPortUnreachable {
		h.UDPSourceIP = rec.ReplyIP
		h.UDPHasSource = true
		h.UDPSecondary = rec.ReplyIP != e.IP
	}
}

const unlikelyHighPort = 58723

// Collect opens a fresh per-stage hint record for every IP in entries,
// runs NbIPIDs round-robin IP-ID rounds plus the ancillary probes, then
// finalizes each hint's counter class.
func (c *Collector) Collect(entries []*dictionary.Entry, stage dictionary.CollectionStage, maxRollovers int, maxError float64) {
	for _, e := range entries {
		e.StartHints(stage)
	}
	lastSent := make([]time.Time, len(entries))
	for round := 0; round < c.NbIPIDs; round++ {
		c.CollectRound(entries, lastSent)
	}
	for _, e := range entries {
		c.CollectAncillary(e)
		Finalize(e.ARHints, maxRollovers, maxError)
	}
}
