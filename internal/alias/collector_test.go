package alias

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jefgrailet/sage/internal/dictionary"
	"github.com/jefgrailet/sage/internal/ipaddr"
	"github.com/jefgrailet/sage/internal/prober"
)

// scriptedProber answers IP-ID probes from a per-IP counter so the
// collector sees a healthy, monotonic IP-ID sequence without a socket.
type scriptedProber struct {
	counters map[ipaddr.Addr]uint16
	step     uint16
}

func (p *scriptedProber) Probe(ipaddr.Addr, int, bool, uint16, uint16, time.Duration) (prober.Record, error) {
	return prober.Record{}, nil
}

func (p *scriptedProber) ProbeIPID(dst ipaddr.Addr, sent uint16, _ time.Duration) (prober.Record, error) {
	p.counters[dst] += p.step
	return prober.Record{Kind: prober.ReplyEcho, ReplyIP: dst, ReplyIPID: p.counters[dst], ReplyTTL: 61}, nil
}

func (p *scriptedProber) ProbeTimestamp(dst ipaddr.Addr, _ time.Duration) (prober.Record, error) {
	return prober.Record{Kind: prober.ReplyTimestamp, ReplyIP: dst}, nil
}

func (p *scriptedProber) ProbeUDPUnreachable(dst ipaddr.Addr, _ uint16, _ time.Duration) (prober.Record, error) {
	return prober.Record{Kind: prober.ReplyNone}, nil
}

func (p *scriptedProber) ReverseDNS(ipaddr.Addr) (string, error) { return "", nil }
func (p *scriptedProber) Close() error                           { return nil }

func TestCollectBuildsPerStageHints(t *testing.T) {
	pr := &scriptedProber{counters: map[ipaddr.Addr]uint16{}, step: 10}
	c := &Collector{Prober: pr, NbIPIDs: 4, Timeout: time.Millisecond}

	e1 := dictionary.NewEntry(mustIP(t, "10.0.0.1"), dictionary.SeenInTrail)
	e2 := dictionary.NewEntry(mustIP(t, "10.0.0.2"), dictionary.SeenInTrail)
	entries := []*dictionary.Entry{e1, e2}

	c.Collect(entries, dictionary.DuringSubnetDiscovery, 10, 0.35)

	for _, e := range entries {
		h := e.ARHints
		require.NotNil(t, h)
		assert.Equal(t, dictionary.DuringSubnetDiscovery, h.Stage)
		assert.Len(t, h.IPIDs, 4)
		assert.Len(t, h.Delays, 3)
		for i := 1; i < len(h.Tokens); i++ {
			assert.Greater(t, h.Tokens[i], h.Tokens[i-1])
		}
		assert.Equal(t, dictionary.HealthyCounter, h.IPIDCounterClass)
		assert.True(t, h.RepliesToTimestamp)
		assert.Equal(t, uint8(64), h.EchoInitialTTL)
	}

	// Round-robin pacing: e1's i-th token always precedes e2's i-th.
	for i := range e1.ARHints.Tokens {
		assert.Less(t, e1.ARHints.Tokens[i], e2.ARHints.Tokens[i])
	}

	// A second stage opens a fresh record and archives both.
	c.Collect(entries, dictionary.DuringGraphBuilding, 10, 0.35)
	assert.Len(t, e1.AllHints, 2)
	assert.Equal(t, dictionary.DuringGraphBuilding, e1.ARHints.Stage)
	assert.Len(t, e1.ARHints.IPIDs, 4)
}
