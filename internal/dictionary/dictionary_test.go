package dictionary

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jefgrailet/sage/internal/ipaddr"
)

func mustParse(t *testing.T, s string) ipaddr.Addr {
	t.Helper()
	a, err := ipaddr.Parse(s)
	require.NoError(t, err)
	return a
}

func TestCreateDistinguishesFromLookup(t *testing.T) {
	d := New(64)
	ip := mustParse(t, "10.0.0.1")

	e1, created := d.Create(ip, ResponsiveTarget)
	assert.True(t, created)
	require.NotNil(t, e1)

	e2, created := d.Create(ip, ResponsiveTarget)
	assert.False(t, created)
	assert.Same(t, e1, e2)

	e3, found := d.Lookup(ip)
	assert.True(t, found)
	assert.Same(t, e1, e3)

	_, found = d.Lookup(mustParse(t, "10.0.0.2"))
	assert.False(t, found)
}

func TestBucketsStaySortedByIP(t *testing.T) {
	d := New(64)
	ips := []string{"10.0.0.5", "10.0.0.1", "10.0.0.9", "10.0.0.3"}
	for _, s := range ips {
		d.Create(mustParse(t, s), ResponsiveTarget)
	}
	var seen []ipaddr.Addr
	d.All(func(e *Entry) { seen = append(seen, e.IP) })
	for i := 1; i < len(seen); i++ {
		assert.Less(t, seen[i-1], seen[i])
	}
	assert.Equal(t, 4, d.Count())
}

// Seed scenario 1 (spec.md §8): prescan filter leaves only responsive
// targets in the dictionary. This test exercises the post-scan-labeling
// half of that pipeline stage: an entry with no TTL observation is
// unsuccessfully-scanned.
func TestPostScanLabelingNoTTLIsFail(t *testing.T) {
	d := New(64)
	e, _ := d.Create(mustParse(t, "10.0.0.1"), ResponsiveTarget)
	_ = e

	d.PostScanLabeling()

	got, _ := d.Lookup(mustParse(t, "10.0.0.1"))
	assert.Equal(t, UnsuccessfullyScanned, got.Type)
}

func TestPostScanLabelingVoidTrailAboveOneHopIsFail(t *testing.T) {
	d := New(64)
	e, _ := d.Create(mustParse(t, "10.0.0.1"), ResponsiveTarget)
	e.RecordTTL(3)

	d.PostScanLabeling()

	assert.Equal(t, UnsuccessfullyScanned, e.Type)
}

func TestPostScanLabelingWithTrailIsOK(t *testing.T) {
	d := New(64)
	e, _ := d.Create(mustParse(t, "10.0.0.1"), ResponsiveTarget)
	e.RecordTTL(3)
	e.Trail = Trail{LastValidIP: mustParse(t, "10.0.0.2"), NbAnomalies: 0}

	d.PostScanLabeling()

	assert.Equal(t, SuccessfullyScanned, e.Type)
}

func TestDetectSpecialIPsCreatesTrailEntryAndFlagsTrailIP(t *testing.T) {
	d := New(64)
	target := mustParse(t, "10.0.0.1")
	trailer := mustParse(t, "10.0.0.2")

	e, _ := d.Create(target, ResponsiveTarget)
	e.RecordTTL(3)
	e.Type = SuccessfullyScanned
	e.Trail = Trail{LastValidIP: trailer, NbAnomalies: 0}

	d.DetectSpecialIPs()

	trailEntry, ok := d.Lookup(trailer)
	require.True(t, ok)
	assert.Equal(t, SeenInTrail, trailEntry.Type)
	assert.True(t, trailEntry.TrailIP)
}

func TestDetectSpecialIPsFlagsEchoingWhenTrailIsSelf(t *testing.T) {
	d := New(64)
	target := mustParse(t, "10.0.0.1")

	e, _ := d.Create(target, ResponsiveTarget)
	e.RecordTTL(3)
	e.Type = SuccessfullyScanned
	e.Trail = Trail{LastValidIP: target, NbAnomalies: 0}

	d.DetectSpecialIPs()

	assert.True(t, e.Trail.Echoing)
}

// Flickering window per spec.md §4.1: three consecutive scanned-OK
// entries at the same TTL with no anomalies, where cur's trail-IP
// equals prevPrev's but differs from prev's, and the address delta
// falls in (0, MaxFlickeringDelta].
func TestDetectSpecialIPsFlagsFlickeringTrio(t *testing.T) {
	d := New(64)
	trailA := mustParse(t, "192.168.0.1")
	trailB := mustParse(t, "192.168.0.2")

	mk := func(ip string, trail ipaddr.Addr) *Entry {
		e, _ := d.Create(mustParse(t, ip), ResponsiveTarget)
		e.RecordTTL(4)
		e.Type = SuccessfullyScanned
		e.Trail = Trail{LastValidIP: trail, NbAnomalies: 0}
		return e
	}

	prevPrev := mk("10.0.0.1", trailA)
	prev := mk("10.0.0.2", trailB)
	cur := mk("10.0.0.3", trailA)

	d.DetectSpecialIPs()

	assert.True(t, prevPrev.Flickering)
	assert.True(t, prev.Flickering)
	assert.True(t, cur.Flickering)

	aEntry, _ := d.Lookup(trailA)
	bEntry, _ := d.Lookup(trailB)
	assert.Contains(t, aEntry.FlickeringPeers, trailB)
	assert.Contains(t, bEntry.FlickeringPeers, trailA)

	assert.True(t, prevPrev.Trail.Flickering)
	assert.True(t, cur.Trail.Flickering)
}

func TestDetectSpecialIPsDoesNotFlagFlickeringWhenDeltaExceedsMax(t *testing.T) {
	d := New(1) // MaxFlickeringDelta=1 forces the delta test to fail
	trailA := mustParse(t, "192.168.0.1")
	trailB := mustParse(t, "192.168.0.2")

	mk := func(ip string, trail ipaddr.Addr) *Entry {
		e, _ := d.Create(mustParse(t, ip), ResponsiveTarget)
		e.RecordTTL(4)
		e.Type = SuccessfullyScanned
		e.Trail = Trail{LastValidIP: trail, NbAnomalies: 0}
		return e
	}

	prevPrev := mk("10.0.0.1", trailA)
	prev := mk("10.0.0.10", trailB)
	cur := mk("10.0.0.20", trailA)

	d.DetectSpecialIPs()

	assert.False(t, prevPrev.Flickering)
	assert.False(t, prev.Flickering)
	assert.False(t, cur.Flickering)
}

func TestTrailEqualityAndVoid(t *testing.T) {
	var void Trail
	assert.True(t, void.IsVoid())

	a := Trail{LastValidIP: mustParse(t, "10.0.0.1"), NbAnomalies: 1}
	b := Trail{LastValidIP: mustParse(t, "10.0.0.1"), NbAnomalies: 1}
	assert.True(t, a.Equal(b))

	c := Trail{LastValidIP: mustParse(t, "10.0.0.1"), NbAnomalies: 2}
	assert.False(t, a.Equal(c))

	anon1 := Trail{AllAnonymous: true, Length: 3}
	anon2 := Trail{AllAnonymous: true, Length: 3}
	assert.True(t, anon1.Equal(anon2))
}

func TestRecordTimeExceedediTTLConflict(t *testing.T) {
	e := NewEntry(mustParse(t, "10.0.0.1"), SeenInTrail)
	e.RecordTimeExceedediTTL(32)
	assert.EqualValues(t, 32, e.TimeExceedediTTL)

	e.RecordTimeExceedediTTL(32)
	assert.EqualValues(t, 32, e.TimeExceedediTTL)

	e.RecordTimeExceedediTTL(64)
	assert.EqualValues(t, ConflictingITTL, e.TimeExceedediTTL)
}
