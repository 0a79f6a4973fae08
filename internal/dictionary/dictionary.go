// Package dictionary implements the IP dictionary (C1): a hash-indexed
// table mapping IPv4 addresses to the entries the rest of the pipeline
// annotates with TTLs, trails, hints and flags.
package dictionary

import (
	"sort"

	"github.com/jefgrailet/sage/internal/ipaddr"
)

// bucketBits is the width of the bucket index: the top 20 bits of the
// address select a bucket, matching the teacher's "2^20 bucket array"
// sizing (spec.md §4.1).
const bucketBits = 20

const numBuckets = 1 << bucketBits

func bucketIndex(ip ipaddr.Addr) uint32 {
	return uint32(ip) >> (32 - bucketBits)
}

// Dictionary is the 2^20-bucket array of sorted entry lists spec.md §4.1
// describes. It is not internally synchronized: spec.md §5 places
// exclusive access under the scheduling layer's join barriers, so no
// locking is done here (mirrors the teacher's own dictionary-adjacent
// SafeSet, which layers locking one level up rather than inside the
// data structure it protects).
type Dictionary struct {
	buckets [numBuckets][]*Entry

	// MaxFlickeringDelta bounds the flickering-window delta test
	// (scanningMaximumFlickeringDelta, spec.md §6).
	MaxFlickeringDelta uint32
}

// New builds an empty dictionary. maxFlickeringDelta is the configured
// scanningMaximumFlickeringDelta bound used by DetectSpecialIPs.
func New(maxFlickeringDelta uint32) *Dictionary {
	return &Dictionary{MaxFlickeringDelta: maxFlickeringDelta}
}

// Create inserts a new entry for ip if none exists yet, returning
// (entry, true) on success or (existing, false) if ip is already present
// -- this distinguishes Create from Lookup per spec.md §4.1.
func (d *Dictionary) Create(ip ipaddr.Addr, t EntryType) (*Entry, bool) {
	idx := bucketIndex(ip)
	bucket := d.buckets[idx]

	pos := sort.Search(len(bucket), func(i int) bool { return bucket[i].IP >= ip })
	if pos < len(bucket) && bucket[pos].IP == ip {
		return bucket[pos], false
	}

	e := NewEntry(ip, t)
	bucket = append(bucket, nil)
	copy(bucket[pos+1:], bucket[pos:])
	bucket[pos] = e
	d.buckets[idx] = bucket
	return e, true
}

// Lookup returns the entry for ip, if any.
func (d *Dictionary) Lookup(ip ipaddr.Addr) (*Entry, bool) {
	bucket := d.buckets[bucketIndex(ip)]
	pos := sort.Search(len(bucket), func(i int) bool { return bucket[i].IP >= ip })
	if pos < len(bucket) && bucket[pos].IP == ip {
		return bucket[pos], true
	}
	return nil, false
}

// All walks every entry in ascending IP order. Because bucket index is
// the address's top 20 bits and every bucket is kept sorted, visiting
// buckets in index order and each bucket in its own order already yields
// global ascending-IP order -- no separate merge step is needed.
func (d *Dictionary) All(fn func(*Entry)) {
	for i := range d.buckets {
		for _, e := range d.buckets[i] {
			fn(e)
		}
	}
}

// Count returns the total number of entries across all buckets.
func (d *Dictionary) Count() int {
	n := 0
	for i := range d.buckets {
		n += len(d.buckets[i])
	}
	return n
}

// PostScanLabeling implements spec.md §4.1's first review pass: entries
// with no recorded TTL, or with TTL>1 and a void trail, become
// unsuccessfully-scanned; everything else becomes successfully-scanned.
// Only entries of type ResponsiveTarget (i.e. those the prescanner
// handed to the scanner) are relabeled.
func (d *Dictionary) PostScanLabeling() {
	d.All(func(e *Entry) {
		if e.Type != ResponsiveTarget {
			return
		}
		if len(e.TTLs) == 0 || (e.TTL > 1 && e.Trail.IsVoid()) {
			e.Type = UnsuccessfullyScanned
		} else {
			e.Type = SuccessfullyScanned
		}
	})
}

// DetectSpecialIPs implements spec.md §4.1's second review pass.
func (d *Dictionary) DetectSpecialIPs() {
	scanned := d.scannedOK()

	// First pass: ensure every trail-IP has an entry, record its
	// trail-IP TTL and merge its inferred sender-initial-TTL.
	for _, e := range scanned {
		if e.Trail.IsVoid() || e.Trail.AllAnonymous || e.Trail.LastValidIP.IsZero() {
			continue
		}
		trailIP := e.Trail.LastValidIP
		trailEntry, _ := d.Create(trailIP, SeenInTrail)
		// Every observation is recorded, existing entry or not; seeing
		// the same trail IP at two distinct distances is what the
		// warping flag is built from.
		trailEntry.RecordTTL(e.TTL - e.Trail.NbAnomalies - 1)
		inferred := InferInitialTTL(e.Trail.LastValidIPiTTL, e.TTL)
		trailEntry.RecordTimeExceedediTTL(inferred)
	}

	// No re-snapshot: the trail-IP pass may have created entries that are
	// themselves scanned targets (already present, just not of type
	// ResponsiveTarget); scannedOK() only returns successfully-scanned
	// targets, which the loop above never mutates, so no refresh needed.

	// Second pass: trail-IP, warping, echoing flags.
	for _, e := range scanned {
		if e.Trail.IsVoid() || e.Trail.AllAnonymous || e.Trail.LastValidIP.IsZero() {
			continue
		}
		trailEntry, ok := d.Lookup(e.Trail.LastValidIP)
		if !ok {
			continue
		}
		trailEntry.TrailIP = true
		trailEntry.DenotingNeighborhood = true
		if len(trailEntry.TTLs) >= 2 {
			trailEntry.Warping = true
			e.Trail.Warping = true
		}
		if e.Trail.LastValidIP == e.IP {
			e.Trail.Echoing = true
			e.Echoing = true
		}
	}

	// Third pass: flickering sliding window over three consecutive
	// scanned-OK entries in ascending IP order.
	for i := 2; i < len(scanned); i++ {
		prevPrev, prev, cur := scanned[i-2], scanned[i-1], scanned[i]

		if prevPrev.Trail.IsVoid() || prev.Trail.IsVoid() || cur.Trail.IsVoid() {
			continue
		}
		if prevPrev.TTL != prev.TTL || prev.TTL != cur.TTL {
			continue
		}
		if prevPrev.Trail.NbAnomalies != 0 || prev.Trail.NbAnomalies != 0 || cur.Trail.NbAnomalies != 0 {
			continue
		}
		if cur.Trail.LastValidIP != prevPrev.Trail.LastValidIP {
			continue
		}
		if cur.Trail.LastValidIP == prev.Trail.LastValidIP {
			continue
		}

		delta := uint32(cur.IP-prev.IP) + uint32(prev.IP-prevPrev.IP)
		if delta == 0 || delta > d.MaxFlickeringDelta {
			continue
		}

		prevPrev.Flickering = true
		prev.Flickering = true
		cur.Flickering = true

		a, aOK := d.Lookup(cur.Trail.LastValidIP)
		b, bOK := d.Lookup(prev.Trail.LastValidIP)
		if aOK && bOK {
			a.Flickering = true
			b.Flickering = true
			a.FlickeringPeers = appendUnique(a.FlickeringPeers, b.IP)
			b.FlickeringPeers = appendUnique(b.FlickeringPeers, a.IP)
		}
	}

	// Fourth pass (spec.md: "a third pass marks trails themselves as
	// flickering if their trail-IP is flickering").
	for _, e := range scanned {
		if e.Trail.IsVoid() || e.Trail.AllAnonymous || e.Trail.LastValidIP.IsZero() {
			continue
		}
		if trailEntry, ok := d.Lookup(e.Trail.LastValidIP); ok && trailEntry.Flickering {
			e.Trail.Flickering = true
		}
	}
}

func (d *Dictionary) scannedOK() []*Entry {
	var out []*Entry
	d.All(func(e *Entry) {
		if e.Type == SuccessfullyScanned {
			out = append(out, e)
		}
	})
	return out
}

func appendUnique(s []ipaddr.Addr, v ipaddr.Addr) []ipaddr.Addr {
	for _, x := range s {
		if x == v {
			return s
		}
	}
	return append(s, v)
}
