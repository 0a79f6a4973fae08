package scan

import (
	"sort"
	"strconv"
	"time"

	"github.com/jefgrailet/sage/internal/dictionary"
	"github.com/jefgrailet/sage/internal/ipaddr"
	"github.com/jefgrailet/sage/internal/prober"
	"github.com/jefgrailet/sage/internal/workerpool"
)

// maxTTLGuard bounds the incrementing search so a broken path can never
// spin the worker forever.
const maxTTLGuard = 64

// Scanner produces an estimated TTL and Trail for every responsive IP
// via neighbor-amortized distance estimation, then repairs incomplete
// trails with a bounded number of reprobing rounds (C4, spec.md §4.4).
type Scanner struct {
	Dict *dictionary.Dictionary
	Pool *workerpool.ProberPool

	StartTTL             int
	Timeout              time.Duration
	FixedFlow            bool
	NumberOfReprobing    int
	MinimumTargetsPerThr int
	SplitThreshold       int
}

// Run performs distance estimation and trail derivation over every
// responsive target, then the reprobing pass.
func (s *Scanner) Run(responsiveTargets []ipaddr.Addr) {
	sorted := append([]ipaddr.Addr(nil), responsiveTargets...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	slices := partitionConsecutive(sorted, s.Pool.Size, s.MinimumTargetsPerThr)
	s.runSlices(slices)

	for round := 0; round < s.NumberOfReprobing; round++ {
		bad := s.collectBadTrails(sorted)
		if len(bad) == 0 {
			break
		}
		reprobeSlices := s.rebalance(bad)
		s.runSlices(reprobeSlices)
	}
}

func (s *Scanner) runSlices(slices [][]ipaddr.Addr) {
	items := make([]string, len(slices))
	for i := range slices {
		items[i] = strconv.Itoa(i)
	}
	s.Pool.Run(items, func(pr prober.Prober, item string) {
		idx, _ := strconv.Atoi(item)
		s.scanSlice(pr, slices[idx])
	})
}

// partitionConsecutive splits a sorted address list into at most
// nbWorkers consecutive-IP slices, each holding at least minPerThread
// addresses where possible (spec.md §4.4 "partitioned into consecutive-
// IP slices, each assigned to one worker").
func partitionConsecutive(addrs []ipaddr.Addr, nbWorkers, minPerThread int) [][]ipaddr.Addr {
	if len(addrs) == 0 {
		return nil
	}
	if minPerThread < 1 {
		minPerThread = 1
	}
	maxSlices := len(addrs) / minPerThread
	if maxSlices < 1 {
		maxSlices = 1
	}
	n := nbWorkers
	if n > maxSlices {
		n = maxSlices
	}
	if n < 1 {
		n = 1
	}

	out := make([][]ipaddr.Addr, 0, n)
	base := len(addrs) / n
	rem := len(addrs) % n
	start := 0
	for i := 0; i < n; i++ {
		size := base
		if i < rem {
			size++
		}
		if size == 0 {
			continue
		}
		out = append(out, addrs[start:start+size])
		start += size
	}
	return out
}

// scanSlice processes one consecutive-IP slice sequentially with a
// single prober, amortizing the TTL guess across adjacent addresses.
func (s *Scanner) scanSlice(pr prober.Prober, addrs []ipaddr.Addr) {
	prevTTL := s.StartTTL
	for i, ip := range addrs {
		if s.Pool.Stopped() {
			return
		}
		e, _ := s.Dict.Create(ip, dictionary.ResponsiveTarget)

		var guess int
		decrementConfirm := i > 0
		if i == 0 {
			guess = s.StartTTL
		} else {
			guess = prevTTL - 1
			if guess < 1 {
				guess = 1
			}
		}

		finalTTL := s.estimateAndTrail(pr, e, guess, decrementConfirm)
		prevTTL = finalTTL
	}
}

func (s *Scanner) timeoutFor(e *dictionary.Entry) time.Duration {
	if e.PreferredTimeout > 0 {
		if d := time.Duration(e.PreferredTimeout) * time.Millisecond; d > s.Timeout {
			return d
		}
	}
	return s.Timeout
}

// estimateAndTrail runs the distance-estimation loop for a single IP and
// derives its Trail; returns the final estimated TTL.
func (s *Scanner) estimateAndTrail(pr prober.Prober, e *dictionary.Entry, startGuess int, decrementConfirm bool) int {
	timeout := s.timeoutFor(e)
	hops := map[int]dictionary.RouteHop{}

	ttl := startGuess
	if ttl < 1 {
		ttl = 1
	}

	rec, err := pr.Probe(e.IP, ttl, s.FixedFlow, 0, 0, timeout)
	if err != nil {
		s.Pool.Stop()
		return ttl
	}
	isTarget := isTargetReply(rec, e.IP)
	if !isTarget {
		hops[ttl] = hopFromRecord(rec, ttl)
	}

	switch {
	case isTarget && decrementConfirm:
		for ttl > 1 {
			candidate := ttl - 1
			rec2, err := pr.Probe(e.IP, candidate, s.FixedFlow, 0, 0, timeout)
			if err != nil {
				s.Pool.Stop()
				break
			}
			if isTargetReply(rec2, e.IP) {
				ttl = candidate
				continue
			}
			hops[candidate] = hopFromRecord(rec2, candidate)
			break
		}
	case !isTarget:
		for !isTarget {
			ttl++
			if ttl > maxTTLGuard {
				break
			}
			rec2, err := pr.Probe(e.IP, ttl, s.FixedFlow, 0, 0, timeout)
			if err != nil {
				s.Pool.Stop()
				break
			}
			if isTargetReply(rec2, e.IP) {
				isTarget = true
				break
			}
			hops[ttl] = hopFromRecord(rec2, ttl)
		}
	}

	finalTTL := ttl
	e.RecordTTL(finalTTL)

	route := make([]dictionary.RouteHop, 0, max0(finalTTL-1))
	for r := 1; r <= finalTTL-1; r++ {
		if h, ok := hops[r]; ok {
			route = append(route, h)
		} else {
			route = append(route, dictionary.RouteHop{State: dictionary.RouteHopUnmeasured, RequestTTL: r})
		}
	}
	e.Route = route
	e.Trail = deriveTrail(route, finalTTL)
	if e.Trail.AllAnonymous {
		e.Trail.Length = finalTTL - 1
	}
	e.Trail.Direct = !e.Trail.AllAnonymous && e.Trail.NbAnomalies == 0
	return finalTTL
}

func max0(n int) int {
	if n < 0 {
		return 0
	}
	return n
}

// isTargetReply recognizes a terminal answer from the target itself:
// an Echo Reply for the ICMP and TCP probers, or the Port-Unreachable
// a UDP probe elicits once it actually reaches the destination
// (spec.md §6 "Wire-level behavior").
func isTargetReply(rec prober.Record, target ipaddr.Addr) bool {
	if rec.ReplyIP != target {
		return false
	}
	return rec.Kind == prober.ReplyEcho || rec.Kind == prober.ReplyPortUnreachable
}

func hopFromRecord(rec prober.Record, requestTTL int) dictionary.RouteHop {
	if rec.Kind == prober.ReplyNone || rec.ReplyIP.IsZero() {
		return dictionary.RouteHop{State: dictionary.RouteHopAnonymous, RequestTTL: requestTTL}
	}
	return dictionary.RouteHop{
		State:      dictionary.RouteHopViaTraceroute,
		IP:         rec.ReplyIP,
		RequestTTL: requestTTL,
		ReplyTTL:   rec.ReplyTTL,
	}
}

// collectBadTrails implements spec.md §4.4's reprobing-candidate set:
// entries whose trail is void-with-TTL, echoing (trail IP equal to the
// target), or carries anomalies.
func (s *Scanner) collectBadTrails(addrs []ipaddr.Addr) []*dictionary.Entry {
	var bad []*dictionary.Entry
	for _, ip := range addrs {
		e, ok := s.Dict.Lookup(ip)
		if !ok {
			continue
		}
		if e.TTL <= 1 {
			continue
		}
		if (e.Trail.IsVoid() && !e.Trail.AllAnonymous) || e.Trail.Echoing || e.Trail.LastValidIP == e.IP || e.Trail.NbAnomalies > 0 {
			bad = append(bad, e)
		}
	}
	return bad
}

// rebalance partitions bad-trail entries into equal-TTL lists, merges
// the two smallest while there are more than Pool.Size lists, and splits
// lists while there are fewer. It ends with fewer than Pool.Size lists
// when no list qualifies for a split.
func (s *Scanner) rebalance(bad []*dictionary.Entry) [][]ipaddr.Addr {
	byTTL := map[int][]ipaddr.Addr{}
	for _, e := range bad {
		byTTL[e.TTL] = append(byTTL[e.TTL], e.IP)
	}
	var ttls []int
	for t := range byTTL {
		ttls = append(ttls, t)
	}
	sort.Ints(ttls)

	var lists [][]ipaddr.Addr
	for _, t := range ttls {
		addrs := byTTL[t]
		sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
		lists = append(lists, addrs)
	}

	target := s.Pool.Size
	for len(lists) > target && len(lists) > 1 {
		// Merge the two smallest lists.
		sort.Slice(lists, func(i, j int) bool { return len(lists[i]) < len(lists[j]) })
		lists[0] = append(lists[0], lists[1]...)
		lists = append(lists[:1], lists[2:]...)
	}
	for len(lists) < target {
		// Split the list whose two middle IPs are furthest apart, provided
		// that gap exceeds the split threshold and both halves still meet
		// the minimum-per-thread floor.
		best := -1
		var bestGap uint32
		for i, l := range lists {
			if len(l) < 2*s.MinimumTargetsPerThr {
				continue
			}
			mid := len(l) / 2
			gap := uint32(l[mid]) - uint32(l[mid-1])
			if gap > uint32(s.SplitThreshold) && (best == -1 || gap > bestGap) {
				best = i
				bestGap = gap
			}
		}
		if best == -1 {
			break
		}
		l := lists[best]
		mid := len(l) / 2
		lists = append(append(lists[:best], lists[best+1:]...), l[:mid], l[mid:])
	}
	return lists
}
