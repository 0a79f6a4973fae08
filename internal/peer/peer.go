// Package peer implements the Peer Scanner (C7): bounded backward
// traceroute from selected subnet pivots to find neighborhood peers
// (spec.md §4.7).
package peer

import (
	"strconv"
	"time"

	"github.com/jefgrailet/sage/internal/alias"
	"github.com/jefgrailet/sage/internal/dictionary"
	"github.com/jefgrailet/sage/internal/ipaddr"
	"github.com/jefgrailet/sage/internal/prober"
	"github.com/jefgrailet/sage/internal/subnet"
	"github.com/jefgrailet/sage/internal/workerpool"
)

// Scanner drives the backward-traceroute pass over every subnet whose
// smallest TTL is greater than 1.
type Scanner struct {
	Dict *dictionary.Dictionary
	Pool *workerpool.ProberPool

	// DiscoverySet is the subnet-discovery alias set, consulted so a hop
	// aliased to the target's trail IP never passes for a peering point.
	DiscoverySet *alias.Set

	Timeout   time.Duration
	FixedFlow bool
	MaxPivots int
	PairDelay time.Duration
}

type task struct {
	s   *subnet.Subnet
	ifc *subnet.Interface
}

// Run selects up to MaxPivots interfaces per eligible subnet, builds a
// round-robin task queue across subnets (spec.md §4.7 "successive
// probings target different subnets"), and partitions it across the
// pool.
func (s *Scanner) Run(subnets []*subnet.Subnet) {
	tasks := buildRoundRobinQueue(subnets, s.MaxPivots)
	if len(tasks) == 0 {
		return
	}

	items := make([]string, len(tasks))
	for i := range tasks {
		items[i] = strconv.Itoa(i)
	}

	// Deal the round-robin queue out into Pool.Size chunks (task i goes
	// to chunk i mod Pool.Size) so each worker processes a disjoint,
	// sequential run of (subnet,
	// interface) pairs with the pacing delay between them (spec.md
	// §4.7: "Each worker processes its assigned ... pairs sequentially
	// with a small delay between pairs").
	chunks := chunk(items, s.Pool.Size)
	chunkItems := make([]string, len(chunks))
	for i := range chunks {
		chunkItems[i] = strconv.Itoa(i)
	}
	s.Pool.Run(chunkItems, func(pr prober.Prober, item string) {
		idx, _ := strconv.Atoi(item)
		for _, ti := range chunks[idx] {
			n, _ := strconv.Atoi(ti)
			if s.Pool.Stopped() {
				return
			}
			s.probeTask(pr, tasks[n])
			if s.PairDelay > 0 {
				time.Sleep(s.PairDelay)
			}
		}
	})
}

func chunk(items []string, n int) [][]string {
	if n <= 0 {
		n = 1
	}
	if n > len(items) {
		n = len(items)
	}
	if n == 0 {
		return nil
	}
	out := make([][]string, n)
	for i, it := range items {
		out[i%n] = append(out[i%n], it)
	}
	return out
}

// buildRoundRobinQueue selects eligible pivots per subnet (selected-
// pivot or rule 1/3/4/5, never rule 2 which indicates partial trails,
// spec.md §4.7) and interleaves them across subnets.
func buildRoundRobinQueue(subnets []*subnet.Subnet, maxPivots int) []task {
	var perSubnet [][]task
	for _, s := range subnets {
		if smallestTTL(s) <= 1 {
			continue
		}
		var picks []task
		for i := range s.Interfaces {
			ifc := &s.Interfaces[i]
			if !eligiblePivot(ifc.Status) {
				continue
			}
			picks = append(picks, task{s: s, ifc: ifc})
			if len(picks) >= maxPivots {
				break
			}
		}
		if len(picks) > 0 {
			perSubnet = append(perSubnet, picks)
		}
	}

	var out []task
	for i := 0; ; i++ {
		any := false
		for _, picks := range perSubnet {
			if i < len(picks) {
				out = append(out, picks[i])
				any = true
			}
		}
		if !any {
			break
		}
	}
	return out
}

func eligiblePivot(st subnet.InterfaceStatus) bool {
	switch st {
	case subnet.SelectedPivot, subnet.PivotByRule1, subnet.PivotByRule3, subnet.PivotByRule4, subnet.PivotByRule5:
		return true
	default:
		return false
	}
}

func smallestTTL(s *subnet.Subnet) int {
	min := -1
	for _, ifc := range s.Interfaces {
		if min == -1 || ifc.Entry.TTL < min {
			min = ifc.Entry.TTL
		}
	}
	return min
}

// probeTask runs the backward traceroute for one (subnet, interface)
// pair and stores the resulting hop vector on the subnet's
// PartialRoutes map (spec.md §4.7).
func (s *Scanner) probeTask(pr prober.Prober, t task) {
	target := t.ifc.Entry
	// One hop before the trail: TTL - 1 - trail length (spec.md §4.7).
	startTTL := target.TTL - 1 - target.Trail.LengthInTTL()
	if target.Trail.IsVoid() {
		startTTL = target.TTL - 1
	}
	if startTTL < 1 {
		return
	}

	var hops []dictionary.RouteHop // newest -> oldest
	for ttl := startTTL; ttl >= 1; ttl-- {
		rec, err := pr.Probe(target.IP, ttl, s.FixedFlow, 0, 0, s.Timeout)
		if err != nil {
			s.Pool.Stop()
			return
		}

		if rec.Kind == prober.ReplyNone {
			// Anonymous: retry once at 2x timeout (spec.md §4.7, §7).
			rec, err = pr.Probe(target.IP, ttl, s.FixedFlow, 0, 0, 2*s.Timeout)
			if err != nil {
				s.Pool.Stop()
				return
			}
		}

		if rec.Kind == prober.ReplyNone || rec.ReplyIP.IsZero() {
			hops = append(hops, dictionary.RouteHop{State: dictionary.RouteHopAnonymous, RequestTTL: ttl})
			continue
		}

		hop := dictionary.RouteHop{
			State:      dictionary.RouteHopViaTraceroute,
			IP:         rec.ReplyIP,
			RequestTTL: ttl,
			ReplyTTL:   rec.ReplyTTL,
		}

		e, created := s.Dict.Create(rec.ReplyIP, dictionary.SeenWithTraceroute)
		e.RecordTTL(ttl)
		_ = created

		if s.isPeeringPoint(e, rec.ReplyIP, target, t.s) {
			hop.State = dictionary.RouteHopPeeringPoint
			hops = append(hops, hop)
			break
		}
		hops = append(hops, hop)
	}

	t.s.PartialRoutes[target.IP] = hops
}

// isPeeringPoint implements spec.md §4.7's stopping condition: the hop
// denotes a neighborhood, is not the live target, is not contained in
// the target's own subnet, and is neither the target's trail IP nor an
// alias of it. The self-peering safeguard compares against the live
// target IP, matching the original's actual behavior (spec.md §9 Open
// Questions).
func (s *Scanner) isPeeringPoint(e *dictionary.Entry, hopIP ipaddr.Addr, target *dictionary.Entry, sub *subnet.Subnet) bool {
	if !e.DenotingNeighborhood {
		return false
	}
	if hopIP == target.IP {
		return false
	}
	if sub.Contains(hopIP) {
		return false
	}
	trailIP := target.Trail.LastValidIP
	if !trailIP.IsZero() {
		if hopIP == trailIP {
			return false
		}
		if s.DiscoverySet != nil && s.DiscoverySet.Linked(hopIP, trailIP) {
			return false
		}
	}
	return true
}
