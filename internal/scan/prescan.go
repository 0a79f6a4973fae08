// Package scan implements the Prescanner (C3) and Scanner (C4).
package scan

import (
	"sync"
	"time"

	"github.com/jefgrailet/sage/internal/dictionary"
	"github.com/jefgrailet/sage/internal/ipaddr"
	"github.com/jefgrailet/sage/internal/prober"
	"github.com/jefgrailet/sage/internal/workerpool"
)

// Prescanner filters a target list to those that respond at all, and
// remembers the shortest timeout that worked (spec.md §4.3).
type Prescanner struct {
	Dict *dictionary.Dictionary
	Pool *workerpool.ProberPool

	BaseTimeout     time.Duration
	ThirdOpinion    bool
	FixedFlow       bool

	mu        sync.Mutex // guards result aggregation (spec.md §5(c))
	carryover []ipaddr.Addr
}

// Run executes the prescan's one-to-three rounds over targets, creating
// a responsive-target dictionary entry for every IP that answers.
func (s *Prescanner) Run(targets []ipaddr.Addr) {
	round := targets
	timeout := s.BaseTimeout

	for attempt := 0; attempt < 3; attempt++ {
		if attempt == 2 && !s.ThirdOpinion {
			break
		}
		if len(round) == 0 {
			break
		}

		s.carryover = nil
		items := make([]string, len(round))
		for i, a := range round {
			items[i] = a.String()
		}

		s.Pool.Run(items, func(pr prober.Prober, item string) {
			s.probeOne(pr, item, timeout)
		})

		if len(s.carryover) == 0 {
			return
		}
		round = s.carryover
		timeout *= 2
	}
}

func (s *Prescanner) probeOne(pr prober.Prober, item string, timeout time.Duration) {
	ip, err := ipaddr.Parse(item)
	if err != nil {
		return
	}

	rec, err := pr.Probe(ip, 255, s.FixedFlow, 0, 0, timeout)
	if err != nil {
		s.Pool.Stop()
		return
	}

	responsive := rec.ReplyIP == ip &&
		(rec.Kind == prober.ReplyEcho || rec.Kind == prober.ReplyPortUnreachable)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !responsive {
		s.carryover = append(s.carryover, ip)
		return
	}
	e, created := s.Dict.Create(ip, dictionary.ResponsiveTarget)
	if created {
		e.PreferredTimeout = int(timeout / time.Millisecond)
	}
}
