// Package workerpool wraps the teacher's pool.Launch_pool (github.com/
// Emeline-1/pool), the same worker pool the teacher drives over warts
// files (readers.go's parse_warts) and AS lists (anaximander_driver.go's
// launch_anaximander_simulation), here driving SAGE-go's probing phases:
// every call to Run partitions one work list across a bounded pool of
// probers and joins before returning, matching spec.md §5's "allocate a
// worker pool, partition a per-phase work list, and join; no two phases
// run concurrently."
package workerpool

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	pool "github.com/Emeline-1/pool"

	"github.com/jefgrailet/sage/internal/prober"
)

// ProberFactory builds the id-th worker's prober, giving it a disjoint
// source-port / ICMP-identifier range so replies cannot be misattributed
// across workers (spec.md §4.2, §5).
type ProberFactory func(id int) (prober.Prober, error)

// ProberPool owns exactly Size probers, checked out round-robin to
// whichever goroutine pool.Launch_pool currently has free, and a single
// stop flag shared by every phase that runs over this pool.
type ProberPool struct {
	Size int

	probers chan prober.Prober

	stopMu sync.Mutex
	stop   bool

	// ThreadDelay staggers worker startup (concurrencyThreadDelay,
	// spec.md §5).
	ThreadDelay time.Duration
}

// NewProberPool opens Size probers up front via factory. If any
// creation fails (e.g. a privilege failure), every already-opened
// prober is closed and the error is returned -- callers should treat
// this the same as spec.md §5's sentinel-socket privilege check.
func NewProberPool(size int, factory ProberFactory) (*ProberPool, error) {
	p := &ProberPool{Size: size, probers: make(chan prober.Prober, size)}
	for i := 0; i < size; i++ {
		pr, err := factory(i)
		if err != nil {
			p.CloseAll()
			return nil, fmt.Errorf("[ProberPool.New]: worker %d: %w", i, err)
		}
		p.probers <- pr
	}
	return p, nil
}

// Stopped reports whether some worker has raised the emergency-stop
// flag (spec.md §5 "Cancellation").
func (p *ProberPool) Stopped() bool {
	p.stopMu.Lock()
	defer p.stopMu.Unlock()
	return p.stop
}

// Stop raises the emergency-stop flag; subsequent Stopped() calls from
// any worker return true.
func (p *ProberPool) Stop() {
	p.stopMu.Lock()
	p.stop = true
	p.stopMu.Unlock()
}

// Run partitions items across the pool via pool.Launch_pool, calling fn
// once per item with a checked-out prober. Run blocks until every item
// has been processed (the phase's join barrier). The first checkout of
// each worker slot sleeps a growing multiple of ThreadDelay, staggering
// the phase's outbound ramp-up (spec.md §5 ProbingThreadDelay).
func (p *ProberPool) Run(items []string, fn func(pr prober.Prober, item string)) {
	workerN := p.Size
	if workerN > len(items) && len(items) > 0 {
		workerN = len(items)
	}
	if workerN <= 0 {
		return
	}
	var started uint32
	pool.Launch_pool(workerN, items, func(item string) {
		if p.ThreadDelay > 0 {
			if k := atomic.AddUint32(&started, 1); k <= uint32(workerN) {
				time.Sleep(time.Duration(k-1) * p.ThreadDelay)
			}
		}
		pr := <-p.probers
		defer func() { p.probers <- pr }()
		if p.Stopped() {
			return
		}
		fn(pr, item)
	})
}

// Borrow checks out one prober for exclusive sequential use (e.g. the
// full-resolution Galileo pass, which needs a single shared, strictly
// monotonic IP-ID token counter -- spec.md §5 mutex (d) -- rather than
// the pool's usual disjoint-slice parallelism). Pair with Return.
func (p *ProberPool) Borrow() prober.Prober {
	return <-p.probers
}

// Return gives a prober borrowed via Borrow back to the pool.
func (p *ProberPool) Return(pr prober.Prober) {
	p.probers <- pr
}

// CloseAll releases every prober's socket (spec.md §5 "sockets are
// scoped to worker lifetime").
func (p *ProberPool) CloseAll() error {
	close(p.probers)
	var firstErr error
	for pr := range p.probers {
		if err := pr.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
