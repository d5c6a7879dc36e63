package eventloop

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

// ErrPoolStarted is returned when Start is called on an already started Pool.
var ErrPoolStarted = errors.New("eventloop: pool already started")

// Pool is a fixed set of Loops started and stopped as a unit.
//
// Size is fixed at construction. A zero-size Pool is valid: it starts and
// stops successfully and simply has no loops to hand out.
type Pool struct {
	name  string
	loops []*Loop

	next atomic.Uint64

	started     atomic.Bool
	stopRequest atomic.Bool
}

// NewPool creates a Pool of size loops named "<name>-0" .. "<name>-<size-1>".
func NewPool(name string, size int, opts ...Option) *Pool {
	if size < 0 {
		size = 0
	}
	p := &Pool{name: name}
	for i := 0; i < size; i++ {
		p.loops = append(p.loops, New(fmt.Sprintf("%s-%d", name, i), opts...))
	}
	return p
}

// Size returns the number of loops in the pool.
func (p *Pool) Size() int { return len(p.loops) }

// Start launches every loop and waits until all of them report running.
func (p *Pool) Start() error {
	if !p.started.CompareAndSwap(false, true) {
		return ErrPoolStarted
	}
	for _, l := range p.loops {
		l.Start()
	}
	for _, l := range p.loops {
		for !l.IsRunning() {
			time.Sleep(100 * time.Microsecond)
		}
	}
	return nil
}

// Stop requests termination of every loop. It returns without waiting;
// poll IsStopped to observe completion.
func (p *Pool) Stop() {
	p.stopRequest.Store(true)
	for _, l := range p.loops {
		l.Stop()
	}
}

// IsRunning reports whether the pool has been started and every loop is
// running. A zero-size pool reports running once started.
func (p *Pool) IsRunning() bool {
	if !p.started.Load() {
		return false
	}
	for _, l := range p.loops {
		if !l.IsRunning() {
			return false
		}
	}
	return true
}

// IsStopped reports whether Stop has been requested and every loop has
// exited.
func (p *Pool) IsStopped() bool {
	if !p.stopRequest.Load() {
		return false
	}
	for _, l := range p.loops {
		if !l.IsStopped() {
			return false
		}
	}
	return true
}

// Next returns the next loop in round-robin order, or nil for a zero-size
// pool.
func (p *Pool) Next() *Loop {
	if len(p.loops) == 0 {
		return nil
	}
	n := p.next.Add(1) - 1
	return p.loops[n%uint64(len(p.loops))]
}

// ByHash maps key to a loop with a stable modulo mapping: identical keys
// always yield the identical loop for the lifetime of the pool. Returns nil
// for a zero-size pool.
func (p *Pool) ByHash(key uint64) *Loop {
	if len(p.loops) == 0 {
		return nil
	}
	return p.loops[key%uint64(len(p.loops))]
}

// Loop returns the loop at index i, or nil when out of range. Intended for
// diagnostics and tests.
func (p *Pool) Loop(i int) *Loop {
	if i < 0 || i >= len(p.loops) {
		return nil
	}
	return p.loops[i]
}
