// Package batchpool is the pre-allocated batch slot pool: a small, fixed
// set of [T, B, *shape] tensor buffers per collector, reserved/released so
// producer filling and consumer reading overlap without allocating on the
// hot path.
package batchpool

import (
	"sync"

	"expcollector/event"
	"expcollector/slotreg"
)

// State is the slot lifecycle: exactly one of
// {free, filling, ready, in-flight, releasing}.
type State int

const (
	Free State = iota
	Filling
	Ready
	InFlight
	Releasing
)

func (s State) String() string {
	switch s {
	case Free:
		return "free"
	case Filling:
		return "filling"
	case Ready:
		return "ready"
	case InFlight:
		return "in-flight"
	case Releasing:
		return "releasing"
	default:
		return "unknown"
	}
}

// Slot is one batch slot: typed tensor buffers for every input key, plus
// per-row routing metadata.
type Slot struct {
	mu      sync.Mutex
	state   State
	T, B    int
	buffers map[string]*slotreg.Buffer
	// Routes has length B; only [0, BEffective) are populated for the
	// current batch.
	Routes     []event.Route
	BEffective int
}

// State returns the slot's current lifecycle state.
func (s *Slot) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Slot) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Buffer returns the backing buffer for key, or nil if key was not part of
// this slot's declared key set.
func (s *Slot) Buffer(key string) *slotreg.Buffer {
	return s.buffers[key]
}

// Reset clears routing metadata before a slot re-enters Filling.
func (s *Slot) reset() {
	s.BEffective = 0
	for i := range s.Routes {
		s.Routes[i] = event.Route{}
	}
}

// Pool is a collector's fixed-size set of batch slots. Reservation is
// bounded by a semaphore channel, so the number of slots outstanding can
// never exceed the pool's capacity: a producer that outruns the consumer
// blocks in Reserve rather than growing a queue.
type Pool struct {
	sem  chan struct{}
	free chan *Slot
}

// NewPool pre-allocates capacity slots, each with a buffer per key spec,
// shaped [t, b, *shape].
func NewPool(capacity int, keys []slotreg.KeySpec, t, b int) *Pool {
	if capacity < 1 {
		panic("batchpool: capacity must be >= 1")
	}
	p := &Pool{
		sem:  make(chan struct{}, capacity),
		free: make(chan *Slot, capacity),
	}
	for i := 0; i < capacity; i++ {
		bufs := make(map[string]*slotreg.Buffer, len(keys))
		for _, k := range keys {
			bufs[k.Name] = slotreg.NewBuffer(k, t, b)
		}
		slot := &Slot{
			T:       t,
			B:       b,
			buffers: bufs,
			Routes:  make([]event.Route, b),
			state:   Free,
		}
		p.free <- slot
		p.sem <- struct{}{}
	}
	return p
}

// Reserve blocks until a free slot is available, transitions it to
// Filling, and returns it. This is the one place batch construction can
// block.
func (p *Pool) Reserve() *Slot {
	<-p.sem
	slot := <-p.free
	slot.reset()
	slot.setState(Filling)
	return slot
}

// TryReserve is the non-blocking variant: it returns false instead of
// waiting when no slot is free.
func (p *Pool) TryReserve() (*Slot, bool) {
	select {
	case <-p.sem:
	default:
		return nil, false
	}
	slot := <-p.free
	slot.reset()
	slot.setState(Filling)
	return slot, true
}

// MarkReady transitions a Filling slot to Ready once batchsize rows (or a
// timed-out partial count) have been assembled.
func (p *Pool) MarkReady(s *Slot) {
	s.setState(Ready)
}

// Borrow transitions a Ready slot to InFlight as it is handed to a
// consumer. An in-flight slot is owned by exactly one consumer at a time;
// no collector operation may mutate it until Release.
func (p *Pool) Borrow(s *Slot) {
	s.setState(InFlight)
}

// Release returns an in-flight slot to Free and makes it reservable again.
func (p *Pool) Release(s *Slot) {
	s.setState(Releasing)
	s.setState(Free)
	p.free <- s
	p.sem <- struct{}{}
}
