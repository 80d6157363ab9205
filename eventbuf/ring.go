// Package eventbuf is the per-simulator circular history buffer: a
// fixed-capacity ring of events, owned exclusively by the collector that
// mutates it through Submit. Because ownership is single-writer and
// single-reader by construction, Ring needs no internal locking.
package eventbuf

import (
	"errors"

	"expcollector/event"
)

// ErrOutOfRange is returned by Slice/PeekTop when the requested window
// extends past the buffered length.
var ErrOutOfRange = errors.New("eventbuf: slice out of range")

// Ring is a fixed-capacity circular buffer of *event.Event.
type Ring struct {
	buf  []*event.Event
	head int
	len  int
}

// NewRing allocates a ring of the given capacity.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		panic("eventbuf: capacity must be > 0")
	}
	return &Ring{buf: make([]*event.Event, capacity)}
}

// Cap returns the ring's fixed capacity.
func (r *Ring) Cap() int { return len(r.buf) }

// Len returns the number of currently buffered events.
func (r *Ring) Len() int { return r.len }

// Push appends e at the tail. Returns false if the ring is full. The
// collector does not keep its rings below capacity: when a push fails,
// Submit drops the oldest event via PopN and pushes again.
func (r *Ring) Push(e *event.Event) bool {
	if r.len == len(r.buf) {
		return false
	}
	idx := (r.head + r.len) % len(r.buf)
	r.buf[idx] = e
	r.len++
	return true
}

// Pop removes and returns the head event.
func (r *Ring) Pop() (*event.Event, bool) {
	if r.len == 0 {
		return nil, false
	}
	e := r.buf[r.head]
	r.buf[r.head] = nil
	r.head = (r.head + 1) % len(r.buf)
	r.len--
	return e, true
}

// PopN advances the head by up to k events, returning how many were
// actually popped.
func (r *Ring) PopN(k int) int {
	n := 0
	for n < k && r.len > 0 {
		r.buf[r.head] = nil
		r.head = (r.head + 1) % len(r.buf)
		r.len--
		n++
	}
	return n
}

// PeekTop returns a k-long view starting at head, without popping.
// The returned slice is a fresh copy: holding it is safe against this
// ring's mutation, but it will not reflect events pushed after the call.
func (r *Ring) PeekTop(k int) ([]*event.Event, error) {
	return r.Slice(0, k)
}

// Slice returns a len-long view anchored at head+start.
func (r *Ring) Slice(start, length int) ([]*event.Event, error) {
	if start < 0 || length < 0 || start+length > r.len {
		return nil, ErrOutOfRange
	}
	out := make([]*event.Event, length)
	for i := 0; i < length; i++ {
		out[i] = r.buf[(r.head+start+i)%len(r.buf)]
	}
	return out, nil
}

// Sample returns a uniformly random t-long contiguous view, for
// offline-replay readers that draw windows without draining the ring.
// intn must be non-nil.
func (r *Ring) Sample(t int, intn func(n int) int) ([]*event.Event, error) {
	if t > r.len {
		return nil, ErrOutOfRange
	}
	maxStart := r.len - t
	start := 0
	if maxStart > 0 {
		start = intn(maxStart + 1)
	}
	return r.Slice(start, t)
}
