// Package simrun is the simulator runtime: each simulator is a goroutine
// that assembles an event, submits it to every collector whose filter
// accepts it, blocks for each reply-bearing collector's reply, applies the
// replies, and advances (game_counter, seq) before looping. Cancellation
// is cooperative: the loop checks its context before producing a step,
// while blocked on a reply, and again before advancing.
package simrun

import (
	"context"
	"sync"
	"time"

	"expcollector/collector"
	"expcollector/dispatcher"
	"expcollector/event"
	"expcollector/replyrouter"
)

// StepFn assembles the next event's fields for a simulator, given the
// previous reply (nil on the very first step). It returns the new field
// set and whether the resulting step is terminal; a terminal step resets
// seq to 0 and increments game_counter.
type StepFn func(prev event.Reply) (fields map[string]event.Value, terminal bool)

// Target is one collector a simulator submits to, paired with the reply
// deadline to wait for its reply values (HasReply false means no wait).
// Dispatcher is the group-wide queue that a batch filled by this
// simulator's Submit call must be posted to; from the simulator's view,
// submitting and posting a completed batch are one step.
type Target struct {
	Name       string
	Collector  *collector.Collector
	Dispatcher *dispatcher.Dispatcher
	Router     *replyrouter.Router
	AwaitFor   time.Duration
	HasReply   bool
	// FutureLag is true when the collector declares a "last_X" key: it
	// needs the NEXT step's event before it can extract the current one.
	// Such a collector's row for step s only becomes extractable once step
	// s+1 has been submitted, so Run must await the PREVIOUS step's route
	// rather than the one just submitted; awaiting the current route would
	// block forever, since nothing extracts (and therefore nothing replies
	// to) a row before its successor event exists. group.Group.Targets
	// sets this from the collector's declared key set.
	FutureLag bool
}

// replyWait is the at-most-one pending reply slot a simulator holds per
// collector while blocked: the awaited route plus a one-slot mailbox the
// router signals into.
type replyWait struct {
	route event.Route
	ch    chan event.Reply
}

// Handle runs one simulator's loop and implements event.Sender: the reply
// router wakes it by delivering into the mailbox registered for the
// awaited (collector, route).
type Handle struct {
	AgentName string
	step      StepFn

	mu    sync.Mutex
	waits map[string]*replyWait

	gameCounter uint32
	seq         uint32
}

// NewHandle returns a simulator handle; agentName must be unique within a
// group.
func NewHandle(agentName string, step StepFn) *Handle {
	return &Handle{AgentName: agentName, step: step, waits: make(map[string]*replyWait)}
}

// Deliver implements event.Sender: if this simulator is currently blocked
// waiting on exactly (collector, route), the reply lands in that wait's
// mailbox, waking the blocked Run, and Deliver reports true. Otherwise it
// reports false and the router caches the reply instead. Non-blocking: the
// mailbox holds one reply and at most one wait per collector ever exists.
func (h *Handle) Deliver(collectorName string, route event.Route, reply event.Reply) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	w := h.waits[collectorName]
	if w == nil || w.route != route {
		return false
	}
	delete(h.waits, collectorName)
	w.ch <- reply
	return true
}

// beginWait registers the pending reply slot for collectorName. There is
// at most one per collector: the loop never awaits two rows of the same
// collector at once.
func (h *Handle) beginWait(collectorName string, route event.Route) *replyWait {
	w := &replyWait{route: route, ch: make(chan event.Reply, 1)}
	h.mu.Lock()
	h.waits[collectorName] = w
	h.mu.Unlock()
	return w
}

// endWait deregisters w if it is still pending (timeout, cancellation, or
// a cache hit made the mailbox moot). A reply already sitting in the
// mailbox at that point is dropped: the request counts as unanswered and
// the loop's next iteration still advances.
func (h *Handle) endWait(collectorName string, w *replyWait) {
	h.mu.Lock()
	if h.waits[collectorName] == w {
		delete(h.waits, collectorName)
	}
	h.mu.Unlock()
}

// awaitReply blocks until the reply for route arrives, the deadline
// elapses, or ctx is cancelled. The wait is registered before the fallback
// cache is checked, closing the race against a concurrent Dispatch: a
// reply dispatched before registration was cached (Deliver found no wait)
// and the cache check recovers it; one dispatched after registration is
// signalled straight into the mailbox.
func (h *Handle) awaitReply(ctx context.Context, t Target, route event.Route) (event.Reply, bool) {
	w := h.beginWait(t.Name, route)
	if cached, ok := t.Router.TakeCached(route); ok {
		h.endWait(t.Name, w)
		return cached, true
	}

	timer := time.NewTimer(t.AwaitFor)
	defer timer.Stop()
	select {
	case reply := <-w.ch:
		return reply, true
	case <-timer.C:
		h.endWait(t.Name, w)
		return nil, false
	case <-ctx.Done():
		h.endWait(t.Name, w)
		return nil, false
	}
}

// Run drives the simulator loop until ctx is cancelled:
// build event -> submit to every target -> await replies -> apply -> advance.
//
// A FutureLag target's row for the event just submitted is not extractable
// until the NEXT event is submitted, so Run awaits that target's PREVIOUS
// route instead of its current one, pipelining the await by one step.
// pending tracks, per FutureLag target, the route submitted on the prior
// iteration; the very first iteration has no prior route to await and
// contributes nothing to that step's merged reply.
func (h *Handle) Run(ctx context.Context, targets []Target) {
	var prev event.Reply
	pending := make(map[string]event.Route, len(targets))
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		fields, terminal := h.step(prev)
		ev := &event.Event{
			AgentName:   h.AgentName,
			GameCounter: h.gameCounter,
			Seq:         h.seq,
			Terminal:    terminal,
			Sender:      h,
			Fields:      fields,
		}
		route := ev.Route()

		for _, t := range targets {
			if ready, ok := t.Collector.Submit(ev); ok {
				t.Dispatcher.Post(t.Name, ready.Slot, ready.Cancelled)
			}
		}

		merged := event.Reply{}
		for _, t := range targets {
			if !t.HasReply {
				continue
			}

			awaitRoute := route
			if t.FutureLag {
				prior, ok := pending[t.Name]
				pending[t.Name] = route
				if !ok {
					continue
				}
				awaitRoute = prior
			}

			if reply, ok := h.awaitReply(ctx, t, awaitRoute); ok {
				for k, v := range reply {
					merged[k] = v
				}
			}
		}
		prev = merged

		select {
		case <-ctx.Done():
			return
		default:
		}

		if terminal {
			h.seq = 0
			h.gameCounter++
		} else {
			h.seq++
		}
	}
}
