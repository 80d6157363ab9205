// Package replyrouter implements the reply demultiplexer: once a consumer
// has processed a batch and produced its reply values, the router walks
// the batch slot's per-row Route metadata and delivers each row's reply
// back to the simulator that submitted it. The primary path is a direct
// signal: Sender.Deliver wakes the simulator blocked on that row's
// (collector, route) wait.
//
// A reply can also race the simulator: the consumer may answer before the
// simulator has registered its wait, or after it timed out and moved on.
// Rows whose sender is not currently waiting fall back to a size-bounded
// LRU keyed by (agent_name, game_counter, seq), from which the simulator's
// next wait recovers them via TakeCached; eviction is silent.
package replyrouter

import (
	"fmt"
	"time"

	"github.com/karlseguin/ccache/v3"

	"expcollector/batchpool"
	"expcollector/event"
)

// DefaultCacheTTL bounds how long an orphaned reply waits for its
// simulator to re-arrive before ccache evicts it.
const DefaultCacheTTL = 5 * time.Second

// Router demultiplexes batch replies back to their originating senders.
type Router struct {
	cache *ccache.Cache[event.Reply]
	ttl   time.Duration
}

// New allocates a router whose fallback LRU holds at most maxEntries
// pending replies.
func New(maxEntries int64) *Router {
	return &Router{
		cache: ccache.New(ccache.Configure[event.Reply]().MaxSize(maxEntries)),
		ttl:   DefaultCacheTTL,
	}
}

// Dispatch delivers reply rows from collector's slot to their senders: for
// each row b in [0, BEffective), it builds the per-row Reply by slicing
// column b out of each reply-key buffer, then signals the sender's blocked
// wait directly through Sender.Deliver. A row whose sender is not
// currently waiting (the reply beat the wait registration, or the sender
// timed out and moved on) is cached under the row's route identity for a
// later TakeCached.
func (r *Router) Dispatch(collector string, slot *batchpool.Slot, outKeys []string) {
	for b := 0; b < slot.BEffective; b++ {
		route := slot.Routes[b]
		reply := make(event.Reply, len(outKeys))
		for _, k := range outKeys {
			buf := slot.Buffer(k)
			if buf == nil {
				continue
			}
			row := buf.Row(0, b)
			data := make([]byte, len(row))
			copy(data, row)
			reply[k] = event.Value{
				Kind:  buf.Spec.Type,
				Shape: buf.Spec.Shape,
				Data:  data,
			}
		}
		if route.Sender != nil && route.Sender.Deliver(collector, route, reply) {
			continue
		}
		r.cache.Set(route.Key(), reply, r.ttl)
	}
}

// TakeCached removes and returns the cached reply for route's exact
// (agent_name, game_counter, seq) identity, if one raced ahead of the
// simulator's wait. A key collision from another episode never matches:
// the route key embeds game_counter, so a stale same-seq entry resolves to
// a different key entirely.
func (r *Router) TakeCached(route event.Route) (event.Reply, bool) {
	item := r.cache.Get(route.Key())
	if item == nil || item.Expired() {
		return nil, false
	}
	r.cache.Delete(route.Key())
	return item.Value(), true
}

// MustMatch asserts the strict reply identity contract: a reply must match
// the exact (agent_name, game_counter, seq) of the row that produced it,
// never a "most recent reply for this agent" fallback and never a
// cross-episode reuse of a colliding key. Collector/extractor already
// guarantee Route is stamped from the row's source event, so this is a
// sanity check callers can use in tests.
func MustMatch(route event.Route, ev *event.Event) error {
	want := ev.Route()
	if route != want {
		return fmt.Errorf("replyrouter: reply route %s does not match event route %s", route.Key(), want.Key())
	}
	return nil
}
