package replyrouter

import (
	"sync"
	"testing"

	"expcollector/batchpool"
	"expcollector/event"
	"expcollector/slotreg"
)

// fakeSender registers at most one awaited route, the way a simulator
// handle does, and accepts a signalled reply only for that exact route.
type fakeSender struct {
	mu      sync.Mutex
	waitFor *event.Route
	got     chan event.Reply
}

func (f *fakeSender) Deliver(collector string, route event.Route, reply event.Reply) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.waitFor == nil || *f.waitFor != route {
		return false
	}
	f.waitFor = nil
	f.got <- reply
	return true
}

func newTestSlot(b int) *batchpool.Slot {
	specs := []slotreg.KeySpec{{Name: "action", Type: event.I32}}
	pool := batchpool.NewPool(1, specs, 1, b)
	return pool.Reserve()
}

// The primary delivery path: a sender blocked waiting on the dispatched
// row's route is signalled directly, and nothing lands in the cache.
func TestDispatchSignalsWaitingSender(t *testing.T) {
	slot := newTestSlot(1)
	sender := &fakeSender{got: make(chan event.Reply, 1)}
	route := event.Route{Sender: sender, AgentName: "g0", GameCounter: 0, Seq: 0}
	sender.waitFor = &route
	slot.Routes[0] = route
	slot.BEffective = 1
	slot.Buffer("action").SetRow(0, 0, event.I32Value(7).Data)

	r := New(100)
	r.Dispatch("actor", slot, []string{"action"})

	select {
	case reply := <-sender.got:
		if got := reply["action"].AsI32(); got != 7 {
			t.Fatalf("signalled reply[action] = %d, want 7", got)
		}
	default:
		t.Fatal("expected the waiting sender to be signalled directly")
	}
	if _, ok := r.TakeCached(route); ok {
		t.Fatal("a directly delivered reply must not also be cached")
	}
}

// The fallback path: a sender that is not currently waiting (the reply
// raced its wait registration) gets its reply cached, recoverable once by
// TakeCached.
func TestDispatchCachesWhenSenderNotWaiting(t *testing.T) {
	slot := newTestSlot(1)
	sender := &fakeSender{got: make(chan event.Reply, 1)}
	route := event.Route{Sender: sender, AgentName: "g0", GameCounter: 0, Seq: 0}
	slot.Routes[0] = route
	slot.BEffective = 1
	slot.Buffer("action").SetRow(0, 0, event.I32Value(7).Data)

	r := New(100)
	r.Dispatch("actor", slot, []string{"action"})

	select {
	case <-sender.got:
		t.Fatal("a sender with no registered wait must not be signalled")
	default:
	}

	reply, ok := r.TakeCached(route)
	if !ok {
		t.Fatal("expected the undelivered reply to be cached")
	}
	if got := reply["action"].AsI32(); got != 7 {
		t.Fatalf("cached reply[action] = %d, want 7", got)
	}

	// At-most-once: a consumed cache entry is gone.
	if _, ok := r.TakeCached(route); ok {
		t.Fatal("second TakeCached for the same route should find nothing")
	}
}

// Each row's reply must be recoverable only under its own
// (agent, game, seq) key, not any other row's.
func TestDispatchRoutesEachRowToItsOwnKey(t *testing.T) {
	slot := newTestSlot(2)
	routeA := event.Route{AgentName: "a", GameCounter: 0, Seq: 0}
	routeB := event.Route{AgentName: "b", GameCounter: 0, Seq: 0}
	slot.Routes[0] = routeA
	slot.Routes[1] = routeB
	slot.BEffective = 2
	slot.Buffer("action").SetRow(0, 0, event.I32Value(1).Data)
	slot.Buffer("action").SetRow(0, 1, event.I32Value(2).Data)

	r := New(100)
	r.Dispatch("actor", slot, []string{"action"})

	replyA, ok := r.TakeCached(routeA)
	if !ok || replyA["action"].AsI32() != 1 {
		t.Fatalf("routeA reply = %+v, %v, want action=1", replyA, ok)
	}
	replyB, ok := r.TakeCached(routeB)
	if !ok || replyB["action"].AsI32() != 2 {
		t.Fatalf("routeB reply = %+v, %v, want action=2", replyB, ok)
	}
}

// A sender waiting on a different route than the dispatched row's must not
// be signalled; the reply falls back to the cache under the row's own key.
func TestDispatchIgnoresMismatchedWait(t *testing.T) {
	slot := newTestSlot(1)
	sender := &fakeSender{got: make(chan event.Reply, 1)}
	dispatched := event.Route{Sender: sender, AgentName: "g0", GameCounter: 0, Seq: 3}
	awaited := event.Route{Sender: sender, AgentName: "g0", GameCounter: 0, Seq: 4}
	sender.waitFor = &awaited
	slot.Routes[0] = dispatched
	slot.BEffective = 1
	slot.Buffer("action").SetRow(0, 0, event.I32Value(9).Data)

	r := New(100)
	r.Dispatch("actor", slot, []string{"action"})

	select {
	case <-sender.got:
		t.Fatal("a wait for a different route must not be signalled")
	default:
	}
	if _, ok := r.TakeCached(dispatched); !ok {
		t.Fatal("the mismatched reply should be cached under its own route")
	}
}

func TestMustMatchDetectsRouteMismatch(t *testing.T) {
	ev := &event.Event{AgentName: "g0", GameCounter: 0, Seq: 1}
	wrong := event.Route{AgentName: "g0", GameCounter: 0, Seq: 2}
	if err := MustMatch(wrong, ev); err == nil {
		t.Fatal("expected MustMatch to reject a mismatched route")
	}
	if err := MustMatch(ev.Route(), ev); err != nil {
		t.Fatalf("MustMatch on the event's own route should pass: %v", err)
	}
}
