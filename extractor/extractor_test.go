package extractor

import (
	"testing"

	"expcollector/batchpool"
	"expcollector/event"
	"expcollector/eventbuf"
	"expcollector/slotreg"
)

func reg() *slotreg.Registry {
	return slotreg.NewRegistry(
		slotreg.KeySpec{Name: "x", Type: event.I32},
		slotreg.KeySpec{Name: "r", Type: event.F32},
	)
}

func pushEvents(r *eventbuf.Ring, events ...*event.Event) {
	for _, e := range events {
		r.Push(e)
	}
}

func ev(seq uint32, terminal bool, x int32, rwd float32) *event.Event {
	return &event.Event{
		AgentName: "g0",
		Seq:       seq,
		Terminal:  terminal,
		Fields: map[string]event.Value{
			"x": event.I32Value(x),
			"r": event.F32Value(rwd),
		},
	}
}

// T=2 with last_r over a contiguous pair: batch row0 should see r=0 (from
// seq0), last_r=1 (from seq1), last_terminal=false.
func TestExtractorLastKeyContiguous(t *testing.T) {
	plan, err := NewPlan(reg(), []string{"x", "r", "last_r"})
	if err != nil {
		t.Fatalf("NewPlan: %v", err)
	}

	ring := eventbuf.NewRing(8)
	// T=2 with a last_ key needs numFuture=1 extra event beyond the window.
	pushEvents(ring, ev(0, false, 10, 0), ev(1, false, 11, 1), ev(2, false, 12, 2))

	specs := []slotreg.KeySpec{
		{Name: "x", Type: event.I32},
		{Name: "r", Type: event.F32},
		{Name: "last_r", Type: event.F32},
		{Name: "last_terminal", Type: event.I32},
	}
	pool := batchpool.NewPool(1, specs, 2, 1)
	slot := pool.Reserve()

	if err := plan.ExtractRow(ring, 2, slot, 0); err != nil {
		t.Fatalf("ExtractRow: %v", err)
	}

	rBuf := slot.Buffer("r")
	row0R := event.Value{Kind: event.F32, Data: rBuf.Row(0, 0)}.AsF32()
	if row0R != 0 {
		t.Fatalf("row0 r = %v, want 0", row0R)
	}

	lastRBuf := slot.Buffer("last_r")
	row0LastR := event.Value{Kind: event.F32, Data: lastRBuf.Row(0, 0)}.AsF32()
	if row0LastR != 1 {
		t.Fatalf("row0 last_r = %v, want 1 (r of seq1)", row0LastR)
	}

	termBuf := slot.Buffer("last_terminal")
	if (event.Value{Kind: event.I32, Data: termBuf.Row(0, 0)}).AsBool() {
		t.Fatal("row0 last_terminal should be false for a contiguous pair")
	}
}

// A row whose successor starts a new episode should see last_r zeroed and
// last_terminal=true, since the episode broke between the pair.
func TestExtractorLastKeyTerminalBreak(t *testing.T) {
	plan, err := NewPlan(reg(), []string{"x", "r", "last_r"})
	if err != nil {
		t.Fatalf("NewPlan: %v", err)
	}

	ring := eventbuf.NewRing(8)
	// seq=3 is terminal with r=2; the next event restarts at seq=0 of the
	// next episode (game_counter incremented) rather than seq=4, so the
	// extractor observes a seq discontinuity and must zero last_r.
	terminalEvt := ev(3, true, 30, 2)
	nextEpisode := &event.Event{
		AgentName:   "g0",
		GameCounter: 1,
		Seq:         0,
		Fields: map[string]event.Value{
			"x": event.I32Value(0),
			"r": event.F32Value(0),
		},
	}
	pushEvents(ring, terminalEvt, nextEpisode)

	specs := []slotreg.KeySpec{
		{Name: "x", Type: event.I32},
		{Name: "r", Type: event.F32},
		{Name: "last_r", Type: event.F32},
		{Name: "last_terminal", Type: event.I32},
	}
	pool := batchpool.NewPool(1, specs, 1, 1)
	slot := pool.Reserve()

	if err := plan.ExtractRow(ring, 1, slot, 0); err != nil {
		t.Fatalf("ExtractRow: %v", err)
	}

	lastRBuf := slot.Buffer("last_r")
	if v := (event.Value{Kind: event.F32, Data: lastRBuf.Row(0, 0)}.AsF32()); v != 0 {
		t.Fatalf("last_r across terminal break = %v, want 0", v)
	}

	termBuf := slot.Buffer("last_terminal")
	if !(event.Value{Kind: event.I32, Data: termBuf.Row(0, 0)}.AsBool()) {
		t.Fatal("last_terminal should be true across a terminal break")
	}
}

func TestExtractorHistPrefix(t *testing.T) {
	plan, err := NewPlan(reg(), []string{"x", "hist1_x"})
	if err != nil {
		t.Fatalf("NewPlan: %v", err)
	}

	ring := eventbuf.NewRing(8)
	// hist1_x needs one pre-history event ahead of the T-window: with
	// numHist=1, row 0's "current" step is the second pushed event (x=200)
	// and window[0] (x=100) is the one-older pre-history event hist1_x reads.
	pushEvents(ring, ev(0, false, 100, 0), ev(1, false, 200, 0))

	specs := []slotreg.KeySpec{
		{Name: "x", Type: event.I32},
		{Name: "hist1_x", Type: event.I32},
	}
	pool := batchpool.NewPool(1, specs, 1, 1)
	slot := pool.Reserve()

	if err := plan.ExtractRow(ring, 1, slot, 0); err != nil {
		t.Fatalf("ExtractRow: %v", err)
	}

	xBuf := slot.Buffer("x")
	if v := (event.Value{Kind: event.I32, Data: xBuf.Row(0, 0)}.AsI32()); v != 200 {
		t.Fatalf("row0 x = %d, want 200 (current step)", v)
	}
	histBuf := slot.Buffer("hist1_x")
	if v := (event.Value{Kind: event.I32, Data: histBuf.Row(0, 0)}.AsI32()); v != 100 {
		t.Fatalf("row0 hist1_x = %d, want 100 (the one-older history event)", v)
	}
}

// The batch column's route must identify the window's anchor (leading)
// row, not whichever row the per-row loop happened to visit last: a
// reply-bearing collector's simulator awaits exactly the anchor row's
// route, so a route stamped from the wrong row would leave Await polling
// for a key nothing ever dispatches.
func TestExtractorStampsRouteFromAnchorRowNotLastRow(t *testing.T) {
	plan, err := NewPlan(reg(), []string{"x"})
	if err != nil {
		t.Fatalf("NewPlan: %v", err)
	}

	ring := eventbuf.NewRing(8)
	pushEvents(ring, ev(0, false, 1, 0), ev(1, false, 2, 0))

	specs := []slotreg.KeySpec{{Name: "x", Type: event.I32}}
	pool := batchpool.NewPool(1, specs, 2, 1)
	slot := pool.Reserve()

	if err := plan.ExtractRow(ring, 2, slot, 0); err != nil {
		t.Fatalf("ExtractRow: %v", err)
	}

	if got := slot.Routes[0].Seq; got != 0 {
		t.Fatalf("Routes[0].Seq = %d, want 0 (the window's anchor/first row, not the last row seq=1)", got)
	}
}

// ExtractSample must not pop the ring, so the same buffered window can be
// resampled: the defining difference between offline sampling and the
// FIFO dispatch path.
func TestExtractorSampleDoesNotPop(t *testing.T) {
	plan, err := NewPlan(reg(), []string{"x"})
	if err != nil {
		t.Fatalf("NewPlan: %v", err)
	}

	ring := eventbuf.NewRing(8)
	pushEvents(ring, ev(0, false, 1, 0), ev(1, false, 2, 0), ev(2, false, 3, 0))

	specs := []slotreg.KeySpec{{Name: "x", Type: event.I32}}
	pool := batchpool.NewPool(1, specs, 1, 1)
	slot := pool.Reserve()

	zero := func(n int) int { return 0 }
	if err := plan.ExtractSample(ring, 1, slot, 0, zero); err != nil {
		t.Fatalf("ExtractSample: %v", err)
	}
	if ring.Len() != 3 {
		t.Fatalf("ring.Len() after ExtractSample = %d, want 3 (sampling must not pop)", ring.Len())
	}

	xBuf := slot.Buffer("x")
	if v := (event.Value{Kind: event.I32, Data: xBuf.Row(0, 0)}.AsI32()); v != 1 {
		t.Fatalf("sampled row x = %d, want 1 (intn always returns 0 -> the oldest window)", v)
	}
}

func TestExtractorUnknownKeyIsSpecError(t *testing.T) {
	if _, err := NewPlan(reg(), []string{"nonexistent"}); err == nil {
		t.Fatal("expected NewPlan to fail for an unregistered key")
	}
}

func TestExtractorPopsExactlyT(t *testing.T) {
	plan, err := NewPlan(reg(), []string{"x"})
	if err != nil {
		t.Fatalf("NewPlan: %v", err)
	}
	ring := eventbuf.NewRing(8)
	pushEvents(ring, ev(0, false, 1, 0), ev(1, false, 2, 0), ev(2, false, 3, 0))

	specs := []slotreg.KeySpec{{Name: "x", Type: event.I32}}
	pool := batchpool.NewPool(1, specs, 2, 1)
	slot := pool.Reserve()

	if err := plan.ExtractRow(ring, 2, slot, 0); err != nil {
		t.Fatalf("ExtractRow: %v", err)
	}
	if ring.Len() != 1 {
		t.Fatalf("ring.Len() after extracting T=2 from 3 = %d, want 1", ring.Len())
	}
}
