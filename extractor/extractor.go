// Package extractor is the batch assembler: given a peeked window from a
// sender's history ring, it copies one column into a batch slot's buffers
// (the T-step window, the "last_" future slot, and any history-prefix
// keys) per the registry's byte layout.
package extractor

import (
	"fmt"

	"expcollector/batchpool"
	"expcollector/desc"
	"expcollector/event"
	"expcollector/eventbuf"
	"expcollector/slotreg"
)

// Plan precomputes, once per collector at Start, how each declared input
// key maps onto the ring window. Key validation happens here, not on the
// hot path.
type Plan struct {
	plain     []desc.ParsedKey
	last      []desc.ParsedKey
	hist      []desc.ParsedKey
	numHist   int
	numFuture int
}

// NewPlan validates the declared input keys against registry and
// precomputes the window layout. Fails if neither a key nor its last_
// fallback is registered.
func NewPlan(registry *slotreg.Registry, inputKeys []string) (*Plan, error) {
	numHist, numFuture := desc.NumExtra(inputKeys)
	p := &Plan{numHist: numHist, numFuture: numFuture}
	for _, raw := range inputKeys {
		pk := desc.ParseKey(raw)
		if _, ok := registry.Get(pk.Base); !ok {
			return nil, fmt.Errorf("extractor: key %q (base %q) not registered", raw, pk.Base)
		}
		switch pk.Form {
		case desc.FormPlain:
			p.plain = append(p.plain, pk)
		case desc.FormLast:
			p.last = append(p.last, pk)
		case desc.FormHist:
			p.hist = append(p.hist, pk)
		}
	}
	return p, nil
}

// WindowLen is T + numHist + numFuture: the ring slice ExtractRow needs.
func (p *Plan) WindowLen(t int) int {
	return t + p.numHist + p.numFuture
}

// ExtractRow peeks a T+numExtra window from ring (without popping), writes
// rows [0,T) into column b of slot's buffers for every declared key, and
// pops T events from ring on success. It does not mark the slot ready; the
// caller tracks row counts across senders.
func (p *Plan) ExtractRow(ring *eventbuf.Ring, t int, slot *batchpool.Slot, b int) error {
	window, err := ring.PeekTop(p.WindowLen(t))
	if err != nil {
		return err
	}
	if err := p.extractWindow(window, t, slot, b); err != nil {
		return err
	}
	ring.PopN(t)
	return nil
}

// ExtractSample draws a uniformly random T+numExtra window from ring
// without popping it, and extracts it the same way ExtractRow does. This
// is the offline-replay path: windows are drawn from a sender's
// accumulated history rather than draining it FIFO. Safe to call
// repeatedly against the same ring state; it never advances the head, so
// the same buffered span may be resampled.
func (p *Plan) ExtractSample(ring *eventbuf.Ring, t int, slot *batchpool.Slot, b int, intn func(n int) int) error {
	window, err := ring.Sample(p.WindowLen(t), intn)
	if err != nil {
		return err
	}
	return p.extractWindow(window, t, slot, b)
}

// extractWindow writes an already-fetched T+numExtra window into column b
// of slot, shared by the FIFO (ExtractRow) and random-sample
// (ExtractSample) paths. The batch column's route is stamped once, from
// the window's anchor row (window[numHist], the first of the T window
// rows), not inside the per-row loop: the simulator awaiting this column's
// reply is the one identified by the anchor row, not the last row.
func (p *Plan) extractWindow(window []*event.Event, t int, slot *batchpool.Slot, b int) error {
	if len(window) != p.WindowLen(t) {
		return fmt.Errorf("extractor: window length %d, want %d", len(window), p.WindowLen(t))
	}

	var histRev []*event.Event
	if p.numHist > 0 {
		histRev = histPrefix(window, p.numHist)
	}

	slot.Routes[b] = window[p.numHist].Route()

	for row := 0; row < t; row++ {
		cur := window[p.numHist+row]

		for _, pk := range p.plain {
			copyField(slot, pk.Raw, pk.Base, cur, row, b)
		}

		for _, pk := range p.last {
			p.extractLast(slot, pk, window, row, b)
		}

		if row == 0 {
			for _, pk := range p.hist {
				copyField(slot, pk.Raw, pk.Base, histRev[pk.N-1], row, b)
			}
		}
	}

	return nil
}

// histPrefix returns window's leading numHist entries in reverse order, so
// a declared "histN_X" key's N indexes directly: out[N-1] is N steps
// before the window's anchor row. Operating on the already-extracted
// window (not the live ring) keeps it correct whether the window was
// peeked FIFO-at-head or sampled from a random offset.
func histPrefix(window []*event.Event, numHist int) []*event.Event {
	out := make([]*event.Event, numHist)
	for i := 0; i < numHist; i++ {
		out[numHist-1-i] = window[i]
	}
	return out
}

// extractLast fills a last_X column: copy X from row t+1 into row t,
// unless the episode broke between them (non-contiguous seq), in which
// case zero X and set last_terminal=true.
func (p *Plan) extractLast(slot *batchpool.Slot, pk desc.ParsedKey, window []*event.Event, row, b int) {
	cur := window[p.numHist+row]
	next := window[p.numHist+row+1]

	buf := slot.Buffer(pk.Raw)
	if buf == nil {
		return
	}

	if next.Seq != cur.Seq+1 {
		buf.ZeroRow(row, b)
		setLastTerminal(slot, row, b, true)
		return
	}

	if v, ok := next.Get(pk.Base); ok {
		buf.SetRow(row, b, v.Data)
	} else {
		buf.ZeroRow(row, b)
	}
	setLastTerminal(slot, row, b, false)
}

func setLastTerminal(slot *batchpool.Slot, row, b int, terminal bool) {
	buf := slot.Buffer("last_terminal")
	if buf == nil {
		return
	}
	v := event.BoolValue(terminal)
	buf.SetRow(row, b, v.Data)
}

// copyField writes one plain/hist-prefix key's value from ev's Fields[base]
// into slot's buffer for (row, b). No numeric widening or quantisation:
// fields already carry their declared width and floats are bit-copied
// verbatim.
func copyField(slot *batchpool.Slot, name, base string, ev *event.Event, row, b int) {
	buf := slot.Buffer(name)
	if buf == nil {
		return
	}
	v, ok := ev.Get(base)
	if !ok {
		buf.ZeroRow(row, b)
		return
	}
	buf.SetRow(row, b, v.Data)
}
