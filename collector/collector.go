// Package collector implements the per-consumer-shard queue and its filter
// gate: it accepts per-simulator events, appends them to each sender's
// history ring, and once enough senders have a full T-window buffered,
// assembles a batch via package extractor and hands it back to the caller
// to post to the dispatcher.
//
// Many senders feed a single accumulator that periodically drains into one
// downstream consumer. The fan-in is an explicit per-sender participation
// count rather than a channel, since a collector must track partial
// batches across many independent Submit calls instead of draining a
// channel to exhaustion.
package collector

import (
	"fmt"
	"sync"
	"time"

	"expcollector/batchpool"
	"expcollector/desc"
	"expcollector/event"
	"expcollector/eventbuf"
	"expcollector/extractor"
	"expcollector/slotreg"
)

// BatchReady is returned by Submit/TryFlushTimeout when a batch slot has
// been filled and is ready for the dispatcher.
type BatchReady struct {
	Slot      *batchpool.Slot
	Cancelled bool
}

type senderState struct {
	ring          *eventbuf.Ring
	pendingChunks int
}

// Collector is one named consumer's queue.
type Collector struct {
	Desc desc.BatchDesc

	registry *slotreg.Registry
	plan     *extractor.Plan
	pool     *batchpool.Pool

	mu              sync.Mutex
	senders         map[event.Sender]*senderState
	order           []event.Sender
	globalCount     int
	firstPendingAt  time.Time
	ringCapacity    int
}

// New validates d against registry (unknown key, batchsize <= 0, T <= 0
// are all registration-time failures) and allocates the collector's slot
// pool.
func New(d desc.BatchDesc, registry *slotreg.Registry) (*Collector, error) {
	if d.Batchsize <= 0 {
		return nil, specError("collector %q: batchsize must be > 0", d.Name)
	}
	if d.T <= 0 {
		return nil, specError("collector %q: T must be > 0", d.Name)
	}
	plan, err := extractor.NewPlan(registry, d.InputKeys)
	if err != nil {
		return nil, err
	}

	numHist, numFuture := desc.NumExtra(d.InputKeys)
	poolSize := d.PoolSize
	if poolSize < 2 {
		poolSize = 2
	}

	specs := make([]slotreg.KeySpec, 0, len(d.InputKeys))
	seen := map[string]bool{}
	for _, raw := range d.InputKeys {
		pk := desc.ParseKey(raw)
		base, _ := registry.Get(pk.Base)
		spec := base
		spec.Name = raw
		if !seen[raw] {
			specs = append(specs, spec)
			seen[raw] = true
		}
	}
	if hasLastKey(d.InputKeys) && !seen["last_terminal"] {
		specs = append(specs, slotreg.KeySpec{Name: "last_terminal", Type: event.I32})
	}

	pool := batchpool.NewPool(poolSize, specs, d.T, d.Batchsize)

	return &Collector{
		Desc:         d,
		registry:     registry,
		plan:         plan,
		pool:         pool,
		senders:      make(map[event.Sender]*senderState),
		ringCapacity: 3*d.T + numHist + numFuture,
	}, nil
}

func hasLastKey(keys []string) bool {
	for _, k := range keys {
		if desc.ParseKey(k).Form == desc.FormLast {
			return true
		}
	}
	return false
}

// Submit appends e to its sender's history. If the sender crossed its next
// T-chunk threshold, the collector's global sample count increments; once
// it reaches Batchsize, a batch is assembled and returned. The threshold
// check and the build run under one lock: two concurrent Submits must
// never both observe readiness and split the pending chunks into two short
// batches. Submit never blocks except inside batchpool.Pool.Reserve, which
// can block when the slot pool is exhausted — only possible when the
// consumer falls behind on Release.
func (c *Collector) Submit(e *event.Event) (*BatchReady, bool) {
	if c.Desc.Filter != nil && !c.Desc.Filter(e) {
		return nil, false
	}

	numHist, numFuture := desc.NumExtra(c.Desc.InputKeys)

	c.mu.Lock()
	defer c.mu.Unlock()

	ss, ok := c.senders[e.Sender]
	if !ok {
		ss = &senderState{ring: eventbuf.NewRing(c.ringCapacity)}
		if c.Desc.HistFill != nil {
			for i := 0; i < numHist; i++ {
				ss.ring.Push(c.Desc.HistFill)
			}
		}
		c.senders[e.Sender] = ss
		c.order = append(c.order, e.Sender)
	}

	if !ss.ring.Push(e) {
		ss.ring.PopN(1)
		ss.ring.Push(e)
	}

	need := (ss.pendingChunks+1)*c.Desc.T + numHist + numFuture
	if ss.ring.Len() >= need {
		ss.pendingChunks++
		if c.globalCount == 0 {
			c.firstPendingAt = time.Now()
		}
		c.globalCount++
	}

	if c.globalCount < c.Desc.Batchsize {
		return nil, false
	}
	return c.buildBatchLocked(c.Desc.Batchsize), true
}

// TryFlushTimeout dispatches the currently pending partial batch if the
// configured timeout has elapsed since the first buffered sample, the
// collector allows incomplete batches, and at least one row is pending.
func (c *Collector) TryFlushTimeout(now time.Time) (*BatchReady, bool) {
	if c.Desc.TimeoutMicros <= 0 || !c.Desc.AllowIncomplete {
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.globalCount == 0 {
		return nil, false
	}
	elapsed := now.Sub(c.firstPendingAt)
	if elapsed < time.Duration(c.Desc.TimeoutMicros)*time.Microsecond {
		return nil, false
	}
	return c.buildBatchLocked(c.globalCount), true
}

// buildBatchLocked reserves a slot and drains up to target rows
// round-robin across eligible senders in first-arrival order. A sender
// whose buffered remainder drops below a full window keeps the remainder
// for the next batch. Callers must hold c.mu: the pending counts and the
// rings are drained as one atomic step, so no concurrent Submit can see a
// half-built batch. Pool.Reserve may block here with the lock held; that
// extends slot-pool backpressure to every producer of this collector,
// which is the intended bound.
func (c *Collector) buildBatchLocked(target int) *BatchReady {
	slot := c.pool.Reserve()
	rows := 0

	for rows < target {
		progressed := false
		for _, s := range c.order {
			if rows >= target {
				break
			}
			ss := c.senders[s]
			if ss == nil || ss.pendingChunks <= 0 {
				continue
			}
			ss.pendingChunks--
			c.globalCount--

			if err := c.plan.ExtractRow(ss.ring, c.Desc.T, slot, rows); err != nil {
				// The remainder fell below a full window; it persists to
				// the next batch and this row is skipped.
				continue
			}
			rows++
			progressed = true
		}
		if !progressed {
			break
		}
	}

	slot.BEffective = rows
	c.pool.MarkReady(slot)
	return &BatchReady{Slot: slot}
}

// SampleBatch draws batchsize rows by uniform random sampling across
// eligible senders' already-buffered history, rather than FIFO-draining
// it: pick a random sender, sample a random window from its ring, extract
// it without popping, so the same span may be resampled by this or a
// future call. Unlike Submit's FIFO build it never touches pendingChunks or
// globalCount; it is a second, independent reader of the same rings, meant
// for an offline-training consumer running alongside the live dispatch
// path. Returns false if no sender currently has a full window buffered.
func (c *Collector) SampleBatch(intn func(n int) int) (*BatchReady, bool) {
	windowLen := c.plan.WindowLen(c.Desc.T)

	c.mu.Lock()
	eligible := 0
	for _, s := range c.order {
		if ss := c.senders[s]; ss != nil && ss.ring.Len() >= windowLen {
			eligible++
		}
	}
	c.mu.Unlock()
	if eligible == 0 {
		return nil, false
	}

	slot := c.pool.Reserve()

	// Re-scan under the same lock the extraction runs under: a sender can
	// drop below windowLen between the scans if a Submit-triggered build
	// drains its ring, and extraction must not race that drain. The misses
	// bound keeps a shrunken candidate set from spinning forever.
	c.mu.Lock()
	candidates := make([]event.Sender, 0, len(c.order))
	for _, s := range c.order {
		if ss := c.senders[s]; ss != nil && ss.ring.Len() >= windowLen {
			candidates = append(candidates, s)
		}
	}
	rows := 0
	misses := 0
	maxMisses := c.Desc.Batchsize * (len(candidates) + 1) * 4
	for len(candidates) > 0 && rows < c.Desc.Batchsize && misses <= maxMisses {
		s := candidates[intn(len(candidates))]
		ss := c.senders[s]
		if ss == nil {
			misses++
			continue
		}
		if err := c.plan.ExtractSample(ss.ring, c.Desc.T, slot, rows, intn); err != nil {
			misses++
			continue
		}
		rows++
	}
	c.mu.Unlock()

	if rows == 0 {
		c.pool.Release(slot)
		return nil, false
	}
	slot.BEffective = rows
	c.pool.MarkReady(slot)
	return &BatchReady{Slot: slot}, true
}

// Release returns a drained slot to the free queue. The collector only
// owns the pool release; demultiplexing the reply to simulators is package
// replyrouter's job, invoked by the caller before calling Release.
func (c *Collector) Release(slot *batchpool.Slot) {
	c.pool.Release(slot)
}

// Stats reports the collector's current backlog for summaries and the
// dashboard: buffered-but-undispatched sample count and how many distinct
// senders have submitted so far.
func (c *Collector) Stats() (pendingRows, senderCount int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.globalCount, len(c.senders)
}

// ForceDrain builds a cancelled batch from whatever is currently pending,
// so Stop can flush partial batches instead of leaving a blocked consumer
// waiting on rows that will never arrive. Returns false if nothing is
// pending.
func (c *Collector) ForceDrain() (*BatchReady, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.globalCount == 0 {
		return nil, false
	}
	ready := c.buildBatchLocked(c.globalCount)
	ready.Cancelled = true
	return ready, true
}

type specErr struct{ msg string }

func (e *specErr) Error() string { return e.msg }

func specError(format string, args ...any) error {
	return &specErr{msg: fmt.Sprintf(format, args...)}
}
