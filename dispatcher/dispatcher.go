// Package dispatcher implements the "wait for any of N collectors" fan-in:
// a consumer loop calls Wait to block until at least one registered
// collector has posted a ready batch, with FIFO order within a collector
// and no ordering guarantee across collectors.
//
// The wait is a mutex-guarded ready queue plus a *sync.Cond; timeouts and
// context cancellation are bridged into the condvar by a helper goroutine,
// since Cond.Wait itself cannot select.
package dispatcher

import (
	"context"
	"sync"
	"time"

	"expcollector/batchpool"
)

// Posting is one ready batch queued for a consumer, tagged with the
// collector it came from.
type Posting struct {
	Collector string
	Slot      *batchpool.Slot
	Cancelled bool
}

// Dispatcher is the shared ready-queue every collector posts into and every
// consumer Waits on.
type Dispatcher struct {
	mu    sync.Mutex
	cond  *sync.Cond
	ready []Posting
	quit  bool
}

// New returns an empty dispatcher.
func New() *Dispatcher {
	d := &Dispatcher{}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// Post enqueues a ready batch (called by a collector once a slot transitions
// to Ready) and wakes any blocked Wait. FIFO within a collector falls out of
// simple append order; cross-collector order is unspecified.
func (d *Dispatcher) Post(collector string, slot *batchpool.Slot, cancelled bool) {
	d.mu.Lock()
	d.ready = append(d.ready, Posting{Collector: collector, Slot: slot, Cancelled: cancelled})
	d.mu.Unlock()
	d.cond.Broadcast()
}

// Wait blocks until a posting is available, ctx is cancelled, or timeout
// elapses (timeout <= 0 means no timeout), returning the oldest posting.
// On timeout or cancellation it returns false and the consumer may retry.
func (d *Dispatcher) Wait(ctx context.Context, timeout time.Duration) (Posting, bool) {
	d.mu.Lock()
	if len(d.ready) > 0 {
		p := d.ready[0]
		d.ready = d.ready[1:]
		d.mu.Unlock()
		return p, true
	}
	d.mu.Unlock()

	var timer *time.Timer
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		timeoutCh = timer.C
		defer timer.Stop()
	}

	done := make(chan struct{})
	cancelled := false
	go func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		defer close(done)
		for !d.quit && !cancelled && len(d.ready) == 0 {
			d.cond.Wait()
		}
	}()

	select {
	case <-ctx.Done():
		d.mu.Lock()
		cancelled = true
		d.mu.Unlock()
		d.cond.Broadcast()
		<-done
	case <-timeoutCh:
		d.mu.Lock()
		cancelled = true
		d.mu.Unlock()
		d.cond.Broadcast()
		<-done
	case <-done:
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.ready) == 0 {
		return Posting{}, false
	}
	p := d.ready[0]
	d.ready = d.ready[1:]
	return p, true
}

// Close wakes every blocked Wait permanently, for group Stop: subsequent
// Wait calls on an empty queue return false immediately instead of
// blocking.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.quit = true
	d.mu.Unlock()
	d.cond.Broadcast()
}
