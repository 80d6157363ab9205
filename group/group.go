// Package group is the lifecycle/control surface: it wires named
// collectors, a shared dispatcher, and per-collector reply routers into
// one runnable unit with Start/Stop/PrintSummary. Start each simulator
// goroutine, run the group until Stop or the context deadline, then drain
// and release cleanly on exit.
package group

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"expcollector/collector"
	"expcollector/desc"
	"expcollector/dispatcher"
	"expcollector/internal/atomicfloat"
	"expcollector/internal/dashboard"
	"expcollector/replyrouter"
	"expcollector/simrun"
)

// Entry is one named collector plus its reply router. Simulators await this
// collector's replies only when HasReply is set (see Register); the
// router's size argument only bounds its fallback cache.
type Entry struct {
	Name      string
	Collector *collector.Collector
	Router    *replyrouter.Router
	HasReply  bool
}

// Group owns a dispatcher, a set of named collectors, and the simulator
// goroutines submitting into them.
type Group struct {
	Dispatcher *dispatcher.Dispatcher
	Entries    map[string]*Entry

	mu         sync.Mutex
	wg         sync.WaitGroup
	cancel     context.CancelFunc
	started    bool
	stopped    bool
	batchCount map[string]int64
	// fillSum accumulates each collector's BEffective/Batchsize ratio
	// (1.0 for full batches, lower for timeout-forced partials), updated
	// lock-free from the consumer loop; the average fill is
	// fillSum/batchCount at read time.
	fillSum map[string]*atomicfloat.Float64

	dashboardSrv *dashboard.Server
	dashUpdates  chan dashboard.Snapshot
}

// New builds an empty group ready to register collectors into.
func New() *Group {
	return &Group{
		Dispatcher: dispatcher.New(),
		Entries:    make(map[string]*Entry),
		batchCount: make(map[string]int64),
		fillSum:    make(map[string]*atomicfloat.Float64),
	}
}

// Register adds a named collector to the group. HasReply is derived from
// the collector's declared reply keys when not set explicitly.
func (g *Group) Register(e *Entry) {
	if !e.HasReply && len(e.Collector.Desc.ReplyKeys) > 0 {
		e.HasReply = true
	}
	g.Entries[e.Name] = e
	g.batchCount[e.Name] = 0
	g.fillSum[e.Name] = atomicfloat.New(0.0)
}

// EnableDashboard starts a background websocket dashboard at addr,
// streaming a Snapshot every tick.
func (g *Group) EnableDashboard(addr string, tick time.Duration) {
	g.dashUpdates = make(chan dashboard.Snapshot, 1)
	g.dashboardSrv = dashboard.NewServer(addr, g.dashUpdates)
	go func() {
		if err := g.dashboardSrv.Serve(); err != nil {
			fmt.Fprintln(os.Stderr, "dashboard:", err)
		}
	}()
	go g.publishSnapshots(tick)
}

func (g *Group) publishSnapshots(tick time.Duration) {
	t := time.NewTicker(tick)
	defer t.Stop()
	for range t.C {
		snap := dashboard.Snapshot{Timestamp: time.Now()}
		for name, e := range g.Entries {
			pending, senders := e.Collector.Stats()
			snap.Collectors = append(snap.Collectors, dashboard.CollectorStat{
				Name:        name,
				PendingRows: pending,
				SenderCount: senders,
				BatchesSent: g.batchCountFor(name),
				AvgFill:     g.avgFillFor(name),
			})
		}
		select {
		case g.dashUpdates <- snap:
		default:
		}
	}
}

func (g *Group) batchCountFor(name string) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.batchCount[name]
}

// avgFillFor returns the mean BEffective/Batchsize ratio of the batches
// recorded for name, or 0 before the first dispatch.
func (g *Group) avgFillFor(name string) float64 {
	count := g.batchCountFor(name)
	if count == 0 {
		return 0
	}
	return g.fillSum[name].Load() / float64(count)
}

// Targets builds the simrun.Target list a simulator submits to: every
// registered collector, unordered, awaiting only those with a declared
// reply set.
func (g *Group) Targets(awaitFor time.Duration) []simrun.Target {
	targets := make([]simrun.Target, 0, len(g.Entries))
	for name, e := range g.Entries {
		_, numFuture := desc.NumExtra(e.Collector.Desc.InputKeys)
		targets = append(targets, simrun.Target{
			Name:       name,
			Collector:  e.Collector,
			Dispatcher: g.Dispatcher,
			Router:     e.Router,
			AwaitFor:   awaitFor,
			HasReply:   e.HasReply,
			FutureLag:  numFuture > 0,
		})
	}
	return targets
}

// RunSimulator launches one simulator's goroutine against every registered
// collector, tracked by the group's WaitGroup so Stop can join it.
func (g *Group) RunSimulator(ctx context.Context, h *simrun.Handle, awaitFor time.Duration) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		h.Run(ctx, g.Targets(awaitFor))
	}()
}

// Start marks the group running and returns a context simulators should
// select on; cancel it (directly, via ctx timeout, or via Stop) to end the
// run.
func (g *Group) Start(ctx context.Context) context.Context {
	runCtx, cancel := context.WithCancel(ctx)
	g.mu.Lock()
	g.cancel = cancel
	g.started = true
	g.mu.Unlock()
	return runCtx
}

// HookSignals stops the group on SIGINT/SIGTERM. Opt-in: a caller
// embedding the group in a larger process may want to manage signals
// itself.
func (g *Group) HookSignals() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		g.Stop()
	}()
}

// Stop ends the run: cancels the run context (stopping simulator loops),
// joins their goroutines, then force-drains every collector's pending
// partial batch as a cancelled posting and closes the dispatcher so any
// blocked Wait returns immediately instead of hanging on rows that will
// never arrive.
func (g *Group) Stop() {
	g.mu.Lock()
	if g.stopped || !g.started {
		g.mu.Unlock()
		return
	}
	g.stopped = true
	cancel := g.cancel
	g.mu.Unlock()

	cancel()
	g.wg.Wait()

	for name, e := range g.Entries {
		if ready, ok := e.Collector.ForceDrain(); ok {
			g.Dispatcher.Post(name, ready.Slot, true)
		}
	}
	g.Dispatcher.Close()
}

// RecordDispatch lets a consumer loop tell the group a batch of bEffective
// rows from collector was drained, for PrintSummary's counters and the
// dashboard's fill-ratio average.
func (g *Group) RecordDispatch(collector string, bEffective int) {
	g.mu.Lock()
	g.batchCount[collector]++
	g.mu.Unlock()
	if e, ok := g.Entries[collector]; ok {
		g.fillSum[collector].Add(float64(bEffective) / float64(e.Collector.Desc.Batchsize))
	}
}

// PrintSummary writes per-collector batch counts, queue depths, and sender
// counts.
func (g *Group) PrintSummary(w io.Writer) {
	fmt.Fprintln(w, "collector group summary:")
	for name, e := range g.Entries {
		pending, senders := e.Collector.Stats()
		fmt.Fprintf(w, "  %-20s batches=%d avg_fill=%.2f pending_rows=%d senders=%d\n",
			name, g.batchCountFor(name), g.avgFillFor(name), pending, senders)
	}
}
