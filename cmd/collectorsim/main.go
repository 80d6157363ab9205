// Command collectorsim is a runnable demonstration of a collector group:
// simulated racetrack agents feed an "actor" collector (B=4, T=1, every
// agent's every step) and a "trainer" collector (B=4, T=4, self-play
// filtered to the "train" agents only). One consumer goroutine drains the
// dispatcher for both, answering the actor's batches with fixed per-row
// actions,
// while a websocket dashboard serves live queue stats.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"expcollector/batchpool"
	"expcollector/collector"
	"expcollector/config"
	"expcollector/desc"
	"expcollector/event"
	"expcollector/group"
	"expcollector/internal/racetrack"
	"expcollector/replyrouter"
	"expcollector/simrun"
	"expcollector/slotreg"
)

var (
	configPath *string
	addr       *string
	nagents    *int
)

func init() {
	configPath = flag.String("config", "", "path to group config yaml (optional; demo uses built-in defaults if empty)")
	addr = flag.String("addr", ":8090", "dashboard listen address")
	nagents = flag.Int("nagents", 4, "number of simulated agents (half train, half ref)")
	flag.Parse()
}

func registry() *slotreg.Registry {
	return slotreg.NewRegistry(
		slotreg.KeySpec{Name: "x", Type: event.I32},
		slotreg.KeySpec{Name: "y", Type: event.I32},
		slotreg.KeySpec{Name: "vx", Type: event.I32},
		slotreg.KeySpec{Name: "vy", Type: event.I32},
		slotreg.KeySpec{Name: "reward", Type: event.F32},
	)
}

// actorReplyKeySpecs is the reply batch's own key set, the consumer's
// policy output ("a"), declared independently of the input registry above:
// reply keys need not be a subset of the input keys.
var actorReplyKeySpecs = []slotreg.KeySpec{{Name: "a", Type: event.I32}}

func runApp() error {
	if *configPath != "" {
		if _, err := config.FromYaml(*configPath); err != nil {
			return fmt.Errorf("collectorsim: %w", err)
		}
		log.Printf("collectorsim: loaded config from %s (demo topology below is still built-in)", *configPath)
	}

	reg := registry()

	actorDesc := desc.BatchDesc{
		Name:      "actor",
		Batchsize: 4,
		T:         1,
		InputKeys: []string{"x", "y", "vx", "vy", "reward", "last_reward"},
		ReplyKeys: []string{"a"},
		PoolSize:  4,
	}
	actorCollector, err := collector.New(actorDesc, reg)
	if err != nil {
		return err
	}
	actorReplyPool := batchpool.NewPool(2, actorReplyKeySpecs, 1, actorDesc.Batchsize)

	trainerDesc := desc.BatchDesc{
		Name:      "trainer",
		Batchsize: 4,
		T:         4,
		InputKeys: []string{"x", "y", "vx", "vy", "reward"},
		PoolSize:  4,
		Filter: func(e *event.Event) bool {
			return e.AgentName == "train-0" || e.AgentName == "train-1"
		},
	}
	trainerCollector, err := collector.New(trainerDesc, reg)
	if err != nil {
		return err
	}

	g := group.New()
	g.Register(&group.Entry{Name: "actor", Collector: actorCollector, Router: replyrouter.New(256), HasReply: true})
	g.Register(&group.Entry{Name: "trainer", Collector: trainerCollector, Router: replyrouter.New(0)})
	g.EnableDashboard(*addr, 200*time.Millisecond)

	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()
	runCtx := g.Start(appCtx)
	g.HookSignals()

	track := racetrack.Convert(racetrack.DebugTrack)
	for i := 0; i < *nagents; i++ {
		name := fmt.Sprintf("ref-%d", i)
		if i%2 == 0 {
			name = fmt.Sprintf("train-%d", i/2)
		}
		agent := racetrack.NewAgent(track)
		h := simrun.NewHandle(name, stepFn(agent))
		g.RunSimulator(runCtx, h, 200*time.Millisecond)
	}

	go drainForever(runCtx, g, actorReplyPool)

	log.Printf("collectorsim: running, dashboard at http://localhost%s", *addr)
	<-runCtx.Done()
	g.Stop()
	g.PrintSummary(os.Stdout)
	return nil
}

// stepFn adapts a racetrack.Agent into a simrun.StepFn: each call applies
// the previous reply's action (if any) to the agent's velocity, advances
// it one kinematic step, and packages the result as event fields.
func stepFn(agent *racetrack.Agent) simrun.StepFn {
	return func(prev event.Reply) (map[string]event.Value, bool) {
		if v, ok := prev["a"]; ok {
			agent.ApplyAction(v.AsI32())
		}
		x, y, vx, vy, reward, terminal := agent.Step()
		return map[string]event.Value{
			"x":      event.I32Value(int32(x)),
			"y":      event.I32Value(int32(y)),
			"vx":     event.I32Value(int32(vx)),
			"vy":     event.I32Value(int32(vy)),
			"reward": event.F32Value(float32(reward)),
		}, terminal
	}
}

// drainForever is the demo's consumer loop: wait on the dispatcher for
// either collector, record the dispatch, release the slot. For the actor
// collector (the only one with declared reply keys) it also stands in for
// the real inference step: it builds a reply batch of fixed per-row
// actions and dispatches it back through the actor's router, driving the
// full submit -> dispatch -> reply -> await round trip.
func drainForever(ctx context.Context, g *group.Group, actorReplyPool *batchpool.Pool) {
	for {
		posting, ok := g.Dispatcher.Wait(ctx, 500*time.Millisecond)
		if !ok {
			select {
			case <-ctx.Done():
				return
			default:
				continue
			}
		}
		g.RecordDispatch(posting.Collector, posting.Slot.BEffective)
		e, found := g.Entries[posting.Collector]
		if !found {
			continue
		}

		if posting.Collector == "actor" {
			replySlot := actorReplyPool.Reserve()
			replySlot.BEffective = posting.Slot.BEffective
			for i := 0; i < posting.Slot.BEffective; i++ {
				replySlot.Routes[i] = posting.Slot.Routes[i]
				replySlot.Buffer("a").SetRow(0, i, event.I32Value(int32(i%3)).Data)
			}
			e.Router.Dispatch(posting.Collector, replySlot, e.Collector.Desc.ReplyKeys)
			actorReplyPool.Release(replySlot)
		}

		e.Collector.Release(posting.Slot)
	}
}

func main() {
	if err := runApp(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
