package progress

import (
	"context"
	"fmt"
	"time"
)

// ExampleCoordinator drives a two-stage run to its terminal action.
func ExampleCoordinator() {
	ctx := context.Background()
	done := make(chan Snapshot, 1)
	c := NewCoordinator(Config{DebounceWindow: -1})

	if err := c.BeginRun(ctx, "r1", RunOptions{
		Stages:     []string{"scrape", "osint"},
		OnTerminal: func(_ context.Context, snap Snapshot) { done <- snap },
	}); err != nil {
		panic(err)
	}
	for _, evt := range []Event{
		{RunID: "r1", Stage: "scrape", Kind: KindStarted},
		{RunID: "r1", Stage: "scrape", Kind: KindComplete, Results: map[string]int64{"companies": 3}},
		{RunID: "r1", Stage: "osint", Kind: KindError, Error: "timeout"},
	} {
		if err := c.Deliver(ctx, evt); err != nil {
			panic(err)
		}
	}

	snap := <-done
	if err := c.Close(ctx); err != nil {
		panic(err)
	}
	fmt.Printf("outcome: %s, companies: %d\n", snap.Outcome(), snap.Totals["companies"])
	// Output:
	// outcome: partial, companies: 3
}

// ExampleEmitter shows a terminal payload overtaking pending progress.
func ExampleEmitter() {
	sched := SchedulerFunc(func(_ time.Duration, _ func()) Timer { return noopTimer{} })
	e := NewEmitter(time.Second, sched, func(key string, pct int) {
		fmt.Printf("%s: %d%%\n", key, pct)
	})
	e.Emit("scrape", 40, false)
	e.Emit("scrape", 60, false)
	e.Emit("scrape", 100, true)
	// Output:
	// scrape: 100%
}

type noopTimer struct{}

func (noopTimer) Stop() bool { return true }
