package progress

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStageTrackerLifecycle(t *testing.T) {
	t.Parallel()

	agg := NewAggregator()
	tr := NewStageTracker("scrape", agg)
	require.Equal(t, StatusPending, tr.Status())

	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	require.Equal(t, OutcomeUpdated, tr.Apply(Event{Kind: KindStarted, Total: intPtr(2), TS: ts}))
	st := tr.State()
	require.Equal(t, StatusRunning, st.Status)
	require.Equal(t, 0, st.Percent)
	require.Equal(t, 2, st.Total)
	require.Equal(t, ts, st.LastEventAt)

	require.Equal(t, OutcomeUpdated, tr.Apply(Event{
		Kind:    KindProgress,
		Percent: intPtr(40),
		Current: intPtr(1),
		Item:    &Item{Name: "Acme", URL: "https://acme.test"},
	}))
	st = tr.State()
	require.Equal(t, 40, st.Percent)
	require.Equal(t, 1, st.Current)
	require.NotNil(t, st.Item)
	require.Equal(t, "Acme", st.Item.Name)

	// Late, lower percentage does not regress.
	require.Equal(t, OutcomeUpdated, tr.Apply(Event{Kind: KindProgress, Percent: intPtr(20)}))
	require.Equal(t, 40, tr.State().Percent)

	require.Equal(t, OutcomeTerminal, tr.Apply(Event{Kind: KindComplete}))
	st = tr.State()
	require.Equal(t, StatusComplete, st.Status)
	require.Equal(t, 100, st.Percent)
	require.Equal(t, 2, st.Current)

	require.Equal(t, OutcomeStale, tr.Apply(Event{Kind: KindProgress, Percent: intPtr(10)}))
	require.Equal(t, OutcomeStale, tr.Apply(Event{Kind: KindStarted}))
	require.Equal(t, OutcomeStale, tr.Apply(Event{Kind: KindError, Error: "late"}))
	require.Equal(t, StatusComplete, tr.Status())
	require.Empty(t, tr.State().Error)
}

func TestStageTrackerProgressRequiresRunning(t *testing.T) {
	t.Parallel()

	tr := NewStageTracker("osint", nil)
	require.Equal(t, OutcomeIgnored, tr.Apply(Event{Kind: KindProgress, Percent: intPtr(50)}))
	st := tr.State()
	require.Equal(t, StatusPending, st.Status)
	require.Zero(t, st.Percent)
	require.True(t, st.LastEventAt.IsZero())
}

func TestStageTrackerImmediate100(t *testing.T) {
	t.Parallel()

	tr := NewStageTracker("osint", nil)
	tr.Apply(Event{Kind: KindStarted, Total: intPtr(0), Immediate100: true})
	require.Equal(t, 100, tr.State().Percent)
	require.Equal(t, StatusRunning, tr.Status(), "a no-op stage still needs an explicit complete")
}

func TestStageTrackerDuplicateStartedIgnored(t *testing.T) {
	t.Parallel()

	tr := NewStageTracker("scrape", nil)
	tr.Apply(Event{Kind: KindStarted})
	tr.Apply(Event{Kind: KindProgress, Percent: intPtr(70)})
	require.Equal(t, OutcomeIgnored, tr.Apply(Event{Kind: KindStarted}))
	require.Equal(t, 70, tr.State().Percent)
}

func TestStageTrackerClampsAndRetainsPercent(t *testing.T) {
	t.Parallel()

	tr := NewStageTracker("technical", nil)
	tr.Apply(Event{Kind: KindStarted})

	tr.Apply(Event{Kind: KindProgress, Percent: intPtr(-5)})
	require.Equal(t, 0, tr.State().Percent)

	tr.Apply(Event{Kind: KindProgress, Percent: intPtr(35)})
	tr.Apply(Event{Kind: KindProgress, Message: "still going"})
	require.Equal(t, 35, tr.State().Percent, "missing percent means no change")
	require.Equal(t, "still going", tr.State().Message)

	tr.Apply(Event{Kind: KindProgress, Percent: intPtr(150)})
	require.Equal(t, 100, tr.State().Percent)
}

func TestStageTrackerItemReplacedUnconditionally(t *testing.T) {
	t.Parallel()

	tr := NewStageTracker("osint", nil)
	tr.Apply(Event{Kind: KindStarted})
	tr.Apply(Event{Kind: KindProgress, Item: &Item{Name: "a"}, Metrics: map[string]int64{"emails": 3}})
	require.Equal(t, "a", tr.State().Item.Name)
	require.Equal(t, int64(3), tr.State().Counters["emails"])

	tr.Apply(Event{Kind: KindProgress, Item: &Item{Name: "b"}, Metrics: map[string]int64{"phones": 1}})
	st := tr.State()
	require.Equal(t, "b", st.Item.Name)
	require.Equal(t, map[string]int64{"phones": 1}, st.Counters, "item counters are replaced")

	tr.Apply(Event{Kind: KindProgress, Percent: intPtr(10)})
	require.Nil(t, tr.State().Item)
}

func TestStageTrackerStateIsACopy(t *testing.T) {
	t.Parallel()

	tr := NewStageTracker("osint", nil)
	tr.Apply(Event{Kind: KindStarted})
	tr.Apply(Event{Kind: KindProgress, Item: &Item{Name: "a"}, Metrics: map[string]int64{"emails": 3}})

	st := tr.State()
	st.Item.Name = "mutated"
	st.Counters["emails"] = 99

	fresh := tr.State()
	require.Equal(t, "a", fresh.Item.Name)
	require.Equal(t, int64(3), fresh.Counters["emails"])
}

func TestStageTrackerError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		evt  Event
		want string
	}{
		{name: "with text", evt: Event{Kind: KindError, Error: "timeout"}, want: "timeout"},
		{name: "empty text", evt: Event{Kind: KindError}, want: defaultErrorText},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			tr := NewStageTracker("osint", nil)
			require.Equal(t, OutcomeTerminal, tr.Apply(tc.evt), "error is accepted from pending")
			st := tr.State()
			require.Equal(t, StatusError, st.Status)
			require.Equal(t, tc.want, st.Error)
		})
	}
}

func TestStageTrackerCompleteFoldsResults(t *testing.T) {
	t.Parallel()

	agg := NewAggregator()
	tr := NewStageTracker("scrape", agg)
	tr.Apply(Event{Kind: KindStarted})
	tr.Apply(Event{Kind: KindComplete, Current: intPtr(5), Total: intPtr(5), Results: map[string]int64{"companies": 5}})

	st := tr.State()
	require.Equal(t, 5, st.Current)
	require.Equal(t, int64(5), st.Counters["companies"])
	require.Equal(t, int64(5), agg.Total("companies"))
}

func TestStageTrackerCompleteSummaryNotAddedTwice(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		results map[string]int64
		want    map[string]int64
	}{
		{name: "summary equals items", results: map[string]int64{"emails": 10}, want: map[string]int64{"emails": 10}},
		{name: "summary exceeds items", results: map[string]int64{"emails": 12, "phones": 2}, want: map[string]int64{"emails": 12, "phones": 2}},
		{name: "summary below items", results: map[string]int64{"emails": 4}, want: map[string]int64{"emails": 10}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			agg := NewAggregator()
			tr := NewStageTracker("scrape", agg)
			tr.Apply(Event{Kind: KindStarted})
			tr.Apply(Event{Kind: KindProgress, Item: &Item{Name: "a"}, Metrics: map[string]int64{"emails": 3}})
			tr.Apply(Event{Kind: KindProgress, Item: &Item{Name: "b"}, Metrics: map[string]int64{"emails": 7}})
			tr.Apply(Event{Kind: KindComplete, Results: tc.results})

			require.Equal(t, tc.want, agg.Totals())
		})
	}
}

func TestStageTrackerSummaryScopedToStage(t *testing.T) {
	t.Parallel()

	agg := NewAggregator()
	osint := NewStageTracker("osint", agg)
	scrape := NewStageTracker("scrape", agg)
	osint.Apply(Event{Kind: KindStarted})
	osint.Apply(Event{Kind: KindProgress, Item: &Item{Name: "a"}, Metrics: map[string]int64{"emails": 5}})
	scrape.Apply(Event{Kind: KindStarted})
	scrape.Apply(Event{Kind: KindComplete, Results: map[string]int64{"emails": 2}})

	require.Equal(t, int64(7), agg.Total("emails"))
}

func TestStageTrackerPercentMonotonicUnderReordering(t *testing.T) {
	t.Parallel()

	percents := []int{5, 80, 12, 64, 33, 99, 41, 0, 77}
	want := 99
	rng := rand.New(rand.NewSource(7))
	for range 50 {
		order := append([]int(nil), percents...)
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

		tr := NewStageTracker("scrape", nil)
		tr.Apply(Event{Kind: KindStarted})
		prev := 0
		for _, p := range order {
			tr.Apply(Event{Kind: KindProgress, Percent: intPtr(p)})
			cur := tr.State().Percent
			assert.GreaterOrEqual(t, cur, prev)
			prev = cur
		}
		require.Equal(t, want, tr.State().Percent, "order %v", order)
	}
}

func TestStageStateIsStale(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	running := StageState{Status: StatusRunning, LastEventAt: now.Add(-time.Minute)}
	require.True(t, running.IsStale(now, 30*time.Second))
	require.False(t, running.IsStale(now, 2*time.Minute))
	require.False(t, running.IsStale(now, 0))

	done := running
	done.Status = StatusComplete
	require.False(t, done.IsStale(now, 30*time.Second))

	pending := StageState{Status: StatusPending}
	require.False(t, pending.IsStale(now, time.Second))
}
