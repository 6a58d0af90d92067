package progress

import "maps"

// Aggregator folds metric payloads into run-scoped totals. The metric set is
// open-ended; every total is non-decreasing for the life of the run. It is
// not safe for concurrent use.
type Aggregator struct {
	folded   map[string]int64
	atSource map[string]int64
	items    map[string]map[string]int64
}

// NewAggregator returns an empty Aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{
		folded:   make(map[string]int64),
		atSource: make(map[string]int64),
		items:    make(map[string]map[string]int64),
	}
}

// Merge adds each delta to its running total and returns what was added.
// Negative deltas are ignored.
func (a *Aggregator) Merge(delta map[string]int64) map[string]int64 {
	var added map[string]int64
	for name, v := range delta {
		if v <= 0 {
			continue
		}
		a.folded[name] += v
		added = credit(added, name, v)
	}
	return added
}

// MergeItem folds an item's own snapshot of counts. Only the growth since the
// last snapshot for the same item key is added, so repeated snapshots of one
// item are never double counted. It returns the growth that was added.
func (a *Aggregator) MergeItem(key string, snapshot map[string]int64) map[string]int64 {
	prev := a.items[key]
	if prev == nil {
		prev = make(map[string]int64, len(snapshot))
		a.items[key] = prev
	}
	var added map[string]int64
	for name, v := range snapshot {
		if v <= prev[name] {
			continue
		}
		a.folded[name] += v - prev[name]
		added = credit(added, name, v-prev[name])
		prev[name] = v
	}
	return added
}

func credit(m map[string]int64, name string, v int64) map[string]int64 {
	if m == nil {
		m = make(map[string]int64)
	}
	m[name] += v
	return m
}

// MergeAtSource records producer-side cumulative totals, keeping the highest
// value seen per metric.
func (a *Aggregator) MergeAtSource(totals map[string]int64) {
	for name, v := range totals {
		if v > a.atSource[name] {
			a.atSource[name] = v
		}
	}
}

// Total returns the current total for one metric.
func (a *Aggregator) Total(name string) int64 {
	return max(a.folded[name], a.atSource[name])
}

// Totals returns a copy of every tracked total.
func (a *Aggregator) Totals() map[string]int64 {
	out := maps.Clone(a.folded)
	for name, v := range a.atSource {
		if v > out[name] {
			out[name] = v
		}
	}
	return out
}
