package progress

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidEvent marks events that cannot be routed to a stage.
var ErrInvalidEvent = errors.New("invalid progress event")

// Kind denotes which lifecycle transition an Event reports.
type Kind string

// Supported event kinds. Wire names are "<stage>_<kind>".
const (
	KindStarted  Kind = "started"
	KindProgress Kind = "progress"
	KindComplete Kind = "complete"
	KindError    Kind = "error"
)

// Kinds lists every kind a stage listens for, in lifecycle order.
var Kinds = []Kind{KindStarted, KindProgress, KindComplete, KindError}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindStarted, KindProgress, KindComplete, KindError:
		return true
	default:
		return false
	}
}

// Terminal reports whether k ends a stage.
func (k Kind) Terminal() bool {
	return k == KindComplete || k == KindError
}

// Item describes the entity a stage is currently working on.
type Item struct {
	Name string `json:"name,omitempty"`
	URL  string `json:"url,omitempty"`
}

// Key identifies the item for per-item metric snapshots.
func (i Item) Key() string {
	if i.URL != "" {
		return i.URL
	}
	return i.Name
}

// Event is one decoded push-channel message.
type Event struct {
	// RunID scopes the event to one logical run.
	RunID string
	// Stage names the job phase, e.g. "scrape" or "osint".
	Stage string
	// Kind is the lifecycle transition being reported.
	Kind Kind
	// TS is when the event was received; zero means "now".
	TS time.Time
	// Percent is nil when the event carries no percentage.
	Percent *int
	// Current and Total are optional item counters.
	Current *int
	Total   *int
	// Item is the entity currently being processed, if any.
	Item *Item
	// Metrics is the current item's own counts (or a plain delta without an item).
	Metrics map[string]int64
	// CumulativeTotals are run totals as counted by the producer.
	CumulativeTotals map[string]int64
	// Results carries stage-level result metrics reported on complete.
	Results map[string]int64
	// Immediate100 marks a started stage that has nothing to do.
	Immediate100 bool
	// Error is the failure text for error events.
	Error string
	// Message is display-only free text; it is never parsed.
	Message string
}

// Name returns the wire name of the event.
func (e Event) Name() string {
	return EventName(e.Stage, e.Kind)
}

// Validate performs coarse validation before routing.
func (e Event) Validate() error {
	if strings.TrimSpace(e.RunID) == "" {
		return fmt.Errorf("%w: run id is required", ErrInvalidEvent)
	}
	if strings.TrimSpace(e.Stage) == "" {
		return fmt.Errorf("%w: stage is required", ErrInvalidEvent)
	}
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, e.Kind)
	}
	return nil
}

// EventName builds the wire name for a stage transition.
func EventName(stage string, kind Kind) string {
	return stage + "_" + string(kind)
}

// ParseEventName splits a wire name such as "technical_progress" into its
// stage and kind. Stage ids may themselves contain underscores.
func ParseEventName(name string) (string, Kind, error) {
	idx := strings.LastIndex(name, "_")
	if idx <= 0 || idx == len(name)-1 {
		return "", "", fmt.Errorf("%w: malformed event name %q", ErrInvalidEvent, name)
	}
	stage, kind := name[:idx], Kind(name[idx+1:])
	if !kind.Valid() {
		return "", "", fmt.Errorf("%w: unknown kind in %q", ErrInvalidEvent, name)
	}
	return stage, kind, nil
}

func clampPercent(p int) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}
