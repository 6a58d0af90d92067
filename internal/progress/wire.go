package progress

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// Envelope is the framing shared by every transport: a wire event name plus
// its raw JSON payload.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// knownFields are payload keys with a dedicated meaning; any other numeric key
// on a complete event is treated as a result metric.
var knownFields = map[string]struct{}{
	"runId":             {},
	"run_id":            {},
	"progress":          {},
	"task_progress":     {},
	"current":           {},
	"total":             {},
	"entreprise":        {},
	"name":              {},
	"url":               {},
	"metrics":           {},
	"cumulative_totals": {},
	"immediate_100":     {},
	"error":             {},
	"message":           {},
}

// DecodeEvent parses a wire event. The name selects stage and kind; the
// payload supplies the run id and optional fields. Missing fields stay nil so
// the tracker can tell "no change" from zero.
func DecodeEvent(name string, payload []byte, ts time.Time) (Event, error) {
	stage, kind, err := ParseEventName(name)
	if err != nil {
		return Event{}, err
	}
	raw := map[string]json.RawMessage{}
	if len(bytes.TrimSpace(payload)) > 0 {
		if err := json.Unmarshal(payload, &raw); err != nil {
			return Event{}, fmt.Errorf("%w: decode %s payload: %v", ErrInvalidEvent, name, err)
		}
	}

	evt := Event{
		Stage:   stage,
		Kind:    kind,
		TS:      ts,
		RunID:   firstID(raw, "runId", "run_id"),
		Percent: firstInt(raw, "progress", "task_progress"),
		Current: firstInt(raw, "current"),
		Total:   firstInt(raw, "total"),
		Error:   firstString(raw, "error"),
		Message: firstString(raw, "message"),
	}
	if v, ok := raw["immediate_100"]; ok {
		var flag bool
		if err := json.Unmarshal(v, &flag); err == nil {
			evt.Immediate100 = flag
		}
	}
	item := Item{
		Name: firstString(raw, "entreprise", "name"),
		URL:  firstString(raw, "url"),
	}
	if item != (Item{}) {
		evt.Item = &item
	}
	evt.Metrics = decodeCounts(raw["metrics"])
	evt.CumulativeTotals = decodeCounts(raw["cumulative_totals"])
	if kind == KindComplete {
		evt.Results = decodeResults(raw)
	}
	return evt, nil
}

// DecodeEnvelope parses a framed message as produced by the websocket and
// replay transports.
func DecodeEnvelope(data []byte, ts time.Time) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Event{}, fmt.Errorf("%w: decode envelope: %v", ErrInvalidEvent, err)
	}
	return DecodeEvent(env.Event, env.Data, ts)
}

func firstString(raw map[string]json.RawMessage, keys ...string) string {
	for _, key := range keys {
		v, ok := raw[key]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(v, &s); err == nil && s != "" {
			return s
		}
	}
	return ""
}

// firstID accepts both string and numeric run ids.
func firstID(raw map[string]json.RawMessage, keys ...string) string {
	if s := firstString(raw, keys...); s != "" {
		return s
	}
	for _, key := range keys {
		v, ok := raw[key]
		if !ok {
			continue
		}
		var n json.Number
		if err := json.Unmarshal(v, &n); err == nil && n != "" {
			return n.String()
		}
	}
	return ""
}

func firstInt(raw map[string]json.RawMessage, keys ...string) *int {
	for _, key := range keys {
		v, ok := raw[key]
		if !ok {
			continue
		}
		if n, ok := toInt64(v); ok {
			out := int(min(max(n, math.MinInt), math.MaxInt))
			return &out
		}
	}
	return nil
}

func toInt64(v json.RawMessage) (int64, bool) {
	var f float64
	if err := json.Unmarshal(v, &f); err == nil {
		return roundInt64(f)
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		if n, err := strconv.ParseFloat(s, 64); err == nil {
			return roundInt64(n)
		}
	}
	return 0, false
}

// roundInt64 rounds f to the nearest integer, saturating at the int64 range.
// NaN and infinities are rejected.
func roundInt64(f float64) (int64, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	f = math.Round(f)
	switch {
	case f >= math.MaxInt64:
		return math.MaxInt64, true
	case f <= math.MinInt64:
		return math.MinInt64, true
	}
	return int64(f), true
}

func decodeCounts(v json.RawMessage) map[string]int64 {
	if len(v) == 0 {
		return nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(v, &raw); err != nil {
		return nil
	}
	out := make(map[string]int64, len(raw))
	for key, val := range raw {
		if n, ok := toInt64(val); ok {
			out[key] = n
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func decodeResults(raw map[string]json.RawMessage) map[string]int64 {
	out := map[string]int64{}
	for key, val := range raw {
		if _, known := knownFields[key]; known {
			continue
		}
		var f float64
		if err := json.Unmarshal(val, &f); err != nil {
			continue
		}
		if n, ok := roundInt64(f); ok {
			out[key] = n
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
