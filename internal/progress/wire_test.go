package progress

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDecodeEventProgress(t *testing.T) {
	t.Parallel()

	ts := time.Unix(100, 0).UTC()
	evt, err := DecodeEvent("osint_progress", []byte(`{
		"runId": "r1",
		"task_progress": "42.6",
		"current": 3,
		"total": 10,
		"entreprise": "Acme",
		"url": "https://acme.test",
		"metrics": {"emails": 4, "people": "2", "bogus": "x"},
		"cumulative_totals": {"emails": 12},
		"message": "Acme - 4 emails | Total: 12"
	}`), ts)
	require.NoError(t, err)

	require.Equal(t, "r1", evt.RunID)
	require.Equal(t, "osint", evt.Stage)
	require.Equal(t, KindProgress, evt.Kind)
	require.Equal(t, ts, evt.TS)
	require.Equal(t, 43, *evt.Percent)
	require.Equal(t, 3, *evt.Current)
	require.Equal(t, 10, *evt.Total)
	require.Equal(t, &Item{Name: "Acme", URL: "https://acme.test"}, evt.Item)
	require.Equal(t, map[string]int64{"emails": 4, "people": 2}, evt.Metrics)
	require.Equal(t, map[string]int64{"emails": 12}, evt.CumulativeTotals)
	require.Nil(t, evt.Results)
	require.NoError(t, evt.Validate())
}

func TestDecodeEventOptionalFieldsStayNil(t *testing.T) {
	t.Parallel()

	evt, err := DecodeEvent("scrape_progress", []byte(`{"run_id": 17}`), time.Time{})
	require.NoError(t, err)
	require.Equal(t, "17", evt.RunID)
	require.Nil(t, evt.Percent)
	require.Nil(t, evt.Current)
	require.Nil(t, evt.Total)
	require.Nil(t, evt.Item)
	require.Nil(t, evt.Metrics)
}

func TestDecodeEventCompleteResults(t *testing.T) {
	t.Parallel()

	evt, err := DecodeEvent("technical_complete", []byte(`{"runId":"r1","total":2,"technologies":14,"dns_records":6.0,"message":"done","label":"x"}`), time.Time{})
	require.NoError(t, err)
	require.Equal(t, map[string]int64{"technologies": 14, "dns_records": 6}, evt.Results)
	require.Equal(t, "done", evt.Message)
}

func TestDecodeEventSaturatesHugeNumbers(t *testing.T) {
	t.Parallel()

	evt, err := DecodeEvent("osint_progress", []byte(`{
		"runId": "r1",
		"progress": 1e19,
		"current": -1e19,
		"metrics": {"emails": 1e300, "people": "NaN"},
		"cumulative_totals": {"emails": "-1e300"}
	}`), time.Time{})
	require.NoError(t, err)
	require.Equal(t, math.MaxInt, *evt.Percent)
	require.Equal(t, 100, clampPercent(*evt.Percent))
	require.Equal(t, math.MinInt, *evt.Current)
	require.Equal(t, map[string]int64{"emails": math.MaxInt64}, evt.Metrics)
	require.Equal(t, map[string]int64{"emails": math.MinInt64}, evt.CumulativeTotals)

	done, err := DecodeEvent("osint_complete", []byte(`{"runId":"r1","emails":1e19}`), time.Time{})
	require.NoError(t, err)
	require.Equal(t, map[string]int64{"emails": math.MaxInt64}, done.Results)

	nan, err := DecodeEvent("osint_progress", []byte(`{"runId":"r1","progress":"NaN"}`), time.Time{})
	require.NoError(t, err)
	require.Nil(t, nan.Percent)
}

func TestDecodeEventStartedFlags(t *testing.T) {
	t.Parallel()

	evt, err := DecodeEvent("osint_started", []byte(`{"runId":"r1","total":0,"immediate_100":true}`), time.Time{})
	require.NoError(t, err)
	require.True(t, evt.Immediate100)
	require.Equal(t, 0, *evt.Total)
}

func TestDecodeEventErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		event   string
		payload string
	}{
		{name: "no separator", event: "scrape", payload: `{}`},
		{name: "unknown kind", event: "scrape_paused", payload: `{}`},
		{name: "empty stage", event: "_progress", payload: `{}`},
		{name: "bad json", event: "scrape_progress", payload: `{"runId":`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := DecodeEvent(tc.event, []byte(tc.payload), time.Time{})
			require.ErrorIs(t, err, ErrInvalidEvent)
		})
	}
}

func TestDecodeEnvelope(t *testing.T) {
	t.Parallel()

	evt, err := DecodeEnvelope([]byte(`{"event":"campaign_send_error","data":{"runId":"c9","error":"smtp refused"}}`), time.Time{})
	require.NoError(t, err)
	require.Equal(t, "campaign_send", evt.Stage)
	require.Equal(t, KindError, evt.Kind)
	require.Equal(t, "smtp refused", evt.Error)
	require.Equal(t, "campaign_send_error", evt.Name())
}

func TestEventValidate(t *testing.T) {
	t.Parallel()

	require.ErrorIs(t, Event{Stage: "scrape", Kind: KindStarted}.Validate(), ErrInvalidEvent)
	require.ErrorIs(t, Event{RunID: "r1", Kind: KindStarted}.Validate(), ErrInvalidEvent)
	require.ErrorIs(t, Event{RunID: "r1", Stage: "scrape", Kind: "paused"}.Validate(), ErrInvalidEvent)
	require.NoError(t, Event{RunID: "r1", Stage: "scrape", Kind: KindError}.Validate())
}
