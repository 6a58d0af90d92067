package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const recorded = `{"event":"scrape_started","data":{"runId":"r1","total":3}}
{"event":"scrape_progress","data":{"runId":"r1","progress":33,"current":1,"total":3}}
{"event":"scrape_paused","data":{"runId":"r1"}}
{"event":"osint_started","data":{"runId":"r1"}}

{"event":"scrape_complete","data":{"runId":"r1","companies":3}}
{"event":"osint_progress","data":{"runId":"r1","url":"https://a.test","metrics":{"emails":2},"cumulative_totals":{"emails":2}}}
{"event":"osint_error","data":{"runId":"r1","error":"timeout"}}
{"event":"scrape_started","data":{"runId":"r2"}}
`

func decodeResults(t *testing.T, out []byte) []replayResult {
	t.Helper()
	var results []replayResult
	require.NoError(t, json.Unmarshal(out, &results))
	return results
}

func TestReplayFromFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "events.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(recorded), 0o600))

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"replay", path})
	require.NoError(t, root.ExecuteContext(context.Background()))

	results := decodeResults(t, out.Bytes())
	require.Len(t, results, 2)

	r1 := results[0]
	require.Equal(t, "r1", r1.RunID)
	require.Equal(t, "partial", r1.Outcome)
	require.True(t, r1.Snapshot.TerminalFired)
	require.Equal(t, int64(3), r1.Snapshot.Totals["companies"])
	require.Equal(t, int64(2), r1.Snapshot.Totals["emails"])

	r2 := results[1]
	require.Equal(t, "r2", r2.RunID)
	require.Equal(t, "running", r2.Outcome)
	require.False(t, r2.Snapshot.TerminalFired)
}

func TestReplayDeclaredStagesFromStdin(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetIn(strings.NewReader(`{"event":"scrape_complete","data":{"runId":"r1"}}` + "\n"))
	root.SetArgs([]string{"replay", "--stages", "scrape,osint"})
	require.NoError(t, root.ExecuteContext(context.Background()))

	results := decodeResults(t, out.Bytes())
	require.Len(t, results, 1)
	require.Equal(t, "running", results[0].Outcome, "osint never reported")
	require.Len(t, results[0].Snapshot.Stages, 2)
	require.Equal(t, 50, results[0].Percent)
}

func TestReadEventsRejectsBrokenLine(t *testing.T) {
	t.Parallel()

	_, err := readEvents(strings.NewReader("{\"event\":\n"), zap.NewNop())
	require.ErrorContains(t, err, "line 1")
}

func TestResolveEnvWithoutConfig(t *testing.T) {
	t.Parallel()

	_, err := resolveEnv(context.Background())
	require.Error(t, err)
}
