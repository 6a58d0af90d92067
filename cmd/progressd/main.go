// Package main is the progressd entrypoint.
//
// Architecture overview:
//   - Push channel: progress events named "<stage>_<kind>" arrive on an
//     in-process bus (fed by POST /v1/events), a reconnecting websocket, or a
//     Pub/Sub subscription. The coordinator re-attaches its listeners on every
//     reconnect.
//   - Coordinator: a single event loop owns all run state. Each run folds
//     stage events into trackers and cumulative totals, coalesces renders per
//     stage, and fires its completion gate exactly once when every stage is
//     terminal.
//   - Sinks: zap logs, Prometheus collectors, run history (memory or
//     Postgres), snapshot archive (local disk or GCS), and the websocket
//     stream hub all consume the same ordered update feed.
//   - Configuration: Viper reads the config file and PROGRESSD_* environment
//     overrides.
//
// Run locally: go run ./cmd/progressd serve --config config.yaml
package main

import "github.com/JakeFAU/progress-coordinator/cmd"

func main() {
	cmd.Execute()
}
