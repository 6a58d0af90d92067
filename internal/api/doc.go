// Package api hosts the HTTP server, middleware, and REST handlers for
// progressd. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/runs to begin a run, DELETE /v1/runs/{run_id} to dispose it.
//   - GET /v1/runs/{run_id} for the live snapshot and
//     GET /v1/runs/{run_id}/stream for websocket snapshot pushes.
//   - POST /v1/events/{event} for producers without a push channel.
//   - GET /v1/history and /v1/history/{run_id} for finished runs via the
//     RunRepository interface.
package api
