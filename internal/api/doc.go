// Package api hosts the status server that runs alongside a sync. Routes:
//   - GET /healthz and /readyz for liveness and readiness checks.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/state for the persisted sync state document.
//   - GET /v1/state/queries/{query} for one query's progress.
package api
