// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/sessions/custom and /v1/sessions/standard to submit a session.
//   - GET /v1/sessions/{id}/status and /result, POST /v1/sessions/{id}/cancel.
//   - GET /v1/progress/sessions[/{id}[/phases]] for progress reporting via the
//     ProgressRepository interface, when one is configured.
package api
