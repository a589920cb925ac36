// Package api hosts the HTTP server, middleware, and REST handlers. Notable
// routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/feed?ref=&format=&refresh=&enrich= renders a feed document.
//   - GET /v1/tasks, /v1/tasks/{task_id} and /v1/tasks/{task_id}/items
//     report enrichment progress.
//   - GET /v1/sources lists the registered adapters.
package api
