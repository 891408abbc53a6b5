// Package api hosts the search gateway: the HTTP server, its middleware, and
// the handlers. Notable routes:
//   - GET /search?q=&page= for paginated full-text queries.
//   - GET /healthz and /readyz for probes; readyz checks the engine.
//   - GET /metrics for Prometheus scraping.
//   - GET /api/runs and /api/runs/{run_id}/... for read-only harvest history
//     via the store.HistoryRepository interface.
package api
