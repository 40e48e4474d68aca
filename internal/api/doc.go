// Package api hosts the HTTP server, middleware, and REST handlers for operators.
// Notable routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /api/scrape to queue a catalog crawl.
//   - GET /api/sessions and /api/session/{id} for session state and products.
//   - POST /api/session/{id}/cancel and DELETE /api/session/{id}.
//   - GET /api/session/{id}/export for a CSV download of extracted products.
package api
