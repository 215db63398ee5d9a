// Package api hosts the HTTP server, middleware, and REST handlers. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes; readyz reflects session pool health.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/entities/{key}?people=true&refresh=true for record lookups.
//   - GET /v1/ratelimit and /v1/pool for operator status.
package api
