// Package main hosts the registry-fetcher entrypoint.
//
// Architecture overview:
//   - Commands: "serve" runs the long-lived service over HTTP (REST API, /healthz, /readyz,
//     /metrics) or over MCP on stdio; "lookup KEY" runs one lookup and prints the JSON
//     response. Both build the same internal/app container from the loaded config.
//   - Lookup path: internal/lookup.Service validates the key, asks the freshness policy
//     whether the cached record may be served and otherwise runs a live fetch. Successful
//     fetches are written back to the cache, the raw detail page is archived to the
//     snapshot store and a refresh event is published.
//   - Fetch pipeline: internal/fetch.Orchestrator waits for a token from the per-source
//     bucket, borrows a fingerprinted browser session from the pool and walks the search,
//     detail and board pages. Every failure leaves the orchestrator as a classified
//     outcome (not_found, flagged, quota_exceeded, transient); transient ones are retried
//     with exponential backoff after one pool restart.
//   - Persistence and fanout: the cache is SQLite by default, Postgres for shared
//     deployments, or memory for tests. Snapshots go to memory, a local directory or GCS.
//     Refresh events go to memory or Pub/Sub with the trace context in the attributes.
//   - Plumbing: Viper loads config from file and REGISTRY_* env vars; zap logs to stderr;
//     Prometheus collectors cover lookups, fetch outcomes, state transitions, rate-limit
//     waits and pool size; OpenTelemetry spans wrap each lookup.
//
// Operational notes:
//   - Concurrency model: lookups run on the caller's goroutine. The pool holds at most
//     browser.max_sessions sessions and hands out the oldest one when full, so sessions
//     are shared under load rather than queued.
//   - Rate limiting: one token bucket per source id, sized by ratelimit.capacity and
//     refilled by ratelimit.refill_tokens per ratelimit.refill_interval. A registry quota
//     page is reported as quota_exceeded without retry.
//   - Shutdown: SIGINT/SIGTERM cancel the command context; the HTTP server drains for
//     server.shutdown_grace, then the pool, stores and tracer provider are closed in
//     reverse construction order.
//
// Quick checklist:
//   - Run locally: go run ./cmd/registry-fetcher serve --config config.yaml
//   - One-off lookup: go run ./cmd/registry-fetcher lookup 556631-3788 --people
//   - Agent use: go run ./cmd/registry-fetcher serve --transport stdio
package main
