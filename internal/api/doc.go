// Package api exposes the HTTP interface for the ingestion pipeline.
//
// Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping, GET /v1/metrics for the health report.
//   - /v1/agents/{agent_id}/... to register sources, train and search.
//   - /v1/sources/{source_id}/... to inspect, remove, resolve and follow a source.
//   - POST /v1/crawl and /v1/recrawl to queue crawls.
package api
