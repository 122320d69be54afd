// Package api hosts the read-only HTTP surface of the monitor. Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/documents lists ledger rows, filtered by utility and status.
//   - GET /v1/runs/latest returns the report of the most recent run.
package api
