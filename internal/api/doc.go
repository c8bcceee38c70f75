// Package api serves the read-only status surface of a running harvest:
// liveness on /healthz, the live run snapshot on /progress, store-wide
// outcome aggregates on /stats, and Prometheus metrics on /metrics.
//
// The server binds to a local address by default and carries no write
// operations; disabling it (empty address) never affects the harvest itself.
package api
