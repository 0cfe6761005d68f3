// Package events carries audit lifecycle notifications from the orchestrator to
// pluggable sinks (logs, metrics, a Postgres ledger, Pub/Sub). Emit never
// blocks an audit; events are batched on a background goroutine.
package events
