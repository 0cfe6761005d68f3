// Package sinks implements concrete audit event consumers: structured logs,
// Prometheus collectors, the Postgres ledger and Pub/Sub notifications. Each
// satisfies events.Sink.
package sinks
