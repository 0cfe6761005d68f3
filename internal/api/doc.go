// Package api hosts the HTTP server, middleware, and handlers for the audit
// service. Notable routes:
//   - GET /health (and /healthz) for liveness probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /nsa-audit and /performance-audit run one audit synchronously.
//   - GET /reports and /reports/{id} read the report store.
//   - GET /audits lists recent outcomes from the audit ledger when one is
//     configured.
//   - GET /viewer serves a static page that browses stored reports.
package api
