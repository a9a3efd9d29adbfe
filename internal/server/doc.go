// Package server is the inbound transport adapter.
//
// It terminates HTTP, hands the raw body bytes and header mapping to the
// ingest engine unmodified (the MAC is computed over exact bytes, so nothing
// may re-serialize the payload before verification), and writes whatever
// status the engine maps the outcome to.
//
// Alongside the ingestion endpoint it serves /healthz, /metrics and a
// token-guarded operator API for ledger inspection, failed-event replay and
// audit log access.
package server
