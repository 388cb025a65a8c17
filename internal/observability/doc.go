// Package observability provides structured logging, metrics, and tracing
// for the audit ledger.
//
// Logging is zap-based. Ledger and fan-out counters are OpenTelemetry
// instruments read through a manual reader, which backs the metrics
// endpoint. Tracing is opt-in and exports over OTLP/HTTP.
package observability
