// Package observability provides structured logging and distributed
// tracing for the gateway. Logging is backed by zap behind a small
// Logger interface so that packages can accept a logger without
// depending on zap directly; tracing is backed by OpenTelemetry with an
// optional OTLP/gRPC exporter.
package observability
