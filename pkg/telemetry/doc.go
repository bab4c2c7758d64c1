// Package telemetry provides logging, metrics, and tracing for Terrane.
//
// Logging uses zerolog with component child loggers and context
// propagation. Metrics are Prometheus collectors behind a registry with an
// optional /metrics HTTP endpoint; the Metrics type implements
// engine.MetricsSink. Tracing is OpenTelemetry with otlp-grpc and stdout
// exporters.
package telemetry
