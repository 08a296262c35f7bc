// Package otel provides OpenTelemetry metric exporter bindings for
// engine counters and histograms.
//
// [NewOTelExporter] registers Int64ObservableCounter instruments for
// each engine metric and Int64ObservableGauge per histogram bucket. A
// single callback reads [idmflow.Engine.MetricsSnapshot] on each
// collection cycle. Callers own the MeterProvider.
package otel
