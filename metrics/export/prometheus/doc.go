// Package prometheus renders engine metrics in Prometheus text
// exposition format.
//
// [NewPrometheusExporter] accepts an [idmflow.Engine] and exposes an
// http.Handler. Counter names are prefixed idmflow_*_total; the single
// histogram is idmflow_validate_latency_seconds. Nothing registers in a
// global registry; callers mount the Handler themselves.
package prometheus
