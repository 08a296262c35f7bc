// Package internaldefs exposes stable metric name and bucket
// definitions shared by exporter implementations.
//
// Counter and histogram definitions live here so the Prometheus and
// OTel exporters publish identical metric names and bucket boundaries.
package internaldefs
