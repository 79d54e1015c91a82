// Package prometheus exports phazeid engine metrics through
// prometheus/client_golang.
//
// [PrometheusExporter] is a collector: register it with any registry, or
// mount [PrometheusExporter.Handler] for a standalone endpoint. Counter
// names are phazeid_*_total; the single histogram is
// phazeid_tunnel_handshake_seconds.
//
// # What this package must NOT do
//
//   - Register with the global default registry.
//   - Mutate engine state.
package prometheus
