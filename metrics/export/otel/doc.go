// Package otel exports phazeid engine metrics as OpenTelemetry observable
// instruments.
//
// Counters are grouped by area: phazeid.session.events,
// phazeid.lockout.events, phazeid.mfa.events, phazeid.oauth.events,
// phazeid.deletion.events and so on, each labelled with an "event"
// attribute. Tunnel handshake latency is a cumulative bucket gauge
// labelled "le", and phazeid.audit.dropped is labelled by audit
// "category". One callback reads [phazeid.Engine.MetricsSnapshot] per
// collection.
//
// # What this package must NOT do
//
//   - Own the MeterProvider. Callers supply the Meter.
//   - Mutate engine state.
package otel
