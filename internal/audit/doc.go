// Package audit carries security events from the Engine to caller-supplied
// sinks.
//
// # Components
//
//   - [Event]: one record with id, timestamp, [Category], type, user,
//     session, tunnel connection, IP and metadata.
//   - [Category]: account, session, lockout, mfa, oauth, deletion, tunnel
//     or rate_limit. Lockout and deletion are critical.
//   - [Dispatcher]: buffered relay to one sink goroutine. Drops are counted
//     per category; critical events are never dropped for a full buffer.
//   - [Router]: sends each category to its own sink.
//   - [ChannelSink], [JSONWriterSink], [NoOpSink].
//
// # Architecture boundaries
//
// This package owns buffering and delivery. The Engine decides which events
// exist and which category each belongs to.
//
// # What this package must NOT do
//
//   - Filter events based on account state or outcome.
//   - Import phazeid or any sibling internal package.
//   - Perform network I/O beyond what a caller-supplied Sink does.
package audit
