// Package connection implements the transport session and the per-side
// Connection Supervisor.
//
// Each side of the relay (source, destination) owns one supervisor, which:
//   - Dials and authorizes a WebSocket session against the venue
//   - Resolves the participating sub-account after every authorization
//   - Sends an application-level keepalive ping at a fixed interval
//   - Reconnects with linearly increasing delay, up to a bounded retry count
//   - Escalates authorization failure or an exhausted retry budget to a
//     fatal callback, since a one-sided relay is unsafe
package connection
