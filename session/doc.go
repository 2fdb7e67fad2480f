// Package session implements the role-agnostic core of an MCP connection.
//
// A Session owns one stream.Reader and one stream.Writer and runs a single
// dispatch loop over the reader. Inbound responses resolve the matching
// pending outbound request. Inbound requests and notifications are routed
// through a Registry to handlers that each run in their own goroutine, so a
// slow handler never stalls the loop.
//
// Every inbound request is answered exactly once, through its Responder.
// Outbound requests wait on a single-resolution slot that is completed by the
// matching response, by cancellation of the caller's context, or with
// ErrConnectionClosed when the session ends.
//
// The client and server packages build their role sessions on top of this
// core, adding the initialize handshake and, on the server side, client
// identity tracking exposed through IdentityTrackingSession.
package session
