// Package transport defines the abstract seam the Agent sends and receives
// envelopes through, plus the two concrete implementations a relay
// contract expects: an HTTP request/response "pull" transport and a
// persistent WebSocket "push" transport.
package transport

import "context"

// WireEnvelope is a decoded JSON envelope as it travels over a transport:
// the same shape envelope.ToWireDict/FromWireDict operate on.
type WireEnvelope = map[string]any

// Transport is the one abstract seam the Agent depends on. Dynamic
// dispatch over its two implementations maps to this interface rather
// than a tagged variant, since Go has no sum types.
type Transport interface {
	// Connect establishes whatever the transport needs. A no-op
	// implementation is permitted.
	Connect(ctx context.Context) error
	// Disconnect releases resources. Idempotent.
	Disconnect(ctx context.Context) error
	// Send delivers one wire envelope. May fail synchronously with a
	// transient I/O error.
	Send(ctx context.Context, env WireEnvelope) error
	// Receive returns up to limit inbound wire envelopes; an empty slice
	// is success, not an error.
	Receive(ctx context.Context, limit int) ([]WireEnvelope, error)
	// Listen registers a push handler. It must fail on a pull transport
	// and succeed on a push transport, dispatching each inbound envelope
	// to callback exactly once.
	Listen(ctx context.Context, callback func(WireEnvelope)) error
}
