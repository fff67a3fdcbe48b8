package mcp

import "context"

// Transport is the shared contract every concrete transport (stdio,
// Streamable HTTP, in-memory, ...) implements. The Peer Engine drives
// one Transport: it reads inbound frames via the message handler
// callback and writes outbound frames via Send. Concrete transports
// beyond the Streamable HTTP server are out of scope for this module;
// this interface documents the boundary they would implement against.
type Transport interface {
	// Start begins reading inbound frames, invoking the registered
	// message handler for each one. It returns once the transport is
	// ready (for transports with no listen step, immediately).
	Start(ctx context.Context) error

	// Send writes one outbound frame (already-encoded JSON-RPC bytes).
	Send(ctx context.Context, frame []byte) error

	// Close shuts the transport down, unblocking any in-progress Start.
	Close() error

	SetMessageHandler(func(ctx context.Context, frame []byte))
	SetCloseHandler(func())
	SetErrorHandler(func(error))
}
