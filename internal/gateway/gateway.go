// Package gateway defines the interface for the gateway's listening
// surfaces.
package gateway

import "context"

// Gateway is one listening surface (control API, TLS interception proxy).
type Gateway interface {
	// Start launches the surface's accept loop and blocks until it exits
	// or the context is canceled. Returns an error only on failure.
	Start(ctx context.Context) error

	// Stop performs graceful shutdown. The context carries a deadline for
	// the grace period. In-flight requests should drain before returning.
	Stop(ctx context.Context) error
}
