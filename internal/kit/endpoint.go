// Package kit holds the small transport-agnostic plumbing shared by the
// engine's HTTP and MCP surfaces: the endpoint abstraction, middleware
// chaining, and request-scoped context accessors.
package kit

import "context"

// Endpoint is one engine operation exposed over a transport. Transports
// decode their wire format into a typed request, call the endpoint, and
// encode the response back out.
type Endpoint func(ctx context.Context, req any) (any, error)

// Middleware wraps an Endpoint with cross-cutting behavior.
type Middleware func(Endpoint) Endpoint

// Chain composes middleware left to right: the first middleware is the
// outermost wrapper.
func Chain(mws ...Middleware) Middleware {
	return func(next Endpoint) Endpoint {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}
