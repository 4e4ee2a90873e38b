package grpctp

import "errors"

var (
	// ErrNoEndpoints indicates the provider returned no endpoints for a service.
	ErrNoEndpoints = errors.New("grpctp: no endpoints available")
	// ErrClosed is returned by fetchers used after Close.
	ErrClosed = errors.New("grpctp: closed")
	// ErrNoProvider indicates the fetcher was built without an EndpointProvider.
	ErrNoProvider = errors.New("grpctp: provider not configured")
)
