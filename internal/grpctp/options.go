package grpctp

import (
	"time"

	"google.golang.org/grpc"
)

// DefaultMethod is the unary method invoked when none is configured.
const DefaultMethod = "/graphql.Subgraph/Execute"

// Options configures a gRPC fetcher.
//
// Defaults:
// - Method:              DefaultMethod
// - MaxConnsPerEndpoint: 2
// - RPCTimeout:          3s (used only if incoming context has no deadline)
// - DialOptions:         insecure credentials
//
// Provider must be set (use StaticEndpoints or a custom implementation);
// without one every fetch yields an error response.
type Options struct {
	Provider EndpointProvider
	Method   string

	MaxConnsPerEndpoint int
	RPCTimeout          time.Duration

	Metadata    map[string]string
	DialOptions []grpc.DialOption
}

// Option mutates Options
type Option func(*Options)

func defaultOptions() *Options {
	return &Options{
		Method:              DefaultMethod,
		MaxConnsPerEndpoint: 2,
		RPCTimeout:          3 * time.Second,
	}
}

func WithProvider(p EndpointProvider) Option { return func(o *Options) { o.Provider = p } }
func WithMethod(m string) Option             { return func(o *Options) { o.Method = m } }
func WithMaxConnsPerEndpoint(n int) Option   { return func(o *Options) { o.MaxConnsPerEndpoint = n } }
func WithRPCTimeout(d time.Duration) Option  { return func(o *Options) { o.RPCTimeout = d } }

// WithMetadata adds static outgoing metadata to every call.
func WithMetadata(md map[string]string) Option {
	return func(o *Options) { o.Metadata = md }
}

func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(o *Options) { o.DialOptions = opts }
}
