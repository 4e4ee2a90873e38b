// Package subgraph holds the service registry: the per-router mapping from a
// downstream service name to the capability that fetches from it.
package subgraph

import (
	"context"
	"errors"
	"io"
	"sort"

	"github.com/hanpama/fedrouter/internal/graphql"
)

// Fetcher sends one downstream request and streams the service's responses.
// Transport failures are delivered as a response carrying errors.
type Fetcher interface {
	Stream(ctx context.Context, req *graphql.Request) graphql.ResponseStream
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, req *graphql.Request) graphql.ResponseStream

func (f FetcherFunc) Stream(ctx context.Context, req *graphql.Request) graphql.ResponseStream {
	return f(ctx, req)
}

// Registry answers lookup and presence queries by service name.
type Registry interface {
	Get(name string) (Fetcher, bool)
	Has(name string) bool
}

// Static is an immutable Registry. It is built once per router instance and
// shared by every request without locking.
type Static struct {
	fetchers map[string]Fetcher
}

// NewStatic copies m into a new registry.
func NewStatic(m map[string]Fetcher) *Static {
	cp := make(map[string]Fetcher, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return &Static{fetchers: cp}
}

func (s *Static) Get(name string) (Fetcher, bool) {
	f, ok := s.fetchers[name]
	return f, ok
}

func (s *Static) Has(name string) bool {
	_, ok := s.fetchers[name]
	return ok
}

// Names returns the registered service names in order.
func (s *Static) Names() []string {
	out := make([]string, 0, len(s.fetchers))
	for k := range s.fetchers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Close closes every fetcher that holds resources.
func (s *Static) Close() error {
	var errs []error
	for _, name := range s.Names() {
		if c, ok := s.fetchers[name].(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}

// TransportName reports the transport label of f for events and metrics.
func TransportName(f Fetcher) string {
	if n, ok := f.(interface{ Transport() string }); ok {
		return n.Transport()
	}
	return "custom"
}
