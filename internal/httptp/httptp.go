// Package httptp fetches from downstream services speaking GraphQL over HTTP.
package httptp

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/andybalholm/brotli"
	"google.golang.org/grpc/metadata"

	"github.com/hanpama/fedrouter/internal/graphql"
	"github.com/hanpama/fedrouter/internal/subgraph"
)

const (
	contentEncodingHeader = "Content-Encoding"
	acceptEncodingHeader  = "Accept-Encoding"
	contentTypeJSON       = "application/json"

	maxResponseBytes = 64 << 20
)

// DefaultClient is shared by fetchers created without WithClient.
var DefaultClient = &http.Client{
	Transport: &http.Transport{
		MaxIdleConnsPerHost: 256,
		IdleConnTimeout:     90 * time.Second,
	},
}

// Fetcher POSTs GraphQL requests to a single service URL.
type Fetcher struct {
	service string
	url     string
	client  *http.Client
	headers http.Header
	timeout time.Duration
}

var _ subgraph.Fetcher = (*Fetcher)(nil)

type Option func(*Fetcher)

func WithClient(c *http.Client) Option { return func(f *Fetcher) { f.client = c } }

// WithHeader adds a static header sent with every request.
func WithHeader(key, value string) Option {
	return func(f *Fetcher) { f.headers.Add(key, value) }
}

// WithTimeout bounds each request when the caller's context has no deadline.
func WithTimeout(d time.Duration) Option { return func(f *Fetcher) { f.timeout = d } }

// New creates a fetcher for the named service.
func New(service, url string, opts ...Option) *Fetcher {
	f := &Fetcher{
		service: service,
		url:     url,
		client:  DefaultClient,
		headers: make(http.Header),
		timeout: 30 * time.Second,
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

func (f *Fetcher) Transport() string { return "http" }

// Stream sends req and yields the decoded response. Transport and decoding
// failures yield a response carrying the error.
func (f *Fetcher) Stream(ctx context.Context, req *graphql.Request) graphql.ResponseStream {
	return graphql.Go(func() *graphql.Response {
		res, err := f.do(ctx, req)
		if err != nil {
			return graphql.ErrorResponse(fmt.Errorf("%s: %w", f.service, err))
		}
		return res
	})
}

func (f *Fetcher) do(ctx context.Context, req *graphql.Request) (*graphql.Response, error) {
	if _, ok := ctx.Deadline(); !ok && f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	for k, vs := range f.headers {
		for _, v := range vs {
			hreq.Header.Add(k, v)
		}
	}
	// request-scoped headers travel as outgoing metadata, shared with grpctp
	if md, ok := metadata.FromOutgoingContext(ctx); ok {
		for k, vs := range md {
			for _, v := range vs {
				hreq.Header.Add(k, v)
			}
		}
	}
	hreq.Header.Set("Content-Type", contentTypeJSON)
	hreq.Header.Set("Accept", contentTypeJSON)
	hreq.Header.Set(acceptEncodingHeader, "gzip, deflate, br")

	hres, err := f.client.Do(hreq)
	if err != nil {
		return nil, err
	}
	defer hres.Body.Close()

	r, err := bodyReader(hres)
	if err != nil {
		return nil, err
	}
	raw, err := io.ReadAll(io.LimitReader(r, maxResponseBytes))
	if err != nil {
		return nil, err
	}

	var res graphql.Response
	if err := json.Unmarshal(raw, &res); err != nil {
		if hres.StatusCode/100 != 2 {
			return nil, fmt.Errorf("unexpected status %d", hres.StatusCode)
		}
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if res.Data == nil && len(res.Errors) == 0 && hres.StatusCode/100 != 2 {
		return nil, fmt.Errorf("unexpected status %d", hres.StatusCode)
	}
	return &res, nil
}

func bodyReader(res *http.Response) (io.Reader, error) {
	switch res.Header.Get(contentEncodingHeader) {
	case "gzip":
		return gzip.NewReader(res.Body)
	case "deflate":
		return flate.NewReader(res.Body), nil
	case "br":
		return brotli.NewReader(res.Body), nil
	default:
		return res.Body, nil
	}
}
