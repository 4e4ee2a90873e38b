package grpctp

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	eventbus "github.com/hanpama/fedrouter/internal/eventbus"
	events "github.com/hanpama/fedrouter/internal/events"
	"github.com/hanpama/fedrouter/internal/graphql"
	"github.com/hanpama/fedrouter/internal/subgraph"
)

// Fetcher sends GraphQL requests to a downstream service over a unary gRPC
// method. Request and response travel as google.protobuf.Struct values
// holding the usual GraphQL JSON envelope. Connections are pooled per
// endpoint and deadlines are propagated.
type Fetcher struct {
	service string
	opts    *Options

	mu     sync.RWMutex
	pools  map[string]*connPool // key: endpoint
	closed atomic.Bool
}

var _ subgraph.Fetcher = (*Fetcher)(nil)

func New(service string, opts ...Option) *Fetcher {
	o := defaultOptions()
	for _, f := range opts {
		f(o)
	}
	if len(o.DialOptions) == 0 {
		o.DialOptions = []grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithConnectParams(grpc.ConnectParams{Backoff: backoff.DefaultConfig}),
		}
	}
	return &Fetcher{
		service: service,
		opts:    o,
		pools:   make(map[string]*connPool),
	}
}

func (t *Fetcher) Transport() string { return "grpc" }

// Stream calls the service and yields its response. Call failures yield a
// response carrying the error.
func (t *Fetcher) Stream(ctx context.Context, req *graphql.Request) graphql.ResponseStream {
	return graphql.Go(func() *graphql.Response {
		res, err := t.Call(ctx, req)
		if err != nil {
			return graphql.ErrorResponse(fmt.Errorf("%s: %w", t.service, err))
		}
		return res
	})
}

// Call performs one unary round trip.
func (t *Fetcher) Call(ctx context.Context, req *graphql.Request) (resp *graphql.Response, err error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	if t.opts.Provider == nil {
		return nil, ErrNoProvider
	}

	if _, ok := ctx.Deadline(); !ok && t.opts.RPCTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.opts.RPCTimeout)
		defer cancel()
	}

	pairs := []string{"x-fedrouter-service", t.service}
	for k, v := range t.opts.Metadata {
		pairs = append(pairs, strings.ToLower(k), v)
	}
	ctx = metadata.AppendToOutgoingContext(ctx, pairs...)

	in, err := encodeRequest(req)
	if err != nil {
		return nil, err
	}

	endpoints, err := t.opts.Provider.Endpoints(ctx, t.service)
	if err != nil {
		return nil, err
	}
	endpoint := endpoints[rand.IntN(len(endpoints))]

	cc, err := t.getConn(endpoint)
	if err != nil {
		return nil, err
	}
	defer t.returnConn(endpoint, cc)

	start := time.Now()
	eventbus.Publish(ctx, events.GRPCClientStart{Service: t.service, Method: t.opts.Method, Target: endpoint, OperationName: req.OperationName})
	out := new(structpb.Struct)
	err = cc.Invoke(ctx, t.opts.Method, in, out)
	eventbus.Publish(ctx, events.GRPCClientFinish{
		Service:       t.service,
		Method:        t.opts.Method,
		Target:        endpoint,
		OperationName: req.OperationName,
		Code:          status.Code(err),
		Err:           err,
		Duration:      time.Since(start),
	})
	if err != nil {
		return nil, err
	}
	return decodeResponse(out)
}

func (t *Fetcher) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.pools {
		p.close()
	}
	t.pools = map[string]*connPool{}
	return nil
}

func encodeRequest(req *graphql.Request) (*structpb.Struct, error) {
	b, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	s := new(structpb.Struct)
	if err := s.UnmarshalJSON(b); err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	return s, nil
}

func decodeResponse(s *structpb.Struct) (*graphql.Response, error) {
	b, err := s.MarshalJSON()
	if err != nil {
		return nil, err
	}
	var res graphql.Response
	if err := json.Unmarshal(b, &res); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &res, nil
}

// ---------------- internals ----------------

type connPool struct {
	endpoint string
	opts     *Options
	conns    chan *grpc.ClientConn
	closed   atomic.Bool
}

func newConnPool(endpoint string, opts *Options) *connPool {
	n := opts.MaxConnsPerEndpoint
	if n <= 0 {
		n = 2
	}
	return &connPool{
		endpoint: endpoint,
		opts:     opts,
		conns:    make(chan *grpc.ClientConn, n),
	}
}

func (p *connPool) get() (*grpc.ClientConn, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}
	select {
	case cc := <-p.conns:
		return cc, nil
	default:
		return grpc.NewClient(p.endpoint, p.opts.DialOptions...)
	}
}

func (p *connPool) put(cc *grpc.ClientConn) {
	if p.closed.Load() {
		_ = cc.Close()
		return
	}
	select {
	case p.conns <- cc:
	default:
		_ = cc.Close()
	}
}

func (p *connPool) close() {
	if p.closed.Swap(true) {
		return
	}
	for {
		select {
		case cc := <-p.conns:
			_ = cc.Close()
		default:
			return
		}
	}
}

func (t *Fetcher) getConn(endpoint string) (*grpc.ClientConn, error) {
	t.mu.RLock()
	pool := t.pools[endpoint]
	t.mu.RUnlock()
	if pool == nil {
		t.mu.Lock()
		pool = t.pools[endpoint]
		if pool == nil {
			pool = newConnPool(endpoint, t.opts)
			t.pools[endpoint] = pool
		}
		t.mu.Unlock()
	}
	return pool.get()
}

func (t *Fetcher) returnConn(endpoint string, cc *grpc.ClientConn) {
	t.mu.RLock()
	pool := t.pools[endpoint]
	t.mu.RUnlock()
	if pool != nil {
		pool.put(cc)
		return
	}
	_ = cc.Close()
}
