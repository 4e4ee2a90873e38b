package grpctp

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	eventbus "github.com/hanpama/fedrouter/internal/eventbus"
	events "github.com/hanpama/fedrouter/internal/events"
	"github.com/hanpama/fedrouter/internal/graphql"
)

type executeFunc func(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)

func startServer(t *testing.T, fn executeFunc) *bufconn.Listener {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	srv.RegisterService(&grpc.ServiceDesc{
		ServiceName: "graphql.Subgraph",
		HandlerType: (*any)(nil),
		Methods: []grpc.MethodDesc{{
			MethodName: "Execute",
			Handler: func(_ any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
				in := new(structpb.Struct)
				if err := dec(in); err != nil {
					return nil, err
				}
				return fn(ctx, in)
			},
		}},
	}, struct{}{})
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)
	return lis
}

func newTestFetcher(lis *bufconn.Listener, opts ...Option) *Fetcher {
	base := []Option{
		WithProvider(NewStaticEndpoints(map[string][]string{"accounts": {"passthrough:///bufnet"}})),
		WithDialOptions(
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		),
	}
	return New("accounts", append(base, opts...)...)
}

func TestFetcherRoundTrip(t *testing.T) {
	var gotService []string
	lis := startServer(t, func(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
		md, _ := metadata.FromIncomingContext(ctx)
		gotService = md.Get("x-fedrouter-service")
		req := in.AsMap()
		vars := req["variables"].(map[string]any)
		return structpb.NewStruct(map[string]any{
			"data": map[string]any{
				"user": map[string]any{"id": vars["id"], "query": req["query"]},
			},
		})
	})

	bus := eventbus.New()
	eventbus.Use(bus)
	t.Cleanup(func() { eventbus.Use(nil) })
	var finished []events.GRPCClientFinish
	defer eventbus.Subscribe(func(_ context.Context, e events.GRPCClientFinish) { finished = append(finished, e) })()

	f := newTestFetcher(lis)
	defer f.Close()

	res, ok := graphql.First(context.Background(), f.Stream(context.Background(), &graphql.Request{
		Query:     "query($id: ID!) { user(id: $id) { id } }",
		Variables: map[string]any{"id": "7"},
	}))
	require.True(t, ok)
	require.Empty(t, res.Errors)
	require.Equal(t, map[string]any{
		"user": map[string]any{"id": "7", "query": "query($id: ID!) { user(id: $id) { id } }"},
	}, res.Data)
	require.Equal(t, []string{"accounts"}, gotService)
	require.Len(t, finished, 1)
	require.Equal(t, codes.OK, finished[0].Code)
	require.Equal(t, DefaultMethod, finished[0].Method)
	require.Equal(t, "grpc", f.Transport())
}

func TestFetcherErrorPayload(t *testing.T) {
	lis := startServer(t, func(context.Context, *structpb.Struct) (*structpb.Struct, error) {
		return structpb.NewStruct(map[string]any{
			"data":   nil,
			"errors": []any{map[string]any{"message": "not found", "path": []any{"user", 0}}},
		})
	})
	f := newTestFetcher(lis)
	defer f.Close()

	res, err := f.Call(context.Background(), &graphql.Request{Query: "{ user { id } }"})
	require.NoError(t, err)
	require.Nil(t, res.Data)
	require.Len(t, res.Errors, 1)
	require.Equal(t, graphql.Path{"user", 0}, res.Errors[0].Path)
}

func TestFetcherStatusError(t *testing.T) {
	lis := startServer(t, func(context.Context, *structpb.Struct) (*structpb.Struct, error) {
		return nil, status.Error(codes.Unavailable, "maintenance")
	})
	f := newTestFetcher(lis)
	defer f.Close()

	res, ok := graphql.First(context.Background(), f.Stream(context.Background(), &graphql.Request{Query: "{ a }"}))
	require.True(t, ok)
	require.Nil(t, res.Data)
	require.Len(t, res.Errors, 1)
	require.Contains(t, res.Errors[0].Message, "accounts:")
	require.Contains(t, res.Errors[0].Message, "maintenance")
}

func TestFetcherDefaultDeadline(t *testing.T) {
	lis := startServer(t, func(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	f := newTestFetcher(lis, WithRPCTimeout(50*time.Millisecond))
	defer f.Close()

	_, err := f.Call(context.Background(), &graphql.Request{Query: "{ a }"})
	require.Equal(t, codes.DeadlineExceeded, status.Code(err))
}

func TestFetcherMisconfigured(t *testing.T) {
	f := New("accounts")
	_, err := f.Call(context.Background(), &graphql.Request{Query: "{ a }"})
	require.ErrorIs(t, err, ErrNoProvider)

	f = New("billing", WithProvider(NewStaticEndpoints(nil)))
	_, err = f.Call(context.Background(), &graphql.Request{Query: "{ a }"})
	require.ErrorIs(t, err, ErrNoEndpoints)

	require.NoError(t, f.Close())
	_, err = f.Call(context.Background(), &graphql.Request{Query: "{ a }"})
	require.ErrorIs(t, err, ErrClosed)
}
