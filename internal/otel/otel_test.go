package otel

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	eventbus "github.com/hanpama/fedrouter/internal/eventbus"
	events "github.com/hanpama/fedrouter/internal/events"
	reqid "github.com/hanpama/fedrouter/internal/reqid"
)

func TestSetupWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := Setup(context.Background(), "", "fedrouter")
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestSpansFollowRequestEvents(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	b := eventbus.New()
	prev := eventbus.Current()
	eventbus.Use(b)
	t.Cleanup(func() { eventbus.Use(prev) })
	unsubscribe := newSubscriber(tp.Tracer("test")).register(b)
	defer unsubscribe()

	ctx, _ := reqid.NewContext(context.Background())
	r := httptest.NewRequest("POST", "/graphql", nil)

	eventbus.Publish(ctx, events.HTTPStart{Request: r})
	eventbus.Publish(ctx, events.GraphQLStart{OperationName: "Me", OperationType: "query"})
	eventbus.Publish(ctx, events.PlanStart{Query: "{ me { id } }", OperationName: "Me"})
	eventbus.Publish(ctx, events.PlanFinish{Query: "{ me { id } }", OperationName: "Me", CacheHit: true})
	eventbus.Publish(ctx, events.FetchStart{Service: "accounts", Transport: "http"})
	eventbus.Publish(ctx, events.FetchStart{Service: "products", Transport: "grpc"})
	eventbus.Publish(ctx, events.FetchFinish{Service: "products", Transport: "grpc", Err: errors.New("unavailable")})
	eventbus.Publish(ctx, events.FetchFinish{Service: "accounts", Transport: "http"})
	eventbus.Publish(ctx, events.GraphQLFinish{OperationName: "Me", OperationType: "query", Services: []string{"accounts", "products"}})
	eventbus.Publish(ctx, events.HTTPFinish{Request: r, Status: 200})

	ended := rec.Ended()
	require.Len(t, ended, 5)

	byName := map[string][]sdktrace.ReadOnlySpan{}
	for _, s := range ended {
		byName[s.Name()] = append(byName[s.Name()], s)
	}
	require.Len(t, byName["graphql.fetch"], 2)
	op := byName["graphql.operation"][0]
	httpSpan := byName["http.request"][0]
	require.Equal(t, httpSpan.SpanContext().SpanID(), op.Parent().SpanID())
	require.Equal(t, op.SpanContext().SpanID(), byName["graphql.plan"][0].Parent().SpanID())
	require.Contains(t, op.Attributes(), attribute.StringSlice("graphql.services", []string{"accounts", "products"}))

	failed := 0
	for _, s := range byName["graphql.fetch"] {
		require.Equal(t, op.SpanContext().SpanID(), s.Parent().SpanID())
		if s.Status().Code == codes.Error {
			failed++
		}
	}
	require.Equal(t, 1, failed)

	unsubscribe()
	require.Zero(t, eventbus.Len[events.HTTPStart](b))
}
