package otel

import (
	"context"
	"sync"

	eventbus "github.com/hanpama/fedrouter/internal/eventbus"
	events "github.com/hanpama/fedrouter/internal/events"
	reqid "github.com/hanpama/fedrouter/internal/reqid"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Setup configures OpenTelemetry and attaches eventbus subscribers to the
// global bus. If endpoint is empty, no telemetry is configured.
func Setup(ctx context.Context, endpoint, service string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	exp, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())))
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(service),
		)),
	)
	otel.SetTracerProvider(tp)

	unsubscribe := func() {}
	if b := eventbus.Current(); b != nil {
		unsubscribe = newSubscriber(otel.Tracer("fedrouter")).register(b)
	}
	return func(ctx context.Context) error {
		unsubscribe()
		return tp.Shutdown(ctx)
	}, nil
}

// spanKey scopes a span to a request. name separates concurrent spans of
// one request, such as parallel fetches.
type spanKey struct {
	rid  int64
	name string
}

type subscriber struct {
	tracer     trace.Tracer
	httpSpans  sync.Map // rid -> trace.Span
	gqlSpans   sync.Map // rid -> trace.Span
	planSpans  sync.Map // spanKey -> trace.Span
	fetchSpans sync.Map // spanKey -> trace.Span
	grpcSpans  sync.Map // spanKey -> trace.Span
}

func newSubscriber(tracer trace.Tracer) *subscriber {
	return &subscriber{tracer: tracer}
}

// parent returns ctx carrying the innermost open span of the request.
func (s *subscriber) parent(ctx context.Context, rid int64) context.Context {
	if v, ok := s.gqlSpans.Load(rid); ok {
		return trace.ContextWithSpan(ctx, v.(trace.Span))
	}
	if v, ok := s.httpSpans.Load(rid); ok {
		return trace.ContextWithSpan(ctx, v.(trace.Span))
	}
	return ctx
}

func endSpan(m *sync.Map, key any, err error, attrs ...attribute.KeyValue) {
	v, ok := m.LoadAndDelete(key)
	if !ok {
		return
	}
	span := v.(trace.Span)
	span.SetAttributes(attrs...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (s *subscriber) register(b *eventbus.Bus) (unsubscribe func()) {
	unsubs := []func(){
		eventbus.On(b, func(ctx context.Context, e events.HTTPStart) {
			rid, _ := reqid.FromContext(ctx)
			_, span := s.tracer.Start(ctx, "http.request")
			span.SetAttributes(
				semconv.HTTPMethodKey.String(e.Request.Method),
				attribute.String("http.target", e.Request.URL.Path),
			)
			s.httpSpans.Store(rid, span)
		}),
		eventbus.On(b, func(ctx context.Context, e events.HTTPFinish) {
			rid, _ := reqid.FromContext(ctx)
			endSpan(&s.httpSpans, rid, nil,
				semconv.HTTPStatusCodeKey.Int(e.Status),
				attribute.Int("graphql.operation.count", e.Operations))
		}),
		eventbus.On(b, func(ctx context.Context, e events.GraphQLStart) {
			rid, _ := reqid.FromContext(ctx)
			_, span := s.tracer.Start(s.parent(ctx, rid), "graphql.operation")
			span.SetAttributes(
				attribute.String("graphql.operation.name", e.OperationName),
				attribute.String("graphql.operation.type", e.OperationType),
				attribute.Bool("graphql.batched", e.Batched),
			)
			s.gqlSpans.Store(rid, span)
		}),
		eventbus.On(b, func(ctx context.Context, e events.GraphQLFinish) {
			rid, _ := reqid.FromContext(ctx)
			endSpan(&s.gqlSpans, rid, nil,
				attribute.Int("graphql.error_count", len(e.Errors)),
				attribute.Bool("graphql.canned", e.Canned),
				attribute.StringSlice("graphql.services", e.Services))
		}),
		eventbus.On(b, func(ctx context.Context, e events.PlanStart) {
			rid, _ := reqid.FromContext(ctx)
			_, span := s.tracer.Start(s.parent(ctx, rid), "graphql.plan")
			span.SetAttributes(attribute.String("graphql.operation.name", e.OperationName))
			s.planSpans.Store(spanKey{rid, e.Query + "\x00" + e.OperationName}, span)
		}),
		eventbus.On(b, func(ctx context.Context, e events.PlanFinish) {
			rid, _ := reqid.FromContext(ctx)
			endSpan(&s.planSpans, spanKey{rid, e.Query + "\x00" + e.OperationName}, e.Err,
				attribute.Bool("graphql.plan.cache_hit", e.CacheHit))
		}),
		eventbus.On(b, func(ctx context.Context, e events.FetchStart) {
			rid, _ := reqid.FromContext(ctx)
			_, span := s.tracer.Start(s.parent(ctx, rid), "graphql.fetch")
			span.SetAttributes(
				attribute.String("graphql.service", e.Service),
				attribute.String("graphql.transport", e.Transport),
				attribute.String("graphql.fetch.path", e.Path),
				attribute.Int("graphql.fetch.entities", e.Entities),
			)
			s.fetchSpans.Store(spanKey{rid, e.Service + "\x00" + e.Path}, span)
		}),
		eventbus.On(b, func(ctx context.Context, e events.FetchFinish) {
			rid, _ := reqid.FromContext(ctx)
			endSpan(&s.fetchSpans, spanKey{rid, e.Service + "\x00" + e.Path}, e.Err)
		}),
		eventbus.On(b, func(ctx context.Context, e events.GRPCClientStart) {
			rid, _ := reqid.FromContext(ctx)
			_, span := s.tracer.Start(s.parent(ctx, rid), "grpc.client")
			span.SetAttributes(
				semconv.RPCServiceKey.String(e.Service),
				semconv.RPCMethodKey.String(e.Method),
				attribute.String("net.peer.name", e.Target),
				attribute.String("graphql.operation.name", e.OperationName),
			)
			s.grpcSpans.Store(spanKey{rid, e.Service + "\x00" + e.Target}, span)
		}),
		eventbus.On(b, func(ctx context.Context, e events.GRPCClientFinish) {
			rid, _ := reqid.FromContext(ctx)
			endSpan(&s.grpcSpans, spanKey{rid, e.Service + "\x00" + e.Target}, e.Err,
				attribute.String("grpc.code", e.Code.String()))
		}),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}
