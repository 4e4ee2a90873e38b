package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"

	eventbus "github.com/hanpama/fedrouter/internal/eventbus"
	events "github.com/hanpama/fedrouter/internal/events"
)

func publishAll(ctx context.Context) {
	eventbus.Publish(ctx, events.HTTPFinish{Status: 200, Duration: time.Millisecond})
	eventbus.Publish(ctx, events.GraphQLFinish{OperationType: "query"})
	eventbus.Publish(ctx, events.GraphQLFinish{OperationType: "query", Errors: []error{errors.New("x")}})
	eventbus.Publish(ctx, events.PlanFinish{CacheHit: false, Duration: time.Millisecond})
	eventbus.Publish(ctx, events.PlanFinish{CacheHit: true})
	eventbus.Publish(ctx, events.PlanFinish{CacheHit: true})
	eventbus.Publish(ctx, events.PlanFinish{Err: errors.New("bad query")})
	eventbus.Publish(ctx, events.WarmUpFailure{Query: "{ a }"})
	eventbus.Publish(ctx, events.FetchFinish{Service: "accounts", Transport: "http"})
	eventbus.Publish(ctx, events.FetchFinish{Service: "accounts", Transport: "http", Err: errors.New("down")})
	eventbus.Publish(ctx, events.GRPCClientFinish{Service: "products", Code: codes.Unavailable})
}

func TestSubscribeCountsEvents(t *testing.T) {
	b := eventbus.New()
	prev := eventbus.Current()
	eventbus.Use(b)
	t.Cleanup(func() { eventbus.Use(prev) })

	m := New()
	unsubscribe := m.Subscribe(b)
	publishAll(context.Background())

	require.Equal(t, 1.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("200")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("query", "ok")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("query", "error")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.planLookups.WithLabelValues("miss")))
	require.Equal(t, 2.0, testutil.ToFloat64(m.planLookups.WithLabelValues("hit")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.planLookups.WithLabelValues("error")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.warmUpFailures))
	require.Equal(t, 1.0, testutil.ToFloat64(m.fetches.WithLabelValues("accounts", "http", "ok")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.fetches.WithLabelValues("accounts", "http", "error")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.grpcCalls.WithLabelValues("products", "Unavailable")))

	unsubscribe()
	require.Zero(t, eventbus.Len[events.FetchFinish](b))
	eventbus.Publish(context.Background(), events.WarmUpFailure{})
	require.Equal(t, 1.0, testutil.ToFloat64(m.warmUpFailures))
}

func TestHandlerExposesCollectors(t *testing.T) {
	b := eventbus.New()
	m := New()
	defer m.Subscribe(b)()

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	res, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.True(t, strings.Contains(string(body), "fedrouter_plan_cache_warm_up_failures_total"))
	require.True(t, strings.Contains(string(body), "go_goroutines"))
}
