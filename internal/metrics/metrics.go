// Package metrics exposes Prometheus collectors fed by the event bus.
package metrics

import (
	"context"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	eventbus "github.com/hanpama/fedrouter/internal/eventbus"
	events "github.com/hanpama/fedrouter/internal/events"
)

const namespace = "fedrouter"

// Metrics holds the gateway collectors and the registry they live in.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests   *prometheus.CounterVec
	httpDuration   prometheus.Histogram
	operations     *prometheus.CounterVec
	planLookups    *prometheus.CounterVec
	planDuration   *prometheus.HistogramVec
	warmUpFailures prometheus.Counter
	fetches        *prometheus.CounterVec
	fetchDuration  *prometheus.HistogramVec
	grpcCalls      *prometheus.CounterVec
}

// New creates the collectors on a fresh registry together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "HTTP requests by status code.",
		}, []string{"code"}),
		httpDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "graphql", Name: "operations_total",
			Help: "GraphQL operations by type and outcome.",
		}, []string{"type", "outcome"}),
		planLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "plan_cache", Name: "lookups_total",
			Help: "Plan cache lookups by result (hit, miss, error).",
		}, []string{"result"}),
		planDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "plan_cache", Name: "lookup_duration_seconds",
			Help:    "Plan lookup latency including planning on a miss.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"cache_hit"}),
		warmUpFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "plan_cache", Name: "warm_up_failures_total",
			Help: "Hot keys from a previous router that failed to plan during warm-up.",
		}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "fetch", Name: "total",
			Help: "Downstream fetches by service, transport and outcome.",
		}, []string{"service", "transport", "outcome"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "fetch", Name: "duration_seconds",
			Help:    "Downstream fetch latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"service", "transport"}),
		grpcCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "grpc_client", Name: "calls_total",
			Help: "gRPC client calls by service and status code.",
		}, []string{"service", "code"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests,
		m.httpDuration,
		m.operations,
		m.planLookups,
		m.planDuration,
		m.warmUpFailures,
		m.fetches,
		m.fetchDuration,
		m.grpcCalls,
	)
	return m
}

// Registry returns the registry the collectors are registered with.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Subscribe feeds the collectors from b. The returned func detaches them.
func (m *Metrics) Subscribe(b *eventbus.Bus) (unsubscribe func()) {
	unsubs := []func(){
		eventbus.On(b, func(_ context.Context, e events.HTTPFinish) {
			m.httpRequests.WithLabelValues(strconv.Itoa(e.Status)).Inc()
			m.httpDuration.Observe(e.Duration.Seconds())
		}),
		eventbus.On(b, func(_ context.Context, e events.GraphQLFinish) {
			m.operations.WithLabelValues(e.OperationType, outcome(len(e.Errors) > 0)).Inc()
		}),
		eventbus.On(b, func(_ context.Context, e events.PlanFinish) {
			switch {
			case e.Err != nil && !e.CacheHit:
				m.planLookups.WithLabelValues("error").Inc()
			case e.CacheHit:
				m.planLookups.WithLabelValues("hit").Inc()
			default:
				m.planLookups.WithLabelValues("miss").Inc()
			}
			m.planDuration.WithLabelValues(strconv.FormatBool(e.CacheHit)).Observe(e.Duration.Seconds())
		}),
		eventbus.On(b, func(_ context.Context, _ events.WarmUpFailure) {
			m.warmUpFailures.Inc()
		}),
		eventbus.On(b, func(_ context.Context, e events.FetchFinish) {
			m.fetches.WithLabelValues(e.Service, e.Transport, outcome(e.Err != nil)).Inc()
			m.fetchDuration.WithLabelValues(e.Service, e.Transport).Observe(e.Duration.Seconds())
		}),
		eventbus.On(b, func(_ context.Context, e events.GRPCClientFinish) {
			m.grpcCalls.WithLabelValues(e.Service, e.Code.String()).Inc()
		}),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func outcome(failed bool) string {
	if failed {
		return "error"
	}
	return "ok"
}
