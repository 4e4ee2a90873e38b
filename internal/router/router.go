// Package router is the two-phase entry point of the gateway. Prepare answers
// canned introspection, plans through the cache and validates the plan
// against the registry; Execute runs the plan and shapes the result.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/hanpama/fedrouter/internal/graphql"
	"github.com/hanpama/fedrouter/internal/introspection"
	"github.com/hanpama/fedrouter/internal/plan"
	"github.com/hanpama/fedrouter/internal/planner"
	"github.com/hanpama/fedrouter/internal/query"
	schema "github.com/hanpama/fedrouter/internal/schema"
	"github.com/hanpama/fedrouter/internal/subgraph"
)

// ErrAlreadyExecuted is returned in the response of a second Execute call on
// the same PreparedQuery.
var ErrAlreadyExecuted = errors.New("prepared query already executed")

// Router serves requests against one schema and one registry. It is
// immutable once built; reloading means building a new Router.
type Router struct {
	schema   *schema.Schema
	registry subgraph.Registry
	planner  *planner.CachingPlanner
	snapshot *introspection.Snapshot
	queries  *query.Cache
	executor *plan.Executor
	logger   *slog.Logger
	options  planner.PlanOptions
}

var _ planner.HotKeyer = (*Router)(nil)

// New builds a router. When previous is non-nil its hot keys are planned
// into the new cache before New returns; warm-up failures are logged and
// skipped.
func New(ctx context.Context, s *schema.Schema, registry subgraph.Registry, p planner.Planner, previous planner.HotKeyer, opts ...Option) (*Router, error) {
	o := defaultOptions()
	for _, f := range opts {
		f(o)
	}

	snapshot, err := introspection.NewSnapshot(s)
	if err != nil {
		return nil, fmt.Errorf("build introspection snapshot: %w", err)
	}
	cp, err := planner.NewCaching(p, o.planCacheLimit, planner.WithLogger(o.logger))
	if err != nil {
		return nil, err
	}
	queries, err := query.NewCache(o.queryCacheLimit, s)
	if err != nil {
		return nil, err
	}

	r := &Router{
		schema:   s,
		registry: registry,
		planner:  cp,
		snapshot: snapshot,
		queries:  queries,
		executor: plan.NewExecutor(registry, o.logger),
		logger:   o.logger,
		options:  o.planOptions,
	}
	if previous != nil {
		keys := previous.HotKeys()
		warmed := cp.WarmUp(ctx, keys)
		r.logger.InfoContext(ctx, "plan cache warmed",
			slog.Int("keys", len(keys)), slog.Int("planned", warmed))
	}
	return r, nil
}

// Schema returns the schema the router serves.
func (r *Router) Schema() *schema.Schema { return r.schema }

// HotKeys returns the plan cache keys, most recently used first.
func (r *Router) HotKeys() []planner.QueryKey { return r.planner.HotKeys() }

// Prepare plans req. Exactly one of the results is non-nil: a PreparedQuery
// ready to execute, or a stream carrying the final response (a canned
// introspection result or a planning or validation failure).
func (r *Router) Prepare(ctx context.Context, req *graphql.Request) (*PreparedQuery, graphql.ResponseStream) {
	if res, ok := r.snapshot.Get(req.Query); ok {
		return nil, graphql.Once(res)
	}

	key := planner.QueryKey{Query: req.Query, OperationName: req.OperationName, Options: r.options}
	p, err := r.planner.Plan(ctx, key)
	if err != nil {
		return nil, graphql.Once(&graphql.Response{Errors: []graphql.Error{planningError(err)}})
	}
	if err := plan.Validate(p, r.registry); err != nil {
		var verr *plan.ValidationError
		if errors.As(err, &verr) {
			r.logger.ErrorContext(ctx, "query plan rejected", slog.Any("services", verr.Missing))
			return nil, graphql.Once(&graphql.Response{Errors: []graphql.Error{verr.GraphQLError()}})
		}
		return nil, graphql.Once(graphql.ErrorResponse(err))
	}
	return &PreparedQuery{router: r, plan: p}, nil
}

func planningError(err error) graphql.Error {
	var perr *planner.Error
	if errors.As(err, &perr) {
		return perr.GraphQLError()
	}
	return graphql.Error{
		Message:    err.Error(),
		Extensions: map[string]any{"code": planner.ErrInternal.String()},
	}
}

// PreparedQuery is a validated plan bound to the router that produced it. It
// is consumed by exactly one Execute call.
type PreparedQuery struct {
	router   *Router
	plan     *plan.Plan
	consumed atomic.Bool
}

// Plan returns the plan that Execute will run.
func (q *PreparedQuery) Plan() *plan.Plan { return q.plan }

// Execute runs the plan for req and streams the shaped response. The query
// is parsed concurrently with plan execution; when parsing or shaping fails
// the raw response is returned.
func (q *PreparedQuery) Execute(ctx context.Context, req *graphql.Request) graphql.ResponseStream {
	if q.consumed.Swap(true) {
		return graphql.Once(graphql.ErrorResponse(ErrAlreadyExecuted))
	}
	r := q.router
	return graphql.Go(func() *graphql.Response {
		var (
			raw    *graphql.Response
			parsed *query.Query
			qerr   error
		)
		var g errgroup.Group
		g.Go(func() error {
			raw = r.executor.Execute(ctx, q.plan, req)
			return nil
		})
		g.Go(func() error {
			parsed, qerr = r.queries.Get(ctx, req.Query)
			return nil
		})
		_ = g.Wait()

		if raw.Data == nil && len(raw.Errors) == 0 {
			raw.Data = map[string]any{}
		}
		if qerr != nil {
			r.logger.DebugContext(ctx, "response left unshaped", slog.Any("error", qerr))
			return raw
		}
		res, err := parsed.Format(raw, req.OperationName, req.Variables)
		if err != nil {
			r.logger.DebugContext(ctx, "response left unshaped", slog.Any("error", err))
			return raw
		}
		return res
	})
}
