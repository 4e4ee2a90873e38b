package router

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/hanpama/fedrouter/internal/fieldplanner"
	"github.com/hanpama/fedrouter/internal/graphql"
	"github.com/hanpama/fedrouter/internal/plan"
	"github.com/hanpama/fedrouter/internal/planner"
	schema "github.com/hanpama/fedrouter/internal/schema"
	"github.com/hanpama/fedrouter/internal/subgraph"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testSDL = `
type Query {
  me: User
  topProducts(first: Int): [Product]
}

type User {
  id: ID!
  name: String
}

type Product {
  upc: String!
  name: String
  reviews: [Review]
}

type Review {
  body: String
}
`

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func testSchema(t *testing.T) *schema.Schema {
	t.Helper()
	s, err := schema.BuildFromSDL(testSDL)
	require.NoError(t, err)
	return s
}

// countingPlanner serves fixed plans by query text and counts invocations.
type countingPlanner struct {
	mu    sync.Mutex
	calls map[planner.QueryKey]int
	plans map[string]*plan.Plan
	fail  map[string]error
}

func newCountingPlanner(plans map[string]*plan.Plan) *countingPlanner {
	return &countingPlanner{calls: map[planner.QueryKey]int{}, plans: plans, fail: map[string]error{}}
}

func (p *countingPlanner) Plan(_ context.Context, key planner.QueryKey) (*plan.Plan, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[key]++
	if err := p.fail[key.Query]; err != nil {
		return nil, err
	}
	if pl, ok := p.plans[key.Query]; ok {
		return pl, nil
	}
	return nil, planner.Errorf(planner.ErrValidation, "no plan for %q", key.Query)
}

func (p *countingPlanner) total() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.calls {
		n += c
	}
	return n
}

// recorder is a set of fake services that count calls and answer with a
// per-service handler.
type recorder struct {
	mu       sync.Mutex
	calls    map[string]int
	requests map[string][]*graphql.Request
}

func newRecorder() *recorder {
	return &recorder{calls: map[string]int{}, requests: map[string][]*graphql.Request{}}
}

func (r *recorder) service(name string, h func(*graphql.Request) *graphql.Response) subgraph.Fetcher {
	return subgraph.FetcherFunc(func(_ context.Context, req *graphql.Request) graphql.ResponseStream {
		r.mu.Lock()
		r.calls[name]++
		r.requests[name] = append(r.requests[name], req)
		r.mu.Unlock()
		return graphql.Once(h(req))
	})
}

func (r *recorder) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[name]
}

func (r *recorder) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		n += c
	}
	return n
}

func data(v map[string]any) func(*graphql.Request) *graphql.Response {
	return func(*graphql.Request) *graphql.Response { return &graphql.Response{Data: v} }
}

func newRouter(t *testing.T, reg subgraph.Registry, p planner.Planner, previous planner.HotKeyer, opts ...Option) *Router {
	t.Helper()
	opts = append([]Option{WithLogger(discard)}, opts...)
	r, err := New(context.Background(), testSchema(t), reg, p, previous, opts...)
	require.NoError(t, err)
	return r
}

// serve runs both phases and returns the single response.
func serve(t *testing.T, r *Router, req *graphql.Request) *graphql.Response {
	t.Helper()
	ctx := context.Background()
	pq, stream := r.Prepare(ctx, req)
	if pq != nil {
		require.Nil(t, stream)
		stream = pq.Execute(ctx, req)
	}
	res, ok := graphql.First(ctx, stream)
	require.True(t, ok)
	return res
}

func TestIntrospectionSnapshotShortCircuits(t *testing.T) {
	rec := newRecorder()
	reg := subgraph.NewStatic(map[string]subgraph.Fetcher{"accounts": rec.service("accounts", data(nil))})
	p := newCountingPlanner(nil)
	r := newRouter(t, reg, p, nil)

	pq, stream := r.Prepare(context.Background(), &graphql.Request{Query: "{ __typename }"})
	require.Nil(t, pq)
	res, ok := graphql.First(context.Background(), stream)
	require.True(t, ok)
	require.Equal(t, map[string]any{"__typename": "Query"}, res.Data)
	require.Zero(t, p.total())
	require.Zero(t, rec.total())

	again, _ := r.Prepare(context.Background(), &graphql.Request{Query: "{ __typename }"})
	require.Nil(t, again)
	require.Zero(t, p.total())
}

func TestNonMatchingTextFallsThroughToPlanning(t *testing.T) {
	p := newCountingPlanner(nil)
	r := newRouter(t, subgraph.NewStatic(nil), p, nil)

	res := serve(t, r, &graphql.Request{Query: "{  __typename }"})
	require.Equal(t, 1, p.total())
	require.Nil(t, res.Data)
	require.Len(t, res.Errors, 1)
	require.Equal(t, "GRAPHQL_VALIDATION_FAILED", res.Errors[0].Extensions["code"])
}

func TestValidationRejectsMissingServiceBeforeFetching(t *testing.T) {
	rec := newRecorder()
	reg := subgraph.NewStatic(map[string]subgraph.Fetcher{
		"products": rec.service("products", data(map[string]any{"topProducts": []any{}})),
	})
	q := "{ topProducts { name reviews { body } } }"
	p := newCountingPlanner(map[string]*plan.Plan{q: {
		Root: &plan.Sequence{Nodes: []plan.Node{
			&plan.Fetch{Service: "products", Operation: "{ topProducts { __typename upc name } }"},
			&plan.Flatten{Path: []string{"topProducts", "@"}, Node: &plan.Fetch{Service: "reviews", Operation: "query($representations:[_Any!]!){ _entities(representations:$representations){ ...on Product{ reviews{ body } } } }"}},
		}},
	}})
	r := newRouter(t, reg, p, nil)

	pq, stream := r.Prepare(context.Background(), &graphql.Request{Query: q})
	require.Nil(t, pq)
	res, ok := graphql.First(context.Background(), stream)
	require.True(t, ok)
	require.Nil(t, res.Data)
	require.Len(t, res.Errors, 1)
	require.Equal(t, "INVALID_QUERY_PLAN", res.Errors[0].Extensions["code"])
	require.Contains(t, res.Errors[0].Message, "reviews")
	require.Zero(t, rec.total())
}

func TestParallelFailureKeepsSiblingData(t *testing.T) {
	rec := newRecorder()
	reg := subgraph.NewStatic(map[string]subgraph.Fetcher{
		"accounts": rec.service("accounts", func(*graphql.Request) *graphql.Response {
			return graphql.ErrorResponse(errors.New("accounts: connection refused"))
		}),
		"products": rec.service("products", data(map[string]any{
			"topProducts": []any{map[string]any{"upc": "1", "name": "Table"}},
		})),
	})
	q := "{ me { name } topProducts { name } }"
	p := newCountingPlanner(map[string]*plan.Plan{q: {
		Root: &plan.Parallel{Nodes: []plan.Node{
			&plan.Fetch{Service: "accounts", Operation: "{ me { name } }"},
			&plan.Fetch{Service: "products", Operation: "{ topProducts { name } }"},
		}},
	}})
	r := newRouter(t, reg, p, nil)

	res := serve(t, r, &graphql.Request{Query: q})
	want := map[string]any{
		"me":          nil,
		"topProducts": []any{map[string]any{"name": "Table"}},
	}
	if diff := cmp.Diff(want, res.Data); diff != "" {
		t.Fatalf("data mismatch (-want +got):\n%s", diff)
	}
	require.Len(t, res.Errors, 1)
	require.Equal(t, "accounts: connection refused", res.Errors[0].Message)
	require.Equal(t, 1, rec.count("accounts"))
	require.Equal(t, 1, rec.count("products"))
}

func TestSequenceFailureStopsLaterFetches(t *testing.T) {
	rec := newRecorder()
	reg := subgraph.NewStatic(map[string]subgraph.Fetcher{
		"accounts": rec.service("accounts", func(*graphql.Request) *graphql.Response {
			return &graphql.Response{
				Data:   map[string]any{"me": map[string]any{"id": "1", "name": "Ada"}},
				Errors: []graphql.Error{{Message: "name is stale", Path: graphql.Path{"me", "name"}}},
			}
		}),
		"products": rec.service("products", data(map[string]any{"topProducts": []any{}})),
	})
	q := "{ me { name } topProducts { name } }"
	p := newCountingPlanner(map[string]*plan.Plan{q: {
		Root: &plan.Sequence{Nodes: []plan.Node{
			&plan.Fetch{Service: "accounts", Operation: "{ me { id name } }"},
			&plan.Fetch{Service: "products", Operation: "{ topProducts { name } }"},
		}},
	}})
	r := newRouter(t, reg, p, nil)

	res := serve(t, r, &graphql.Request{Query: q})
	require.Zero(t, rec.count("products"))
	require.Equal(t, map[string]any{
		"me":          map[string]any{"name": "Ada"},
		"topProducts": nil,
	}, res.Data)
	require.Len(t, res.Errors, 1)
	require.Equal(t, graphql.Path{"me", "name"}, res.Errors[0].Path)
}

func TestEntityFetchThroughFlatten(t *testing.T) {
	rec := newRecorder()
	reg := subgraph.NewStatic(map[string]subgraph.Fetcher{
		"products": rec.service("products", data(map[string]any{
			"topProducts": []any{
				map[string]any{"__typename": "Product", "upc": "1", "name": "Table"},
				map[string]any{"__typename": "Product", "upc": "2", "name": "Couch"},
			},
		})),
		"reviews": rec.service("reviews", func(req *graphql.Request) *graphql.Response {
			reps := req.Variables["representations"].([]any)
			ents := make([]any, len(reps))
			for i, rep := range reps {
				upc := rep.(map[string]any)["upc"].(string)
				ents[i] = map[string]any{"reviews": []any{map[string]any{"body": "review of " + upc}}}
			}
			return &graphql.Response{Data: map[string]any{"_entities": ents}}
		}),
	})
	q := `query Top($n: Int) { topProducts(first: $n) { name reviews { body } } }`
	p := newCountingPlanner(map[string]*plan.Plan{q: {
		Root: &plan.Sequence{Nodes: []plan.Node{
			&plan.Fetch{Service: "products", VariableUsages: []string{"n"}, Operation: "query Top($n: Int) { topProducts(first: $n) { __typename upc name } }"},
			&plan.Flatten{Path: []string{"topProducts", "@"}, Node: &plan.Fetch{
				Service: "reviews",
				Requires: []plan.Selection{{
					Kind:          plan.SelectionInlineFragment,
					TypeCondition: "Product",
					Selections: []plan.Selection{
						{Kind: plan.SelectionField, Name: "__typename"},
						{Kind: plan.SelectionField, Name: "upc"},
					},
				}},
				Operation: "query($representations:[_Any!]!){ _entities(representations:$representations){ ...on Product{ reviews{ body } } } }",
			}},
		}},
	}})
	r := newRouter(t, reg, p, nil)

	res := serve(t, r, &graphql.Request{Query: q, Variables: map[string]any{"n": 2, "unused": true}})
	require.Empty(t, res.Errors)
	want := map[string]any{"topProducts": []any{
		map[string]any{"name": "Table", "reviews": []any{map[string]any{"body": "review of 1"}}},
		map[string]any{"name": "Couch", "reviews": []any{map[string]any{"body": "review of 2"}}},
	}}
	if diff := cmp.Diff(want, res.Data); diff != "" {
		t.Fatalf("data mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, map[string]any{"n": 2}, rec.requests["products"][0].Variables)
}

func TestUnparseableQueryReturnsRawResponse(t *testing.T) {
	rec := newRecorder()
	reg := subgraph.NewStatic(map[string]subgraph.Fetcher{
		"accounts": rec.service("accounts", data(map[string]any{"me": map[string]any{"id": "1", "extra": true}})),
	})
	q := "{ me { id extra } }"
	p := newCountingPlanner(map[string]*plan.Plan{q: {Root: &plan.Fetch{Service: "accounts", Operation: q}}})
	r := newRouter(t, reg, p, nil)

	res := serve(t, r, &graphql.Request{Query: q})
	require.Empty(t, res.Errors)
	require.Equal(t, map[string]any{"me": map[string]any{"id": "1", "extra": true}}, res.Data)
}

func TestEmptyPlanShapesLocally(t *testing.T) {
	q := "query Ping { __typename }"
	p := newCountingPlanner(map[string]*plan.Plan{q: {}})
	r := newRouter(t, subgraph.NewStatic(nil), p, nil)

	res := serve(t, r, &graphql.Request{Query: q})
	require.Empty(t, res.Errors)
	require.Equal(t, map[string]any{"__typename": "Query"}, res.Data)
}

func TestExecuteConsumesPreparedQuery(t *testing.T) {
	rec := newRecorder()
	reg := subgraph.NewStatic(map[string]subgraph.Fetcher{
		"accounts": rec.service("accounts", data(map[string]any{"me": map[string]any{"name": "Ada"}})),
	})
	q := "{ me { name } }"
	p := newCountingPlanner(map[string]*plan.Plan{q: {Root: &plan.Fetch{Service: "accounts", Operation: q}}})
	r := newRouter(t, reg, p, nil)

	ctx := context.Background()
	req := &graphql.Request{Query: q}
	pq, stream := r.Prepare(ctx, req)
	require.Nil(t, stream)
	require.NotNil(t, pq.Plan())

	first, ok := graphql.First(ctx, pq.Execute(ctx, req))
	require.True(t, ok)
	require.Empty(t, first.Errors)

	second, ok := graphql.First(ctx, pq.Execute(ctx, req))
	require.True(t, ok)
	require.Len(t, second.Errors, 1)
	require.Equal(t, ErrAlreadyExecuted.Error(), second.Errors[0].Message)
	require.Equal(t, 1, rec.count("accounts"))
}

func TestConcurrentPreparesPlanOnce(t *testing.T) {
	q := "{ me { name } }"
	release := make(chan struct{})
	var calls atomic.Int32
	p := planner.Func(func(context.Context, planner.QueryKey) (*plan.Plan, error) {
		calls.Add(1)
		<-release
		return &plan.Plan{Root: &plan.Fetch{Service: "accounts", Operation: q}}, nil
	})
	reg := subgraph.NewStatic(map[string]subgraph.Fetcher{"accounts": newRecorder().service("accounts", data(nil))})
	r := newRouter(t, reg, p, nil)

	const n = 8
	plans := make([]*plan.Plan, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pq, _ := r.Prepare(context.Background(), &graphql.Request{Query: q})
			if pq != nil {
				plans[i] = pq.Plan()
			}
		}()
	}
	close(release)
	wg.Wait()

	require.Equal(t, int32(1), calls.Load())
	for _, pl := range plans {
		require.NotNil(t, pl)
		require.Same(t, plans[0], pl)
	}
}

func TestWarmStartFromPreviousRouter(t *testing.T) {
	k1, k2 := "{ me { name } }", "{ topProducts { name } }"
	plans := map[string]*plan.Plan{
		k1: {Root: &plan.Fetch{Service: "accounts", Operation: k1}},
		k2: {Root: &plan.Fetch{Service: "products", Operation: k2}},
	}
	reg := subgraph.NewStatic(map[string]subgraph.Fetcher{
		"accounts": newRecorder().service("accounts", data(nil)),
		"products": newRecorder().service("products", data(nil)),
	})

	old := newRouter(t, reg, newCountingPlanner(plans), nil)
	for _, q := range []string{k1, k2} {
		pq, _ := old.Prepare(context.Background(), &graphql.Request{Query: q})
		require.NotNil(t, pq)
	}

	next := newCountingPlanner(plans)
	r := newRouter(t, reg, next, old)
	require.Equal(t, 2, next.total())
	require.Equal(t, old.HotKeys(), r.HotKeys())

	for _, q := range []string{k1, k2} {
		pq, _ := r.Prepare(context.Background(), &graphql.Request{Query: q})
		require.NotNil(t, pq)
	}
	require.Equal(t, 2, next.total())
}

func TestWarmStartSwallowsFailures(t *testing.T) {
	k1, k2 := "{ me { name } }", "{ topProducts { name } }"
	plans := map[string]*plan.Plan{
		k1: {Root: &plan.Fetch{Service: "accounts", Operation: k1}},
		k2: {Root: &plan.Fetch{Service: "accounts", Operation: k2}},
	}
	reg := subgraph.NewStatic(map[string]subgraph.Fetcher{"accounts": newRecorder().service("accounts", data(nil))})
	old := newRouter(t, reg, newCountingPlanner(plans), nil)
	for _, q := range []string{k1, k2} {
		_, _ = old.Prepare(context.Background(), &graphql.Request{Query: q})
	}

	next := newCountingPlanner(plans)
	next.fail[k1] = errors.New("planning engine unavailable")
	r := newRouter(t, reg, next, old)

	require.Equal(t, []planner.QueryKey{{Query: k2}}, r.HotKeys())
}

func TestFieldPlannerEndToEnd(t *testing.T) {
	s := testSchema(t)
	fp, err := fieldplanner.New(s, fieldplanner.Ownership{
		"Query.me":          "accounts",
		"Query.topProducts": "products",
	})
	require.NoError(t, err)

	rec := newRecorder()
	reg := subgraph.NewStatic(map[string]subgraph.Fetcher{
		"accounts": rec.service("accounts", data(map[string]any{"me": map[string]any{"name": "Ada"}})),
		"products": rec.service("products", data(map[string]any{"top": []any{map[string]any{"upc": "1"}}})),
	})
	r, err := New(context.Background(), s, reg, fp, nil, WithLogger(discard), WithPlanOptions(planner.PlanOptions{GenerateQueryID: true}))
	require.NoError(t, err)

	q := `query Home($n: Int) { __typename me { name } top: topProducts(first: $n) { upc } }`
	res := serve(t, r, &graphql.Request{Query: q, OperationName: "Home", Variables: map[string]any{"n": 1}})
	require.Empty(t, res.Errors)
	require.Equal(t, map[string]any{
		"__typename": "Query",
		"me":         map[string]any{"name": "Ada"},
		"top":        []any{map[string]any{"upc": "1"}},
	}, res.Data)
	require.Equal(t, 1, rec.count("accounts"))
	require.Equal(t, 1, rec.count("products"))

	res = serve(t, r, &graphql.Request{Query: q, OperationName: "Nope"})
	require.Len(t, res.Errors, 1)
	require.Equal(t, "UNKNOWN_OPERATION", res.Errors[0].Extensions["code"])
}
