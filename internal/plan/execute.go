package plan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	eventbus "github.com/hanpama/fedrouter/internal/eventbus"
	events "github.com/hanpama/fedrouter/internal/events"
	"github.com/hanpama/fedrouter/internal/graphql"
	"github.com/hanpama/fedrouter/internal/subgraph"
)

// ErrServiceNotFound is wrapped by FetchError when a fetch targets a service
// the registry does not hold.
var ErrServiceNotFound = errors.New("service not found")

// ErrNoResponse is wrapped by FetchError when a service stream closes
// without yielding a response.
var ErrNoResponse = errors.New("no response")

// FetchError reports a failed fetch node.
type FetchError struct {
	Service string
	Path    graphql.Path
	Err     error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch from %q failed: %v", e.Service, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// GraphQLError renders e for a response's errors list.
func (e *FetchError) GraphQLError() graphql.Error {
	return graphql.Error{
		Message: e.Error(),
		Path:    e.Path,
		Extensions: map[string]any{
			"code":    "FETCH_FAILED",
			"service": e.Service,
		},
	}
}

// Executor runs plans against the services of a registry.
type Executor struct {
	registry subgraph.Registry
	logger   *slog.Logger
}

func NewExecutor(registry subgraph.Registry, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{registry: registry, logger: logger}
}

// Execute evaluates p for req and assembles the raw response. Data collected
// before a failure is kept; failures are reported in the errors list.
func (e *Executor) Execute(ctx context.Context, p *Plan, req *graphql.Request) *graphql.Response {
	st := &execution{
		ctx:  ctx,
		exec: e,
		req:  req,
		data: map[string]any{},
	}
	if p.Root != nil {
		st.run(p.Root, nil)
	}
	res := &graphql.Response{Errors: st.errors}
	if len(st.data) > 0 {
		res.Data = st.data
	}
	return res
}

type execution struct {
	ctx  context.Context
	exec *Executor
	req  *graphql.Request

	mu     sync.Mutex
	data   map[string]any
	errors []graphql.Error
}

// run executes n at path and reports whether it completed without failure.
func (s *execution) run(n Node, path []string) bool {
	switch n := n.(type) {
	case *Fetch:
		return s.fetch(n, path)
	case *Sequence:
		for _, c := range n.Nodes {
			if !s.run(c, path) {
				return false
			}
		}
		return true
	case *Parallel:
		var failed atomic.Bool
		var g errgroup.Group
		for _, c := range n.Nodes {
			g.Go(func() error {
				if !s.run(c, path) {
					failed.Store(true)
				}
				return nil
			})
		}
		_ = g.Wait()
		return !failed.Load()
	case *Flatten:
		next := make([]string, 0, len(path)+len(n.Path))
		next = append(append(next, path...), n.Path...)
		return s.run(n.Node, next)
	default:
		s.addErrors(graphql.Error{Message: fmt.Sprintf("unknown plan node %T", n)})
		return false
	}
}

// target is an object reached by a flatten path with its concrete location.
type target struct {
	obj  map[string]any
	path graphql.Path
}

func (s *execution) fetch(f *Fetch, path []string) bool {
	fetcher, ok := s.exec.registry.Get(f.Service)
	if !ok {
		err := &FetchError{Service: f.Service, Path: responsePath(path), Err: ErrServiceNotFound}
		s.exec.logger.ErrorContext(s.ctx, "plan references a service missing from the registry",
			slog.String("service", f.Service), slog.String("path", strings.Join(path, ".")))
		s.addErrors(err.GraphQLError())
		return false
	}

	vars := make(map[string]any, len(f.VariableUsages)+1)
	for _, name := range f.VariableUsages {
		if v, ok := s.req.Variables[name]; ok {
			vars[name] = v
		}
	}

	s.mu.Lock()
	targets := collect(s.data, path)
	var reps []any
	if len(f.Requires) > 0 {
		kept := targets[:0:0]
		for _, t := range targets {
			rep := selectRepresentation(t.obj, f.Requires)
			if len(rep) == 0 {
				continue
			}
			kept = append(kept, t)
			reps = append(reps, rep)
		}
		targets = kept
	}
	s.mu.Unlock()

	if len(f.Requires) > 0 {
		if len(reps) == 0 {
			return true
		}
		vars["representations"] = reps
	} else if len(path) > 0 && len(targets) == 0 {
		return true
	}

	transport := subgraph.TransportName(fetcher)
	pathLabel := strings.Join(path, ".")
	start := time.Now()
	eventbus.Publish(s.ctx, events.FetchStart{Service: f.Service, Transport: transport, Path: pathLabel, Entities: len(reps)})

	down := &graphql.Request{Query: f.Operation, OperationName: f.OperationName}
	if len(vars) > 0 {
		down.Variables = vars
	}
	res, got := graphql.First(s.ctx, fetcher.Stream(s.ctx, down))

	var fetchErr error
	switch {
	case !got && s.ctx.Err() != nil:
		fetchErr = s.ctx.Err()
	case !got:
		fetchErr = ErrNoResponse
	}
	if fetchErr != nil {
		eventbus.Publish(s.ctx, events.FetchFinish{Service: f.Service, Transport: transport, Path: pathLabel, Err: fetchErr, Duration: time.Since(start)})
		err := &FetchError{Service: f.Service, Path: responsePath(path), Err: fetchErr}
		s.addErrors(err.GraphQLError())
		return false
	}

	s.mu.Lock()
	if len(f.Requires) > 0 {
		s.mergeEntities(res, targets)
	} else {
		s.mergeRoot(res, path, targets)
	}
	s.mu.Unlock()

	if len(res.Errors) > 0 {
		fetchErr = fmt.Errorf("%d error(s) returned", len(res.Errors))
	}
	eventbus.Publish(s.ctx, events.FetchFinish{Service: f.Service, Transport: transport, Path: pathLabel, Err: fetchErr, Duration: time.Since(start)})
	return len(res.Errors) == 0
}

// mergeRoot grafts a plain fetch's data at path. Callers hold s.mu.
func (s *execution) mergeRoot(res *graphql.Response, path []string, targets []target) {
	data, _ := res.Data.(map[string]any)
	if len(path) == 0 {
		mergeInto(s.data, data)
	} else {
		for _, t := range targets {
			mergeInto(t.obj, data)
		}
	}
	base := responsePath(path)
	for _, ge := range res.Errors {
		if len(ge.Path) == 0 {
			ge.Path = base
		} else if len(base) > 0 {
			ge.Path = base.Append(ge.Path...)
		}
		s.errors = append(s.errors, ge)
	}
}

// mergeEntities merges _entities[i] into the i-th target and rewrites error
// paths under _entities to response paths. Callers hold s.mu.
func (s *execution) mergeEntities(res *graphql.Response, targets []target) {
	data, _ := res.Data.(map[string]any)
	entities, _ := data["_entities"].([]any)
	for i, ent := range entities {
		if i >= len(targets) {
			break
		}
		if m, ok := ent.(map[string]any); ok {
			mergeInto(targets[i].obj, m)
		}
	}
	for _, ge := range res.Errors {
		if len(ge.Path) >= 2 && ge.Path[0] == "_entities" {
			if i, ok := ge.Path[1].(int); ok && i >= 0 && i < len(targets) {
				ge.Path = targets[i].path.Append(ge.Path[2:]...)
			}
		}
		s.errors = append(s.errors, ge)
	}
}

func (s *execution) addErrors(errs ...graphql.Error) {
	s.mu.Lock()
	s.errors = append(s.errors, errs...)
	s.mu.Unlock()
}

// collect returns every object reached from root by path. List values are
// expanded element-wise; "@" markers only record where that happens.
func collect(root map[string]any, path []string) []target {
	cur := []target{{obj: root}}
	for _, elem := range path {
		if elem == ListMarker {
			continue
		}
		var next []target
		for _, t := range cur {
			next = appendObjects(next, t.obj[elem], t.path.Append(elem))
		}
		cur = next
	}
	return cur
}

func appendObjects(out []target, v any, path graphql.Path) []target {
	switch v := v.(type) {
	case map[string]any:
		return append(out, target{obj: v, path: path})
	case []any:
		for i, e := range v {
			out = appendObjects(out, e, path.Append(i))
		}
	}
	return out
}

// selectRepresentation copies the required selections out of obj.
func selectRepresentation(obj map[string]any, sels []Selection) map[string]any {
	out := map[string]any{}
	for _, sel := range sels {
		switch sel.Kind {
		case SelectionInlineFragment:
			if sel.TypeCondition != "" && obj["__typename"] != sel.TypeCondition {
				continue
			}
			for k, v := range selectRepresentation(obj, sel.Selections) {
				out[k] = v
			}
		default:
			v, ok := obj[sel.Name]
			if !ok {
				continue
			}
			out[sel.Name] = selectValue(v, sel.Selections)
		}
	}
	return out
}

func selectValue(v any, sels []Selection) any {
	if len(sels) == 0 {
		return v
	}
	switch v := v.(type) {
	case map[string]any:
		return selectRepresentation(v, sels)
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = selectValue(e, sels)
		}
		return out
	default:
		return v
	}
}

// mergeInto deep-merges src into dst.
func mergeInto(dst, src map[string]any) {
	for k, sv := range src {
		dst[k] = mergeValue(dst[k], sv)
	}
}

func mergeValue(dv, sv any) any {
	if sv == nil {
		if dv != nil {
			return dv
		}
		return nil
	}
	switch s := sv.(type) {
	case map[string]any:
		if d, ok := dv.(map[string]any); ok {
			mergeInto(d, s)
			return d
		}
	case []any:
		if d, ok := dv.([]any); ok && len(d) == len(s) {
			for i := range s {
				d[i] = mergeValue(d[i], s[i])
			}
			return d
		}
	}
	return sv
}

// responsePath converts a flatten path to an error path, dropping list
// markers.
func responsePath(path []string) graphql.Path {
	if len(path) == 0 {
		return nil
	}
	out := make(graphql.Path, 0, len(path))
	for _, p := range path {
		if p != ListMarker {
			out = append(out, p)
		}
	}
	return out
}
