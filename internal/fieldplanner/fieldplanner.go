// Package fieldplanner is a planning engine that routes root fields to the
// service owning them. Queries fan out to every owning service in parallel;
// mutations run field runs in document order.
package fieldplanner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/hanpama/fedrouter/internal/graphql"
	language "github.com/hanpama/fedrouter/internal/language"
	"github.com/hanpama/fedrouter/internal/plan"
	"github.com/hanpama/fedrouter/internal/planner"
	schema "github.com/hanpama/fedrouter/internal/schema"
)

// Ownership maps "Type.field" root coordinates to service names.
type Ownership map[string]string

// Planner plans against one schema. It holds no per-query state and is safe
// for concurrent use.
type Planner struct {
	schema *schema.Schema
	owners Ownership
}

var _ planner.Planner = (*Planner)(nil)

// New builds a planner. Every owned coordinate must name an existing root
// field.
func New(s *schema.Schema, owners Ownership) (*Planner, error) {
	cp := make(Ownership, len(owners))
	for coord, service := range owners {
		typ, field, ok := strings.Cut(coord, ".")
		if !ok || service == "" {
			return nil, fmt.Errorf("fieldplanner: invalid ownership %q -> %q", coord, service)
		}
		if !isRootType(s, typ) {
			return nil, fmt.Errorf("fieldplanner: %s is not a root type", typ)
		}
		if t := s.Types[typ]; t == nil || t.Field(field) == nil {
			return nil, fmt.Errorf("fieldplanner: unknown root field %s", coord)
		}
		cp[coord] = service
	}
	return &Planner{schema: s, owners: cp}, nil
}

func isRootType(s *schema.Schema, name string) bool {
	return name != "" && (name == s.QueryType || name == s.MutationType || name == s.SubscriptionType)
}

// Plan implements planner.Planner.
func (p *Planner) Plan(_ context.Context, key planner.QueryKey) (*plan.Plan, error) {
	doc, err := language.ParseQuery(key.Query)
	if err != nil {
		perr := &planner.Error{Kind: planner.ErrSyntax, Message: err.Error()}
		if ge, ok := language.AsGQLError(err); ok {
			perr.Message = ge.Message
			perr.Locations = locations(ge)
		}
		return nil, perr
	}
	op, perr := selectOperation(doc, key.OperationName)
	if perr != nil {
		return nil, perr
	}
	if errs := language.ValidateQuery(p.schema.Definition(), doc); len(errs) > 0 {
		return nil, &planner.Error{Kind: planner.ErrValidation, Message: errs[0].Message, Locations: locations(errs[0])}
	}
	if op.Operation == language.Subscription {
		return nil, planner.Errorf(planner.ErrUnsupported, "subscriptions are not supported")
	}

	rootType := p.schema.RootType(string(op.Operation))
	fields, err := collectRootFields(doc, op.SelectionSet)
	if err != nil {
		return nil, err
	}

	var runs []*run
	for _, f := range fields {
		if f.Name == "__typename" {
			continue
		}
		if strings.HasPrefix(f.Name, "__") {
			return nil, planner.Errorf(planner.ErrUnsupported, "introspection field %q is only served for the standard introspection queries", f.Name)
		}
		service, ok := p.owners[rootType+"."+f.Name]
		if !ok {
			return nil, planner.Errorf(planner.ErrUnsupported, "no service owns %s.%s", rootType, f.Name)
		}
		runs = appendRun(runs, service, f, op.Operation == language.Mutation)
	}

	out := &plan.Plan{}
	if key.Options.GenerateQueryID {
		sum := sha256.Sum256([]byte(key.Query))
		out.ID = hex.EncodeToString(sum[:])
	}
	nodes := make([]plan.Node, 0, len(runs))
	for _, r := range runs {
		nodes = append(nodes, r.fetch(doc, op))
	}
	switch {
	case len(nodes) == 0:
	case len(nodes) == 1:
		out.Root = nodes[0]
	case op.Operation == language.Mutation:
		out.Root = &plan.Sequence{Nodes: nodes}
	default:
		out.Root = &plan.Parallel{Nodes: nodes}
	}
	return out, nil
}

func selectOperation(doc *language.QueryDocument, name string) (*language.OperationDefinition, *planner.Error) {
	if name == "" {
		switch len(doc.Operations) {
		case 0:
			return nil, planner.Errorf(planner.ErrUnknownOperation, "no operation found in query")
		case 1:
			return doc.Operations[0], nil
		default:
			return nil, planner.Errorf(planner.ErrUnknownOperation, "Must provide operation name if query contains multiple operations.")
		}
	}
	if op := doc.Operations.ForName(name); op != nil {
		return op, nil
	}
	return nil, planner.Errorf(planner.ErrUnknownOperation, "Unknown operation named %q.", name)
}

// collectRootFields flattens fragments on the root type into the ordered
// list of root fields.
func collectRootFields(doc *language.QueryDocument, set language.SelectionSet) ([]*language.Field, error) {
	var out []*language.Field
	var walk func(set language.SelectionSet, visited map[string]bool) error
	walk = func(set language.SelectionSet, visited map[string]bool) error {
		for _, sel := range set {
			switch sel := sel.(type) {
			case *language.Field:
				out = append(out, withDirectives(sel, nil))
			case *language.InlineFragment:
				if err := walkFragment(sel.Directives, sel.SelectionSet, visited, walk, &out); err != nil {
					return err
				}
			case *language.FragmentSpread:
				if visited[sel.Name] {
					continue
				}
				frag := doc.Fragments.ForName(sel.Name)
				if frag == nil {
					return planner.Errorf(planner.ErrValidation, "Unknown fragment %q.", sel.Name)
				}
				visited[sel.Name] = true
				if err := walkFragment(sel.Directives, frag.SelectionSet, visited, walk, &out); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if err := walk(set, map[string]bool{}); err != nil {
		return nil, err
	}
	return out, nil
}

// walkFragment inlines a root fragment, carrying its skip/include
// directives onto the fields it contributes.
func walkFragment(dirs language.DirectiveList, set language.SelectionSet, visited map[string]bool, walk func(language.SelectionSet, map[string]bool) error, out *[]*language.Field) error {
	start := len(*out)
	if err := walk(set, visited); err != nil {
		return err
	}
	conditional := conditionalDirectives(dirs)
	if len(conditional) == 0 {
		return nil
	}
	for i := start; i < len(*out); i++ {
		(*out)[i] = withDirectives((*out)[i], conditional)
	}
	return nil
}

func conditionalDirectives(dirs language.DirectiveList) language.DirectiveList {
	var out language.DirectiveList
	for _, d := range dirs {
		if d.Name == "skip" || d.Name == "include" {
			out = append(out, d)
		}
	}
	return out
}

// withDirectives returns a shallow copy of f with extra directives appended.
func withDirectives(f *language.Field, extra language.DirectiveList) *language.Field {
	cp := *f
	cp.Directives = append(append(language.DirectiveList(nil), f.Directives...), extra...)
	return &cp
}

// run is a group of root fields sent to one service in one operation.
type run struct {
	service string
	fields  language.SelectionSet
}

// appendRun adds f to the run of service. Queries keep one run per service;
// mutations only extend the last run so execution order follows the
// document.
func appendRun(runs []*run, service string, f *language.Field, ordered bool) []*run {
	if ordered {
		if n := len(runs); n > 0 && runs[n-1].service == service {
			runs[n-1].fields = append(runs[n-1].fields, f)
			return runs
		}
		return append(runs, &run{service: service, fields: language.SelectionSet{f}})
	}
	for _, r := range runs {
		if r.service == service {
			r.fields = append(r.fields, f)
			return runs
		}
	}
	return append(runs, &run{service: service, fields: language.SelectionSet{f}})
}

func (r *run) fetch(doc *language.QueryDocument, op *language.OperationDefinition) *plan.Fetch {
	vars := map[string]bool{}
	frags := map[string]bool{}
	collectUsages(doc, r.fields, vars, frags)
	for _, d := range op.Directives {
		collectArgumentVars(d.Arguments, vars)
	}

	sub := &language.OperationDefinition{
		Operation:    op.Operation,
		Name:         op.Name,
		Directives:   op.Directives,
		SelectionSet: r.fields,
	}
	var usages []string
	for _, vd := range op.VariableDefinitions {
		if vars[vd.Variable] {
			sub.VariableDefinitions = append(sub.VariableDefinitions, vd)
			usages = append(usages, vd.Variable)
		}
	}
	subDoc := &language.QueryDocument{Operations: language.OperationList{sub}}
	for _, fd := range doc.Fragments {
		if frags[fd.Name] {
			subDoc.Fragments = append(subDoc.Fragments, fd)
		}
	}
	sort.Strings(usages)
	return &plan.Fetch{
		Service:        r.service,
		OperationName:  op.Name,
		Operation:      language.FormatQuery(subDoc),
		VariableUsages: usages,
	}
}

func collectUsages(doc *language.QueryDocument, set language.SelectionSet, vars, frags map[string]bool) {
	for _, sel := range set {
		switch sel := sel.(type) {
		case *language.Field:
			collectArgumentVars(sel.Arguments, vars)
			for _, d := range sel.Directives {
				collectArgumentVars(d.Arguments, vars)
			}
			collectUsages(doc, sel.SelectionSet, vars, frags)
		case *language.InlineFragment:
			for _, d := range sel.Directives {
				collectArgumentVars(d.Arguments, vars)
			}
			collectUsages(doc, sel.SelectionSet, vars, frags)
		case *language.FragmentSpread:
			for _, d := range sel.Directives {
				collectArgumentVars(d.Arguments, vars)
			}
			if frags[sel.Name] {
				continue
			}
			frags[sel.Name] = true
			if fd := doc.Fragments.ForName(sel.Name); fd != nil {
				for _, d := range fd.Directives {
					collectArgumentVars(d.Arguments, vars)
				}
				collectUsages(doc, fd.SelectionSet, vars, frags)
			}
		}
	}
}

func collectArgumentVars(args language.ArgumentList, vars map[string]bool) {
	for _, a := range args {
		collectValueVars(a.Value, vars)
	}
}

func collectValueVars(v *language.Value, vars map[string]bool) {
	if v == nil {
		return
	}
	if v.Kind == language.Variable {
		vars[v.Raw] = true
		return
	}
	for _, c := range v.Children {
		collectValueVars(c.Value, vars)
	}
}

func locations(ge *language.GQLError) []graphql.Location {
	if len(ge.Locations) == 0 {
		return nil
	}
	out := make([]graphql.Location, len(ge.Locations))
	for i, l := range ge.Locations {
		out[i] = graphql.Location{Line: l.Line, Column: l.Column}
	}
	return out
}
