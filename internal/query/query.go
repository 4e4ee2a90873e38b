// Package query parses client queries once and shapes raw execution results
// to the selection sets the client asked for.
package query

import (
	"fmt"

	"github.com/hanpama/fedrouter/internal/graphql"
	language "github.com/hanpama/fedrouter/internal/language"
	schema "github.com/hanpama/fedrouter/internal/schema"
)

// Query is a parsed and validated client query. It is immutable and shared
// by every request with the same text.
type Query struct {
	doc    *language.QueryDocument
	schema *schema.Schema
}

// Parse parses and validates text against s.
func Parse(text string, s *schema.Schema) (*Query, error) {
	doc, err := language.ParseQuery(text)
	if err != nil {
		return nil, err
	}
	if errs := language.ValidateQuery(s.Definition(), doc); len(errs) > 0 {
		return nil, errs
	}
	return &Query{doc: doc, schema: s}, nil
}

// Format returns a copy of res whose data holds exactly the fields selected
// by the named operation: aliases and fragments are applied, skip/include
// honored and fields fetched only for planning purposes dropped. Missing
// fields are null.
func (q *Query) Format(res *graphql.Response, operationName string, variables map[string]any) (*graphql.Response, error) {
	op := q.doc.Operations.ForName(operationName)
	if op == nil {
		return nil, fmt.Errorf("query: operation %q not found", operationName)
	}
	data, ok := res.Data.(map[string]any)
	if !ok {
		return res, nil
	}
	f := &formatter{query: q, variables: variables}
	out := *res
	out.Data = f.object(data, q.schema.RootType(string(op.Operation)), op.SelectionSet)
	return &out, nil
}

type formatter struct {
	query     *Query
	variables map[string]any
}

func (f *formatter) object(src map[string]any, typeName string, set language.SelectionSet) map[string]any {
	out := map[string]any{}
	f.selections(out, src, typeName, set, map[string]bool{})
	return out
}

func (f *formatter) selections(out, src map[string]any, typeName string, set language.SelectionSet, visited map[string]bool) {
	for _, sel := range set {
		switch sel := sel.(type) {
		case *language.Field:
			if !f.included(sel.Directives) {
				continue
			}
			key := sel.Alias
			if key == "" {
				key = sel.Name
			}
			if sel.Name == "__typename" {
				if v, ok := src["__typename"]; ok {
					out[key] = v
				} else if typeName != "" {
					out[key] = typeName
				}
				continue
			}
			v := src[key]
			if len(sel.SelectionSet) > 0 {
				v = f.value(v, f.fieldType(sel), sel.SelectionSet)
			}
			out[key] = v
		case *language.InlineFragment:
			if f.included(sel.Directives) && f.applies(typeName, sel.TypeCondition) {
				f.selections(out, src, typeName, sel.SelectionSet, visited)
			}
		case *language.FragmentSpread:
			if visited[sel.Name] || !f.included(sel.Directives) {
				continue
			}
			fd := f.query.doc.Fragments.ForName(sel.Name)
			if fd == nil || !f.applies(typeName, fd.TypeCondition) {
				continue
			}
			visited[sel.Name] = true
			f.selections(out, src, typeName, fd.SelectionSet, visited)
			delete(visited, sel.Name)
		}
	}
}

func (f *formatter) value(v any, staticType string, set language.SelectionSet) any {
	switch v := v.(type) {
	case map[string]any:
		typeName := staticType
		if tn, ok := v["__typename"].(string); ok {
			typeName = tn
		}
		return f.object(v, typeName, set)
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = f.value(e, staticType, set)
		}
		return out
	default:
		return v
	}
}

// fieldType returns the field's named type when it is a concrete object type.
func (f *formatter) fieldType(field *language.Field) string {
	if field.Definition == nil || field.Definition.Type == nil {
		return ""
	}
	name := field.Definition.Type.Name()
	if t := f.query.schema.Types[name]; t != nil && t.Kind == schema.TypeKindObject {
		return name
	}
	return ""
}

// applies reports whether a fragment with condition applies to an object of
// typeName. Objects of unknown type keep the fragment's fields.
func (f *formatter) applies(typeName, condition string) bool {
	if condition == "" || typeName == "" {
		return true
	}
	return f.query.schema.Satisfies(typeName, condition)
}

func (f *formatter) included(dirs language.DirectiveList) bool {
	if d := dirs.ForName("skip"); d != nil && f.condition(d) {
		return false
	}
	if d := dirs.ForName("include"); d != nil && !f.condition(d) {
		return false
	}
	return true
}

func (f *formatter) condition(d *language.Directive) bool {
	arg := d.Arguments.ForName("if")
	if arg == nil {
		return false
	}
	v, err := arg.Value.Value(f.variables)
	if err != nil {
		return false
	}
	b, _ := v.(bool)
	return b
}
