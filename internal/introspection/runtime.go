package introspection

import (
	"fmt"
	"sort"

	language "github.com/hanpama/fedrouter/internal/language"
	schema "github.com/hanpama/fedrouter/internal/schema"
)

// resolver executes introspection selections synchronously against a schema.
// Values are completed by their Go type: schema model pointers are objects,
// slices are lists and everything else is a leaf.
type resolver struct {
	schema *schema.Schema
	doc    *language.QueryDocument
}

func (r *resolver) executeOperation(op *language.OperationDefinition) (map[string]any, error) {
	root := r.schema.RootType(string(op.Operation))
	if root == "" {
		return nil, fmt.Errorf("schema has no %s type", op.Operation)
	}
	out := map[string]any{}
	for _, f := range r.collectFields(root, op.SelectionSet, nil) {
		key := responseKey(f)
		args, err := argumentValues(f)
		if err != nil {
			return nil, err
		}
		switch f.Name {
		case "__typename":
			out[key] = root
		case "__schema":
			out[key] = r.complete(r.schema, f)
		case "__type":
			name, _ := args["name"].(string)
			if t := r.schema.Types[name]; t != nil {
				out[key] = r.complete(t, f)
			} else {
				out[key] = nil
			}
		default:
			return nil, fmt.Errorf("field %q is not an introspection field", f.Name)
		}
	}
	return out, nil
}

// collectFields flattens fragments whose type condition matches typeName.
func (r *resolver) collectFields(typeName string, set language.SelectionSet, visited map[string]bool) []*language.Field {
	if visited == nil {
		visited = map[string]bool{}
	}
	var out []*language.Field
	for _, sel := range set {
		switch sel := sel.(type) {
		case *language.Field:
			out = append(out, sel)
		case *language.InlineFragment:
			if sel.TypeCondition == "" || sel.TypeCondition == typeName {
				out = append(out, r.collectFields(typeName, sel.SelectionSet, visited)...)
			}
		case *language.FragmentSpread:
			if visited[sel.Name] {
				continue
			}
			visited[sel.Name] = true
			if fd := r.doc.Fragments.ForName(sel.Name); fd != nil && fd.TypeCondition == typeName {
				out = append(out, r.collectFields(typeName, fd.SelectionSet, visited)...)
			}
		}
	}
	return out
}

func (r *resolver) complete(v any, f *language.Field) any {
	switch v := v.(type) {
	case nil:
		return nil
	case *string:
		if v == nil {
			return nil
		}
		return *v
	case string, bool:
		return v
	case *schema.Schema:
		return r.object(v, "__Schema", f)
	case *schema.Type:
		if v == nil {
			return nil
		}
		return r.object(v, "__Type", f)
	case *schema.TypeRef:
		if v == nil {
			return nil
		}
		return r.object(v, "__Type", f)
	case *schema.Field:
		return r.object(v, "__Field", f)
	case *schema.InputValue:
		return r.object(v, "__InputValue", f)
	case *schema.EnumValue:
		return r.object(v, "__EnumValue", f)
	case *schema.Directive:
		return r.object(v, "__Directive", f)
	case []*schema.Type:
		return completeList(r, v, f)
	case []*schema.Field:
		return completeList(r, v, f)
	case []*schema.InputValue:
		return completeList(r, v, f)
	case []*schema.EnumValue:
		return completeList(r, v, f)
	case []*schema.Directive:
		return completeList(r, v, f)
	case []string:
		out := make([]any, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out
	default:
		return v
	}
}

func completeList[T any](r *resolver, items []T, f *language.Field) any {
	if items == nil {
		return nil
	}
	out := make([]any, len(items))
	for i, it := range items {
		out[i] = r.complete(it, f)
	}
	return out
}

func (r *resolver) object(source any, typeName string, parent *language.Field) map[string]any {
	out := map[string]any{}
	for _, f := range r.collectFields(typeName, parent.SelectionSet, nil) {
		key := responseKey(f)
		if f.Name == "__typename" {
			out[key] = typeName
			continue
		}
		args, _ := argumentValues(f)
		v, _ := r.resolveField(source, f.Name, args)
		out[key] = r.complete(v, f)
	}
	return out
}

func (r *resolver) resolveField(source any, field string, args map[string]any) (any, bool) {
	switch src := source.(type) {
	case *schema.Schema:
		return resolveSchemaField(src, field)
	case *schema.Type:
		return resolveTypeField(r.schema, src, field, args)
	case *schema.TypeRef:
		return resolveTypeRefField(r.schema, src, field, args)
	case *schema.Field:
		return resolveFieldField(src, field, args)
	case *schema.InputValue:
		return resolveInputValueField(src, field)
	case *schema.EnumValue:
		return resolveEnumValueField(src, field)
	case *schema.Directive:
		return resolveDirectiveField(src, field, args)
	}
	return nil, false
}

func responseKey(f *language.Field) string {
	if f.Alias != "" {
		return f.Alias
	}
	return f.Name
}

func argumentValues(f *language.Field) (map[string]any, error) {
	if len(f.Arguments) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(f.Arguments))
	for _, a := range f.Arguments {
		v, err := a.Value.Value(nil)
		if err != nil {
			return nil, err
		}
		out[a.Name] = v
	}
	return out, nil
}

// --- field resolvers ---

func resolveTypeFields(t *schema.Type, args map[string]any) []*schema.Field {
	if t.Kind != schema.TypeKindObject && t.Kind != schema.TypeKindInterface {
		return nil
	}
	includeDeprecated := boolArg(args, "includeDeprecated", false)
	out := []*schema.Field{}
	for _, f := range t.Fields {
		if !includeDeprecated && f.IsDeprecated {
			continue
		}
		out = append(out, f)
	}
	return out
}

func resolveTypeInterfaces(sch *schema.Schema, t *schema.Type) []*schema.Type {
	if t.Kind != schema.TypeKindObject && t.Kind != schema.TypeKindInterface {
		return nil
	}
	out := make([]*schema.Type, 0, len(t.Interfaces))
	for _, name := range t.Interfaces {
		if def := sch.Types[name]; def != nil {
			out = append(out, def)
		}
	}
	return out
}

func resolveTypePossibleTypes(sch *schema.Schema, t *schema.Type) []*schema.Type {
	if t.Kind != schema.TypeKindInterface && t.Kind != schema.TypeKindUnion {
		return nil
	}
	pts := []*schema.Type{}
	for _, name := range t.PossibleTypes {
		if def := sch.Types[name]; def != nil {
			pts = append(pts, def)
		}
	}
	sort.Slice(pts, func(i, j int) bool { return pts[i].Name < pts[j].Name })
	return pts
}

func resolveTypeEnumValues(t *schema.Type, args map[string]any) []*schema.EnumValue {
	if t.Kind != schema.TypeKindEnum {
		return nil
	}
	includeDeprecated := boolArg(args, "includeDeprecated", false)
	out := []*schema.EnumValue{}
	for _, ev := range t.EnumValues {
		if !includeDeprecated && ev.IsDeprecated {
			continue
		}
		out = append(out, ev)
	}
	return out
}

func resolveTypeInputFields(t *schema.Type, args map[string]any) []*schema.InputValue {
	if t.Kind != schema.TypeKindInputObject {
		return nil
	}
	return filterDeprecated(t.InputFields, boolArg(args, "includeDeprecated", false))
}

func filterDeprecated(in []*schema.InputValue, includeDeprecated bool) []*schema.InputValue {
	out := []*schema.InputValue{}
	for _, a := range in {
		if !includeDeprecated && a.IsDeprecated {
			continue
		}
		out = append(out, a)
	}
	return out
}

func deprecationReason(deprecated bool, reason string) *string {
	if deprecated {
		return &reason
	}
	return nil
}

func resolveSchemaField(sch *schema.Schema, field string) (any, bool) {
	switch field {
	case "types":
		return sch.SortedTypes(), true
	case "queryType":
		return sch.GetQueryType(), true
	case "mutationType":
		return sch.GetMutationType(), true
	case "subscriptionType":
		return sch.GetSubscriptionType(), true
	case "directives":
		return sch.SortedDirectives(), true
	case "description":
		return optional(sch.Description), true
	}
	return nil, false
}

func resolveTypeField(sch *schema.Schema, t *schema.Type, field string, args map[string]any) (any, bool) {
	switch field {
	case "kind":
		return string(t.Kind), true
	case "name":
		return t.Name, true
	case "description":
		return optional(t.Description), true
	case "specifiedByURL":
		return t.SpecifiedByURL, true
	case "fields":
		return resolveTypeFields(t, args), true
	case "interfaces":
		return resolveTypeInterfaces(sch, t), true
	case "possibleTypes":
		return resolveTypePossibleTypes(sch, t), true
	case "enumValues":
		return resolveTypeEnumValues(t, args), true
	case "inputFields":
		return resolveTypeInputFields(t, args), true
	case "isOneOf":
		if t.Kind != schema.TypeKindInputObject {
			return nil, true
		}
		return t.OneOf, true
	case "ofType":
		// named types never wrap another type
		return nil, true
	}
	return nil, false
}

// resolveTypeRefField serves wrapped references; named references resolve
// through their definition.
func resolveTypeRefField(sch *schema.Schema, tr *schema.TypeRef, field string, args map[string]any) (any, bool) {
	if tr.Kind == schema.TypeRefKindNamed {
		if def := sch.Types[tr.Named]; def != nil {
			return resolveTypeField(sch, def, field, args)
		}
		return nil, true
	}
	switch field {
	case "kind":
		return string(tr.Kind), true
	case "ofType":
		return tr.OfType, true
	default:
		return nil, true
	}
}

func resolveFieldField(f *schema.Field, field string, args map[string]any) (any, bool) {
	switch field {
	case "name":
		return f.Name, true
	case "description":
		return optional(f.Description), true
	case "args":
		return filterDeprecated(f.Arguments, boolArg(args, "includeDeprecated", false)), true
	case "type":
		return f.Type, true
	case "isDeprecated":
		return f.IsDeprecated, true
	case "deprecationReason":
		return deprecationReason(f.IsDeprecated, f.DeprecationReason), true
	}
	return nil, false
}

func resolveInputValueField(a *schema.InputValue, field string) (any, bool) {
	switch field {
	case "name":
		return a.Name, true
	case "description":
		return optional(a.Description), true
	case "type":
		return a.Type, true
	case "defaultValue":
		return a.DefaultValue, true
	case "isDeprecated":
		return a.IsDeprecated, true
	case "deprecationReason":
		return deprecationReason(a.IsDeprecated, a.DeprecationReason), true
	}
	return nil, false
}

func resolveEnumValueField(ev *schema.EnumValue, field string) (any, bool) {
	switch field {
	case "name":
		return ev.Name, true
	case "description":
		return optional(ev.Description), true
	case "isDeprecated":
		return ev.IsDeprecated, true
	case "deprecationReason":
		return deprecationReason(ev.IsDeprecated, ev.DeprecationReason), true
	}
	return nil, false
}

func resolveDirectiveField(d *schema.Directive, field string, args map[string]any) (any, bool) {
	switch field {
	case "name":
		return d.Name, true
	case "description":
		return optional(d.Description), true
	case "isRepeatable":
		return d.IsRepeatable, true
	case "locations":
		return append([]string{}, d.Locations...), true
	case "args":
		return filterDeprecated(d.Arguments, boolArg(args, "includeDeprecated", false)), true
	}
	return nil, false
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func boolArg(args map[string]any, name string, def bool) bool {
	if v, ok := args[name].(bool); ok {
		return v
	}
	return def
}
