package schema

import (
	"sort"
	"strings"

	"github.com/vektah/gqlparser/v2/ast"

	language "github.com/hanpama/fedrouter/internal/language"
)

const defaultDeprecationReason = "No longer supported"

// BuildFromSDL parses and validates a composed schema and converts it into
// the router's read-only model.
func BuildFromSDL(sdl string) (*Schema, error) {
	def, err := language.LoadSchema("schema.graphql", sdl)
	if err != nil {
		return nil, err
	}
	return Build(def), nil
}

// Build converts a validated gqlparser schema.
func Build(def *ast.Schema) *Schema {
	s := &Schema{
		Types:       make(map[string]*Type, len(def.Types)),
		Directives:  make(map[string]*Directive, len(def.Directives)),
		Description: def.Description,
		def:         def,
	}
	if def.Query != nil {
		s.QueryType = def.Query.Name
	}
	if def.Mutation != nil {
		s.MutationType = def.Mutation.Name
	}
	if def.Subscription != nil {
		s.SubscriptionType = def.Subscription.Name
	}
	for name, d := range def.Types {
		s.Types[name] = buildType(def, d)
	}
	for name, d := range def.Directives {
		s.Directives[name] = buildDirective(d)
	}
	return s
}

func buildType(def *ast.Schema, d *ast.Definition) *Type {
	t := &Type{Name: d.Name, Description: d.Description}
	switch d.Kind {
	case ast.Object:
		t.Kind = TypeKindObject
		t.Interfaces = append(t.Interfaces, d.Interfaces...)
		t.Fields = buildFields(d.Fields)
	case ast.Interface:
		t.Kind = TypeKindInterface
		t.Interfaces = append(t.Interfaces, d.Interfaces...)
		t.Fields = buildFields(d.Fields)
		t.PossibleTypes = possibleTypeNames(def, d.Name)
	case ast.Union:
		t.Kind = TypeKindUnion
		t.PossibleTypes = append(t.PossibleTypes, d.Types...)
	case ast.Enum:
		t.Kind = TypeKindEnum
		for _, ev := range d.EnumValues {
			v := &EnumValue{Name: ev.Name, Description: ev.Description}
			v.IsDeprecated, v.DeprecationReason = deprecation(ev.Directives)
			t.EnumValues = append(t.EnumValues, v)
		}
	case ast.InputObject:
		t.Kind = TypeKindInputObject
		t.OneOf = d.Directives.ForName("oneOf") != nil
		for _, f := range d.Fields {
			t.InputFields = append(t.InputFields, buildInputValue(f.Name, f.Description, f.Type, f.DefaultValue, f.Directives))
		}
	default:
		t.Kind = TypeKindScalar
		if sb := d.Directives.ForName("specifiedBy"); sb != nil {
			if arg := sb.Arguments.ForName("url"); arg != nil && arg.Value != nil {
				url := arg.Value.Raw
				t.SpecifiedByURL = &url
			}
		}
	}
	return t
}

func buildFields(list ast.FieldList) []*Field {
	out := make([]*Field, 0, len(list))
	for _, f := range list {
		// meta fields (__schema, __type) are resolved by introspection
		if strings.HasPrefix(f.Name, "__") {
			continue
		}
		field := &Field{Name: f.Name, Description: f.Description, Type: buildTypeRef(f.Type)}
		field.IsDeprecated, field.DeprecationReason = deprecation(f.Directives)
		for _, a := range f.Arguments {
			field.Arguments = append(field.Arguments, buildInputValue(a.Name, a.Description, a.Type, a.DefaultValue, a.Directives))
		}
		out = append(out, field)
	}
	return out
}

func buildInputValue(name, description string, typ *ast.Type, def *ast.Value, directives ast.DirectiveList) *InputValue {
	in := &InputValue{Name: name, Description: description, Type: buildTypeRef(typ)}
	if def != nil {
		lit := def.String()
		in.DefaultValue = &lit
	}
	in.IsDeprecated, in.DeprecationReason = deprecation(directives)
	return in
}

func buildDirective(d *ast.DirectiveDefinition) *Directive {
	out := &Directive{Name: d.Name, Description: d.Description, IsRepeatable: d.IsRepeatable}
	for _, loc := range d.Locations {
		out.Locations = append(out.Locations, string(loc))
	}
	for _, a := range d.Arguments {
		out.Arguments = append(out.Arguments, buildInputValue(a.Name, a.Description, a.Type, a.DefaultValue, a.Directives))
	}
	return out
}

func buildTypeRef(t *ast.Type) *TypeRef {
	if t == nil {
		return nil
	}
	if t.NonNull {
		inner := *t
		inner.NonNull = false
		return NonNullType(buildTypeRef(&inner))
	}
	if t.Elem != nil {
		return ListType(buildTypeRef(t.Elem))
	}
	return NamedType(t.NamedType)
}

func possibleTypeNames(def *ast.Schema, abstract string) []string {
	pts := def.PossibleTypes[abstract]
	out := make([]string, 0, len(pts))
	for _, pt := range pts {
		if pt.Kind == ast.Object {
			out = append(out, pt.Name)
		}
	}
	sort.Strings(out)
	return out
}

func deprecation(directives ast.DirectiveList) (bool, string) {
	d := directives.ForName("deprecated")
	if d == nil {
		return false, ""
	}
	if arg := d.Arguments.ForName("reason"); arg != nil && arg.Value != nil {
		return true, arg.Value.Raw
	}
	return true, defaultDeprecationReason
}
