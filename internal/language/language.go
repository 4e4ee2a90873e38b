package language

import (
	"bytes"
	"errors"

	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/formatter"
	"github.com/vektah/gqlparser/v2/gqlerror"
	"github.com/vektah/gqlparser/v2/parser"
	"github.com/vektah/gqlparser/v2/validator"
)

type (
	Schema   = ast.Schema
	GQLError = gqlerror.Error
)

func ParseQuery(source string) (*QueryDocument, error) {
	doc, err := parser.ParseQuery(&ast.Source{Input: source})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func ParseSchema(name, source string) (*SchemaDocument, error) {
	doc, err := parser.ParseSchema(&ast.Source{Name: name, Input: source})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// LoadSchema parses and validates SDL, merging in the GraphQL prelude
// (built-in scalars, directives and introspection types).
func LoadSchema(name, source string) (*Schema, error) {
	sch, err := gqlparser.LoadSchema(&ast.Source{Name: name, Input: source})
	if err != nil {
		return nil, err
	}
	return sch, nil
}

// FormatQuery prints doc back to GraphQL source.
func FormatQuery(doc *QueryDocument) string {
	var buf bytes.Buffer
	formatter.NewFormatter(&buf, formatter.WithIndent("  ")).FormatQueryDocument(doc)
	return buf.String()
}

// AsGQLError extracts the located parser error from err, if any.
func AsGQLError(err error) (*GQLError, bool) {
	var ge *gqlerror.Error
	if errors.As(err, &ge) {
		return ge, true
	}
	var list gqlerror.List
	if errors.As(err, &list) && len(list) > 0 {
		return list[0], true
	}
	return nil, false
}

// ValidateQuery runs the standard validation rules against doc. Validation
// also resolves field definitions on the document's selections.
func ValidateQuery(schema *Schema, doc *QueryDocument) gqlerror.List {
	return validator.ValidateWithRules(schema, doc, nil)
}
