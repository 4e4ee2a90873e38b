// Package introspection precomputes responses for the fixed set of
// introspection queries tooling sends, so they are answered without planning
// or fetching.
package introspection

import (
	"embed"
	"fmt"
	"io/fs"
	"strings"

	"github.com/hanpama/fedrouter/internal/graphql"
	language "github.com/hanpama/fedrouter/internal/language"
	schema "github.com/hanpama/fedrouter/internal/schema"
)

//go:embed queries/*.graphql
var queryFiles embed.FS

// Queries returns the supported introspection query texts.
func Queries() ([]string, error) {
	entries, err := fs.ReadDir(queryFiles, "queries")
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		b, err := queryFiles.ReadFile("queries/" + e.Name())
		if err != nil {
			return nil, err
		}
		out = append(out, strings.TrimRight(string(b), "\n"))
	}
	return out, nil
}

// Snapshot maps exact query text to a precomputed response. It is built once
// per schema and only read afterwards.
type Snapshot struct {
	responses map[string]*graphql.Response
}

// NewSnapshot resolves every supported query against s.
func NewSnapshot(s *schema.Schema) (*Snapshot, error) {
	queries, err := Queries()
	if err != nil {
		return nil, fmt.Errorf("introspection: load queries: %w", err)
	}
	snap := &Snapshot{responses: make(map[string]*graphql.Response, len(queries))}
	for _, q := range queries {
		res, err := Resolve(s, q)
		if err != nil {
			return nil, err
		}
		snap.responses[q] = res
	}
	return snap, nil
}

// Get returns the canned response for query. The response is shared and must
// not be modified.
func (s *Snapshot) Get(query string) (*graphql.Response, bool) {
	if s == nil {
		return nil, false
	}
	res, ok := s.responses[query]
	return res, ok
}

// Len reports how many queries the snapshot answers.
func (s *Snapshot) Len() int { return len(s.responses) }

// Resolve executes an introspection-only query against s.
func Resolve(s *schema.Schema, query string) (*graphql.Response, error) {
	doc, err := language.ParseQuery(query)
	if err != nil {
		return nil, fmt.Errorf("introspection: parse: %w", err)
	}
	if errs := language.ValidateQuery(s.Definition(), doc); len(errs) > 0 {
		return nil, fmt.Errorf("introspection: validate: %w", errs)
	}
	op := doc.Operations.ForName("")
	if op == nil {
		return nil, fmt.Errorf("introspection: query must contain exactly one operation")
	}
	r := &resolver{schema: s, doc: doc}
	data, err := r.executeOperation(op)
	if err != nil {
		return nil, fmt.Errorf("introspection: %w", err)
	}
	return &graphql.Response{Data: data}, nil
}

// StandardQuery returns the full introspection query sent by GraphQL tooling.
func StandardQuery() string {
	b, _ := queryFiles.ReadFile("queries/introspection.graphql")
	return strings.TrimRight(string(b), "\n")
}
