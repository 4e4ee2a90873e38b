// Package planner defines the planning capability and the caching decorator
// that makes any planner cacheable, coalesces concurrent misses and warms a
// new cache from the hot keys of a previous one.
package planner

import (
	"context"
	"fmt"
	"strings"

	"github.com/hanpama/fedrouter/internal/graphql"
	"github.com/hanpama/fedrouter/internal/plan"
)

// PlanOptions is the closed set of planning switches that take part in the
// cache key.
type PlanOptions struct {
	AutoFragmentization bool
	GenerateQueryID     bool
}

// QueryKey identifies one planning computation. It is comparable and used as
// the cache key; an empty OperationName means none was given.
type QueryKey struct {
	Query         string
	OperationName string
	Options       PlanOptions
}

func (k QueryKey) flightKey() string {
	var sb strings.Builder
	sb.Grow(len(k.Query) + len(k.OperationName) + 6)
	sb.WriteString(k.Query)
	sb.WriteByte(0)
	sb.WriteString(k.OperationName)
	sb.WriteByte(0)
	fmt.Fprintf(&sb, "%t%t", k.Options.AutoFragmentization, k.Options.GenerateQueryID)
	return sb.String()
}

// Planner turns a query key into a plan.
type Planner interface {
	Plan(ctx context.Context, key QueryKey) (*plan.Plan, error)
}

// HotKeyer exposes the keys a planner currently holds, most recent first.
type HotKeyer interface {
	HotKeys() []QueryKey
}

// ErrorKind classifies planning failures.
type ErrorKind int

const (
	ErrSyntax ErrorKind = iota + 1
	ErrUnknownOperation
	ErrValidation
	ErrUnsupported
	ErrInternal
)

func (k ErrorKind) String() string {
	switch k {
	case ErrSyntax:
		return "GRAPHQL_PARSE_FAILED"
	case ErrUnknownOperation:
		return "UNKNOWN_OPERATION"
	case ErrValidation:
		return "GRAPHQL_VALIDATION_FAILED"
	case ErrUnsupported:
		return "UNSUPPORTED"
	default:
		return "PLANNING_FAILED"
	}
}

// Error is a planning failure: the engine could not produce a plan for the
// key. Errors are deterministic for a key and are cached like plans.
type Error struct {
	Kind      ErrorKind
	Message   string
	Locations []graphql.Location
}

func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string { return e.Message }

// GraphQLError renders e for a response's errors list.
func (e *Error) GraphQLError() graphql.Error {
	return graphql.Error{
		Message:    e.Message,
		Locations:  e.Locations,
		Extensions: map[string]any{"code": e.Kind.String()},
	}
}

// Func adapts a function to Planner.
type Func func(ctx context.Context, key QueryKey) (*plan.Plan, error)

func (f Func) Plan(ctx context.Context, key QueryKey) (*plan.Plan, error) { return f(ctx, key) }
