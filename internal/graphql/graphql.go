// Package graphql holds the request and response shapes shared by the router,
// its transports and the HTTP handler.
package graphql

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Request is a GraphQL request as received from a client or sent to a
// downstream service.
type Request struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
	Extensions    map[string]any `json:"extensions,omitempty"`
}

// Response is a GraphQL response. Data is nil when no data could be
// produced; Errors is populated for every failure.
type Response struct {
	Data       any            `json:"data"`
	Errors     []Error        `json:"errors,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

type Location struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// Error is a located GraphQL error.
type Error struct {
	Message    string         `json:"message"`
	Locations  []Location     `json:"locations,omitempty"`
	Path       Path           `json:"path,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

func (e Error) Error() string {
	if len(e.Path) == 0 {
		return e.Message
	}
	return fmt.Sprintf("%s (at %s)", e.Message, e.Path)
}

// Path addresses a value in a response. Elements are field names (string) or
// list indices (int).
type Path []any

func (p Path) String() string {
	var sb strings.Builder
	for i, elem := range p {
		switch v := elem.(type) {
		case int:
			fmt.Fprintf(&sb, "[%d]", v)
		default:
			if i > 0 {
				sb.WriteByte('.')
			}
			fmt.Fprintf(&sb, "%v", v)
		}
	}
	return sb.String()
}

// Append returns a copy of p with elems added.
func (p Path) Append(elems ...any) Path {
	out := make(Path, len(p), len(p)+len(elems))
	copy(out, p)
	return append(out, elems...)
}

// UnmarshalJSON normalizes numeric path elements decoded as float64 to int.
func (p *Path) UnmarshalJSON(b []byte) error {
	var raw []any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	out := make(Path, len(raw))
	for i, v := range raw {
		if f, ok := v.(float64); ok {
			out[i] = int(f)
			continue
		}
		out[i] = v
	}
	*p = out
	return nil
}

// NewError builds an Error from err, keeping the path and extensions of
// located errors.
func NewError(err error, path Path) Error {
	if ge, ok := err.(Error); ok {
		if len(ge.Path) == 0 {
			ge.Path = path
		}
		return ge
	}
	if ge, ok := err.(*Error); ok && ge != nil {
		out := *ge
		if len(out.Path) == 0 {
			out.Path = path
		}
		return out
	}
	return Error{Message: err.Error(), Path: path}
}

// ErrorResponse is a response carrying only errs and no data.
func ErrorResponse(errs ...error) *Response {
	res := &Response{Errors: make([]Error, 0, len(errs))}
	for _, err := range errs {
		res.Errors = append(res.Errors, NewError(err, nil))
	}
	return res
}
