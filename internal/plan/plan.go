// Package plan models query plans: immutable trees of fetch, sequence,
// parallel and flatten steps that satisfy one operation against the
// downstream services. Plans are shared by every concurrent execution of the
// same query and are never mutated after construction.
package plan

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Plan is the executable recipe for one query key. Root is nil when the
// operation needs no downstream fetches.
type Plan struct {
	ID   string
	Root Node
}

// Node is one of *Fetch, *Sequence, *Parallel or *Flatten.
type Node interface {
	Kind() string
}

// Fetch sends Operation to Service. A fetch with Requires is an entity fetch:
// representations selected from the objects at its path are sent as the
// "representations" variable and the returned _entities merged back.
type Fetch struct {
	Service        string
	OperationName  string
	Operation      string
	VariableUsages []string
	Requires       []Selection
}

// Sequence runs its children in order.
type Sequence struct {
	Nodes []Node
}

// Parallel runs its children concurrently.
type Parallel struct {
	Nodes []Node
}

// Flatten runs Node against every object reached by Path. The "@" element
// expands list values.
type Flatten struct {
	Path []string
	Node Node
}

func (*Fetch) Kind() string    { return "Fetch" }
func (*Sequence) Kind() string { return "Sequence" }
func (*Parallel) Kind() string { return "Parallel" }
func (*Flatten) Kind() string  { return "Flatten" }

// Selection is a required field or inline fragment used to build entity
// representations.
type Selection struct {
	Kind          string      `json:"kind"`
	Name          string      `json:"name,omitempty"`
	TypeCondition string      `json:"typeCondition,omitempty"`
	Selections    []Selection `json:"selections,omitempty"`
}

const (
	SelectionField          = "Field"
	SelectionInlineFragment = "InlineFragment"
)

// ListMarker is the Flatten path element addressing every list element.
const ListMarker = "@"

// Walk calls fn for n and all of its descendants, depth first.
func Walk(n Node, fn func(Node)) {
	if n == nil {
		return
	}
	fn(n)
	switch n := n.(type) {
	case *Sequence:
		for _, c := range n.Nodes {
			Walk(c, fn)
		}
	case *Parallel:
		for _, c := range n.Nodes {
			Walk(c, fn)
		}
	case *Flatten:
		Walk(n.Node, fn)
	}
}

// Services returns the distinct services referenced by fetches in p, sorted.
func (p *Plan) Services() []string {
	seen := map[string]struct{}{}
	Walk(p.Root, func(n Node) {
		if f, ok := n.(*Fetch); ok {
			seen[f.Service] = struct{}{}
		}
	})
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// ---------------- JSON ----------------

type jsonPlan struct {
	Kind string          `json:"kind"`
	ID   string          `json:"id,omitempty"`
	Node json.RawMessage `json:"node,omitempty"`
}

type jsonNode struct {
	Kind           string            `json:"kind"`
	ServiceName    string            `json:"serviceName,omitempty"`
	OperationName  string            `json:"operationName,omitempty"`
	Requires       []Selection       `json:"requires,omitempty"`
	VariableUsages []string          `json:"variableUsages,omitempty"`
	Operation      string            `json:"operation,omitempty"`
	Nodes          []json.RawMessage `json:"nodes,omitempty"`
	Path           []string          `json:"path,omitempty"`
	Node           json.RawMessage   `json:"node,omitempty"`
}

func (p *Plan) MarshalJSON() ([]byte, error) {
	out := jsonPlan{Kind: "QueryPlan", ID: p.ID}
	if p.Root != nil {
		b, err := marshalNode(p.Root)
		if err != nil {
			return nil, err
		}
		out.Node = b
	}
	return json.Marshal(out)
}

func (p *Plan) UnmarshalJSON(b []byte) error {
	var in jsonPlan
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	if in.Kind != "QueryPlan" {
		return fmt.Errorf("plan: unexpected kind %q", in.Kind)
	}
	p.ID = in.ID
	p.Root = nil
	if len(in.Node) == 0 || string(in.Node) == "null" {
		return nil
	}
	root, err := unmarshalNode(in.Node)
	if err != nil {
		return err
	}
	p.Root = root
	return nil
}

func marshalNode(n Node) (json.RawMessage, error) {
	out := jsonNode{Kind: n.Kind()}
	var children []Node
	switch n := n.(type) {
	case *Fetch:
		out.ServiceName = n.Service
		out.OperationName = n.OperationName
		out.Requires = n.Requires
		out.VariableUsages = n.VariableUsages
		out.Operation = n.Operation
	case *Sequence:
		children = n.Nodes
	case *Parallel:
		children = n.Nodes
	case *Flatten:
		out.Path = n.Path
		b, err := marshalNode(n.Node)
		if err != nil {
			return nil, err
		}
		out.Node = b
	default:
		return nil, fmt.Errorf("plan: unknown node %T", n)
	}
	for _, c := range children {
		b, err := marshalNode(c)
		if err != nil {
			return nil, err
		}
		out.Nodes = append(out.Nodes, b)
	}
	return json.Marshal(out)
}

func unmarshalNode(b json.RawMessage) (Node, error) {
	var in jsonNode
	if err := json.Unmarshal(b, &in); err != nil {
		return nil, err
	}
	switch in.Kind {
	case "Fetch":
		if in.ServiceName == "" {
			return nil, fmt.Errorf("plan: fetch without serviceName")
		}
		return &Fetch{
			Service:        in.ServiceName,
			OperationName:  in.OperationName,
			Operation:      in.Operation,
			VariableUsages: in.VariableUsages,
			Requires:       in.Requires,
		}, nil
	case "Sequence", "Parallel":
		nodes := make([]Node, 0, len(in.Nodes))
		for _, raw := range in.Nodes {
			c, err := unmarshalNode(raw)
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, c)
		}
		if in.Kind == "Sequence" {
			return &Sequence{Nodes: nodes}, nil
		}
		return &Parallel{Nodes: nodes}, nil
	case "Flatten":
		if len(in.Node) == 0 {
			return nil, fmt.Errorf("plan: flatten without node")
		}
		c, err := unmarshalNode(in.Node)
		if err != nil {
			return nil, err
		}
		return &Flatten{Path: in.Path, Node: c}, nil
	default:
		return nil, fmt.Errorf("plan: unknown node kind %q", in.Kind)
	}
}
