package plan

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

const topProductsPlan = `{
  "kind": "QueryPlan",
  "node": {
    "kind": "Sequence",
    "nodes": [
      {
        "kind": "Fetch",
        "serviceName": "products",
        "variableUsages": ["first"],
        "operation": "query($first:Int){topProducts(first:$first){__typename upc name}}"
      },
      {
        "kind": "Flatten",
        "path": ["topProducts", "@"],
        "node": {
          "kind": "Fetch",
          "serviceName": "reviews",
          "requires": [
            {
              "kind": "InlineFragment",
              "typeCondition": "Product",
              "selections": [
                {"kind": "Field", "name": "__typename"},
                {"kind": "Field", "name": "upc"}
              ]
            }
          ],
          "variableUsages": [],
          "operation": "query($representations:[_Any!]!){_entities(representations:$representations){...on Product{reviews{body}}}}"
        }
      }
    ]
  }
}`

func TestUnmarshalPlan(t *testing.T) {
	var p Plan
	require.NoError(t, json.Unmarshal([]byte(topProductsPlan), &p))

	want := &Sequence{Nodes: []Node{
		&Fetch{
			Service:        "products",
			VariableUsages: []string{"first"},
			Operation:      "query($first:Int){topProducts(first:$first){__typename upc name}}",
		},
		&Flatten{
			Path: []string{"topProducts", "@"},
			Node: &Fetch{
				Service: "reviews",
				Requires: []Selection{{
					Kind:          SelectionInlineFragment,
					TypeCondition: "Product",
					Selections: []Selection{
						{Kind: SelectionField, Name: "__typename"},
						{Kind: SelectionField, Name: "upc"},
					},
				}},
				VariableUsages: []string{},
				Operation:      "query($representations:[_Any!]!){_entities(representations:$representations){...on Product{reviews{body}}}}",
			},
		},
	}}
	if diff := cmp.Diff(Node(want), p.Root); diff != "" {
		t.Fatalf("plan mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, []string{"products", "reviews"}, p.Services())
}

func TestPlanJSONEncodesNodeKinds(t *testing.T) {
	p := &Plan{ID: "abc", Root: &Parallel{Nodes: []Node{
		&Fetch{Service: "a", Operation: "{a}"},
		&Flatten{Path: []string{"a"}, Node: &Fetch{Service: "b", Operation: "{b}"}},
	}}}
	b, err := json.Marshal(p)
	require.NoError(t, err)
	require.JSONEq(t, `{
		"kind": "QueryPlan",
		"id": "abc",
		"node": {"kind": "Parallel", "nodes": [
			{"kind": "Fetch", "serviceName": "a", "operation": "{a}"},
			{"kind": "Flatten", "path": ["a"], "node": {"kind": "Fetch", "serviceName": "b", "operation": "{b}"}}
		]}
	}`, string(b))

	var back Plan
	require.NoError(t, json.Unmarshal(b, &back))
	require.Equal(t, p, &back)
}

func TestUnmarshalEmptyPlan(t *testing.T) {
	var p Plan
	require.NoError(t, json.Unmarshal([]byte(`{"kind":"QueryPlan"}`), &p))
	require.Nil(t, p.Root)
	require.Empty(t, p.Services())

	b, err := json.Marshal(&p)
	require.NoError(t, err)
	require.JSONEq(t, `{"kind":"QueryPlan"}`, string(b))
}

func TestUnmarshalPlanErrors(t *testing.T) {
	cases := map[string]string{
		"wrong kind":    `{"kind":"Plan"}`,
		"unknown node":  `{"kind":"QueryPlan","node":{"kind":"Defer"}}`,
		"no service":    `{"kind":"QueryPlan","node":{"kind":"Fetch","operation":"{a}"}}`,
		"empty flatten": `{"kind":"QueryPlan","node":{"kind":"Flatten","path":["a"]}}`,
		"nested error":  `{"kind":"QueryPlan","node":{"kind":"Sequence","nodes":[{"kind":"Nope"}]}}`,
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			var p Plan
			require.Error(t, json.Unmarshal([]byte(in), &p))
		})
	}
}

type services map[string]bool

func (s services) Has(name string) bool { return s[name] }

func TestValidate(t *testing.T) {
	p := &Plan{Root: &Sequence{Nodes: []Node{
		&Fetch{Service: "a"},
		&Flatten{Path: []string{"x"}, Node: &Fetch{Service: "b"}},
		&Parallel{Nodes: []Node{&Fetch{Service: "c"}, &Fetch{Service: "b"}}},
	}}}

	require.NoError(t, Validate(p, services{"a": true, "b": true, "c": true}))

	err := Validate(p, services{"a": true})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, []string{"b", "c"}, verr.Missing)
	require.EqualError(t, err, "query plan references unknown services: b, c")

	require.NoError(t, Validate(&Plan{}, services{}))
}
