// Package graphql holds the wire-level GraphQL types shared by the fetch,
// cache and transport layers: responses in every incremental-delivery shape
// the adapter understands, operation descriptors, and query keys.
package graphql

import (
	"encoding/json"
	"strings"
)

// Response is a single GraphQL response message.
//
// It is a superset of the canonical shape handed to the client runtime
// ({data, errors, extensions, path, label, items, hasNext}) and the
// pending/incremental/completed fields of the newer incremental delivery
// format. Data and Items stay raw so that an absent field and an explicit
// null remain distinguishable.
type Response struct {
	Data        json.RawMessage `json:"data,omitempty" msgpack:"data,omitempty"`
	Errors      []Error         `json:"errors,omitempty" msgpack:"errors,omitempty"`
	Extensions  map[string]any  `json:"extensions,omitempty" msgpack:"extensions,omitempty"`
	Path        []any           `json:"path,omitempty" msgpack:"path,omitempty"`
	Label       string          `json:"label,omitempty" msgpack:"label,omitempty"`
	Items       json.RawMessage `json:"items,omitempty" msgpack:"items,omitempty"`
	HasNext     *bool           `json:"hasNext,omitempty" msgpack:"hasNext,omitempty"`
	Pending     []Pending       `json:"pending,omitempty" msgpack:"pending,omitempty"`
	Incremental []Incremental   `json:"incremental,omitempty" msgpack:"incremental,omitempty"`
	Completed   []Completed     `json:"completed,omitempty" msgpack:"completed,omitempty"`
}

// Pending announces a deferred or streamed fragment that will arrive later.
type Pending struct {
	ID    string `json:"id" msgpack:"id"`
	Path  []any  `json:"path" msgpack:"path"`
	Label string `json:"label,omitempty" msgpack:"label,omitempty"`
}

// Incremental carries the payload for a previously announced pending id.
type Incremental struct {
	ID     string          `json:"id" msgpack:"id"`
	Data   json.RawMessage `json:"data,omitempty" msgpack:"data,omitempty"`
	Items  json.RawMessage `json:"items,omitempty" msgpack:"items,omitempty"`
	Errors []Error         `json:"errors,omitempty" msgpack:"errors,omitempty"`
}

// Completed retires a pending id.
type Completed struct {
	ID     string  `json:"id" msgpack:"id"`
	Errors []Error `json:"errors,omitempty" msgpack:"errors,omitempty"`
}

// Error is a GraphQL error entry.
type Error struct {
	Message    string         `json:"message" msgpack:"message"`
	Locations  []Location     `json:"locations,omitempty" msgpack:"locations,omitempty"`
	Path       []any          `json:"path,omitempty" msgpack:"path,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty" msgpack:"extensions,omitempty"`
}

type Location struct {
	Line   int `json:"line" msgpack:"line"`
	Column int `json:"column" msgpack:"column"`
}

func (e Error) Error() string { return e.Message }

// Errors joins a list of GraphQL errors into a single error value.
type Errors []Error

func (es Errors) Error() string {
	msgs := make([]string, len(es))
	for i, e := range es {
		msgs[i] = e.Message
	}
	return strings.Join(msgs, "; ")
}

// Null is the raw JSON null literal.
var Null = json.RawMessage("null")

// Bool returns a pointer to b, for the optional HasNext field.
func Bool(b bool) *bool { return &b }

// HasData reports whether the data field was present on the wire, null included.
func (r Response) HasData() bool { return len(r.Data) > 0 }

// IsFinal reports whether no further messages follow this one. A message
// without hasNext is a one-shot result and therefore final.
func (r Response) IsFinal() bool {
	if r.HasNext != nil {
		return !*r.HasNext
	}
	if v, ok := r.Extensions["is_final"].(bool); ok {
		return v
	}
	return true
}

// Clone returns a copy that does not share maps or slices with r at the top level.
func (r Response) Clone() Response {
	out := r
	if r.Extensions != nil {
		out.Extensions = make(map[string]any, len(r.Extensions))
		for k, v := range r.Extensions {
			out.Extensions[k] = v
		}
	}
	if r.HasNext != nil {
		out.HasNext = Bool(*r.HasNext)
	}
	out.Errors = append([]Error(nil), r.Errors...)
	if len(out.Errors) == 0 {
		out.Errors = nil
	}
	out.Path = append([]any(nil), r.Path...)
	if len(out.Path) == 0 {
		out.Path = nil
	}
	return out
}
