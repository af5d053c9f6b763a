package fetch

import (
	"context"
	"encoding/json"
	"net/http"

	graphql "github.com/hanpama/gqlstream/internal/graphql"
)

// RequestContext is what request middleware sees and may rewrite before a
// fetch is sent.
type RequestContext struct {
	Operation   graphql.Operation
	CacheConfig graphql.CacheConfig
	Init        *RequestInit
	URL         string
}

// Middleware transforms a RequestContext. Middleware runs in order.
type Middleware func(context.Context, *RequestContext) (*RequestContext, error)

// ApplyMiddleware threads rc through every middleware in order.
func ApplyMiddleware(ctx context.Context, mws []Middleware, rc *RequestContext) (*RequestContext, error) {
	cur := rc
	for _, mw := range mws {
		next, err := mw(ctx, cur)
		if err != nil {
			return nil, err
		}
		if next == nil || next.Init == nil {
			return nil, ErrNoRequestInit
		}
		cur = next
	}
	return cur, nil
}

// WithHeader returns middleware that sets a request header.
func WithHeader(key, value string) Middleware {
	return func(_ context.Context, rc *RequestContext) (*RequestContext, error) {
		if rc.Init.Header == nil {
			rc.Init.Header = http.Header{}
		}
		rc.Init.Header.Set(key, value)
		return rc, nil
	}
}

type requestBody struct {
	ID            string         `json:"id,omitempty"`
	Query         string         `json:"query,omitempty"`
	OperationName string         `json:"operationName,omitempty"`
	Variables     map[string]any `json:"variables"`
}

// JSONBody encodes op as a standard GraphQL-over-HTTP POST body.
func JSONBody(op graphql.Operation) ([]byte, error) {
	vars := op.Variables
	if vars == nil {
		vars = map[string]any{}
	}
	return json.Marshal(requestBody{ID: op.ID, Query: op.Text, OperationName: op.Name, Variables: vars})
}

// DefaultInit builds a POST request for op. Only operations that use
// @defer or @stream advertise multipart/mixed.
func DefaultInit(op graphql.Operation) (*RequestInit, error) {
	body, err := JSONBody(op)
	if err != nil {
		return nil, err
	}
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	if op.Deferred {
		h.Set("Accept", AcceptHeader)
	} else {
		h.Set("Accept", JSONAcceptHeader)
	}
	return &RequestInit{Method: http.MethodPost, Header: h, Body: body}, nil
}
