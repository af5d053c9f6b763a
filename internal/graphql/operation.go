package graphql

import (
	"context"
	"strconv"

	"github.com/cespare/xxhash/v2"

	language "github.com/hanpama/gqlstream/internal/language"
)

// OperationKind mirrors the GraphQL operation type.
type OperationKind string

const (
	KindQuery        OperationKind = "query"
	KindMutation     OperationKind = "mutation"
	KindSubscription OperationKind = "subscription"
)

// Operation is an immutable operation descriptor: the request plus the exact
// variables it is executed with.
type Operation struct {
	// ID is the persisted query id. Empty when the text is sent inline.
	ID        string         `json:"id,omitempty" msgpack:"id,omitempty"`
	CacheID   string         `json:"cacheID" msgpack:"cacheID"`
	Name      string         `json:"name,omitempty" msgpack:"name,omitempty"`
	Kind      OperationKind  `json:"kind" msgpack:"kind"`
	Text      string         `json:"text,omitempty" msgpack:"text,omitempty"`
	Variables map[string]any `json:"variables" msgpack:"variables"`
	// Deferred is set when the selection uses @defer or @stream.
	Deferred bool `json:"deferred,omitempty" msgpack:"deferred,omitempty"`
}

// OperationOption customizes NewOperation.
type OperationOption func(*Operation)

// WithPersistedID sets the persisted query id used instead of the text hash.
func WithPersistedID(id string) OperationOption { return func(o *Operation) { o.ID = id } }

// WithOperationName selects a named operation from a multi-operation document.
func WithOperationName(name string) OperationOption { return func(o *Operation) { o.Name = name } }

// NewOperation parses text and builds a descriptor for the selected operation.
func NewOperation(text string, variables map[string]any, opts ...OperationOption) (Operation, error) {
	op := Operation{Text: text, Variables: variables}
	for _, f := range opts {
		f(&op)
	}
	info, err := language.Inspect(text, op.Name)
	if err != nil {
		return Operation{}, err
	}
	op.Name = info.Name
	op.Kind = OperationKind(info.Kind)
	op.Deferred = info.Deferred
	op.CacheID = CacheID(text)
	if op.Variables == nil {
		op.Variables = map[string]any{}
	}
	return op, nil
}

// CacheID derives the fallback request id from the operation text.
func CacheID(text string) string {
	return strconv.FormatUint(xxhash.Sum64String(text), 16)
}

// RequestID is the persisted id when present, otherwise the cache id.
func (o Operation) RequestID() string {
	if o.ID != "" {
		return o.ID
	}
	return o.CacheID
}

// QueryKey is the identity used by the query registry.
func (o Operation) QueryKey() string { return QueryKey(o.RequestID(), o.Variables) }

// CacheConfig carries per-request cache directives from the client runtime.
type CacheConfig struct {
	// Force bypasses any replayed record.
	Force bool
	// Metadata is free-form data for request middleware.
	Metadata map[string]any
	// Signal aborts the underlying HTTP request when done. Nil means the
	// caller's context governs cancellation.
	Signal context.Context
}
