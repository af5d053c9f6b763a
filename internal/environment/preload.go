package environment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	graphql "github.com/hanpama/gqlstream/internal/graphql"
	"github.com/hanpama/gqlstream/internal/observable"
	"github.com/hanpama/gqlstream/internal/querycache"
)

// ErrNoQueryRef is returned when hydrating a query that carries no
// operation reference.
var ErrNoQueryRef = errors.New("environment: preloaded query has no operation reference")

// PreloadedQueryKind tags preloaded query values.
const PreloadedQueryKind = "PreloadedQuery"

// FetchPolicy controls whether replayed data may answer a preload.
type FetchPolicy string

const (
	StoreOrNetwork FetchPolicy = "store-or-network"
	NetworkOnly    FetchPolicy = "network-only"
)

// PreloadOptions configures Preload.
type PreloadOptions struct {
	FetchPolicy FetchPolicy
	CacheConfig graphql.CacheConfig
}

// QueryRef points a client at the record the server filled for a query.
type QueryRef struct {
	Operation graphql.Operation `json:"operation" msgpack:"operation"`
}

// PreloadedQuery is a query started ahead of rendering.
type PreloadedQuery struct {
	Kind        string
	ID          string
	Name        string
	Variables   map[string]any
	FetchPolicy FetchPolicy
	Metadata    map[string]any
	// Ref is set for queries preloaded on the server.
	Ref *QueryRef

	env    *Environment
	op     graphql.Operation
	source *querycache.Record

	mu       sync.Mutex
	sub      observable.Subscription
	disposed bool
}

// Preload starts op ahead of rendering. On the server the record is built
// first and the query always goes to the network; the result is kept for
// the render. On the client the query runs under the requested policy and
// carries no reference.
func (e *Environment) Preload(ctx context.Context, op graphql.Operation, opts PreloadOptions) *PreloadedQuery {
	pq := &PreloadedQuery{
		Kind:        PreloadedQueryKind,
		ID:          op.RequestID(),
		Name:        op.Name,
		Variables:   op.Variables,
		FetchPolicy: opts.FetchPolicy,
		Metadata:    opts.CacheConfig.Metadata,
		env:         e,
		op:          op,
	}
	cc := opts.CacheConfig
	if e.isServer {
		e.log.Debug("preload on server", zap.String("queryKey", op.QueryKey()))
		// The server network fills the registry record itself.
		pq.source = e.registry.Build(op)
		pq.FetchPolicy = NetworkOnly
		pq.Ref = &QueryRef{Operation: op}
		pq.sub = e.Execute(ctx, op, cc).Subscribe(observable.Observer{})
		return pq
	}

	e.log.Debug("preload on client", zap.String("queryKey", op.QueryKey()))
	if pq.FetchPolicy == "" {
		pq.FetchPolicy = StoreOrNetwork
	}
	cc.Force = pq.FetchPolicy == NetworkOnly
	rec := querycache.NewRecord(op, e.log)
	pq.source = rec
	pq.sub = e.Execute(ctx, op, cc).Subscribe(observable.Observer{
		Next:     rec.Next,
		Error:    func(err error) { rec.Error(err.Error()) },
		Complete: rec.Complete,
	})
	return pq
}

// Operation returns the preloaded operation.
func (pq *PreloadedQuery) Operation() graphql.Operation { return pq.op }

// Observable streams the query's responses. A preloaded query replays what
// its preload received; a hydrated one executes against its environment,
// which answers from the replayed record.
func (pq *PreloadedQuery) Observable(ctx context.Context) *observable.Observable {
	if pq.source != nil {
		return pq.source.Observable()
	}
	return pq.env.Execute(ctx, pq.op, graphql.CacheConfig{Metadata: pq.Metadata})
}

// Dispose stops consuming the preload. It is safe to call more than once.
func (pq *PreloadedQuery) Dispose() {
	pq.mu.Lock()
	if pq.disposed {
		pq.mu.Unlock()
		return
	}
	pq.disposed = true
	sub := pq.sub
	pq.mu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}
}

func (pq *PreloadedQuery) IsDisposed() bool {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	return pq.disposed
}

// DehydratedPreloadedQuery is the serializable part of a PreloadedQuery.
type DehydratedPreloadedQuery struct {
	Kind        string         `json:"kind" msgpack:"kind"`
	ID          string         `json:"id" msgpack:"id"`
	Name        string         `json:"name" msgpack:"name"`
	Variables   map[string]any `json:"variables" msgpack:"variables"`
	FetchPolicy FetchPolicy    `json:"fetchPolicy" msgpack:"fetchPolicy"`
	Metadata    map[string]any `json:"metadata,omitempty" msgpack:"metadata,omitempty"`
	Ref         *QueryRef      `json:"ref,omitempty" msgpack:"ref,omitempty"`
}

// Dehydrate drops everything of pq that cannot cross the process boundary.
func Dehydrate(pq *PreloadedQuery) DehydratedPreloadedQuery {
	return DehydratedPreloadedQuery{
		Kind:        pq.Kind,
		ID:          pq.ID,
		Name:        pq.Name,
		Variables:   pq.Variables,
		FetchPolicy: pq.FetchPolicy,
		Metadata:    pq.Metadata,
		Ref:         pq.Ref,
	}
}

// Hydrate rebuilds a preloaded query in env and registers the record its
// reference points at, so that the transport can fill it.
func Hydrate(env *Environment, d DehydratedPreloadedQuery) (*PreloadedQuery, error) {
	if d.Ref == nil {
		return nil, ErrNoQueryRef
	}
	env.log.Debug("hydrate query", zap.String("name", d.Name))
	env.registry.Build(d.Ref.Operation)
	return &PreloadedQuery{
		Kind:        d.Kind,
		ID:          d.ID,
		Name:        d.Name,
		Variables:   d.Variables,
		FetchPolicy: d.FetchPolicy,
		Metadata:    d.Metadata,
		Ref:         d.Ref,
		env:         env,
		op:          d.Ref.Operation,
	}, nil
}

// DehydratedFromValue converts a streamed value back into a
// DehydratedPreloadedQuery. Decoders hand values over as generic maps.
func DehydratedFromValue(v any) (DehydratedPreloadedQuery, error) {
	if d, ok := v.(DehydratedPreloadedQuery); ok {
		return d, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return DehydratedPreloadedQuery{}, fmt.Errorf("dehydrated query: %w", err)
	}
	var d DehydratedPreloadedQuery
	if err := json.Unmarshal(b, &d); err != nil {
		return DehydratedPreloadedQuery{}, fmt.Errorf("dehydrated query: %w", err)
	}
	if d.Kind != PreloadedQueryKind {
		return DehydratedPreloadedQuery{}, fmt.Errorf("dehydrated query: unexpected kind %q", d.Kind)
	}
	return d, nil
}
