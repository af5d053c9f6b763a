package environment

import (
	"context"
	"errors"
	"fmt"

	"github.com/hanpama/gqlstream/internal/transport"
)

// SerializationAdapter teaches a page serializer how to turn a live value
// of type T into wire data of type S and back.
type SerializationAdapter[T, S any] struct {
	Key              string
	Test             func(v any) bool
	ToSerializable   func(T) (S, error)
	FromSerializable func(S) (T, error)
}

// Serialize converts v when the adapter accepts it. ok is false for values
// the adapter does not handle.
func (a SerializationAdapter[T, S]) Serialize(v any) (s S, ok bool, err error) {
	if !a.Test(v) {
		return s, false, nil
	}
	t, isT := v.(T)
	if !isT {
		return s, false, fmt.Errorf("%s: unexpected value %T", a.Key, v)
	}
	s, err = a.ToSerializable(t)
	return s, err == nil, err
}

// PreloadedQueryAdapter dehydrates preloaded queries and hydrates them into env.
func PreloadedQueryAdapter(env *Environment) SerializationAdapter[*PreloadedQuery, DehydratedPreloadedQuery] {
	return SerializationAdapter[*PreloadedQuery, DehydratedPreloadedQuery]{
		Key: "gqlstream-preloaded-query",
		Test: func(v any) bool {
			pq, ok := v.(*PreloadedQuery)
			return ok && pq != nil && pq.env != nil
		},
		ToSerializable: func(pq *PreloadedQuery) (DehydratedPreloadedQuery, error) {
			return Dehydrate(pq), nil
		},
		FromSerializable: func(d DehydratedPreloadedQuery) (*PreloadedQuery, error) {
			return Hydrate(env, d)
		},
	}
}

// Transport is a ServerTransport on the server and a ClientTransport after
// hydration.
type Transport any

var errNotServerTransport = errors.New("transport adapter: value is not a server transport")

// TransportAdapter turns a server transport into its event stream, and an
// event stream into a consuming client transport. ctx bounds the reads of
// the server stream.
func TransportAdapter(ctx context.Context, opts ...transport.Option) SerializationAdapter[Transport, transport.Decoder] {
	return SerializationAdapter[Transport, transport.Decoder]{
		Key: "gqlstream-transport",
		Test: func(v any) bool {
			_, ok := v.(*transport.ServerTransport)
			return ok
		},
		ToSerializable: func(v Transport) (transport.Decoder, error) {
			st, ok := v.(*transport.ServerTransport)
			if !ok {
				return nil, errNotServerTransport
			}
			return st.Decoder(ctx), nil
		},
		FromSerializable: func(dec transport.Decoder) (Transport, error) {
			return transport.NewClientTransport(dec, opts...), nil
		},
	}
}
