package incremental

import (
	"errors"

	graphql "github.com/hanpama/gqlstream/internal/graphql"
)

// ErrUnknownDialect is returned for unrecognized dialect names.
var ErrUnknownDialect = errors.New("incremental: unknown dialect")

// Transform maps one raw message to zero or more canonical messages.
type Transform func(graphql.Response) []graphql.Response

// Factory creates a fresh Transform for a single response stream.
type Factory func() Transform

// Passthrough forwards every message unchanged.
func Passthrough() Factory {
	return func() Transform {
		return func(r graphql.Response) []graphql.Response { return []graphql.Response{r} }
	}
}

// FactoryFor returns the transform factory for d.
func FactoryFor(d Dialect) (Factory, error) {
	switch d {
	case DialectPassthrough:
		return Passthrough(), nil
	case DialectPending:
		return PendingTransform(), nil
	case DialectFinalFlag:
		return FinalFlagTransform(), nil
	default:
		return nil, ErrUnknownDialect
	}
}

// Compose instantiates every factory once and chains the results, feeding
// each output of one transform into the next.
func Compose(factories ...Factory) Transform {
	transforms := make([]Transform, len(factories))
	for i, f := range factories {
		transforms[i] = f()
	}
	return func(r graphql.Response) []graphql.Response {
		out := []graphql.Response{r}
		for _, t := range transforms {
			var next []graphql.Response
			for _, resp := range out {
				next = append(next, t(resp)...)
			}
			out = next
		}
		return out
	}
}
