// Package reqid carries a fetch correlation id through a context so that
// start and finish events for the same fetch can be matched by subscribers.
package reqid

import (
	"context"

	"github.com/google/uuid"
)

// key is the context key for the fetch ID.
type key struct{}

// NewContext returns a copy of parent with a new time-ordered ID stored.
// It also returns the generated ID.
func NewContext(parent context.Context) (context.Context, string) {
	id := uuid.Must(uuid.NewV7()).String()
	return context.WithValue(parent, key{}, id), id
}

// FromContext extracts the ID from ctx.
// It returns the ID and whether it was present.
func FromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(key{}).(string)
	return id, ok
}
