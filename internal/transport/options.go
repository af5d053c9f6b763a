package transport

import (
	"github.com/google/uuid"
	"go.uber.org/zap"

	eventbus "github.com/hanpama/gqlstream/internal/eventbus"
)

type config struct {
	idFunc func() string
	logger *zap.Logger
	bus    *eventbus.Bus
}

// Option configures a transport.
type Option func(*config)

// WithIDFunc overrides how started events are numbered.
func WithIDFunc(fn func() string) Option { return func(c *config) { c.idFunc = fn } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(c *config) { c.logger = l } }

// WithBus sets the bus lifecycle events are published to.
func WithBus(b *eventbus.Bus) Option { return func(c *config) { c.bus = b } }

func newConfig(opts []Option) config {
	c := config{idFunc: func() string { return uuid.Must(uuid.NewV7()).String() }}
	for _, o := range opts {
		o(&c)
	}
	return c
}
