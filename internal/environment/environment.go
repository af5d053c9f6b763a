// Package environment assembles a query registry and a network into the
// execution environment for one side of a server render, and provides the
// preload and hydration hooks that hand queries from server to client.
package environment

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	eventbus "github.com/hanpama/gqlstream/internal/eventbus"
	"github.com/hanpama/gqlstream/internal/fetch"
	graphql "github.com/hanpama/gqlstream/internal/graphql"
	"github.com/hanpama/gqlstream/internal/incremental"
	logpkg "github.com/hanpama/gqlstream/internal/log"
	"github.com/hanpama/gqlstream/internal/network"
	"github.com/hanpama/gqlstream/internal/observable"
	"github.com/hanpama/gqlstream/internal/querycache"
)

// Options configures New.
type Options struct {
	URL             string
	GetFetchOptions func(ctx context.Context, op graphql.Operation, cc graphql.CacheConfig) (*fetch.RequestInit, error)
	Middleware      []fetch.Middleware
	Transforms      []incremental.Factory
	Client          *http.Client
	IsServer        bool
	Logger          *zap.Logger
	Bus             *eventbus.Bus
}

// Environment owns one registry and the network that reads and fills it.
type Environment struct {
	registry *querycache.Registry
	network  network.Network
	isServer bool
	log      *zap.Logger
}

// New creates an environment with a fresh registry.
func New(opts Options) *Environment {
	mode := querycache.ModeClient
	if opts.IsServer {
		mode = querycache.ModeServer
	}
	reg := querycache.NewRegistry(mode, querycache.WithLogger(opts.Logger), querycache.WithBus(opts.Bus))
	net := network.New(network.Config{
		URL:             opts.URL,
		GetFetchOptions: opts.GetFetchOptions,
		Registry:        reg,
		Middleware:      opts.Middleware,
		Transforms:      opts.Transforms,
		Client:          opts.Client,
		Logger:          opts.Logger,
		Bus:             opts.Bus,
	}, opts.IsServer)
	return &Environment{
		registry: reg,
		network:  net,
		isServer: opts.IsServer,
		log:      logpkg.OrNop(opts.Logger),
	}
}

// Execute runs op through the environment's network.
func (e *Environment) Execute(ctx context.Context, op graphql.Operation, cc graphql.CacheConfig) *observable.Observable {
	return e.network.Execute(ctx, op, cc)
}

func (e *Environment) Registry() *querycache.Registry { return e.registry }
func (e *Environment) IsServer() bool                 { return e.isServer }
func (e *Environment) Logger() *zap.Logger            { return e.log }
