// Package network implements the GraphQL client network layer on both
// sides of a server render. The client network answers from replayed query
// records when it can and fetches otherwise; the server network fetches
// into the records created by the page's preload step.
package network

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"

	eventbus "github.com/hanpama/gqlstream/internal/eventbus"
	"github.com/hanpama/gqlstream/internal/fetch"
	graphql "github.com/hanpama/gqlstream/internal/graphql"
	"github.com/hanpama/gqlstream/internal/incremental"
	logpkg "github.com/hanpama/gqlstream/internal/log"
	"github.com/hanpama/gqlstream/internal/observable"
	"github.com/hanpama/gqlstream/internal/querycache"
)

// Network executes operations and returns their responses as a push stream.
type Network interface {
	Execute(ctx context.Context, op graphql.Operation, cc graphql.CacheConfig) *observable.Observable
}

// Config configures both network flavors.
type Config struct {
	// URL is the upstream GraphQL endpoint.
	URL string
	// GetFetchOptions builds the request for op. Defaults to fetch.DefaultInit.
	GetFetchOptions func(ctx context.Context, op graphql.Operation, cc graphql.CacheConfig) (*fetch.RequestInit, error)
	Registry        *querycache.Registry
	Middleware      []fetch.Middleware
	// Transforms normalize the upstream dialect. Each fetch gets fresh
	// instances.
	Transforms []incremental.Factory
	Client     *http.Client
	Logger     *zap.Logger
	Bus        *eventbus.Bus
}

// New returns the server network when isServer is set, else the client one.
func New(cfg Config, isServer bool) Network {
	if isServer {
		return NewServer(cfg)
	}
	return NewClient(cfg)
}

type base struct {
	cfg Config
	log *zap.Logger
}

// run prepares the request and performs the fetch, blocking until the body
// is consumed.
func (b *base) run(ctx context.Context, op graphql.Operation, cc graphql.CacheConfig, cb fetch.Callbacks) error {
	var (
		ri  *fetch.RequestInit
		err error
	)
	if b.cfg.GetFetchOptions != nil {
		ri, err = b.cfg.GetFetchOptions(ctx, op, cc)
	} else {
		ri, err = fetch.DefaultInit(op)
	}
	if err != nil {
		return fmt.Errorf("request init: %w", err)
	}
	if ri == nil {
		return fmt.Errorf("request init: %w", fetch.ErrNoRequestInit)
	}
	rc, err := fetch.ApplyMiddleware(ctx, b.cfg.Middleware, &fetch.RequestContext{
		Operation: op, CacheConfig: cc, Init: ri, URL: b.cfg.URL,
	})
	if err != nil {
		return fmt.Errorf("request middleware: %w", err)
	}
	if rc.Init.Signal == nil {
		rc.Init.Signal = cc.Signal
	}

	var transform incremental.Transform
	if len(b.cfg.Transforms) > 0 {
		transform = incremental.Compose(b.cfg.Transforms...)
	}
	return fetch.Fetch(ctx, fetch.Options{
		URL:           rc.URL,
		Init:          func(context.Context) (*fetch.RequestInit, error) { return rc.Init, nil },
		Client:        b.cfg.Client,
		Transform:     transform,
		OperationName: op.Name,
		QueryKey:      op.QueryKey(),
		Logger:        b.cfg.Logger,
		Bus:           b.cfg.Bus,
	}, cb)
}

// Client is the network used after hydration.
type Client struct {
	base
}

// NewClient creates a client network.
func NewClient(cfg Config) *Client {
	return &Client{base{cfg: cfg, log: logpkg.OrNop(cfg.Logger).Named("network.client")}}
}

// Execute proxies the replayed record for op when one exists and cc does
// not force a refetch. Otherwise it fetches; unsubscribing cancels the fetch
// unless cc carries its own signal.
func (c *Client) Execute(ctx context.Context, op graphql.Operation, cc graphql.CacheConfig) *observable.Observable {
	key := op.QueryKey()
	if !cc.Force && c.cfg.Registry != nil {
		if rec, ok := c.cfg.Registry.Get(key); ok {
			c.log.Debug("cache hit", zap.String("queryKey", key), zap.Bool("done", rec.Done()))
			return rec.Observable()
		}
	}
	c.log.Debug("cache miss", zap.String("queryKey", key), zap.Bool("force", cc.Force))
	return observable.Create(func(sink observable.Sink) func() {
		ctx, cancel := context.WithCancel(ctx)
		go func() {
			err := c.run(ctx, op, cc, fetch.Callbacks{
				OnNext: func(rs []graphql.Response) {
					for _, r := range rs {
						sink.Next(r)
					}
				},
				OnComplete: sink.Complete,
				OnError:    sink.Error,
			})
			if err != nil {
				c.log.Debug("fetch failed", zap.String("queryKey", key), zap.Error(err))
				sink.Error(err)
			}
		}()
		return cancel
	})
}

// Server is the network used while rendering on the server.
type Server struct {
	base

	mu      sync.Mutex
	started map[*querycache.Record]bool
}

// NewServer creates a server network. cfg.Registry must be a server registry.
func NewServer(cfg Config) *Server {
	return &Server{
		base:    base{cfg: cfg, log: logpkg.OrNop(cfg.Logger).Named("network.server")},
		started: map[*querycache.Record]bool{},
	}
}

// Execute answers op from its preloaded record. An operation that was not
// preloaded gets a stream that never emits. The first call for a record
// announces it to the transport and starts the fetch into it; the fetch
// outlives the returned stream's subscribers.
func (s *Server) Execute(ctx context.Context, op graphql.Operation, cc graphql.CacheConfig) *observable.Observable {
	key := op.QueryKey()
	if s.cfg.Registry == nil {
		s.log.Error("server network without registry", zap.String("queryKey", key))
		return observable.Never()
	}
	rec, ok := s.cfg.Registry.Get(key)
	if !ok {
		s.log.Debug("query was not preloaded", zap.String("queryKey", key), zap.String("operation", op.Name))
		return observable.Never()
	}

	s.mu.Lock()
	first := !s.started[rec]
	s.started[rec] = true
	s.mu.Unlock()
	if !first {
		return rec.Observable()
	}

	if err := s.cfg.Registry.WatchQuery(rec); err != nil {
		s.log.Error("watch query", zap.String("queryKey", key), zap.Error(err))
		return observable.Create(func(sink observable.Sink) func() {
			sink.Error(err)
			return nil
		})
	}
	go func() {
		err := s.run(ctx, op, cc, fetch.Callbacks{
			OnNext: func(rs []graphql.Response) {
				for _, r := range rs {
					rec.Next(r)
				}
			},
			OnComplete: rec.Complete,
			OnError:    func(err error) { rec.Error(err.Error()) },
		})
		if err != nil {
			s.log.Warn("fetch failed", zap.String("queryKey", key), zap.Error(err))
			rec.Error(err.Error())
		}
	}()
	return rec.Observable()
}
