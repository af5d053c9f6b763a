// Package observable implements the push-stream contract used between the
// network layer and the GraphQL runtime: subscribe({next, error, complete})
// returning a handle to unsubscribe.
package observable

import (
	"context"
	"sync"

	graphql "github.com/hanpama/gqlstream/internal/graphql"
)

// Observer receives responses. Nil callbacks are ignored.
type Observer struct {
	Next     func(graphql.Response)
	Error    func(error)
	Complete func()
}

// Sink is the producer side of an Observable.
type Sink interface {
	Next(graphql.Response)
	Error(error)
	Complete()
	// Closed reports whether the sink has terminated or been unsubscribed.
	Closed() bool
}

// Subscription detaches an observer.
type Subscription interface {
	Unsubscribe()
}

// Observable is a lazy push stream. The producer runs once per subscription.
type Observable struct {
	source func(Sink) (cleanup func())
}

// Create returns an Observable driven by source. source may return a cleanup
// function that runs once, when the stream terminates or is unsubscribed.
func Create(source func(Sink) (cleanup func())) *Observable {
	return &Observable{source: source}
}

// Never returns a stream that never emits and never terminates.
func Never() *Observable {
	return Create(func(Sink) func() { return nil })
}

// Subscribe starts the producer for o.
func (o *Observable) Subscribe(obs Observer) Subscription {
	s := &sink{obs: obs}
	cleanup := o.source(s)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		if cleanup != nil {
			cleanup()
		}
		return s
	}
	s.cleanup = cleanup
	s.mu.Unlock()
	return s
}

type sink struct {
	obs Observer

	mu      sync.Mutex
	closed  bool
	cleanup func()
}

func (s *sink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *sink) Next(r graphql.Response) {
	if s.Closed() {
		return
	}
	if s.obs.Next != nil {
		s.obs.Next(r)
	}
}

func (s *sink) Error(err error) {
	if !s.close() {
		return
	}
	if s.obs.Error != nil {
		s.obs.Error(err)
	}
	s.runCleanup()
}

func (s *sink) Complete() {
	if !s.close() {
		return
	}
	if s.obs.Complete != nil {
		s.obs.Complete()
	}
	s.runCleanup()
}

func (s *sink) Unsubscribe() {
	if s.close() {
		s.runCleanup()
	}
}

func (s *sink) close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	return true
}

func (s *sink) runCleanup() {
	s.mu.Lock()
	fn := s.cleanup
	s.cleanup = nil
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Collect subscribes to o and blocks until it terminates or ctx is done. It
// returns every response received and the terminal error, if any.
func Collect(ctx context.Context, o *Observable) ([]graphql.Response, error) {
	var (
		mu   sync.Mutex
		out  []graphql.Response
		err  error
		done = make(chan struct{})
	)
	sub := o.Subscribe(Observer{
		Next: func(r graphql.Response) {
			mu.Lock()
			out = append(out, r)
			mu.Unlock()
		},
		Error: func(e error) {
			mu.Lock()
			err = e
			mu.Unlock()
			close(done)
		},
		Complete: func() { close(done) },
	})
	select {
	case <-done:
	case <-ctx.Done():
		sub.Unsubscribe()
		mu.Lock()
		defer mu.Unlock()
		return out, ctx.Err()
	}
	mu.Lock()
	defer mu.Unlock()
	return out, err
}
