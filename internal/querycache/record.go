// Package querycache keeps one replayable event log per GraphQL operation.
//
// On the server a Record captures everything the upstream returned while a
// page renders; on the client the same history is rebuilt from the transport
// so the operation can be answered without fetching again.
package querycache

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	graphql "github.com/hanpama/gqlstream/internal/graphql"
	logpkg "github.com/hanpama/gqlstream/internal/log"
	"github.com/hanpama/gqlstream/internal/observable"
	"github.com/hanpama/gqlstream/internal/replay"
)

// EventType tags a record event.
type EventType string

const (
	EventNext     EventType = "next"
	EventError    EventType = "error"
	EventComplete EventType = "complete"
)

// Terminal reports whether t ends a record.
func (t EventType) Terminal() bool { return t == EventError || t == EventComplete }

// Event is one entry of a record's history.
type Event struct {
	Type EventType `json:"type" msgpack:"type"`
	// ID is the transport id when the event travels between processes.
	ID    string            `json:"id,omitempty" msgpack:"id,omitempty"`
	Data  *graphql.Response `json:"data,omitempty" msgpack:"data,omitempty"`
	Error string            `json:"error,omitempty" msgpack:"error,omitempty"`
}

// Record is the event log of a single operation. It moves from active to
// terminal exactly once; writes after that are ignored.
type Record struct {
	op     graphql.Operation
	key    string
	logger *zap.Logger

	mu   sync.Mutex
	done bool
	log  replay.Log[Event]
}

// NewRecord creates a record that no registry owns. Registries create
// theirs through Build.
func NewRecord(op graphql.Operation, logger *zap.Logger) *Record {
	return newRecord(op, op.QueryKey(), logpkg.OrNop(logger))
}

func newRecord(op graphql.Operation, key string, logger *zap.Logger) *Record {
	return &Record{op: op, key: key, logger: logger}
}

func (r *Record) Operation() graphql.Operation { return r.op }
func (r *Record) QueryKey() string             { return r.key }

// Next appends a data event.
func (r *Record) Next(resp graphql.Response) {
	r.append(Event{Type: EventNext, Data: &resp})
}

// Complete appends the completion event and finalizes the record.
func (r *Record) Complete() {
	r.append(Event{Type: EventComplete})
}

// Error appends an error event and finalizes the record.
func (r *Record) Error(msg string) {
	r.append(Event{Type: EventError, Error: msg})
}

func (r *Record) append(ev Event) {
	r.mu.Lock()
	if r.done {
		r.mu.Unlock()
		r.logger.Warn("write to finished query record ignored",
			zap.String("queryKey", r.key), zap.String("type", string(ev.Type)))
		return
	}
	if ev.Type.Terminal() {
		r.done = true
	}
	r.log.Store(ev)
	r.mu.Unlock()
	r.log.Flush()
}

// Done reports whether the record reached a terminal event.
func (r *Record) Done() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// History returns a copy of every event appended so far.
func (r *Record) History() []Event { return r.log.Snapshot() }

// SubscribeEvents replays the raw history to fn, then keeps it attached.
func (r *Record) SubscribeEvents(fn func(Event)) (cancel func()) {
	return r.log.Subscribe(fn)
}

// Subscribe replays the history to obs and keeps it attached until a
// terminal event or Unsubscribe. Next events go to obs.Next; error and
// complete events go to the terminal callbacks.
func (r *Record) Subscribe(obs observable.Observer) observable.Subscription {
	s := &subscription{}
	cancel := r.log.Subscribe(func(ev Event) {
		if s.stopped() {
			return
		}
		switch ev.Type {
		case EventNext:
			if obs.Next != nil && ev.Data != nil {
				obs.Next(*ev.Data)
			}
		case EventError:
			s.Unsubscribe()
			if obs.Error != nil {
				obs.Error(errors.New(ev.Error))
			}
		case EventComplete:
			s.Unsubscribe()
			if obs.Complete != nil {
				obs.Complete()
			}
		}
	})
	s.setCancel(cancel)
	return s
}

// Observable exposes the record as a push stream.
func (r *Record) Observable() *observable.Observable {
	return observable.Create(func(sink observable.Sink) func() {
		sub := r.Subscribe(observable.Observer{Next: sink.Next, Error: sink.Error, Complete: sink.Complete})
		return sub.Unsubscribe
	})
}

type subscription struct {
	mu     sync.Mutex
	done   bool
	cancel func()
}

func (s *subscription) stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// setCancel runs after the synchronous replay, which may already have
// stopped the subscription.
func (s *subscription) setCancel(cancel func()) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		cancel()
		return
	}
	s.cancel = cancel
	s.mu.Unlock()
}

func (s *subscription) Unsubscribe() {
	s.mu.Lock()
	s.done = true
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
