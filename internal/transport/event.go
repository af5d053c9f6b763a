// Package transport carries query record events from a server render to
// the client that hydrates it, as one ordered event stream.
package transport

import (
	graphql "github.com/hanpama/gqlstream/internal/graphql"
	"github.com/hanpama/gqlstream/internal/querycache"
)

// EventType tags a transport event.
type EventType string

const (
	EventStarted  EventType = "started"
	EventNext     EventType = "next"
	EventError    EventType = "error"
	EventComplete EventType = "complete"
	// EventValue carries an opaque value unrelated to any query.
	EventValue EventType = "value"
)

// Event is one message on the transport stream.
type Event struct {
	Type      EventType          `json:"type" msgpack:"type"`
	ID        string             `json:"id" msgpack:"id"`
	Operation *graphql.Operation `json:"operation,omitempty" msgpack:"operation,omitempty"`
	Data      *graphql.Response  `json:"data,omitempty" msgpack:"data,omitempty"`
	Error     string             `json:"error,omitempty" msgpack:"error,omitempty"`
	Value     any                `json:"value,omitempty" msgpack:"value,omitempty"`
}

// QueryEvent converts a next, error or complete event to a record event.
func (e Event) QueryEvent() querycache.Event {
	return querycache.Event{Type: querycache.EventType(e.Type), ID: e.ID, Data: e.Data, Error: e.Error}
}

func fromQueryEvent(id string, ev querycache.Event) Event {
	return Event{Type: EventType(ev.Type), ID: id, Data: ev.Data, Error: ev.Error}
}
