package transport

import (
	"context"
	"io"
	"sync"

	"go.uber.org/zap"

	eventbus "github.com/hanpama/gqlstream/internal/eventbus"
	events "github.com/hanpama/gqlstream/internal/events"
	logpkg "github.com/hanpama/gqlstream/internal/log"
	"github.com/hanpama/gqlstream/internal/querycache"
)

// ServerTransport collects the events of every tracked query into one
// outgoing stream. The stream closes once DrainAndClose was called and
// every tracked query reached a terminal event.
type ServerTransport struct {
	cfg config
	log *zap.Logger

	mu      sync.Mutex
	queue   []Event
	pending map[string]string // transport id → query key
	closing bool
	closed  bool
	changed chan struct{}
	done    chan struct{}
}

// NewServerTransport creates an open transport.
func NewServerTransport(opts ...Option) *ServerTransport {
	cfg := newConfig(opts)
	return &ServerTransport{
		cfg:     cfg,
		log:     logpkg.OrNop(cfg.logger).Named("transport.server"),
		pending: map[string]string{},
		changed: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// TrackQuery emits a started event for s.Record and forwards every event of
// the record until it terminates. It returns the transport id, or "" when
// the transport no longer accepts queries.
func (t *ServerTransport) TrackQuery(s querycache.Started) string {
	rec := s.Record
	op := rec.Operation()
	id := t.cfg.idFunc()

	t.mu.Lock()
	if t.closing || t.closed {
		t.mu.Unlock()
		t.log.Warn("query started after drain, not tracked", zap.String("queryKey", rec.QueryKey()))
		return ""
	}
	t.pending[id] = rec.QueryKey()
	t.push(Event{Type: EventStarted, ID: id, Operation: &op})
	t.mu.Unlock()

	t.log.Debug("track query", zap.String("id", id), zap.String("queryKey", rec.QueryKey()))
	eventbus.Publish(context.Background(), t.cfg.bus, events.QueryStarted{QueryKey: rec.QueryKey(), OperationName: op.Name, TransportID: id})

	count := 0
	rec.SubscribeEvents(func(ev querycache.Event) {
		count++
		t.forward(id, ev, count)
	})
	return id
}

func (t *ServerTransport) forward(id string, ev querycache.Event, count int) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	key, ok := t.pending[id]
	if !ok {
		t.mu.Unlock()
		return
	}
	// Terminal events are forwarded so the client record finalizes.
	t.push(fromQueryEvent(id, ev))
	var closedNow bool
	if ev.Type.Terminal() {
		delete(t.pending, id)
		closedNow = t.closeIfDrained()
	}
	t.mu.Unlock()

	if ev.Type.Terminal() {
		finished := events.QueryFinished{QueryKey: key, TransportID: id, Events: count}
		if ev.Type == querycache.EventError {
			finished.Err = errorString(ev.Error)
		}
		eventbus.Publish(context.Background(), t.cfg.bus, finished)
	}
	if closedNow {
		t.announceClosed()
	}
}

// StreamValue sends an opaque value to the client under id.
func (t *ServerTransport) StreamValue(id string, v any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		t.log.Warn("value streamed after close ignored", zap.String("id", id))
		return
	}
	t.push(Event{Type: EventValue, ID: id, Value: v})
}

// DrainAndClose stops accepting queries and closes the stream as soon as
// no tracked query is pending.
func (t *ServerTransport) DrainAndClose() {
	t.mu.Lock()
	t.closing = true
	closedNow := t.closeIfDrained()
	pending := len(t.pending)
	t.mu.Unlock()
	t.log.Debug("drain and close", zap.Int("pending", pending))
	if closedNow {
		t.announceClosed()
	}
}

// Closed reports whether the stream is closed.
func (t *ServerTransport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Done is closed when the stream closes.
func (t *ServerTransport) Done() <-chan struct{} { return t.done }

// Pending returns the number of tracked queries that have not terminated.
func (t *ServerTransport) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// push appends ev and wakes readers. t.mu must be held.
func (t *ServerTransport) push(ev Event) {
	t.queue = append(t.queue, ev)
	t.wake()
}

func (t *ServerTransport) wake() {
	close(t.changed)
	t.changed = make(chan struct{})
}

// closeIfDrained closes the stream when draining with nothing pending.
// t.mu must be held.
func (t *ServerTransport) closeIfDrained() bool {
	if t.closed || !t.closing || len(t.pending) > 0 {
		return false
	}
	t.closed = true
	close(t.done)
	t.wake()
	return true
}

func (t *ServerTransport) announceClosed() {
	t.mu.Lock()
	n := len(t.queue)
	t.mu.Unlock()
	t.log.Debug("stream closed", zap.Int("events", n))
	eventbus.Publish(context.Background(), t.cfg.bus, events.TransportClosed{Side: "server", Events: n})
}

// Stream returns a reader over every event, starting from the first.
func (t *ServerTransport) Stream() *Stream { return &Stream{t: t} }

// WriteTo encodes every event to enc until the stream closes or ctx is done.
func (t *ServerTransport) WriteTo(ctx context.Context, enc Encoder) error {
	s := t.Stream()
	for {
		ev, err := s.Next(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := enc.Encode(ev); err != nil {
			return err
		}
	}
}

// Stream reads a ServerTransport's events in order.
type Stream struct {
	t   *ServerTransport
	pos int
}

// Next blocks until the next event is available. It returns io.EOF once the
// transport closed and every event was read.
func (s *Stream) Next(ctx context.Context) (Event, error) {
	for {
		s.t.mu.Lock()
		if s.pos < len(s.t.queue) {
			ev := s.t.queue[s.pos]
			s.pos++
			s.t.mu.Unlock()
			return ev, nil
		}
		if s.t.closed {
			s.t.mu.Unlock()
			return Event{}, io.EOF
		}
		wait := s.t.changed
		s.t.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

type errorString string

func (e errorString) Error() string { return string(e) }

// Decoder exposes a fresh Stream as a Decoder, for handing the transport to
// a client in the same process.
func (t *ServerTransport) Decoder(ctx context.Context) Decoder {
	return streamDecoder{ctx: ctx, s: t.Stream()}
}

type streamDecoder struct {
	ctx context.Context
	s   *Stream
}

func (d streamDecoder) Decode() (Event, error) { return d.s.Next(d.ctx) }
