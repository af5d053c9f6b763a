package transport

import (
	"context"
	"io"
	"sync"

	"go.uber.org/zap"

	eventbus "github.com/hanpama/gqlstream/internal/eventbus"
	events "github.com/hanpama/gqlstream/internal/events"
	logpkg "github.com/hanpama/gqlstream/internal/log"
	"github.com/hanpama/gqlstream/internal/replay"
)

// ClientTransport consumes a server transport stream. Query events are kept
// in a replay log so late subscribers see the whole stream; value events go
// to a side map.
type ClientTransport struct {
	cfg config
	log *zap.Logger

	queries replay.Log[Event]

	mu       sync.Mutex
	values   map[string]any
	closed   bool
	err      error
	onClosed []func(error)
	done     chan struct{}
}

// NewClientTransport starts consuming dec in a goroutine. The goroutine
// ends when dec returns an error, io.EOF included.
func NewClientTransport(dec Decoder, opts ...Option) *ClientTransport {
	cfg := newConfig(opts)
	t := &ClientTransport{
		cfg:    cfg,
		log:    logpkg.OrNop(cfg.logger).Named("transport.client"),
		values: map[string]any{},
		done:   make(chan struct{}),
	}
	go t.consume(dec)
	return t
}

func (t *ClientTransport) consume(dec Decoder) {
	count := 0
	var streamErr error
	for {
		ev, err := dec.Decode()
		if err == io.EOF {
			break
		}
		if err != nil {
			streamErr = err
			t.log.Error("transport stream failed", zap.Error(err))
			break
		}
		count++
		if ev.Type == EventValue {
			t.mu.Lock()
			t.values[ev.ID] = ev.Value
			t.mu.Unlock()
			continue
		}
		t.log.Debug("event", zap.String("type", string(ev.Type)), zap.String("id", ev.ID))
		t.queries.Append(ev)
	}

	t.mu.Lock()
	t.closed = true
	t.err = streamErr
	callbacks := t.onClosed
	t.onClosed = nil
	t.mu.Unlock()

	eventbus.Publish(context.Background(), t.cfg.bus, events.TransportClosed{Side: "client", Events: count, Err: streamErr})
	for _, fn := range callbacks {
		fn(streamErr)
	}
	close(t.done)
}

// OnQueryEvent replays every query event received so far to fn, then keeps
// it attached for live ones.
func (t *ClientTransport) OnQueryEvent(fn func(Event)) (cancel func()) {
	return t.queries.Subscribe(fn)
}

// OnStreamClosed registers fn to run once the stream ends. It runs at once
// when the stream already ended.
func (t *ClientTransport) OnStreamClosed(fn func(error)) {
	t.mu.Lock()
	if t.closed {
		err := t.err
		t.mu.Unlock()
		fn(err)
		return
	}
	t.onClosed = append(t.onClosed, fn)
	t.mu.Unlock()
}

// StreamedValue returns the value sent under id.
func (t *ClientTransport) StreamedValue(id string) (any, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.values[id]
	return v, ok
}

// DeleteStreamedValue forgets the value sent under id.
func (t *ClientTransport) DeleteStreamedValue(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.values, id)
}

// TakeStreamedValue returns the value sent under id and forgets it.
func (t *ClientTransport) TakeStreamedValue(id string) (any, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.values[id]
	delete(t.values, id)
	return v, ok
}

// Wait blocks until the stream ended and its close callbacks ran, or ctx
// is done.
func (t *ClientTransport) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the stream ends.
func (t *ClientTransport) Done() <-chan struct{} { return t.done }

// Err returns the error that ended the stream, nil for a clean end.
func (t *ClientTransport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}
