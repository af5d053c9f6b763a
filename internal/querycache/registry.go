package querycache

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	eventbus "github.com/hanpama/gqlstream/internal/eventbus"
	events "github.com/hanpama/gqlstream/internal/events"
	graphql "github.com/hanpama/gqlstream/internal/graphql"
	logpkg "github.com/hanpama/gqlstream/internal/log"
	"github.com/hanpama/gqlstream/internal/observable"
	"github.com/hanpama/gqlstream/internal/replay"
)

var (
	// ErrServerMode is returned by client-only methods on a server registry.
	ErrServerMode = errors.New("querycache: client-only method called on a server registry")
	// ErrClientMode is returned by server-only methods on a client registry.
	ErrClientMode = errors.New("querycache: server-only method called on a client registry")
	// ErrUnknownQuery is returned for progress events whose id was never started.
	ErrUnknownQuery = errors.New("querycache: unknown query id")
	// ErrUnknownMode is returned when a mode name cannot be parsed.
	ErrUnknownMode = errors.New("querycache: unknown mode")
)

// Mode selects which side of the hand-off a registry serves.
type Mode int

const (
	ModeServer Mode = iota + 1
	ModeClient
)

func (m Mode) String() string {
	switch m {
	case ModeServer:
		return "server"
	case ModeClient:
		return "client"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode maps "server" and "client" to a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "server":
		return ModeServer, nil
	case "client":
		return ModeClient, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownMode, s)
	}
}

// Started announces a record that began executing on the server.
type Started struct {
	Record *Record
}

// Executor runs an operation against the live client execution path.
type Executor interface {
	Execute(ctx context.Context, op graphql.Operation, cc graphql.CacheConfig) *observable.Observable
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger used by the registry and its records.
func WithLogger(l *zap.Logger) Option { return func(r *Registry) { r.logger = l } }

// WithBus sets the event bus rerun events are published to.
func WithBus(b *eventbus.Bus) Option { return func(r *Registry) { r.bus = b } }

// Registry maps query keys to records. Its lifetime is owned by the caller:
// one per server request, one per client application.
type Registry struct {
	mode   Mode
	logger *zap.Logger
	bus    *eventbus.Bus

	mu      sync.Mutex
	records map[string]*Record
	// inflight maps transport ids to records on the client.
	inflight map[string]*Record

	started replay.Log[Started]
}

// NewRegistry creates an empty registry for mode.
func NewRegistry(mode Mode, opts ...Option) *Registry {
	r := &Registry{
		mode:     mode,
		records:  map[string]*Record{},
		inflight: map[string]*Record{},
	}
	for _, o := range opts {
		o(r)
	}
	r.logger = logpkg.OrNop(r.logger).Named("querycache").With(zap.Stringer("mode", mode))
	return r
}

func (r *Registry) Mode() Mode { return r.mode }

// Build returns the record for op's query key, creating it on first use.
func (r *Registry) Build(op graphql.Operation) *Record {
	key := op.QueryKey()
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[key]; ok {
		return rec
	}
	rec := newRecord(op, key, r.logger)
	r.records[key] = rec
	return rec
}

// Get looks up a record by query key.
func (r *Registry) Get(key string) (*Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[key]
	return rec, ok
}

// Len returns the number of records.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// Dispose removes the record for key. Existing subscribers keep their
// reference; later lookups miss. It reports whether a record was removed.
func (r *Registry) Dispose(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[key]; !ok {
		return false
	}
	delete(r.records, key)
	return true
}

// WatchQuery announces rec to every current and future query subscriber.
func (r *Registry) WatchQuery(rec *Record) error {
	if r.mode != ModeServer {
		return ErrClientMode
	}
	r.logger.Debug("watch query", zap.String("queryKey", rec.QueryKey()))
	r.started.Append(Started{Record: rec})
	return nil
}

// SubscribeToQueries replays every query started so far to fn and keeps it
// attached for later ones.
func (r *Registry) SubscribeToQueries(fn func(Started)) (cancel func()) {
	return r.started.Subscribe(fn)
}

// OnQueryStarted builds the record for op and remembers it under the
// transport id so that progress events can find it.
func (r *Registry) OnQueryStarted(id string, op graphql.Operation) error {
	if r.mode == ModeServer {
		return ErrServerMode
	}
	rec := r.Build(op)
	r.mu.Lock()
	r.inflight[id] = rec
	r.mu.Unlock()
	r.logger.Debug("query started", zap.String("id", id), zap.String("queryKey", rec.QueryKey()))
	return nil
}

// OnQueryProgress applies a transport event to the record started under ev.ID.
func (r *Registry) OnQueryProgress(ev Event) error {
	if r.mode == ModeServer {
		return ErrServerMode
	}
	r.mu.Lock()
	rec, ok := r.inflight[ev.ID]
	if ok && ev.Type.Terminal() {
		delete(r.inflight, ev.ID)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownQuery, ev.ID)
	}

	switch ev.Type {
	case EventNext:
		if ev.Data == nil {
			return fmt.Errorf("querycache: next event %q without data", ev.ID)
		}
		rec.Next(*ev.Data)
	case EventError:
		rec.Error(ev.Error)
	case EventComplete:
		rec.Complete()
	default:
		return fmt.Errorf("querycache: unexpected event type %q", ev.Type)
	}
	return nil
}

// OnStreamClosed reruns every record the transport left unfinished against
// exec and forgets the transport ids. Each rerun feeds a fresh record that
// replaces the partial one under its query key, so later lookups replay a
// single history. Subscribers still holding the partial record receive the
// rerun after what they already saw. It returns the number of reruns started.
func (r *Registry) OnStreamClosed(ctx context.Context, exec Executor) (int, error) {
	if r.mode == ModeServer {
		return 0, ErrServerMode
	}
	r.mu.Lock()
	var pending []*Record
	seen := map[*Record]bool{}
	for _, rec := range r.inflight {
		if !seen[rec] && !rec.Done() {
			seen[rec] = true
			pending = append(pending, rec)
		}
	}
	r.inflight = map[string]*Record{}
	r.mu.Unlock()

	for _, stale := range pending {
		rec := r.replace(stale)
		rec.SubscribeEvents(stale.append)
		r.logger.Info("rerunning unfinished query", zap.String("queryKey", rec.QueryKey()))
		eventbus.Publish(ctx, r.bus, events.QueryRerun{QueryKey: rec.QueryKey(), OperationName: rec.Operation().Name})
		exec.Execute(ctx, rec.Operation(), graphql.CacheConfig{Force: true}).Subscribe(observable.Observer{
			Next:     rec.Next,
			Error:    func(err error) { rec.Error(err.Error()) },
			Complete: rec.Complete,
		})
	}
	return len(pending), nil
}

// replace swaps stale for a new empty record under the same key.
func (r *Registry) replace(stale *Record) *Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := newRecord(stale.Operation(), stale.QueryKey(), r.logger)
	r.records[stale.QueryKey()] = rec
	return rec
}
