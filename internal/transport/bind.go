package transport

import (
	"context"
	"errors"

	"go.uber.org/zap"

	logpkg "github.com/hanpama/gqlstream/internal/log"
	"github.com/hanpama/gqlstream/internal/querycache"
)

// Serve subscribes st to every query the server registry starts.
func Serve(reg *querycache.Registry, st *ServerTransport) (cancel func()) {
	return reg.SubscribeToQueries(func(s querycache.Started) { st.TrackQuery(s) })
}

// Bind feeds ct's query events into the client registry and reruns the
// queries the stream left unfinished once it ends. Events the registry
// rejects are logged as errors; they indicate a wiring bug.
func Bind(ctx context.Context, reg *querycache.Registry, ct *ClientTransport, exec querycache.Executor, logger *zap.Logger) (cancel func()) {
	log := logpkg.OrNop(logger).Named("transport.bind")
	cancel = ct.OnQueryEvent(func(ev Event) {
		var err error
		switch ev.Type {
		case EventStarted:
			if ev.Operation == nil {
				err = errors.New("started event without operation")
				break
			}
			err = reg.OnQueryStarted(ev.ID, *ev.Operation)
		default:
			err = reg.OnQueryProgress(ev.QueryEvent())
		}
		if err != nil {
			log.Error("transport event rejected", zap.String("type", string(ev.Type)), zap.String("id", ev.ID), zap.Error(err))
		}
	})
	ct.OnStreamClosed(func(streamErr error) {
		n, err := reg.OnStreamClosed(ctx, exec)
		if err != nil {
			log.Error("stream close recovery failed", zap.Error(err))
			return
		}
		log.Debug("stream closed", zap.Int("reruns", n), zap.NamedError("streamErr", streamErr))
	})
	return cancel
}
