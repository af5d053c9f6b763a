package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	eventbus "github.com/hanpama/gqlstream/internal/eventbus"
	events "github.com/hanpama/gqlstream/internal/events"
	graphql "github.com/hanpama/gqlstream/internal/graphql"
	"github.com/hanpama/gqlstream/internal/incremental"
	reqid "github.com/hanpama/gqlstream/internal/reqid"
	"github.com/hanpama/gqlstream/internal/upstreamtest"
)

type recorder struct {
	mu        sync.Mutex
	batches   [][]string
	completed int
	errs      []error
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnNext: func(rs []graphql.Response) {
			batch := make([]string, len(rs))
			for i, resp := range rs {
				b, _ := json.Marshal(resp)
				batch[i] = string(b)
			}
			r.mu.Lock()
			r.batches = append(r.batches, batch)
			r.mu.Unlock()
		},
		OnComplete: func() {
			r.mu.Lock()
			r.completed++
			r.mu.Unlock()
		},
		OnError: func(err error) {
			r.mu.Lock()
			r.errs = append(r.errs, err)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) flat() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, b := range r.batches {
		out = append(out, b...)
	}
	return out
}

func staticInit(t *testing.T, query string) func(context.Context) (*RequestInit, error) {
	t.Helper()
	op, err := graphql.NewOperation(query, nil)
	require.NoError(t, err)
	return func(context.Context) (*RequestInit, error) { return DefaultInit(op) }
}

func TestFetchMultipart(t *testing.T) {
	up := upstreamtest.New()
	up.Handle("", upstreamtest.MultipartReply(
		`{"data":{"film":{"id":"1"}},"hasNext":true}`,
		`{"data":{"title":"A New Hope"},"path":["film"],"hasNext":false}`,
	))
	srv := up.Start()
	defer srv.Close()

	var rec recorder
	err := Fetch(context.Background(), Options{URL: srv.URL, Init: staticInit(t, `query Film { film { id ... @defer { title } } }`)}, rec.callbacks())
	require.NoError(t, err)

	want := []string{
		`{"data":{"film":{"id":"1"}},"hasNext":true}`,
		`{"data":{"title":"A New Hope"},"path":["film"],"hasNext":false}`,
	}
	if diff := cmp.Diff(want, rec.flat()); diff != "" {
		t.Fatalf("responses mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 1, rec.completed)
	assert.Empty(t, rec.errs)

	reqs := up.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "Film", reqs[0].OperationName)
	assert.Equal(t, AcceptHeader, reqs[0].Header.Get("Accept"))
	assert.Equal(t, "application/json", reqs[0].Header.Get("Content-Type"))
}

func TestFetchAppliesTransform(t *testing.T) {
	up := upstreamtest.New()
	up.Handle("", upstreamtest.MultipartReply(
		`{"data":{"a":[]},"hasNext":true,"pending":[{"id":"0","path":["a"],"label":"L"}]}`,
		`{"incremental":[{"id":"0","items":[{"id":1}]}],"completed":[{"id":"0"}],"hasNext":false}`,
		`{"hasNext":false}`,
	))
	srv := up.Start()
	defer srv.Close()

	var rec recorder
	err := Fetch(context.Background(), Options{
		URL:       srv.URL,
		Init:      staticInit(t, `{ a @stream(label: "L") { id } }`),
		Transform: incremental.Compose(incremental.PendingTransform()),
	}, rec.callbacks())
	require.NoError(t, err)

	want := []string{
		`{"data":{"a":[]},"hasNext":true}`,
		`{"path":["a"],"label":"L","items":[{"id":1}],"hasNext":false}`,
	}
	if diff := cmp.Diff(want, rec.flat()); diff != "" {
		t.Fatalf("responses mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 1, rec.completed)
}

func TestFetchUnterminatedPartCompletesWithoutNext(t *testing.T) {
	up := upstreamtest.New()
	up.Handle("", upstreamtest.Reply{
		ContentType: upstreamtest.MultipartContentType("-"),
		Chunks:      []string{"\r\n---\r\nContent-Type: application/json\r\n\r\n{invalid json"},
	})
	srv := up.Start()
	defer srv.Close()

	var rec recorder
	err := Fetch(context.Background(), Options{URL: srv.URL, Init: staticInit(t, `{ a }`)}, rec.callbacks())
	require.NoError(t, err)
	assert.Empty(t, rec.flat())
	assert.Equal(t, 1, rec.completed)
	assert.Empty(t, rec.errs)
}

func TestFetchDropsMalformedPart(t *testing.T) {
	up := upstreamtest.New()
	up.Handle("", upstreamtest.MultipartReply(`{invalid`, `{"data":{"ok":true}}`))
	srv := up.Start()
	defer srv.Close()

	bus := eventbus.New()
	var dropped int
	var mu sync.Mutex
	eventbus.Subscribe(bus, func(_ context.Context, e events.PartDropped) {
		mu.Lock()
		dropped++
		mu.Unlock()
		assert.Equal(t, srv.URL, e.URL)
	})

	var rec recorder
	err := Fetch(context.Background(), Options{URL: srv.URL, Init: staticInit(t, `{ ok }`), Bus: bus}, rec.callbacks())
	require.NoError(t, err)
	assert.Equal(t, []string{`{"data":{"ok":true}}`}, rec.flat())
	assert.Equal(t, 1, rec.completed)
	mu.Lock()
	assert.Equal(t, 1, dropped)
	mu.Unlock()
}

func TestFetchEmptyMultipartBodyIsMalformed(t *testing.T) {
	up := upstreamtest.New()
	up.Handle("", upstreamtest.Reply{ContentType: upstreamtest.MultipartContentType("-")})
	srv := up.Start()
	defer srv.Close()

	var rec recorder
	err := Fetch(context.Background(), Options{URL: srv.URL, Init: staticInit(t, `{ a }`)}, rec.callbacks())
	require.ErrorIs(t, err, ErrMalformedResponse)
	assert.Equal(t, "Malformed Response", err.Error())
	assert.Zero(t, rec.completed)
	assert.Empty(t, rec.errs)
}

func TestFetchJSON(t *testing.T) {
	up := upstreamtest.New()
	up.Handle("", upstreamtest.JSONReply(`{"data":{"hello":"world"}}`))
	srv := up.Start()
	defer srv.Close()

	var rec recorder
	err := Fetch(context.Background(), Options{URL: srv.URL, Init: staticInit(t, `{ hello }`)}, rec.callbacks())
	require.NoError(t, err)
	assert.Equal(t, []string{`{"data":{"hello":"world"}}`}, rec.flat())
	assert.Equal(t, 1, rec.completed)
}

func TestFetchErrorStatusWithGraphQLBody(t *testing.T) {
	up := upstreamtest.New()
	up.Handle("", upstreamtest.Reply{Status: http.StatusBadRequest, Chunks: []string{`{"errors":[{"message":"syntax"}]}`}})
	srv := up.Start()
	defer srv.Close()

	var rec recorder
	err := Fetch(context.Background(), Options{URL: srv.URL, Init: staticInit(t, `{ hello }`)}, rec.callbacks())
	require.NoError(t, err)
	assert.Equal(t, []string{`{"errors":[{"message":"syntax"}]}`}, rec.flat())
	assert.Equal(t, 1, rec.completed)
}

func TestFetchInvalidJSONReportsError(t *testing.T) {
	up := upstreamtest.New()
	up.Handle("", upstreamtest.JSONReply(`<html>`))
	srv := up.Start()
	defer srv.Close()

	var rec recorder
	err := Fetch(context.Background(), Options{URL: srv.URL, Init: staticInit(t, `{ hello }`)}, rec.callbacks())
	require.NoError(t, err)
	assert.Empty(t, rec.flat())
	assert.Zero(t, rec.completed)
	require.Len(t, rec.errs, 1)
}

func TestFetchInitErrorIsReturned(t *testing.T) {
	boom := errors.New("token refresh failed")
	var rec recorder
	err := Fetch(context.Background(), Options{
		URL:  "http://127.0.0.1:1",
		Init: func(context.Context) (*RequestInit, error) { return nil, boom },
	}, rec.callbacks())
	require.ErrorIs(t, err, boom)
	assert.Zero(t, rec.completed)
	assert.Empty(t, rec.errs)
}

func TestFetchNilInitIsReturned(t *testing.T) {
	var rec recorder
	err := Fetch(context.Background(), Options{
		URL:  "http://127.0.0.1:1",
		Init: func(context.Context) (*RequestInit, error) { return nil, nil },
	}, rec.callbacks())
	require.ErrorIs(t, err, ErrNoRequestInit)
	assert.Zero(t, rec.completed)
	assert.Empty(t, rec.errs)
}

func TestFetchNetworkErrorIsReturned(t *testing.T) {
	srv := upstreamtest.New().Start()
	url := srv.URL
	srv.Close()

	bus := eventbus.New()
	var finish events.FetchFinish
	eventbus.Subscribe(bus, func(_ context.Context, e events.FetchFinish) { finish = e })

	var rec recorder
	err := Fetch(context.Background(), Options{URL: url, Init: staticInit(t, `{ a }`), Bus: bus}, rec.callbacks())
	require.Error(t, err)
	assert.Zero(t, rec.completed)
	assert.Empty(t, rec.errs)
	assert.Equal(t, err, finish.Err)
}

type signalKey struct{}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestFetchUsesSignalAsRequestContext(t *testing.T) {
	signal := context.WithValue(context.Background(), signalKey{}, "abort-controller")
	var seen context.Context
	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		seen = r.Context()
		return nil, errors.New("stop")
	})}

	_ = Fetch(context.Background(), Options{
		URL:    "http://upstream.invalid/graphql",
		Client: client,
		Init: func(context.Context) (*RequestInit, error) {
			return &RequestInit{Method: http.MethodPost, Header: http.Header{}, Signal: signal}, nil
		},
	}, Callbacks{})

	require.NotNil(t, seen)
	assert.Equal(t, "abort-controller", seen.Value(signalKey{}))
	_, ok := reqid.FromContext(seen)
	assert.False(t, ok, "caller context must not leak into the request")
}

func TestFetchSignalCancellationAbortsBody(t *testing.T) {
	hold := make(chan struct{})
	up := upstreamtest.New()
	reply := upstreamtest.MultipartReply(`{"data":{"a":1},"hasNext":true}`, `{"data":{"b":2},"path":[],"hasNext":false}`)
	reply.Hold = hold
	up.Handle("", reply)
	srv := up.Start()
	defer srv.Close()
	defer close(hold)

	signal, abort := context.WithCancel(context.Background())
	defer abort()
	initReq := staticInit(t, `{ a }`)

	var rec recorder
	cb := rec.callbacks()
	next := cb.OnNext
	cb.OnNext = func(rs []graphql.Response) {
		next(rs)
		abort()
	}
	done := make(chan error, 1)
	go func() {
		done <- Fetch(context.Background(), Options{
			URL: srv.URL,
			Init: func(ctx context.Context) (*RequestInit, error) {
				ri, err := initReq(ctx)
				if err != nil {
					return nil, err
				}
				ri.Signal = signal
				return ri, nil
			},
		}, cb)
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("fetch did not stop after abort")
	}
	assert.Equal(t, []string{`{"data":{"a":1},"hasNext":true}`}, rec.flat())
	assert.Zero(t, rec.completed)
	require.Len(t, rec.errs, 1)
}

func TestFetchPublishesLifecycleEvents(t *testing.T) {
	up := upstreamtest.New()
	up.Handle("", upstreamtest.MultipartReply(`{"data":{"a":1},"hasNext":true}`, `{"data":{"b":2},"path":[],"hasNext":false}`))
	srv := up.Start()
	defer srv.Close()

	bus := eventbus.New()
	var start events.FetchStart
	var finish events.FetchFinish
	eventbus.Subscribe(bus, func(_ context.Context, e events.FetchStart) { start = e })
	eventbus.Subscribe(bus, func(_ context.Context, e events.FetchFinish) { finish = e })

	err := Fetch(context.Background(), Options{
		URL: srv.URL, Init: staticInit(t, `{ a }`), Bus: bus,
		OperationName: "A", QueryKey: "k",
	}, Callbacks{})
	require.NoError(t, err)

	assert.Equal(t, events.FetchStart{URL: srv.URL, OperationName: "A", QueryKey: "k"}, start)
	assert.Equal(t, http.StatusOK, finish.Status)
	assert.True(t, finish.Multipart)
	assert.Equal(t, 2, finish.Responses)
	assert.NoError(t, finish.Err)
}

func TestFetchWarnsWhenBodyEndsEarly(t *testing.T) {
	up := upstreamtest.New()
	up.Handle("Complete", upstreamtest.MultipartReply(`{"data":{"a":1},"hasNext":false}`))
	up.Handle("Truncated", upstreamtest.Reply{
		ContentType: upstreamtest.MultipartContentType("-"),
		Chunks: []string{
			upstreamtest.Part("-", `{"data":{"a":1},"hasNext":true}`),
			"\r\n---",
		},
	})
	srv := up.Start()
	defer srv.Close()

	run := func(name string) *observer.ObservedLogs {
		core, logs := observer.New(zapcore.WarnLevel)
		var rec recorder
		err := Fetch(context.Background(), Options{
			URL:    srv.URL,
			Init:   staticInit(t, `query `+name+` { a }`),
			Logger: zap.New(core),
		}, rec.callbacks())
		require.NoError(t, err)
		assert.Len(t, rec.flat(), 1)
		assert.Equal(t, 1, rec.completed)
		return logs
	}

	assert.Zero(t, run("Complete").Len())

	logs := run("Truncated").FilterMessage("multipart body ended early").All()
	require.Len(t, logs, 1)
	fields := logs[0].ContextMap()
	assert.Equal(t, false, fields["closed"])
	assert.Equal(t, false, fields["final"])
}

func TestRedactHeader(t *testing.T) {
	h := http.Header{}
	h.Set("Authorization", "Bearer secret")
	h.Add("Cookie", "a=1")
	h.Add("Cookie", "b=2")
	h.Set("X-Trace", "t1")

	out := redactHeader(h)
	assert.Equal(t, []string{redacted}, out.Values("Authorization"))
	assert.Equal(t, []string{redacted}, out.Values("Cookie"))
	assert.Equal(t, "t1", out.Get("X-Trace"))
	assert.Equal(t, "Bearer secret", h.Get("Authorization"), "original header must be untouched")
}

func TestFetchDebugLogRedactsHeaders(t *testing.T) {
	up := upstreamtest.New()
	up.Handle("", upstreamtest.JSONReply(`{"data":{}}`))
	srv := up.Start()
	defer srv.Close()

	core, logs := observer.New(zapcore.DebugLevel)
	op, err := graphql.NewOperation(`{ a }`, nil)
	require.NoError(t, err)
	var rec recorder
	err = Fetch(context.Background(), Options{
		URL: srv.URL,
		Init: func(context.Context) (*RequestInit, error) {
			ri, err := DefaultInit(op)
			if err != nil {
				return nil, err
			}
			ri.Header.Set("Authorization", "Bearer secret")
			return ri, nil
		},
		Logger: zap.New(core),
	}, rec.callbacks())
	require.NoError(t, err)

	entries := logs.FilterMessage("fetch options").All()
	require.Len(t, entries, 1)
	header, ok := entries[0].ContextMap()["header"].(http.Header)
	require.True(t, ok)
	assert.Equal(t, redacted, header.Get("Authorization"))

	reqs := up.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "Bearer secret", reqs[0].Header.Get("Authorization"))
}
