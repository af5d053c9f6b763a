package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	eventbus "github.com/hanpama/gqlstream/internal/eventbus"
	events "github.com/hanpama/gqlstream/internal/events"
	graphql "github.com/hanpama/gqlstream/internal/graphql"
	"github.com/hanpama/gqlstream/internal/observable"
	"github.com/hanpama/gqlstream/internal/querycache"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func filmOp(id string) graphql.Operation {
	return graphql.Operation{
		CacheID:   "c0ffee",
		Name:      "Film",
		Kind:      graphql.KindQuery,
		Text:      "query Film($id: ID!) { film(id: $id) { id ... @defer { title } } }",
		Variables: map[string]any{"id": id},
	}
}

func counterIDs() Option {
	n := 0
	var mu sync.Mutex
	return WithIDFunc(func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("q%d", n)
	})
}

func resp(data string, hasNext bool, path ...any) graphql.Response {
	return graphql.Response{Data: json.RawMessage(data), Path: path, HasNext: graphql.Bool(hasNext)}
}

func readAll(t *testing.T, s *Stream) []Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var out []Event
	for {
		ev, err := s.Next(ctx)
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, ev)
	}
}

func types(evs []Event) []EventType {
	out := make([]EventType, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}

func TestNDJSONStreamGolden(t *testing.T) {
	reg := querycache.NewRegistry(querycache.ModeServer)
	st := NewServerTransport(counterIDs())
	Serve(reg, st)

	rec := reg.Build(filmOp("1"))
	require.NoError(t, reg.WatchQuery(rec))
	rec.Next(resp(`{"film":{"id":"1"}}`, true))
	st.StreamValue("now", "2026-10-19")
	rec.Next(resp(`{"title":"A New Hope"}`, false, "film"))
	rec.Complete()
	st.DrainAndClose()

	var buf bytes.Buffer
	require.NoError(t, st.WriteTo(context.Background(), NewJSONEncoder(&buf)))

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "ndjson_stream", buf.Bytes())
}

func TestDrainWaitsForPendingQuery(t *testing.T) {
	reg := querycache.NewRegistry(querycache.ModeServer)
	st := NewServerTransport(counterIDs())
	Serve(reg, st)

	rec := reg.Build(filmOp("1"))
	require.NoError(t, reg.WatchQuery(rec))
	rec.Next(resp(`{"film":{"id":"1"}}`, true))

	st.DrainAndClose()
	assert.False(t, st.Closed())
	assert.Equal(t, 1, st.Pending())

	s := st.Stream()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	first, err := s.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, EventStarted, first.Type)
	second, err := s.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, EventNext, second.Type)

	short, cancelShort := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelShort()
	_, err = s.Next(short)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	rec.Complete()
	assert.True(t, st.Closed())
	select {
	case <-st.Done():
	default:
		t.Fatal("done channel not closed")
	}
	last, err := s.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, EventComplete, last.Type)
	_, err = s.Next(ctx)
	require.ErrorIs(t, err, io.EOF)
}

func TestDrainWithoutQueriesClosesAtOnce(t *testing.T) {
	st := NewServerTransport()
	st.DrainAndClose()
	assert.True(t, st.Closed())
	assert.Empty(t, readAll(t, st.Stream()))
}

func TestNoWritesAfterClose(t *testing.T) {
	reg := querycache.NewRegistry(querycache.ModeServer)
	st := NewServerTransport(counterIDs())
	st.DrainAndClose()

	rec := reg.Build(filmOp("1"))
	assert.Empty(t, st.TrackQuery(querycache.Started{Record: rec}))
	st.StreamValue("v", 1)
	rec.Next(resp(`{}`, false))
	assert.Empty(t, readAll(t, st.Stream()))
}

func TestDrainWaitsForEveryQuery(t *testing.T) {
	reg := querycache.NewRegistry(querycache.ModeServer)
	st := NewServerTransport(counterIDs())
	Serve(reg, st)

	a, b := reg.Build(filmOp("1")), reg.Build(filmOp("2"))
	require.NoError(t, reg.WatchQuery(a))
	require.NoError(t, reg.WatchQuery(b))
	st.DrainAndClose()

	a.Error("boom")
	assert.False(t, st.Closed())
	b.Complete()
	assert.True(t, st.Closed())

	evs := readAll(t, st.Stream())
	assert.Equal(t, []EventType{EventStarted, EventStarted, EventError, EventComplete}, types(evs))
	assert.Equal(t, "boom", evs[2].Error)
	assert.Equal(t, "q1", evs[2].ID)
}

func TestTrackFinishedRecordReplaysHistory(t *testing.T) {
	reg := querycache.NewRegistry(querycache.ModeServer)
	rec := reg.Build(filmOp("1"))
	rec.Next(resp(`{"film":{"id":"1"}}`, false))
	rec.Complete()
	require.NoError(t, reg.WatchQuery(rec))

	bus := eventbus.New()
	var finished []events.QueryFinished
	eventbus.Subscribe(bus, func(_ context.Context, e events.QueryFinished) { finished = append(finished, e) })

	st := NewServerTransport(counterIDs(), WithBus(bus))
	Serve(reg, st)
	st.DrainAndClose()

	assert.Equal(t, []EventType{EventStarted, EventNext, EventComplete}, types(readAll(t, st.Stream())))
	require.Len(t, finished, 1)
	assert.Equal(t, events.QueryFinished{QueryKey: rec.QueryKey(), TransportID: "q1", Events: 2}, finished[0])
}

func TestClientTransportRoutesEvents(t *testing.T) {
	var buf bytes.Buffer
	enc := NewJSONEncoder(&buf)
	first := resp(`{"a":1}`, true)
	for _, ev := range []Event{
		{Type: EventStarted, ID: "q1", Operation: &graphql.Operation{CacheID: "c", Kind: graphql.KindQuery, Variables: map[string]any{}}},
		{Type: EventValue, ID: "now", Value: "2026-10-19"},
		{Type: EventNext, ID: "q1", Data: &first},
		{Type: EventComplete, ID: "q1"},
	} {
		require.NoError(t, enc.Encode(ev))
	}

	ct := NewClientTransport(NewJSONDecoder(&buf))
	require.NoError(t, ct.Wait(context.Background()))
	require.NoError(t, ct.Err())

	var got []EventType
	ct.OnQueryEvent(func(ev Event) { got = append(got, ev.Type) })
	assert.Equal(t, []EventType{EventStarted, EventNext, EventComplete}, got)

	v, ok := ct.StreamedValue("now")
	require.True(t, ok)
	assert.Equal(t, "2026-10-19", v)
	v, ok = ct.TakeStreamedValue("now")
	require.True(t, ok)
	assert.Equal(t, "2026-10-19", v)
	_, ok = ct.StreamedValue("now")
	assert.False(t, ok)

	closed := false
	ct.OnStreamClosed(func(err error) {
		closed = true
		assert.NoError(t, err)
	})
	assert.True(t, closed)
}

func TestClientTransportReportsStreamError(t *testing.T) {
	ct := NewClientTransport(NewJSONDecoder(bytes.NewBufferString(`{"type":"next","id":`)))
	err := ct.Wait(context.Background())
	require.Error(t, err)
	assert.Equal(t, err, ct.Err())
}

func TestClientTransportDeleteStreamedValue(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewJSONEncoder(&buf).Encode(Event{Type: EventValue, ID: "k", Value: map[string]any{"n": "v"}}))
	ct := NewClientTransport(NewJSONDecoder(&buf))
	require.NoError(t, ct.Wait(context.Background()))
	v, ok := ct.StreamedValue("k")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"n": "v"}, v)
	ct.DeleteStreamedValue("k")
	_, ok = ct.StreamedValue("k")
	assert.False(t, ok)
}

func TestFrameCodecRoundTrip(t *testing.T) {
	data := resp(`{"title":"A New Hope"}`, false, "film")
	op := filmOp("1")
	in := []Event{
		{Type: EventStarted, ID: "q1", Operation: &op},
		{Type: EventNext, ID: "q1", Data: &data},
		{Type: EventValue, ID: "now", Value: "2026-10-19"},
		{Type: EventError, ID: "q1", Error: "boom"},
	}
	var buf bytes.Buffer
	enc := NewFrameEncoder(&buf)
	for _, ev := range in {
		require.NoError(t, enc.Encode(ev))
	}

	dec := NewFrameDecoder(&buf)
	var out []Event
	for {
		ev, err := dec.Decode()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		out = append(out, ev)
	}
	if diff := cmp.Diff(in, out); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestFrameDecoderRejectsOversizedFrame(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewFrameEncoder(&buf).Encode(Event{Type: EventValue, ID: "big", Value: "0123456789abcdef"}))

	_, err := NewFrameDecoder(&buf, WithMaxPayload(8)).Decode()
	var fe *FrameError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, FrameErrorTooLarge, fe.Kind)
	assert.True(t, IsFatalFrameError(err))
}

func TestFrameDecoderTruncatedFrame(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewFrameEncoder(&buf).Encode(Event{Type: EventComplete, ID: "q1"}))
	truncated := buf.Bytes()[:buf.Len()-1]

	_, err := NewFrameDecoder(bytes.NewReader(truncated)).Decode()
	var fe *FrameError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, FrameErrorPartial, fe.Kind)
	assert.True(t, fe.IsFatal())

	_, err = NewFrameDecoder(bytes.NewReader([]byte{0, 0})).Decode()
	assert.True(t, IsFatalFrameError(err))
}

func TestFrameDecoderBadPayloadIsNotFatal(t *testing.T) {
	frame := []byte{0, 0, 0, 1, 0xc1} // 0xc1 is never used in msgpack
	_, err := NewFrameDecoder(bytes.NewReader(frame)).Decode()
	var fe *FrameError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, FrameErrorDecode, fe.Kind)
	assert.False(t, IsFatalFrameError(err))
}

func TestCodecFor(t *testing.T) {
	c, err := CodecFor("application/x-ndjson; charset=utf-8")
	require.NoError(t, err)
	assert.Equal(t, ContentTypeNDJSON, c.ContentType)

	c, err = CodecFor(ContentTypeMsgpack)
	require.NoError(t, err)
	assert.Equal(t, ContentTypeMsgpack, c.ContentType)

	_, err = CodecFor("text/html")
	require.ErrorIs(t, err, ErrUnsupportedCodec)

	assert.Equal(t, ContentTypeMsgpack, Negotiate("text/html, application/x-msgpack").ContentType)
	assert.Equal(t, ContentTypeNDJSON, Negotiate("*/*").ContentType)
	assert.Equal(t, ContentTypeNDJSON, Negotiate("").ContentType)
}

type recordingExecutor struct {
	mu  sync.Mutex
	ops []graphql.Operation
}

func (e *recordingExecutor) Execute(_ context.Context, op graphql.Operation, _ graphql.CacheConfig) *observable.Observable {
	e.mu.Lock()
	e.ops = append(e.ops, op)
	e.mu.Unlock()
	return observable.Create(func(s observable.Sink) func() {
		s.Next(graphql.Response{Data: json.RawMessage(`{"rerun":true}`)})
		s.Complete()
		return nil
	})
}

func hydrate(t *testing.T, codec Codec, st *ServerTransport, exec querycache.Executor) *querycache.Registry {
	t.Helper()
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(st.WriteTo(context.Background(), codec.NewEncoder(pw)))
	}()
	client := querycache.NewRegistry(querycache.ModeClient)
	ct := NewClientTransport(codec.NewDecoder(pr))
	Bind(context.Background(), client, ct, exec, nil)
	require.NoError(t, ct.Wait(context.Background()))
	return client
}

func TestBindRebuildsRecordsOnClient(t *testing.T) {
	for _, codec := range []Codec{NDJSON, Msgpack} {
		t.Run(codec.ContentType, func(t *testing.T) {
			server := querycache.NewRegistry(querycache.ModeServer)
			st := NewServerTransport()
			Serve(server, st)

			rec := server.Build(filmOp("1"))
			require.NoError(t, server.WatchQuery(rec))
			go func() {
				rec.Next(resp(`{"film":{"id":"1"}}`, true))
				rec.Next(resp(`{"title":"A New Hope"}`, false, "film"))
				rec.Complete()
			}()
			st.DrainAndClose()

			exec := &recordingExecutor{}
			client := hydrate(t, codec, st, exec)

			got, ok := client.Get(rec.QueryKey())
			require.True(t, ok)
			assert.True(t, got.Done())
			out, err := observable.Collect(context.Background(), got.Observable())
			require.NoError(t, err)
			require.Len(t, out, 2)
			assert.JSONEq(t, `{"film":{"id":"1"}}`, string(out[0].Data))
			assert.Equal(t, []any{"film"}, out[1].Path)
			assert.Empty(t, exec.ops)
		})
	}
}

func TestBindRerunsUnfinishedQueries(t *testing.T) {
	var buf bytes.Buffer
	enc := NewJSONEncoder(&buf)
	op := filmOp("1")
	first := resp(`{"film":{"id":"1"}}`, true)
	require.NoError(t, enc.Encode(Event{Type: EventStarted, ID: "q1", Operation: &op}))
	require.NoError(t, enc.Encode(Event{Type: EventNext, ID: "q1", Data: &first}))

	exec := &recordingExecutor{}
	client := querycache.NewRegistry(querycache.ModeClient)
	ct := NewClientTransport(NewJSONDecoder(&buf))
	Bind(context.Background(), client, ct, exec, nil)
	require.NoError(t, ct.Wait(context.Background()))

	require.Eventually(t, func() bool {
		exec.mu.Lock()
		defer exec.mu.Unlock()
		return len(exec.ops) == 1
	}, 5*time.Second, 5*time.Millisecond)

	rec, ok := client.Get(op.QueryKey())
	require.True(t, ok)
	require.Eventually(t, rec.Done, 5*time.Second, 5*time.Millisecond)
	hist := rec.History()
	require.Len(t, hist, 2)
	assert.JSONEq(t, `{"rerun":true}`, string(hist[0].Data.Data))
	assert.Equal(t, querycache.EventComplete, hist[1].Type)
}
