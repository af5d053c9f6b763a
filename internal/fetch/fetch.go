// Package fetch performs a single GraphQL HTTP request and turns the
// response, plain JSON or multipart/mixed, into canonical responses
// delivered through callbacks.
package fetch

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	eventbus "github.com/hanpama/gqlstream/internal/eventbus"
	events "github.com/hanpama/gqlstream/internal/events"
	graphql "github.com/hanpama/gqlstream/internal/graphql"
	"github.com/hanpama/gqlstream/internal/incremental"
	logpkg "github.com/hanpama/gqlstream/internal/log"
	"github.com/hanpama/gqlstream/internal/multipart"
	reqid "github.com/hanpama/gqlstream/internal/reqid"
)

// ErrMalformedResponse is returned when a multipart response has no body.
var ErrMalformedResponse = errors.New("Malformed Response")

// ErrNoRequestInit is returned when there is no request to send.
var ErrNoRequestInit = errors.New("fetch: no request init")

// AcceptHeader advertises both incremental framings and plain JSON.
const AcceptHeader = `multipart/mixed;deferSpec=20220824, application/graphql-response+json, application/json`

// JSONAcceptHeader is sent for operations without @defer or @stream.
const JSONAcceptHeader = `application/graphql-response+json, application/json`

const readBufferSize = 32 * 1024

// RequestInit describes the HTTP request to send.
type RequestInit struct {
	Method string
	Header http.Header
	Body   []byte
	// Signal, when set, becomes the request context verbatim; cancelling it
	// aborts the network call.
	Signal context.Context
}

// Clone returns a deep copy of r.
func (r *RequestInit) Clone() *RequestInit {
	out := *r
	out.Header = r.Header.Clone()
	out.Body = append([]byte(nil), r.Body...)
	return &out
}

// Callbacks receive the outcome of a fetch once the response headers arrived.
type Callbacks struct {
	OnNext     func([]graphql.Response)
	OnComplete func()
	OnError    func(error)
}

// Options configures Fetch.
type Options struct {
	URL string
	// Init computes the request. It may block, e.g. to refresh a token.
	Init func(context.Context) (*RequestInit, error)
	// Client defaults to http.DefaultClient.
	Client *http.Client
	// Transform normalizes each decoded message. Nil forwards messages as-is.
	Transform incremental.Transform

	OperationName string
	QueryKey      string
	Logger        *zap.Logger
	Bus           *eventbus.Bus
}

// Fetch performs the request and consumes the response body. It blocks
// until the body is exhausted.
//
// Failures computing the request, sending it, or a multipart response
// without a body are returned and no callback fires. Once a response is
// being consumed, every outcome is reported through cb instead: OnNext per
// chunk that yields responses, then exactly one of OnComplete or OnError.
func Fetch(ctx context.Context, opts Options, cb Callbacks) error {
	log := logpkg.OrNop(opts.Logger).Named("fetch")
	ctx, _ = reqid.NewContext(ctx)
	start := time.Now()
	finish := events.FetchFinish{URL: opts.URL, OperationName: opts.OperationName, QueryKey: opts.QueryKey}
	eventbus.Publish(ctx, opts.Bus, events.FetchStart{URL: opts.URL, OperationName: opts.OperationName, QueryKey: opts.QueryKey})
	defer func() {
		finish.Duration = time.Since(start)
		eventbus.Publish(ctx, opts.Bus, finish)
	}()
	fail := func(err error) error {
		finish.Err = err
		return err
	}

	if opts.Init == nil {
		return fail(ErrNoRequestInit)
	}
	ri, err := opts.Init(ctx)
	if err != nil {
		return fail(fmt.Errorf("request init: %w", err))
	}
	if ri == nil {
		return fail(ErrNoRequestInit)
	}
	reqCtx := ctx
	if ri.Signal != nil {
		reqCtx = ri.Signal
	}
	method := ri.Method
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(reqCtx, method, opts.URL, bytes.NewReader(ri.Body))
	if err != nil {
		return fail(fmt.Errorf("build request: %w", err))
	}
	if ri.Header != nil {
		req.Header = ri.Header.Clone()
	}
	log.Debug("fetch options", zap.String("url", opts.URL), zap.String("method", method), zap.Any("header", redactHeader(req.Header)))

	client := opts.Client
	if client == nil {
		client = http.DefaultClient
	}
	res, err := client.Do(req)
	if err != nil {
		return fail(err)
	}
	finish.Status = res.StatusCode

	d := &delivery{cb: cb, transform: opts.Transform}
	if d.transform == nil {
		d.transform = func(r graphql.Response) []graphql.Response { return []graphql.Response{r} }
	}

	contentType := res.Header.Get("Content-Type")
	if res.StatusCode < 300 && multipart.IsMultipart(contentType) {
		finish.Multipart = true
		if res.Body == nil {
			return fail(ErrMalformedResponse)
		}
		defer res.Body.Close()
		// A multipart response must carry at least one byte of body.
		body := bufio.NewReaderSize(res.Body, readBufferSize)
		if _, err := body.Peek(1); err == io.EOF {
			return fail(ErrMalformedResponse)
		}
		err := consumeMultipart(ctx, body, multipart.Boundary(contentType), d, opts, log)
		finish.Responses = d.count
		finish.Err = err
		return nil
	}

	defer res.Body.Close()
	var single graphql.Response
	if err := json.NewDecoder(res.Body).Decode(&single); err != nil {
		err = fmt.Errorf("decode response (status %d): %w", res.StatusCode, err)
		finish.Err = err
		d.error(err)
		return nil
	}
	d.next([]graphql.Response{single})
	finish.Responses = d.count
	d.complete()
	return nil
}

func consumeMultipart(ctx context.Context, body io.Reader, boundary string, d *delivery, opts Options, log *zap.Logger) error {
	parser := multipart.New(boundary, func(parts []json.RawMessage) {
		batch := make([]graphql.Response, 0, len(parts))
		for _, raw := range parts {
			var r graphql.Response
			if err := json.Unmarshal(raw, &r); err != nil {
				log.Warn("dropping undecodable part", zap.Error(err))
				eventbus.Publish(ctx, opts.Bus, events.PartDropped{URL: opts.URL, Err: err})
				continue
			}
			batch = append(batch, r)
		}
		d.next(batch)
	}, multipart.WithDropHandler(func(raw []byte, err error) {
		log.Warn("dropping malformed part", zap.ByteString("body", raw), zap.Error(err))
		eventbus.Publish(ctx, opts.Bus, events.PartDropped{URL: opts.URL, Err: err})
	}))

	buf := make([]byte, readBufferSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			parser.Write(buf[:n])
		}
		if err == io.EOF {
			if !parser.Closed() || !d.final {
				log.Warn("multipart body ended early",
					zap.Bool("closed", parser.Closed()),
					zap.Bool("final", d.final),
					zap.Int("buffered", parser.Buffered()))
			}
			log.Debug("multipart body complete", zap.Int("responses", d.count), zap.Int("buffered", parser.Buffered()))
			d.complete()
			return nil
		}
		if err != nil {
			log.Debug("multipart body failed", zap.Error(err))
			d.error(err)
			return err
		}
	}
}

// sensitiveHeaders are logged with their values replaced.
var sensitiveHeaders = []string{"Authorization", "Proxy-Authorization", "Cookie", "Set-Cookie", "X-Api-Key"}

const redacted = "[REDACTED]"

func redactHeader(h http.Header) http.Header {
	out := h.Clone()
	for _, name := range sensitiveHeaders {
		if vs := out.Values(name); len(vs) > 0 {
			out[http.CanonicalHeaderKey(name)] = []string{redacted}
		}
	}
	return out
}

type delivery struct {
	cb        Callbacks
	transform incremental.Transform
	count     int
	// final is set when the last delivered response announced no more.
	final bool
}

func (d *delivery) next(batch []graphql.Response) {
	var out []graphql.Response
	for _, r := range batch {
		out = append(out, d.transform(r)...)
	}
	if len(out) == 0 {
		return
	}
	d.count += len(out)
	d.final = out[len(out)-1].IsFinal()
	if d.cb.OnNext != nil {
		d.cb.OnNext(out)
	}
}

func (d *delivery) complete() {
	if d.cb.OnComplete != nil {
		d.cb.OnComplete()
	}
}

func (d *delivery) error(err error) {
	if d.cb.OnError != nil {
		d.cb.OnError(err)
	}
}
