// Package server renders pages of preloaded GraphQL operations on the
// server and streams the resulting transport to the client.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hanpama/gqlstream/internal/environment"
	eventbus "github.com/hanpama/gqlstream/internal/eventbus"
	events "github.com/hanpama/gqlstream/internal/events"
	"github.com/hanpama/gqlstream/internal/fetch"
	graphql "github.com/hanpama/gqlstream/internal/graphql"
	logpkg "github.com/hanpama/gqlstream/internal/log"
	reqid "github.com/hanpama/gqlstream/internal/reqid"
	"github.com/hanpama/gqlstream/internal/transport"
)

// PreloadValuePrefix prefixes the ids of the value events that carry each
// dehydrated preloaded query, followed by the operation's index.
const PreloadValuePrefix = "preload/"

// Handler is an http.Handler that renders a page. Each request gets its
// own server environment, preloads the posted operations, and streams the
// transport until every operation finished.
type Handler struct {
	upstream environment.Options
	opt      Options
	log      *zap.Logger
}

type Options struct {
	// Timeout sets a default timeout if the incoming request context has none.
	// 0 means no default timeout.
	Timeout time.Duration

	// Pretty enables indented JSON error responses (useful for dev).
	Pretty bool

	// MaxBodyBytes limits the size of the request body. 0 means unlimited.
	MaxBodyBytes int64

	// CORS configuration. If AllowedOrigins is empty, CORS is disabled.
	CORS CORSOptions

	// ForwardHeaders lists request headers copied onto upstream fetches.
	// Header names are case-insensitive. Default is none.
	ForwardHeaders []string

	Logger *zap.Logger
	Bus    *eventbus.Bus
}

type Option func(*Options)

func WithTimeout(d time.Duration) Option { return func(o *Options) { o.Timeout = d } }
func WithPretty() Option                 { return func(o *Options) { o.Pretty = true } }
func WithMaxBodyBytes(n int64) Option    { return func(o *Options) { o.MaxBodyBytes = n } }
func WithCORS(origins ...string) Option {
	return func(o *Options) { o.CORS.AllowedOrigins = origins }
}
func WithForwardHeaders(headers ...string) Option {
	return func(o *Options) { o.ForwardHeaders = headers }
}
func WithLogger(l *zap.Logger) Option { return func(o *Options) { o.Logger = l } }
func WithBus(b *eventbus.Bus) Option  { return func(o *Options) { o.Bus = b } }

// CORSOptions holds simple CORS settings.
type CORSOptions struct {
	AllowedOrigins []string
}

// New creates a page handler that fetches from the upstream described by
// upstream. IsServer, Logger and Bus of upstream are set by the handler.
func New(upstream environment.Options, opts ...Option) *Handler {
	op := Options{Timeout: 30 * time.Second}
	for _, f := range opts {
		f(&op)
	}
	upstream.IsServer = true
	upstream.Logger = op.Logger
	upstream.Bus = op.Bus
	return &Handler{upstream: upstream, opt: op, log: logpkg.OrNop(op.Logger).Named("server")}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := ctx.Deadline(); !ok && h.opt.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.opt.Timeout)
		defer cancel()
	}

	ctx, rid := reqid.NewContext(ctx)
	status := http.StatusOK
	operations := 0
	start := time.Now()
	eventbus.Publish(ctx, h.opt.Bus, events.HTTPStart{Request: r})
	defer func() {
		eventbus.Publish(ctx, h.opt.Bus, events.HTTPFinish{Request: r, Status: status, Operations: operations, Duration: time.Since(start)})
	}()

	if r.Method == http.MethodOptions {
		if len(h.opt.CORS.AllowedOrigins) > 0 {
			setCORSHeaders(w, r, h.opt.CORS)
		}
		status = http.StatusNoContent
		w.WriteHeader(status)
		return
	}

	if r.Method != http.MethodPost {
		status = http.StatusMethodNotAllowed
		writeError(w, status, "method not allowed", h.opt.Pretty)
		return
	}

	req, rerr := parseRequest(r, h.opt.MaxBodyBytes)
	if rerr != nil {
		status = rerr.status
		writeError(w, status, rerr.message, h.opt.Pretty)
		return
	}
	ops := make([]graphql.Operation, len(req.Operations))
	for i, o := range req.Operations {
		op, err := o.operation()
		if err != nil {
			status = http.StatusBadRequest
			writeError(w, status, err.Error(), h.opt.Pretty)
			return
		}
		ops[i] = op
	}
	operations = len(ops)

	if len(h.opt.CORS.AllowedOrigins) > 0 {
		setCORSHeaders(w, r, h.opt.CORS)
	}

	log := h.log.With(zap.String("requestID", rid))
	env := environment.New(h.environmentOptions(r, rid))
	page := environment.NewPage()
	st := environment.ConfigureServer(page, env, transport.WithBus(h.opt.Bus))

	for i, op := range ops {
		pq := env.Preload(ctx, op, environment.PreloadOptions{})
		st.StreamValue(PreloadValuePrefix+strconv.Itoa(i), environment.Dehydrate(pq))
	}
	page.Finish()

	codec := transport.Negotiate(r.Header.Get("Accept"))
	w.Header().Set("Content-Type", codec.ContentType)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := st.WriteTo(ctx, codec.NewEncoder(flushWriter{w})); err != nil {
		log.Warn("transport stream interrupted", zap.Error(err), zap.Int("pending", st.Pending()))
		return
	}
	log.Debug("page streamed", zap.Int("operations", len(ops)), zap.Duration("duration", time.Since(start)))
}

// RequestIDHeader carries the page request id on every upstream fetch.
const RequestIDHeader = "X-Request-ID"

func (h *Handler) environmentOptions(r *http.Request, rid string) environment.Options {
	opts := h.upstream
	opts.Middleware = append([]fetch.Middleware(nil), h.upstream.Middleware...)
	opts.Middleware = append(opts.Middleware, fetch.WithHeader(RequestIDHeader, rid))
	for _, name := range h.opt.ForwardHeaders {
		if v := r.Header.Get(name); v != "" {
			opts.Middleware = append(opts.Middleware, fetch.WithHeader(name, v))
		}
	}
	return opts
}

// flushWriter flushes after every write so each event reaches the client
// as soon as it is encoded.
type flushWriter struct{ w http.ResponseWriter }

func (f flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if fl, ok := f.w.(http.Flusher); ok {
		fl.Flush()
	}
	return n, err
}

// ------------------ Request parsing ------------------

// PageRequest is the POST body: the operations a page preloads.
type PageRequest struct {
	Operations []OperationRequest `json:"operations"`
}

// OperationRequest is one operation in a PageRequest.
type OperationRequest struct {
	ID            string         `json:"id,omitempty"`
	Query         string         `json:"query"`
	OperationName string         `json:"operationName,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
}

func (o OperationRequest) operation() (graphql.Operation, error) {
	var opts []graphql.OperationOption
	if o.ID != "" {
		opts = append(opts, graphql.WithPersistedID(o.ID))
	}
	if o.OperationName != "" {
		opts = append(opts, graphql.WithOperationName(o.OperationName))
	}
	return graphql.NewOperation(o.Query, o.Variables, opts...)
}

type requestError struct {
	status  int
	message string
}

func badRequest(msg string) *requestError {
	return &requestError{status: http.StatusBadRequest, message: msg}
}

func parseRequest(r *http.Request, maxBody int64) (PageRequest, *requestError) {
	ct := r.Header.Get("Content-Type")
	if !(ct == "" || ct == "application/json" || strings.HasPrefix(ct, "application/json;")) {
		return PageRequest{}, &requestError{status: http.StatusUnsupportedMediaType, message: "unsupported Content-Type"}
	}
	reader := io.Reader(r.Body)
	if maxBody > 0 {
		reader = io.LimitReader(r.Body, maxBody+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return PageRequest{}, badRequest("failed to read body")
	}
	defer r.Body.Close()
	if maxBody > 0 && int64(len(body)) > maxBody {
		return PageRequest{}, &requestError{status: http.StatusRequestEntityTooLarge, message: errBodyTooLargeMessage}
	}

	req, err := DecodePageRequest(body)
	if err != nil {
		return PageRequest{}, badRequest(err.Error())
	}
	return req, nil
}

var (
	errInvalidJSON  = errors.New("invalid JSON")
	errNoOperations = errors.New("no operations")
	errMissingQuery = errors.New("missing 'query'")
)

// DecodePageRequest decodes a page request body. A bare array is
// shorthand for {"operations": [...]}.
func DecodePageRequest(body []byte) (PageRequest, error) {
	var req PageRequest
	var err error
	body = bytes.TrimSpace(body)
	if len(body) > 0 && body[0] == '[' {
		err = json.Unmarshal(body, &req.Operations)
	} else {
		err = json.Unmarshal(body, &req)
	}
	if err != nil {
		return PageRequest{}, errInvalidJSON
	}
	if len(req.Operations) == 0 {
		return PageRequest{}, errNoOperations
	}
	for _, o := range req.Operations {
		if o.Query == "" {
			return PageRequest{}, errMissingQuery
		}
	}
	return req, nil
}

// ------------------ Response formatting ------------------

func writeError(w http.ResponseWriter, status int, msg string, pretty bool) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	if pretty {
		enc.SetIndent("", "  ")
	}
	_ = enc.Encode(graphql.Response{Data: graphql.Null, Errors: []graphql.Error{{Message: msg}}})
}

const errBodyTooLargeMessage = "body too large"

func setCORSHeaders(w http.ResponseWriter, r *http.Request, opts CORSOptions) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	allowed := false
	for _, o := range opts.AllowedOrigins {
		if o == "*" || o == origin {
			allowed = true
			break
		}
	}
	if !allowed {
		return
	}
	if contains(opts.AllowedOrigins, "*") {
		w.Header().Set("Access-Control-Allow-Origin", "*")
	} else {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Add("Vary", "Origin")
	}
	if r.Method == http.MethodOptions {
		if hdr := r.Header.Get("Access-Control-Request-Headers"); hdr != "" {
			w.Header().Set("Access-Control-Allow-Headers", hdr)
		}
		w.Header().Set("Access-Control-Allow-Methods", "POST,OPTIONS")
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
