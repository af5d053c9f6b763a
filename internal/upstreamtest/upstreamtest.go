// Package upstreamtest provides a scripted GraphQL HTTP server that replies
// with plain JSON or chunked multipart/mixed bodies. It stands in for the
// backing GraphQL server in tests and in the demo upstream.
package upstreamtest

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"
)

// Reply is a scripted response for one operation.
type Reply struct {
	Status      int
	ContentType string
	// Chunks are written in order, each followed by a flush.
	Chunks []string
	// Delay is slept between chunks.
	Delay time.Duration
	// Hold, when set, blocks before the final chunk until it is closed or
	// the request is cancelled.
	Hold chan struct{}
}

// Request is a recorded incoming request.
type Request struct {
	OperationName string         `json:"operationName"`
	Query         string         `json:"query"`
	ID            string         `json:"id"`
	Variables     map[string]any `json:"variables"`
	Header        http.Header    `json:"-"`
}

// Server routes requests to replies by operation name; "" is the fallback.
type Server struct {
	mu       sync.Mutex
	replies  map[string]Reply
	requests []Request
}

// New creates an empty Server.
func New() *Server { return &Server{replies: map[string]Reply{}} }

// Handle registers reply for the named operation.
func (s *Server) Handle(operationName string, reply Reply) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies[operationName] = reply
}

// Requests returns every request received so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// Start runs s on a local httptest server.
func (s *Server) Start() *httptest.Server { return httptest.NewServer(s) }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req Request
	body, _ := io.ReadAll(r.Body)
	_ = json.Unmarshal(body, &req)
	req.Header = r.Header.Clone()

	s.mu.Lock()
	s.requests = append(s.requests, req)
	reply, ok := s.replies[req.OperationName]
	if !ok {
		reply, ok = s.replies[""]
	}
	s.mu.Unlock()
	if !ok {
		http.Error(w, `{"errors":[{"message":"no scripted reply"}]}`, http.StatusNotFound)
		return
	}

	ct := reply.ContentType
	if ct == "" {
		ct = "application/json"
	}
	w.Header().Set("Content-Type", ct)
	status := reply.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	flusher, _ := w.(http.Flusher)
	for i, chunk := range reply.Chunks {
		if i > 0 && reply.Delay > 0 {
			time.Sleep(reply.Delay)
		}
		if i == len(reply.Chunks)-1 && reply.Hold != nil {
			select {
			case <-reply.Hold:
			case <-r.Context().Done():
				return
			}
		}
		if _, err := io.WriteString(w, chunk); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// MultipartContentType returns the Content-Type header for boundary.
func MultipartContentType(boundary string) string {
	return `multipart/mixed; boundary="` + boundary + `"`
}

// Part frames one JSON payload as a multipart part.
func Part(boundary, payload string) string {
	return "\r\n--" + boundary + "\r\nContent-Type: application/json; charset=utf-8\r\n\r\n" + payload
}

// Close returns the closing delimiter for boundary.
func Close(boundary string) string { return "\r\n--" + boundary + "--\r\n" }

// Multipart builds a complete multipart body, one chunk per payload plus a
// final chunk holding the closing delimiter.
func Multipart(boundary string, payloads ...string) []string {
	chunks := make([]string, 0, len(payloads)+1)
	for _, p := range payloads {
		chunks = append(chunks, Part(boundary, p))
	}
	return append(chunks, Close(boundary))
}

// MultipartReply is a Reply streaming payloads with boundary "-".
func MultipartReply(payloads ...string) Reply {
	return Reply{ContentType: MultipartContentType("-"), Chunks: Multipart("-", payloads...)}
}

// JSONReply is a Reply with a single JSON document.
func JSONReply(payload string) Reply {
	return Reply{ContentType: "application/json", Chunks: []string{payload}}
}

// Join concatenates chunks, useful to split them differently.
func Join(chunks []string) string { return strings.Join(chunks, "") }
