// Command server is a demo upstream for gqlstream. It answers Film queries
// from a seeded catalog, sending the film id first and its title as a
// deferred payload after a delay.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/hanpama/gqlstream/internal/upstreamtest"
)

const boundary = "-"

type film struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type server struct {
	mu    sync.RWMutex
	films map[string]film
	delay time.Duration
}

func newServer(delay time.Duration) *server {
	s := &server{films: make(map[string]film), delay: delay}
	s.seedData()
	return s
}

func (s *server) seedData() {
	for _, f := range []film{
		{ID: "1", Title: "A New Hope"},
		{ID: "2", Title: "The Empire Strikes Back"},
		{ID: "3", Title: "Return of the Jedi"},
	} {
		s.films[f.ID] = f
	}
}

type request struct {
	OperationName string         `json:"operationName"`
	Variables     map[string]any `json:"variables"`
}

func (s *server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"errors":[{"message":"invalid JSON"}]}`, http.StatusBadRequest)
		return
	}
	id, _ := req.Variables["id"].(string)
	s.mu.RLock()
	f, ok := s.films[id]
	s.mu.RUnlock()
	log.Printf("%s id=%q found=%v", req.OperationName, id, ok)

	if !ok {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"data":{"film":null}}`)
		return
	}

	fl, _ := w.(http.Flusher)
	write := func(chunk string) {
		fmt.Fprint(w, chunk)
		if fl != nil {
			fl.Flush()
		}
	}
	w.Header().Set("Content-Type", upstreamtest.MultipartContentType(boundary))
	w.WriteHeader(http.StatusOK)
	write(upstreamtest.Part(boundary, fmt.Sprintf(
		`{"data":{"film":{"id":%q}},"hasNext":true,"pending":[{"id":"0","path":["film"]}]}`, f.ID)))

	select {
	case <-time.After(s.delay):
	case <-r.Context().Done():
		return
	}
	write(upstreamtest.Part(boundary, fmt.Sprintf(
		`{"incremental":[{"id":"0","data":{"title":%q}}],"completed":[{"id":"0"}],"hasNext":false}`, f.Title)))
	write(upstreamtest.Close(boundary))
}

func main() {
	addr := flag.String("addr", ":4000", "listen address")
	delay := flag.Duration("delay", 500*time.Millisecond, "delay before the deferred payload")
	flag.Parse()

	log.Printf("demo upstream listening on %s", *addr)
	log.Fatal(http.ListenAndServe(*addr, newServer(*delay)))
}
