package events

import (
	"net/http"
	"time"
)

// HTTPStart is emitted when the page handler receives a request.
// Context carries the request context.
type HTTPStart struct {
	Request *http.Request
}

// HTTPFinish is emitted after the page handler completes.
type HTTPFinish struct {
	Request    *http.Request
	Status     int
	Operations int
	Duration   time.Duration
}
