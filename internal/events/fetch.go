package events

import "time"

// FetchStart is emitted before an upstream GraphQL HTTP request is sent.
type FetchStart struct {
	URL           string
	OperationName string
	QueryKey      string
}

// FetchFinish is emitted when the response body has been fully consumed or
// the request failed.
type FetchFinish struct {
	URL           string
	OperationName string
	QueryKey      string
	Status        int
	Multipart     bool
	Responses     int
	Err           error
	Duration      time.Duration
}

// PartDropped is emitted for every multipart part skipped as malformed.
type PartDropped struct {
	URL string
	Err error
}
