package events

// QueryStarted is emitted when a query record starts being tracked for
// transport to the client.
type QueryStarted struct {
	QueryKey      string
	OperationName string
	TransportID   string
}

// QueryFinished is emitted when a tracked record reaches a terminal state.
type QueryFinished struct {
	QueryKey    string
	TransportID string
	Events      int
	Err         error
}

// QueryRerun is emitted on the client when the transport stream closed
// before a replayed query finished and it is executed again.
type QueryRerun struct {
	QueryKey      string
	OperationName string
}

// TransportClosed is emitted when a transport stream ends.
type TransportClosed struct {
	Side   string // "server" or "client"
	Events int
	Err    error
}
