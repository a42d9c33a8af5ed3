package relay

import "errors"

var (
	// ErrTransportUnavailable means no relay in the requested set could be reached.
	ErrTransportUnavailable = errors.New("relay: transport unavailable")

	// ErrClosed is returned for operations on a closed connection.
	ErrClosed = errors.New("relay: connection closed")

	// ErrRejected is returned when a relay answers OK=false to a published event.
	ErrRejected = errors.New("relay: event rejected")
)
