package bunker

import "errors"

var (
	// ErrInvalidURI is returned by ParseURI.
	ErrInvalidURI = errors.New("bunker: invalid bunker uri")

	// ErrUnreachable means the remote signer could not be reached or did not
	// answer in time.
	ErrUnreachable = errors.New("bunker: remote signer unreachable")

	// ErrRejected means the remote signer answered with an error or refused
	// the connection.
	ErrRejected = errors.New("bunker: remote signer rejected request")

	// ErrClosed is returned for requests on a closed signer.
	ErrClosed = errors.New("bunker: signer closed")
)
