package login

import "errors"

var (
	// ErrSignerUnavailable means the extension signer could not be found.
	ErrSignerUnavailable = errors.New("login: signer unavailable")

	// ErrInvalidKeyFormat is returned for secret keys that are not a valid nsec or hex key.
	ErrInvalidKeyFormat = errors.New("login: invalid key format")

	// ErrRemoteUnreachable means no relay carried the remote signer's answer.
	ErrRemoteUnreachable = errors.New("login: remote signer unreachable")

	// ErrRemoteRejected means the remote signer refused the session.
	ErrRemoteRejected = errors.New("login: remote signer rejected the request")

	// ErrInvalidStoredCredential is returned when a stored record cannot be
	// decoded. Callers treat it as logged out.
	ErrInvalidStoredCredential = errors.New("login: invalid stored credential")

	// ErrPairingInProgress is returned by StartPairing while another attempt is waiting.
	ErrPairingInProgress = errors.New("login: pairing already in progress")

	// ErrNoPairing is returned by FinishPairing when no attempt was started.
	ErrNoPairing = errors.New("login: no pairing attempt")

	// ErrSuperseded is returned to an activation that finished after a logout.
	ErrSuperseded = errors.New("login: activation superseded by logout")
)
