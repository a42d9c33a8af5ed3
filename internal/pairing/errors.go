package pairing

import (
	"errors"

	"github.com/nextlevelbuilder/nostrlink/internal/relay"
)

var (
	// ErrTransportUnavailable is returned by Begin when the pairing relay
	// cannot be reached, and ends an attempt whose subscription drops.
	ErrTransportUnavailable = relay.ErrTransportUnavailable

	// ErrTimeout ends an attempt that saw no matching response before its deadline.
	// Start a new attempt to retry; it gets fresh key material.
	ErrTimeout = errors.New("pairing: timed out waiting for remote signer")

	// ErrCancelled ends an attempt stopped by the caller.
	ErrCancelled = errors.New("pairing: cancelled")

	// ErrInvalidInvitation is returned by ParseInvitation.
	ErrInvalidInvitation = errors.New("pairing: invalid nostrconnect uri")

	// Per-event outcomes. They are logged and never end an attempt.
	errDecrypt        = errors.New("undecryptable response")
	errSecretMismatch = errors.New("secret mismatch")
)
