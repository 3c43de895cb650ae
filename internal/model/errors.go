package model

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidSessionID is returned when a session identifier is empty or
	// contains characters that cannot name a credential directory.
	ErrInvalidSessionID = errors.New("invalid session id")

	// ErrSessionNotFound is returned when a session is not found.
	ErrSessionNotFound = errors.New("session not found")

	// ErrAlreadyExists is returned when creating a session whose id is taken.
	ErrAlreadyExists = errors.New("session already exists")

	// ErrNotReady is returned when an operation requires the ready state.
	ErrNotReady = errors.New("session is not ready")

	// ErrInvalidRecipient is returned when a send destination is empty or
	// malformed.
	ErrInvalidRecipient = errors.New("invalid recipient")

	// ErrNoQRCode is returned when a session has no pending scan token.
	ErrNoQRCode = errors.New("no qr code pending")

	// ErrTransport is the sentinel wrapped by every TransportError.
	ErrTransport = errors.New("transport error")

	// ErrPersistenceDegraded marks a failed status store write. It is logged,
	// never returned to the caller of the triggering operation.
	ErrPersistenceDegraded = errors.New("persistence degraded")

	// ErrConcurrencyLimit is returned when the maximum number of sessions is reached.
	ErrConcurrencyLimit = errors.New("session limit exceeded")
)

// TransportError reports a failed call into the protocol client.
type TransportError struct {
	Op  string
	Err error
}

// NewTransportError wraps err as a failure of the client operation op.
func NewTransportError(op string, err error) *TransportError {
	return &TransportError{Op: op, Err: err}
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
}

// Unwrap exposes the underlying client error.
func (e *TransportError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrTransport) match any TransportError.
func (e *TransportError) Is(target error) bool { return target == ErrTransport }
