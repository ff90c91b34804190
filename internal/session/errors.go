package session

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyActive reports a join attempt for a channel that already
	// has a live session. Fatal to the join request only.
	ErrAlreadyActive = errors.New("session: channel already has an active session")

	// ErrNotActive reports a release or lookup for a channel with no
	// session.
	ErrNotActive = errors.New("session: no active session for channel")

	// ErrNotReady reports an operation that requires the session to be
	// connected and idle.
	ErrNotReady = errors.New("session: not ready")

	// ErrClosed reports an operation on a torn-down session.
	ErrClosed = errors.New("session: closed")
)

// HandshakeError is fatal: the session failed to reach the ready state.
type HandshakeError struct {
	Stage string
	Err   error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("session: handshake failed at %s: %v", e.Stage, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }
