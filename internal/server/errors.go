package server

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyRunning is returned by Run when the accept loop is already active.
	ErrAlreadyRunning = errors.New("server: already running")

	// ErrServerClosed is returned by Run after the listener has been torn down.
	ErrServerClosed = errors.New("server: closed")
)

// BindError is returned by New when the listen address cannot be bound.
type BindError struct {
	Address string
	Err     error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("server: bind %s: %v", e.Address, e.Err)
}

func (e *BindError) Unwrap() error {
	return e.Err
}

// SessionError wraps an I/O failure that ended one client session.
type SessionError struct {
	SessionID string
	Peer      string
	Op        string // read, write or flush
	Err       error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("server: session %s (%s): %s: %v", e.SessionID, e.Peer, e.Op, e.Err)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

// DecodeError marks bytes that the codec could not turn into a message.
// Sessions drop the input and keep reading.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("server: decode: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
