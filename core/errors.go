package core

import (
	"errors"
	"fmt"
)

var (
	// ErrJournalsUnsupported is returned when no journal stream provider is configured.
	ErrJournalsUnsupported = &UnsupportedError{Capability: "journals"}
	// ErrPeerJournalsUnsupported is returned when no peer stream can be produced for a journal.
	ErrPeerJournalsUnsupported = &UnsupportedError{Capability: "peer journals"}

	// ErrCorruptRecord marks a journal record that cannot be decoded.
	ErrCorruptRecord = errors.New("corrupt journal record")
	// ErrReplayEnqueueTimeout is returned when a replayed message could not be queued in time.
	ErrReplayEnqueueTimeout = errors.New("replay enqueue timed out")
	// ErrReplayAlreadyStarted is returned on a second replay of the same journal.
	ErrReplayAlreadyStarted = errors.New("journal replay already started")
	// ErrStreamClosed is returned by streams used after Close.
	ErrStreamClosed = errors.New("journal stream is closed")
	// ErrNoActiveItem is returned by Write or Complete outside Start/Complete.
	ErrNoActiveItem = errors.New("no active journal item")
	// ErrItemInProgress is returned by Start while another item is still open.
	ErrItemInProgress = errors.New("journal item already in progress")
)

// UnsupportedError reports a capability that is not available in this process,
// as opposed to a capability that is available but broken.
type UnsupportedError struct {
	Capability string
}

func (e *UnsupportedError) Error() string {
	return fmt.Sprintf("%s not supported", e.Capability)
}

// UnsupportedTypeError is returned by the value encoder for argument types it cannot encode.
type UnsupportedTypeError struct {
	Message string
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("unsupported type value: %s", e.Message)
}

// IsUnsupportedError checks if an error is a capability error.
func IsUnsupportedError(err error) bool {
	var unsupportedError *UnsupportedError
	return errors.As(err, &unsupportedError)
}

// IsUnsupportedTypeError checks if an error is an UnsupportedTypeError.
func IsUnsupportedTypeError(err error) bool {
	var unsupportedTypeError *UnsupportedTypeError
	return errors.As(err, &unsupportedTypeError)
}
