package stream

import "errors"

var (
	// ErrDuplicateSession is returned when creating a session with an id
	// that is still registered.
	ErrDuplicateSession = errors.New("session id already registered")

	// ErrSessionNotFound is returned by operations that require a
	// registered session.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionInactive is returned when an operation needs a live session.
	ErrSessionInactive = errors.New("session is not active")

	// ErrQueueClosed is returned when enqueueing onto a closed outbound queue.
	ErrQueueClosed = errors.New("outbound queue closed")
)
