package queue

import "errors"

var (
	// ErrClosed is returned by Dispatch after Close.
	ErrClosed = errors.New("queue: bus is closed")

	// ErrNilMessage is returned when dispatching a nil message.
	ErrNilMessage = errors.New("queue: message is nil")
)
