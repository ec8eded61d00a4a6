package domain

import "errors"

var (
	// ErrCapacityExceeded is returned when the session ceiling is reached.
	ErrCapacityExceeded = errors.New("session capacity exceeded")
	// ErrTooManyConcurrentStreams is returned when the open stream ceiling is reached.
	ErrTooManyConcurrentStreams = errors.New("too many concurrent streams")
	// ErrSessionBusy is returned when a session already has a query in flight.
	ErrSessionBusy = errors.New("session busy")
	// ErrNotFound is returned for unknown session or message ids.
	ErrNotFound = errors.New("not found")
	// ErrInvalidArgument is returned for requests the coordinator cannot act on.
	ErrInvalidArgument = errors.New("invalid argument")

	ErrConnectFailed    = errors.New("connect failed")
	ErrRetriesExhausted = errors.New("reconnect retries exhausted")
	ErrProtocol         = errors.New("protocol error")
	ErrRemote           = errors.New("remote error")
)
