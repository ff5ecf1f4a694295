// internal/domain/errors.go
package domain

import "errors"

var (
	// ErrDispatcherStopped is returned by dispatcher requests made after the
	// dispatcher has shut down.
	ErrDispatcherStopped = errors.New("dispatcher stopped")
	// ErrNotDispatcher is returned when a node that does not host the live
	// dispatcher is asked to accept a job.
	ErrNotDispatcher = errors.New("this node is not hosting the dispatcher")
	// ErrNoDispatcher is returned when no dispatcher location is known yet.
	ErrNoDispatcher = errors.New("no dispatcher available")
	// ErrWorkerNotFound is returned when a message is addressed to a worker
	// slot that does not exist (or was permanently stopped).
	ErrWorkerNotFound = errors.New("worker not found")
	// ErrUnknownNode is returned when a worker handle names a node that is not
	// registered.
	ErrUnknownNode = errors.New("unknown node")
	// ErrOutcomeNotFound is returned when no history record matches.
	ErrOutcomeNotFound = errors.New("job outcome not found")
	// ErrUnknownMessageKind is returned when decoding an envelope of a kind
	// this build does not know.
	ErrUnknownMessageKind = errors.New("unknown message kind")
)
