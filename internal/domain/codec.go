// internal/domain/codec.go
package domain

import (
	"encoding/json"
	"fmt"
)

const (
	kindDispatcherAvailable = "dispatcher_available"
	kindWorkerAvailable     = "worker_available"
	kindJobStarted          = "job_started"
	kindJobCompleted        = "job_completed"
	kindWorkerTerminated    = "worker_terminated"
)

type envelope struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// EncodeMessage wraps a broadcastable message in a kind-tagged JSON envelope.
func EncodeMessage(msg any) ([]byte, error) {
	var kind string
	switch msg.(type) {
	case DispatcherAvailable:
		kind = kindDispatcherAvailable
	case WorkerAvailable:
		kind = kindWorkerAvailable
	case JobStarted:
		kind = kindJobStarted
	case JobCompleted:
		kind = kindJobCompleted
	case WorkerTerminated:
		kind = kindWorkerTerminated
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownMessageKind, msg)
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", kind, err)
	}
	return json.Marshal(envelope{Kind: kind, Payload: payload})
}

// DecodeMessage is the inverse of EncodeMessage. Messages are returned by
// value, exactly as they were published.
func DecodeMessage(data []byte) (any, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message envelope: %w", err)
	}

	switch env.Kind {
	case kindDispatcherAvailable:
		return decodeAs[DispatcherAvailable](env)
	case kindWorkerAvailable:
		return decodeAs[WorkerAvailable](env)
	case kindJobStarted:
		return decodeAs[JobStarted](env)
	case kindJobCompleted:
		return decodeAs[JobCompleted](env)
	case kindWorkerTerminated:
		return decodeAs[WorkerTerminated](env)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownMessageKind, env.Kind)
}

func decodeAs[T any](env envelope) (any, error) {
	var v T
	if err := json.Unmarshal(env.Payload, &v); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s payload: %w", env.Kind, err)
	}
	return v, nil
}
