package agent

import "errors"

var (
	// ErrBackpressure rejects a submit while the pending queue is full.
	ErrBackpressure = errors.New("pending action queue is full")
	// ErrInvalidAction rejects a submit with a missing report or unknown action.
	ErrInvalidAction = errors.New("invalid action")
	ErrNotQueued     = errors.New("not in pending queue")
	ErrOffline       = errors.New("backend unreachable")
	ErrClosed        = errors.New("agent is shutting down")
)
