package domain

import "context"

// Publisher accepts events for fan-out. Publish must not block.
type Publisher interface {
	Publish(Event)
}

// Handler consumes events delivered by a Publisher
type Handler func(Event)

// StateReader exposes a read-only snapshot of a lock state machine
type StateReader interface {
	Snapshot() LockState
	Ready() <-chan struct{}
}

// StatusChecker re-verifies lock ownership against the gateway
type StatusChecker interface {
	CheckLockStatus(ctx context.Context, reason Reason) (LockState, error)
}
