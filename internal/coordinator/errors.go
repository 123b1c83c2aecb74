package coordinator

import (
	"errors"
	"fmt"

	"github.com/nkkko/packlock/internal/domain"
)

var (
	// ErrInvalidPhase is returned when an operation is not allowed in the current phase
	ErrInvalidPhase = errors.New("operation not allowed in current phase")

	// ErrOperationInFlight is returned when an operation of the same kind is outstanding
	ErrOperationInFlight = errors.New("operation already in flight")

	// ErrStaleResponse is returned when a reply arrived after the state it was
	// sent from had already changed. The reply is discarded.
	ErrStaleResponse = errors.New("stale gateway response discarded")

	// ErrStaleFingerprint is returned when a failure report refers to an
	// acquisition that is no longer current. The Lost transition is suppressed.
	ErrStaleFingerprint = errors.New("stale fingerprint")

	// ErrNoPendingRequest is returned by DecideRequest when there is nothing to decide
	ErrNoPendingRequest = errors.New("no pending transfer request")

	// ErrRequestPending is returned when an outbound transfer request is still awaiting a decision
	ErrRequestPending = errors.New("transfer request already pending")

	// ErrMissingFingerprint is recorded when the gateway confirms an acquisition without a fingerprint
	ErrMissingFingerprint = errors.New("gateway confirmed acquisition without fingerprint")

	// ErrAlreadyStarted is returned when Start is called twice
	ErrAlreadyStarted = errors.New("machine already started")
)

// PhaseError wraps ErrInvalidPhase with the rejected operation
type PhaseError struct {
	Op    string
	Phase domain.Phase
}

// Error implements the error interface.
func (e *PhaseError) Error() string {
	return fmt.Sprintf("cannot %s while %s", e.Op, e.Phase)
}

// Unwrap returns ErrInvalidPhase.
func (e *PhaseError) Unwrap() error {
	return ErrInvalidPhase
}
