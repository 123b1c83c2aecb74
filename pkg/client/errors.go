package client

import (
	"errors"
	"fmt"
)

// Common client errors
var (
	// ErrInvalidParams is returned when the caller passes parameters the client derives itself
	ErrInvalidParams = errors.New("invalid gateway parameters")

	// ErrMissingResourceID is returned when a mutating call carries no resource id
	ErrMissingResourceID = errors.New("resource_id is required for mutating calls")

	// ErrUnknownAction is returned for actions outside the gateway contract
	ErrUnknownAction = errors.New("unknown gateway action")

	// ErrLockHeld is matched by a GatewayError refusing because another session holds the lock
	ErrLockHeld = errors.New("lock is held by another session")

	// ErrNotLockOwner is matched by a GatewayError refusing because the caller does not hold the lock
	ErrNotLockOwner = errors.New("caller does not hold the lock")

	// ErrRequestNotFound is matched by a GatewayError when no transfer request can be decided
	ErrRequestNotFound = errors.New("transfer request not found")

	// ErrRequestExists is matched by a GatewayError when a transfer request is already pending
	ErrRequestExists = errors.New("transfer request already pending")

	// ErrReserved is matched by a GatewayError when the lock is reserved for a granted requester
	ErrReserved = errors.New("lock is reserved for another session")

	// ErrNotLocked is matched by a GatewayError when a transfer is requested for a free lock
	ErrNotLocked = errors.New("lock is not held")

	// ErrAlreadyOwner is matched by a GatewayError when the caller requests its own lock
	ErrAlreadyOwner = errors.New("caller already holds the lock")
)

// Error codes sent by the gateway in object-shaped error members
const (
	CodeLockHeld        = "lock_held"
	CodeNotLockOwner    = "not_lock_owner"
	CodeRequestNotFound = "request_not_found"
	CodeRequestExists   = "request_exists"
	CodeReserved        = "reserved"
	CodeNotLocked       = "not_locked"
	CodeAlreadyOwner    = "already_owner"
)

var codeErrors = map[string]error{
	CodeLockHeld:        ErrLockHeld,
	CodeNotLockOwner:    ErrNotLockOwner,
	CodeRequestNotFound: ErrRequestNotFound,
	CodeRequestExists:   ErrRequestExists,
	CodeReserved:        ErrReserved,
	CodeNotLocked:       ErrNotLocked,
	CodeAlreadyOwner:    ErrAlreadyOwner,
}

// TransportError is returned when no well-formed gateway reply was received:
// network failure, timeout, non-2xx status or an undecodable body.
type TransportError struct {
	Action     string
	StatusCode int
	Timeout    bool
	Err        error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	switch {
	case e.Timeout:
		return fmt.Sprintf("gateway %s timed out: %v", e.Action, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("gateway %s failed with status %d: %v", e.Action, e.StatusCode, e.Err)
	default:
		return fmt.Sprintf("gateway %s failed: %v", e.Action, e.Err)
	}
}

// Unwrap returns the underlying error.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// GatewayError is a well-formed reply with success=false. The message is
// surfaced to the user verbatim.
type GatewayError struct {
	Action  string
	Code    string
	Message string
}

// Error implements the error interface.
func (e *GatewayError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("gateway refused %s", e.Action)
	}
	return e.Message
}

// Is matches the sentinel error registered for the gateway's error code.
func (e *GatewayError) Is(target error) bool {
	sentinel, ok := codeErrors[e.Code]
	return ok && sentinel == target
}

// IsTransportError reports whether err is or wraps a TransportError
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsGatewayError reports whether err is or wraps a GatewayError
func IsGatewayError(err error) bool {
	var ge *GatewayError
	return errors.As(err, &ge)
}
