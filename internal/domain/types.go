package domain

import (
	"errors"
	"fmt"
	"time"
)

// Phase is the discrete state of a lock state machine
type Phase string

const (
	PhaseUnlocked    Phase = "unlocked"
	PhaseAcquiring   Phase = "acquiring"
	PhaseHeldBySelf  Phase = "held_by_self"
	PhaseHeldByOther Phase = "held_by_other"
	PhaseBlocked     Phase = "blocked"
	PhaseLost        Phase = "lost"
	PhaseError       Phase = "error"
)

// AllPhases lists every phase in declaration order
var AllPhases = []Phase{
	PhaseUnlocked, PhaseAcquiring, PhaseHeldBySelf, PhaseHeldByOther,
	PhaseBlocked, PhaseLost, PhaseError,
}

// CarriesOwnerInfo reports whether a state in this phase must carry owner info
func (p Phase) CarriesOwnerInfo() bool {
	return p == PhaseHeldBySelf || p == PhaseHeldByOther || p == PhaseBlocked
}

// Reason explains why an event was emitted
type Reason string

const (
	ReasonUserAction       Reason = "user-action"
	ReasonHeartbeatTick    Reason = "heartbeat-tick"
	ReasonHeartbeatFailure Reason = "heartbeat-failure"
	ReasonGatewayError     Reason = "gateway-error"
	ReasonPollResult       Reason = "poll-result"
	ReasonRequestDecision  Reason = "request-decision"
	ReasonBootstrap        Reason = "bootstrap"
	ReasonStaleFingerprint Reason = "stale-fingerprint"
)

// OwnerInfo describes who holds the lock relative to this session
type OwnerInfo struct {
	SameOwner  bool   `json:"sameOwner"`
	SameTab    bool   `json:"sameTab"`
	OwnerLabel string `json:"ownerLabel,omitempty"`
}

// RequestStatus is the lifecycle status of a transfer request
type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestGranted  RequestStatus = "granted"
	RequestDeclined RequestStatus = "declined"
	RequestExpired  RequestStatus = "expired"
)

// Direction tells whether this session must decide on a request or is waiting for one
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutbound Direction = "outbound"
)

// TransferRequest is an ownership negotiation between the holder and a requester
type TransferRequest struct {
	RequestID      string        `json:"request_id"`
	RequesterLabel string        `json:"requester_label,omitempty"`
	Message        string        `json:"message,omitempty"`
	Status         RequestStatus `json:"status"`
	Direction      Direction     `json:"direction"`
	ExpiresAt      time.Time     `json:"expires_at,omitempty"`
}

// LockState is the machine's current belief about the protected resource
type LockState struct {
	ResourceID   string     `json:"resource_id"`
	Phase        Phase      `json:"phase"`
	OwnerInfo    *OwnerInfo `json:"owner_info,omitempty"`
	Fingerprint  string     `json:"fingerprint,omitempty"`
	LastSyncedAt time.Time  `json:"last_synced_at,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
}

// Clone returns a deep copy that shares nothing with s
func (s LockState) Clone() LockState {
	out := s
	if s.OwnerInfo != nil {
		info := *s.OwnerInfo
		out.OwnerInfo = &info
	}
	return out
}

// Invariant violations reported by Validate
var (
	ErrOwnerInfoMismatch   = errors.New("owner info presence does not match phase")
	ErrFingerprintMismatch = errors.New("fingerprint presence does not match phase")
	ErrErrorMismatch       = errors.New("error reason presence does not match phase")
)

// Validate checks the structural invariants of a lock state
func (s LockState) Validate() error {
	if (s.OwnerInfo != nil) != s.Phase.CarriesOwnerInfo() {
		return fmt.Errorf("%w: phase %s, owner info set=%t", ErrOwnerInfoMismatch, s.Phase, s.OwnerInfo != nil)
	}
	if (s.Fingerprint != "") != (s.Phase == PhaseHeldBySelf) {
		return fmt.Errorf("%w: phase %s, fingerprint=%q", ErrFingerprintMismatch, s.Phase, s.Fingerprint)
	}
	if s.LastError != "" && s.Phase != PhaseError {
		return fmt.Errorf("%w: phase %s carries error %q", ErrErrorMismatch, s.Phase, s.LastError)
	}
	return nil
}

// Event is the single typed notification fanned out for every transition.
// State, Info and Reason form the presentation contract; the rest is context
// for diagnostics.
type Event struct {
	Seq        uint64           `json:"seq"`
	ResourceID string           `json:"resource_id"`
	State      Phase            `json:"state"`
	Previous   Phase            `json:"previous,omitempty"`
	Info       *OwnerInfo       `json:"info,omitempty"`
	Reason     Reason           `json:"reason,omitempty"`
	Request    *TransferRequest `json:"request,omitempty"`
	Error      string           `json:"error,omitempty"`
	At         time.Time        `json:"at"`

	// Transition is false for notices that leave the phase untouched: a
	// surfaced transfer request, a heartbeat tick or a suppressed stale
	// fingerprint report.
	Transition bool `json:"transition"`
}
