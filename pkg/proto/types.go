package proto

import (
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/timestamppb"
)

// Action names a gateway operation. It is sent as the `action` query parameter.
type Action string

const (
	ActionStatus        Action = "status"
	ActionAcquire       Action = "acquire"
	ActionRelease       Action = "release"
	ActionHeartbeat     Action = "heartbeat"
	ActionRequestStart  Action = "request_start"
	ActionRequestDecide Action = "request_decide"
	ActionRequestState  Action = "request_state"
)

// Mutating reports whether the action changes gateway state and must be sent as a POST
func (a Action) Mutating() bool {
	switch a {
	case ActionStatus, ActionRequestState:
		return false
	default:
		return true
	}
}

// Valid reports whether the action is part of the gateway contract
func (a Action) Valid() bool {
	switch a {
	case ActionStatus, ActionAcquire, ActionRelease, ActionHeartbeat,
		ActionRequestStart, ActionRequestDecide, ActionRequestState:
		return true
	}
	return false
}

// Form field names shared by the client and the reference gateway
const (
	ParamAction      = "action"
	ParamResourceID  = "resource_id"
	ParamFingerprint = "fingerprint"
	ParamMessage     = "message"
	ParamDecision    = "decision"
	ParamRequestID   = "request_id"
)

// Headers identifying the calling session
const (
	HeaderRequestedWith = "X-Requested-With"
	HeaderOwnerID       = "X-Owner-ID"
	HeaderTabID         = "X-Tab-ID"
	HeaderOwnerLabel    = "X-Owner-Label"

	RequestedWithXHR = "XMLHttpRequest"
)

// Envelope is the JSON body every gateway reply is wrapped in
type Envelope struct {
	Success   bool            `json:"success"`
	RequestID string          `json:"request_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     json.RawMessage `json:"error,omitempty"`
}

// DecodeData unmarshals the data member into v. A missing data member leaves v untouched.
func (e *Envelope) DecodeData(v any) error {
	if len(e.Data) == 0 || string(e.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("failed to decode data: %w", err)
	}
	return nil
}

// ErrorMessage returns the error member as text. The gateway may send either a
// plain string or an object with code/message fields.
func (e *Envelope) ErrorMessage() string {
	if len(e.Error) == 0 || string(e.Error) == "null" {
		return ""
	}

	var text string
	if err := json.Unmarshal(e.Error, &text); err == nil {
		return text
	}

	var obj struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(e.Error, &obj); err == nil {
		if obj.Message != "" {
			return obj.Message
		}
		if obj.Code != "" {
			return obj.Code
		}
	}
	return string(e.Error)
}

// ErrorCode returns the code of an object-shaped error member, if any
func (e *Envelope) ErrorCode() string {
	var obj struct {
		Code string `json:"code"`
	}
	if len(e.Error) > 0 && json.Unmarshal(e.Error, &obj) == nil {
		return obj.Code
	}
	return ""
}

// OwnerInfo describes the current holder relative to the caller
type OwnerInfo struct {
	SameOwner  bool   `json:"sameOwner"`
	SameTab    bool   `json:"sameTab"`
	OwnerLabel string `json:"ownerLabel,omitempty"`
}

// StatusData is the data member of a status reply
type StatusData struct {
	HasLock         bool       `json:"has_lock"`
	IsLocked        bool       `json:"is_locked"`
	IsLockedByOther bool       `json:"is_locked_by_other"`
	OwnerInfo       *OwnerInfo `json:"owner_info,omitempty"`
	Fingerprint     string     `json:"fingerprint,omitempty"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
}

// AcquireData is the data member of an acquire reply. On refusal only the
// is_locked_by_other and owner_info members are set.
type AcquireData struct {
	Fingerprint     string     `json:"fingerprint,omitempty"`
	IsLockedByOther bool       `json:"is_locked_by_other,omitempty"`
	OwnerInfo       *OwnerInfo `json:"owner_info,omitempty"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
}

// RequestStartData is the data member of a request_start reply
type RequestStartData struct {
	RequestID string `json:"request_id"`
}

// RequestStatus is the lifecycle status of an ownership transfer request
type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestGranted  RequestStatus = "granted"
	RequestDeclined RequestStatus = "declined"
	RequestExpired  RequestStatus = "expired"
)

// Terminal reports whether no further decision can be made on the request
func (s RequestStatus) Terminal() bool {
	return s == RequestGranted || s == RequestDeclined || s == RequestExpired
}

// Decision is the holder's answer to a transfer request
type Decision string

const (
	DecisionGrant   Decision = "grant"
	DecisionDecline Decision = "decline"
)

// TransferRequest is the wire form of an ownership transfer request
type TransferRequest struct {
	RequestID      string        `json:"request_id"`
	RequesterLabel string        `json:"requester_label,omitempty"`
	Message        string        `json:"message,omitempty"`
	Status         RequestStatus `json:"status"`
	CreatedAt      time.Time     `json:"created_at"`
	ExpiresAt      time.Time     `json:"expires_at"`
}

// RequestStateData is the data member of a request_state reply.
// PendingRequest is the request the caller must decide on as holder;
// OutboundRequest is the request the caller itself started.
type RequestStateData struct {
	PendingRequest  *TransferRequest `json:"pending_request,omitempty"`
	OutboundRequest *TransferRequest `json:"outbound_request,omitempty"`
}

// Notice types pushed over the gateway stream
const (
	NoticeLockChanged    = "lock_changed"
	NoticeRequestChanged = "request_changed"
	NoticeHeartbeat      = "heartbeat"
)

// StreamNotice is pushed to websocket subscribers when gateway state changes
type StreamNotice struct {
	Type       string    `json:"type"`
	ResourceID string    `json:"resource_id,omitempty"`
	Action     Action    `json:"action,omitempty"`
	At         time.Time `json:"at"`
}

// Lease is the persisted server-side claim on a resource
type Lease struct {
	ResourceID  string                 `json:"resource_id"`
	OwnerID     string                 `json:"owner_id"`
	TabID       string                 `json:"tab_id"`
	OwnerLabel  string                 `json:"owner_label,omitempty"`
	Fingerprint string                 `json:"fingerprint"`
	AcquiredAt  *timestamppb.Timestamp `json:"acquired_at,omitempty"`
	ExpiresAt   *timestamppb.Timestamp `json:"expires_at,omitempty"`
}

// Expired reports whether the lease has lapsed at now
func (l *Lease) Expired(now time.Time) bool {
	return l == nil || l.ExpiresAt == nil || !l.ExpiresAt.AsTime().After(now)
}

// Reservation holds a resource for the requester a transfer was granted to
type Reservation struct {
	OwnerID   string                 `json:"owner_id"`
	TabID     string                 `json:"tab_id"`
	Label     string                 `json:"label,omitempty"`
	ExpiresAt *timestamppb.Timestamp `json:"expires_at,omitempty"`
}

// Active reports whether the reservation still binds at now
func (r *Reservation) Active(now time.Time) bool {
	return r != nil && r.ExpiresAt != nil && r.ExpiresAt.AsTime().After(now)
}

// TransferRecord is the persisted form of a transfer request
type TransferRecord struct {
	RequestID        string                 `json:"request_id"`
	RequesterOwnerID string                 `json:"requester_owner_id"`
	RequesterTabID   string                 `json:"requester_tab_id"`
	RequesterLabel   string                 `json:"requester_label,omitempty"`
	Message          string                 `json:"message,omitempty"`
	Status           RequestStatus          `json:"status"`
	CreatedAt        *timestamppb.Timestamp `json:"created_at,omitempty"`
	ExpiresAt        *timestamppb.Timestamp `json:"expires_at,omitempty"`
	DecidedAt        *timestamppb.Timestamp `json:"decided_at,omitempty"`
}

// Wire converts the record to its wire form
func (r *TransferRecord) Wire() *TransferRequest {
	if r == nil {
		return nil
	}
	req := &TransferRequest{
		RequestID:      r.RequestID,
		RequesterLabel: r.RequesterLabel,
		Message:        r.Message,
		Status:         r.Status,
	}
	if r.CreatedAt != nil {
		req.CreatedAt = r.CreatedAt.AsTime()
	}
	if r.ExpiresAt != nil {
		req.ExpiresAt = r.ExpiresAt.AsTime()
	}
	return req
}

// ResourceRecord is everything the gateway persists for one resource
type ResourceRecord struct {
	ResourceID  string          `json:"resource_id"`
	Lease       *Lease          `json:"lease,omitempty"`
	Reservation *Reservation    `json:"reservation,omitempty"`
	Transfer    *TransferRecord `json:"transfer,omitempty"`
}

// Empty reports whether the record carries no state worth persisting
func (r *ResourceRecord) Empty() bool {
	return r == nil || (r.Lease == nil && r.Reservation == nil && r.Transfer == nil)
}
