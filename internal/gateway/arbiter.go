package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nkkko/packlock/internal/gateway/store"
	"github.com/nkkko/packlock/internal/logging"
	"github.com/nkkko/packlock/internal/metrics"
	"github.com/nkkko/packlock/pkg/client"
	"github.com/nkkko/packlock/pkg/proto"
	"github.com/rs/zerolog"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Refusals. Each maps to the error code the client matches on.
var (
	ErrLockHeld        = errors.New("the record is being edited by someone else")
	ErrNotLockOwner    = errors.New("you do not hold the lock on this record")
	ErrRequestNotFound = errors.New("there is no pending transfer request")
	ErrRequestExists   = errors.New("another transfer request is already pending")
	ErrReserved        = errors.New("the record is reserved for the user it was handed over to")
	ErrNotLocked       = errors.New("the record is not locked")
	ErrAlreadyOwner    = errors.New("you already hold the lock on this record")
)

// ErrorCode returns the wire code for a refusal, or "" for other errors
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrLockHeld):
		return client.CodeLockHeld
	case errors.Is(err, ErrNotLockOwner):
		return client.CodeNotLockOwner
	case errors.Is(err, ErrRequestNotFound):
		return client.CodeRequestNotFound
	case errors.Is(err, ErrRequestExists):
		return client.CodeRequestExists
	case errors.Is(err, ErrReserved):
		return client.CodeReserved
	case errors.Is(err, ErrNotLocked):
		return client.CodeNotLocked
	case errors.Is(err, ErrAlreadyOwner):
		return client.CodeAlreadyOwner
	}
	return ""
}

// LeaseConflictError is returned when an acquire is refused. Holder describes
// who has the resource relative to the caller.
type LeaseConflictError struct {
	ResourceID string
	Holder     proto.OwnerInfo
	ExpiresAt  time.Time
	Err        error
}

// Error implements the error interface
func (e *LeaseConflictError) Error() string {
	return e.Err.Error()
}

// Unwrap returns ErrLockHeld or ErrReserved
func (e *LeaseConflictError) Unwrap() error {
	return e.Err
}

// Identity is the calling session
type Identity struct {
	OwnerID string
	TabID   string
	Label   string
}

func (id Identity) owns(l *proto.Lease) bool {
	return l != nil && l.OwnerID == id.OwnerID && l.TabID == id.TabID
}

// Config contains arbiter configuration
type Config struct {
	// Lease lifetime, renewed by every acquire and heartbeat
	LeaseTTL time.Duration

	// How long a transfer request waits for the holder's decision
	RequestTTL time.Duration

	// How long a granted requester has to take the lock
	ReservationTTL time.Duration

	// How often lapsed leases and requests are swept
	CleanupInterval time.Duration
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		LeaseTTL:        300 * time.Second,
		RequestTTL:      120 * time.Second,
		ReservationTTL:  30 * time.Second,
		CleanupInterval: 15 * time.Second,
	}
}

// Notifier is told which resource changed and how
type Notifier interface {
	Notify(resourceID, kind string, action proto.Action)
}

// Arbiter decides lock ownership and transfer requests for every resource.
// Records live in memory and are written through to the store on change.
type Arbiter struct {
	config   Config
	store    store.LeaseStore
	notifier Notifier
	now      func() time.Time

	records map[string]*proto.ResourceRecord
	mu      sync.Mutex

	metrics *metrics.GatewayMetrics
	logger  zerolog.Logger
}

// NewArbiter creates a new arbiter. notifier may be nil.
func NewArbiter(config Config, leases store.LeaseStore, notifier Notifier) *Arbiter {
	defaults := DefaultConfig()
	if config.LeaseTTL <= 0 {
		config.LeaseTTL = defaults.LeaseTTL
	}
	if config.RequestTTL <= 0 {
		config.RequestTTL = defaults.RequestTTL
	}
	if config.ReservationTTL <= 0 {
		config.ReservationTTL = defaults.ReservationTTL
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = defaults.CleanupInterval
	}
	if leases == nil {
		leases = store.NewMemory()
	}

	return &Arbiter{
		config:   config,
		store:    leases,
		notifier: notifier,
		now:      time.Now,
		records:  make(map[string]*proto.ResourceRecord),
		metrics:  metrics.GetGatewayMetrics(),
		logger:   logging.Component("arbiter"),
	}
}

// Start loads persisted records and sweeps lapsed state until ctx ends
func (a *Arbiter) Start(ctx context.Context) error {
	a.logger.Info().Msg("Starting lock arbiter")

	if err := a.loadRecords(ctx); err != nil {
		return fmt.Errorf("failed to load records: %w", err)
	}

	ticker := time.NewTicker(a.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.Sweep(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (a *Arbiter) loadRecords(ctx context.Context) error {
	records, err := a.store.List(ctx)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	active := 0
	for _, rec := range records {
		a.records[rec.ResourceID] = rec
		if !rec.Lease.Expired(now) {
			active++
		}
	}
	a.metrics.ActiveLeases.Set(float64(active))

	a.logger.Info().Int("records", len(records)).Int("active_leases", active).Msg("Loaded lease records")
	return nil
}

// Sweep drops lapsed leases, reservations and requests
func (a *Arbiter) Sweep(ctx context.Context) {
	a.mu.Lock()
	ids := make([]string, 0, len(a.records))
	for id := range a.records {
		ids = append(ids, id)
	}
	a.mu.Unlock()

	for _, id := range ids {
		a.mu.Lock()
		rec := a.records[id]
		changed := rec != nil && a.expire(rec)
		if changed {
			a.persist(ctx, rec)
		}
		if rec != nil && rec.Empty() {
			delete(a.records, id)
		}
		a.mu.Unlock()

		if changed {
			a.notify(id, proto.NoticeLockChanged, "")
		}
	}
}

// expire clears lapsed state from rec. Caller holds mu.
func (a *Arbiter) expire(rec *proto.ResourceRecord) bool {
	now := a.now()
	changed := false

	if rec.Lease != nil && rec.Lease.Expired(now) {
		a.logger.Debug().
			Str("resource_id", rec.ResourceID).
			Str("owner_id", rec.Lease.OwnerID).
			Msg("Lease expired")
		rec.Lease = nil
		a.metrics.LeasesExpired.Inc()
		a.metrics.ActiveLeases.Dec()
		changed = true
	}
	if rec.Reservation != nil && !rec.Reservation.Active(now) {
		rec.Reservation = nil
		changed = true
	}
	if t := rec.Transfer; t != nil && t.ExpiresAt != nil && !t.ExpiresAt.AsTime().After(now) {
		if t.Status == proto.RequestPending {
			t.Status = proto.RequestExpired
			a.metrics.TransferRequests.WithLabelValues(string(proto.RequestExpired)).Inc()
			// Keep it until the requester has seen the outcome
			t.ExpiresAt = timestamppb.New(now.Add(a.config.RequestTTL))
		} else {
			rec.Transfer = nil
		}
		changed = true
	}
	return changed
}

// record returns the live record for resourceID with lapsed state cleared.
// Caller holds mu.
func (a *Arbiter) record(ctx context.Context, resourceID string) *proto.ResourceRecord {
	rec, ok := a.records[resourceID]
	if !ok {
		rec = &proto.ResourceRecord{ResourceID: resourceID}
		a.records[resourceID] = rec
	}
	if a.expire(rec) {
		a.persist(ctx, rec)
	}
	return rec
}

// persist writes rec through to the store. Caller holds mu.
func (a *Arbiter) persist(ctx context.Context, rec *proto.ResourceRecord) {
	if err := a.store.Save(ctx, rec); err != nil {
		a.logger.Error().Err(err).Str("resource_id", rec.ResourceID).Msg("Failed to persist record")
	}
}

func (a *Arbiter) notify(resourceID, kind string, action proto.Action) {
	if a.notifier != nil {
		a.notifier.Notify(resourceID, kind, action)
	}
}

func holderInfo(l *proto.Lease, caller Identity) *proto.OwnerInfo {
	return &proto.OwnerInfo{
		SameOwner:  l.OwnerID == caller.OwnerID,
		SameTab:    l.OwnerID == caller.OwnerID && l.TabID == caller.TabID,
		OwnerLabel: l.OwnerLabel,
	}
}

func reservedInfo(r *proto.Reservation, caller Identity) *proto.OwnerInfo {
	return &proto.OwnerInfo{
		SameOwner:  r.OwnerID == caller.OwnerID,
		SameTab:    r.OwnerID == caller.OwnerID && r.TabID == caller.TabID,
		OwnerLabel: r.Label,
	}
}

func (id Identity) reserved(r *proto.Reservation, now time.Time) bool {
	return r.Active(now) && r.OwnerID == id.OwnerID && r.TabID == id.TabID
}

// Status reports who holds resourceID relative to caller
func (a *Arbiter) Status(ctx context.Context, resourceID string, caller Identity) proto.StatusData {
	a.mu.Lock()
	defer a.mu.Unlock()

	rec := a.record(ctx, resourceID)
	now := a.now()

	switch {
	case rec.Lease != nil:
		expires := rec.Lease.ExpiresAt.AsTime()
		data := proto.StatusData{
			IsLocked:  true,
			OwnerInfo: holderInfo(rec.Lease, caller),
			ExpiresAt: &expires,
		}
		if caller.owns(rec.Lease) {
			data.HasLock = true
			data.Fingerprint = rec.Lease.Fingerprint
		} else {
			data.IsLockedByOther = true
		}
		return data

	case rec.Reservation.Active(now) && !caller.reserved(rec.Reservation, now):
		return proto.StatusData{
			IsLocked:        true,
			IsLockedByOther: true,
			OwnerInfo:       reservedInfo(rec.Reservation, caller),
		}
	}
	return proto.StatusData{}
}

// Acquire takes or renews the lock for caller. A refusal returns the
// holder in the data and a *LeaseConflictError.
func (a *Arbiter) Acquire(ctx context.Context, resourceID string, caller Identity, fingerprint string) (proto.AcquireData, error) {
	a.mu.Lock()
	rec := a.record(ctx, resourceID)
	now := a.now()

	if rec.Lease != nil && !caller.owns(rec.Lease) {
		info := holderInfo(rec.Lease, caller)
		conflict := &LeaseConflictError{ResourceID: resourceID, Holder: *info, ExpiresAt: rec.Lease.ExpiresAt.AsTime(), Err: ErrLockHeld}
		a.mu.Unlock()

		a.metrics.LockAcquisitions.WithLabelValues("false").Inc()
		a.metrics.LockContention.Inc()
		return proto.AcquireData{IsLockedByOther: true, OwnerInfo: info}, conflict
	}
	if rec.Lease == nil && rec.Reservation.Active(now) && !caller.reserved(rec.Reservation, now) {
		info := reservedInfo(rec.Reservation, caller)
		conflict := &LeaseConflictError{ResourceID: resourceID, Holder: *info, ExpiresAt: rec.Reservation.ExpiresAt.AsTime(), Err: ErrReserved}
		a.mu.Unlock()

		a.metrics.LockAcquisitions.WithLabelValues("false").Inc()
		a.metrics.LockContention.Inc()
		return proto.AcquireData{IsLockedByOther: true, OwnerInfo: info}, conflict
	}

	if fingerprint == "" {
		fingerprint = uuid.New().String()
	}
	expires := now.Add(a.config.LeaseTTL)

	renewed := rec.Lease != nil
	if !renewed {
		rec.Lease = &proto.Lease{
			ResourceID: resourceID,
			OwnerID:    caller.OwnerID,
			TabID:      caller.TabID,
			AcquiredAt: timestamppb.New(now),
		}
		a.metrics.ActiveLeases.Inc()
	}
	rec.Lease.OwnerLabel = caller.Label
	rec.Lease.Fingerprint = fingerprint
	rec.Lease.ExpiresAt = timestamppb.New(expires)

	// A granted requester consumes its reservation and the finished request
	if rec.Reservation != nil {
		rec.Reservation = nil
		if rec.Transfer != nil && rec.Transfer.Status == proto.RequestGranted &&
			rec.Transfer.RequesterOwnerID == caller.OwnerID && rec.Transfer.RequesterTabID == caller.TabID {
			rec.Transfer = nil
		}
	}
	a.persist(ctx, rec)
	a.mu.Unlock()

	a.metrics.LockAcquisitions.WithLabelValues("true").Inc()
	a.logger.Debug().
		Str("resource_id", resourceID).
		Str("owner_id", caller.OwnerID).
		Str("tab_id", caller.TabID).
		Bool("renewed", renewed).
		Msg("Lock acquired")
	a.notify(resourceID, proto.NoticeLockChanged, proto.ActionAcquire)

	return proto.AcquireData{
		Fingerprint: fingerprint,
		OwnerInfo:   &proto.OwnerInfo{SameOwner: true, SameTab: true, OwnerLabel: caller.Label},
		ExpiresAt:   &expires,
	}, nil
}

// Release gives up caller's lock. A pending transfer request lapses with it.
func (a *Arbiter) Release(ctx context.Context, resourceID string, caller Identity) error {
	a.mu.Lock()
	rec := a.record(ctx, resourceID)
	if !caller.owns(rec.Lease) {
		a.mu.Unlock()
		return ErrNotLockOwner
	}

	rec.Lease = nil
	a.metrics.ActiveLeases.Dec()
	requestChanged := false
	if t := rec.Transfer; t != nil && t.Status == proto.RequestPending {
		t.Status = proto.RequestExpired
		t.ExpiresAt = timestamppb.New(a.now().Add(a.config.RequestTTL))
		a.metrics.TransferRequests.WithLabelValues(string(proto.RequestExpired)).Inc()
		requestChanged = true
	}
	a.persist(ctx, rec)
	a.mu.Unlock()

	a.metrics.LockReleases.Inc()
	a.logger.Debug().Str("resource_id", resourceID).Str("owner_id", caller.OwnerID).Msg("Lock released")
	a.notify(resourceID, proto.NoticeLockChanged, proto.ActionRelease)
	if requestChanged {
		a.notify(resourceID, proto.NoticeRequestChanged, proto.ActionRelease)
	}
	return nil
}

// Heartbeat renews caller's lease. A non-empty fingerprint must match the
// current acquisition.
func (a *Arbiter) Heartbeat(ctx context.Context, resourceID string, caller Identity, fingerprint string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	rec := a.record(ctx, resourceID)
	if !caller.owns(rec.Lease) {
		return ErrNotLockOwner
	}
	if fingerprint != "" && rec.Lease.Fingerprint != fingerprint {
		return ErrNotLockOwner
	}

	rec.Lease.ExpiresAt = timestamppb.New(a.now().Add(a.config.LeaseTTL))
	a.persist(ctx, rec)
	return nil
}

// RequestStart asks the holder to hand the lock to caller. Repeating the
// call while the caller's request is pending returns the same id.
func (a *Arbiter) RequestStart(ctx context.Context, resourceID string, caller Identity, message string) (string, error) {
	a.mu.Lock()
	rec := a.record(ctx, resourceID)
	now := a.now()

	switch {
	case rec.Lease == nil:
		a.mu.Unlock()
		return "", ErrNotLocked
	case caller.owns(rec.Lease):
		a.mu.Unlock()
		return "", ErrAlreadyOwner
	}

	if t := rec.Transfer; t != nil && t.Status == proto.RequestPending {
		mine := t.RequesterOwnerID == caller.OwnerID && t.RequesterTabID == caller.TabID
		a.mu.Unlock()
		if mine {
			return t.RequestID, nil
		}
		return "", ErrRequestExists
	}

	requestID := uuid.New().String()
	rec.Transfer = &proto.TransferRecord{
		RequestID:        requestID,
		RequesterOwnerID: caller.OwnerID,
		RequesterTabID:   caller.TabID,
		RequesterLabel:   caller.Label,
		Message:          message,
		Status:           proto.RequestPending,
		CreatedAt:        timestamppb.New(now),
		ExpiresAt:        timestamppb.New(now.Add(a.config.RequestTTL)),
	}
	a.persist(ctx, rec)
	a.mu.Unlock()

	a.metrics.TransferRequests.WithLabelValues(string(proto.RequestPending)).Inc()
	a.logger.Debug().
		Str("resource_id", resourceID).
		Str("request_id", requestID).
		Str("requester", caller.OwnerID).
		Msg("Transfer requested")
	a.notify(resourceID, proto.NoticeRequestChanged, proto.ActionRequestStart)
	return requestID, nil
}

// RequestDecide answers the pending request as holder. Granting ends the
// holder's lease and reserves the resource for the requester.
func (a *Arbiter) RequestDecide(ctx context.Context, resourceID string, caller Identity, decision proto.Decision, requestID string) error {
	if decision != proto.DecisionGrant && decision != proto.DecisionDecline {
		return fmt.Errorf("invalid decision %q", decision)
	}

	a.mu.Lock()
	rec := a.record(ctx, resourceID)
	now := a.now()

	if !caller.owns(rec.Lease) {
		a.mu.Unlock()
		return ErrNotLockOwner
	}
	t := rec.Transfer
	if t == nil || t.Status != proto.RequestPending || (requestID != "" && t.RequestID != requestID) {
		a.mu.Unlock()
		return ErrRequestNotFound
	}

	t.DecidedAt = timestamppb.New(now)
	t.ExpiresAt = timestamppb.New(now.Add(a.config.RequestTTL))
	if decision == proto.DecisionGrant {
		t.Status = proto.RequestGranted
		rec.Lease = nil
		a.metrics.ActiveLeases.Dec()
		rec.Reservation = &proto.Reservation{
			OwnerID:   t.RequesterOwnerID,
			TabID:     t.RequesterTabID,
			Label:     t.RequesterLabel,
			ExpiresAt: timestamppb.New(now.Add(a.config.ReservationTTL)),
		}
	} else {
		t.Status = proto.RequestDeclined
	}
	status, decided := t.Status, t.RequestID
	a.persist(ctx, rec)
	a.mu.Unlock()

	a.metrics.TransferRequests.WithLabelValues(string(status)).Inc()
	a.logger.Debug().
		Str("resource_id", resourceID).
		Str("request_id", decided).
		Str("status", string(status)).
		Msg("Transfer request decided")
	a.notify(resourceID, proto.NoticeRequestChanged, proto.ActionRequestDecide)
	if decision == proto.DecisionGrant {
		a.notify(resourceID, proto.NoticeLockChanged, proto.ActionRequestDecide)
	}
	return nil
}

// RequestState returns the request caller must decide on as holder and the
// request caller started. A finished request is handed to its requester once.
func (a *Arbiter) RequestState(ctx context.Context, resourceID string, caller Identity) proto.RequestStateData {
	a.mu.Lock()
	defer a.mu.Unlock()

	rec := a.record(ctx, resourceID)
	t := rec.Transfer
	if t == nil {
		return proto.RequestStateData{}
	}

	var data proto.RequestStateData
	if t.Status == proto.RequestPending && caller.owns(rec.Lease) {
		data.PendingRequest = t.Wire()
	}
	if t.RequesterOwnerID == caller.OwnerID && t.RequesterTabID == caller.TabID {
		data.OutboundRequest = t.Wire()
		// Granted requests stay until the reservation is used
		if t.Status == proto.RequestDeclined || t.Status == proto.RequestExpired {
			rec.Transfer = nil
			a.persist(ctx, rec)
		}
	}
	return data
}
