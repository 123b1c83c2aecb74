package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nkkko/packlock/internal/domain"
	"github.com/nkkko/packlock/internal/heartbeat"
	"github.com/nkkko/packlock/internal/logging"
	"github.com/nkkko/packlock/internal/metrics"
	"github.com/nkkko/packlock/pkg/client"
	"github.com/nkkko/packlock/pkg/proto"
	"github.com/rs/zerolog"
)

// Gateway is the subset of the gateway client the machine drives
type Gateway interface {
	Status(ctx context.Context, resourceID string) (*proto.StatusData, error)
	Acquire(ctx context.Context, resourceID, fingerprint string) (*client.AcquireResult, error)
	Release(ctx context.Context, resourceID string) error
	Heartbeat(ctx context.Context, resourceID, fingerprint string) error
	RequestStart(ctx context.Context, resourceID, message string) (string, error)
	RequestDecide(ctx context.Context, resourceID string, decision proto.Decision, requestID string) error
	RequestState(ctx context.Context, resourceID string) (*proto.RequestStateData, error)
}

// Config contains lock state machine configuration
type Config struct {
	ResourceID string
	Heartbeat  heartbeat.Config

	// NewFingerprint mints the token sent with each acquire
	NewFingerprint func() string
}

// DefaultConfig returns default machine configuration for resourceID
func DefaultConfig(resourceID string) Config {
	return Config{
		ResourceID:     resourceID,
		Heartbeat:      heartbeat.DefaultConfig(),
		NewFingerprint: uuid.NewString,
	}
}

type operation string

const (
	opAcquire      operation = "acquire"
	opRelease      operation = "release"
	opStatus       operation = "status"
	opRequest      operation = "request_ownership"
	opDecide       operation = "decide_request"
	opRequestState operation = "request_state"
)

// Machine owns the lock state for one resource. State only changes under mu
// and only in reaction to gateway replies; round trips happen outside mu.
type Machine struct {
	config    Config
	gateway   Gateway
	bus       domain.Publisher
	heartbeat *heartbeat.Scheduler

	mu       sync.Mutex
	state    domain.LockState
	epoch    uint64
	seq      uint64
	inFlight map[operation]bool
	incoming *domain.TransferRequest
	outbound *domain.TransferRequest
	runCtx   context.Context
	started  bool

	ready     chan struct{}
	readyOnce sync.Once

	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewMachine creates a lock state machine in the Unlocked phase
func NewMachine(config Config, gateway Gateway, bus domain.Publisher) (*Machine, error) {
	if config.ResourceID == "" {
		return nil, errors.New("resource id cannot be empty")
	}
	if gateway == nil {
		return nil, errors.New("gateway cannot be nil")
	}
	if bus == nil {
		return nil, errors.New("event publisher cannot be nil")
	}
	if config.NewFingerprint == nil {
		config.NewFingerprint = uuid.NewString
	}

	m := &Machine{
		config:   config,
		gateway:  gateway,
		bus:      bus,
		state:    domain.LockState{ResourceID: config.ResourceID, Phase: domain.PhaseUnlocked},
		inFlight: make(map[operation]bool),
		runCtx:   context.Background(),
		ready:    make(chan struct{}),
		metrics:  metrics.GetMetrics(),
		logger: logging.Component("lock-machine").With().
			Str("resource_id", config.ResourceID).
			Logger(),
	}

	hb, err := heartbeat.New(config.Heartbeat, m.beat, m.onHeartbeatThreshold)
	if err != nil {
		return nil, fmt.Errorf("failed to create heartbeat scheduler: %w", err)
	}
	m.heartbeat = hb

	m.metrics.CurrentPhase.WithLabelValues(config.ResourceID, string(domain.PhaseUnlocked)).Set(1)
	return m, nil
}

// Start performs the bootstrap status check, publishes the bootstrap event
// and marks the machine ready. ctx bounds the heartbeat runs.
func (m *Machine) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.started = true
	m.runCtx = ctx
	m.mu.Unlock()

	_, err := m.CheckLockStatus(ctx, domain.ReasonBootstrap)

	m.mu.Lock()
	m.emit(m.state.Phase, domain.ReasonBootstrap, nil, false)
	m.mu.Unlock()

	m.readyOnce.Do(func() { close(m.ready) })

	if err != nil {
		m.logger.Warn().Err(err).Msg("Bootstrap status check failed")
		return err
	}
	m.logger.Info().Str("phase", string(m.Snapshot().Phase)).Msg("Lock machine ready")
	return nil
}

// Ready is closed once the bootstrap event has been published
func (m *Machine) Ready() <-chan struct{} {
	return m.ready
}

// Close stops the heartbeat and waits for it to exit
func (m *Machine) Close() error {
	m.heartbeat.Stop()
	m.heartbeat.Wait()
	return nil
}

// ResourceID returns the protected resource id
func (m *Machine) ResourceID() string {
	return m.config.ResourceID
}

// Snapshot returns a copy of the current lock state
func (m *Machine) Snapshot() domain.LockState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Clone()
}

// IncomingRequest returns the transfer request awaiting this holder's decision
func (m *Machine) IncomingRequest() *domain.TransferRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneRequest(m.incoming)
}

// OutboundRequest returns the transfer request this session is waiting on
func (m *Machine) OutboundRequest() *domain.TransferRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneRequest(m.outbound)
}

// NeedsRequestPolling reports whether transfer requests can change: as
// holder an incoming request may arrive, as requester a decision may land.
func (m *Machine) NeedsRequestPolling() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Phase == domain.PhaseHeldBySelf || m.outbound != nil
}

// HeartbeatRunning reports whether the heartbeat scheduler is active
func (m *Machine) HeartbeatRunning() bool {
	return m.heartbeat.Running()
}

// HeartbeatCounts returns how often the heartbeat was started and stopped
func (m *Machine) HeartbeatCounts() (starts, stops int) {
	return m.heartbeat.Counts()
}

// Acquire asks the gateway for the lock
func (m *Machine) Acquire(ctx context.Context) (domain.LockState, error) {
	return m.acquire(ctx, domain.ReasonUserAction, nil)
}

func (m *Machine) acquire(ctx context.Context, reason domain.Reason, granted *domain.TransferRequest) (domain.LockState, error) {
	m.mu.Lock()
	if err := m.begin(opAcquire); err != nil {
		m.mu.Unlock()
		return m.Snapshot(), err
	}
	switch m.state.Phase {
	case domain.PhaseUnlocked, domain.PhaseHeldByOther, domain.PhaseLost, domain.PhaseError:
	case domain.PhaseBlocked:
		if m.outbound != nil {
			m.end(opAcquire)
			m.mu.Unlock()
			return m.Snapshot(), ErrRequestPending
		}
	default:
		phase := m.state.Phase
		m.end(opAcquire)
		m.mu.Unlock()
		return m.Snapshot(), &PhaseError{Op: "acquire", Phase: phase}
	}

	fingerprint := m.config.NewFingerprint()
	m.transition(domain.PhaseAcquiring, reason, granted, func(s *domain.LockState) {})
	epoch := m.epoch
	m.mu.Unlock()

	res, err := m.gateway.Acquire(ctx, m.config.ResourceID, fingerprint)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.end(opAcquire)

	if m.epoch != epoch {
		return m.stale(opAcquire)
	}

	switch {
	case err != nil:
		m.fail(err)
		return m.state.Clone(), err

	case res.Acquired && res.Data.Fingerprint == "":
		m.fail(ErrMissingFingerprint)
		return m.state.Clone(), ErrMissingFingerprint

	case res.Acquired:
		info := ownerInfo(res.Data.OwnerInfo, &domain.OwnerInfo{SameOwner: true, SameTab: true})
		m.transition(domain.PhaseHeldBySelf, reason, nil, func(s *domain.LockState) {
			s.Fingerprint = res.Data.Fingerprint
			s.OwnerInfo = info
			s.LastSyncedAt = time.Now()
		})

	default:
		info := ownerInfo(res.Data.OwnerInfo, &domain.OwnerInfo{})
		m.transition(domain.PhaseBlocked, reason, nil, func(s *domain.LockState) {
			s.OwnerInfo = info
			s.LastSyncedAt = time.Now()
		})
	}

	return m.state.Clone(), nil
}

// Release gives the lock back
func (m *Machine) Release(ctx context.Context) (domain.LockState, error) {
	m.mu.Lock()
	if err := m.begin(opRelease); err != nil {
		m.mu.Unlock()
		return m.Snapshot(), err
	}
	if m.state.Phase != domain.PhaseHeldBySelf {
		phase := m.state.Phase
		m.end(opRelease)
		m.mu.Unlock()
		return m.Snapshot(), &PhaseError{Op: "release", Phase: phase}
	}
	epoch := m.epoch
	m.mu.Unlock()

	err := m.gateway.Release(ctx, m.config.ResourceID)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.end(opRelease)

	if m.epoch != epoch {
		return m.stale(opRelease)
	}

	switch {
	case errors.Is(err, client.ErrNotLockOwner):
		return m.reverify(ctx, err)
	case client.IsGatewayError(err):
		return m.state.Clone(), err
	case err != nil:
		m.fail(err)
		return m.state.Clone(), err
	}

	m.incoming = nil
	m.transition(domain.PhaseUnlocked, domain.ReasonUserAction, nil, func(s *domain.LockState) {
		s.LastSyncedAt = time.Now()
	})
	return m.state.Clone(), nil
}

// RequestOwnership asks the current holder to hand the lock over
func (m *Machine) RequestOwnership(ctx context.Context, message string) (domain.LockState, error) {
	m.mu.Lock()
	if err := m.begin(opRequest); err != nil {
		m.mu.Unlock()
		return m.Snapshot(), err
	}
	if m.state.Phase != domain.PhaseBlocked && m.state.Phase != domain.PhaseHeldByOther {
		phase := m.state.Phase
		m.end(opRequest)
		m.mu.Unlock()
		return m.Snapshot(), &PhaseError{Op: "request ownership", Phase: phase}
	}
	if m.outbound != nil {
		m.end(opRequest)
		m.mu.Unlock()
		return m.Snapshot(), ErrRequestPending
	}
	epoch := m.epoch
	m.mu.Unlock()

	requestID, err := m.gateway.RequestStart(ctx, m.config.ResourceID, message)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.end(opRequest)

	if m.epoch != epoch {
		return m.stale(opRequest)
	}

	switch {
	case client.IsGatewayError(err):
		return m.state.Clone(), err
	case err != nil:
		m.fail(err)
		return m.state.Clone(), err
	}

	m.outbound = &domain.TransferRequest{
		RequestID: requestID,
		Message:   message,
		Status:    domain.RequestPending,
		Direction: domain.DirectionOutbound,
	}
	m.transition(domain.PhaseBlocked, domain.ReasonUserAction, cloneRequest(m.outbound), func(s *domain.LockState) {})
	return m.state.Clone(), nil
}

// DecideRequest answers the incoming transfer request as holder
func (m *Machine) DecideRequest(ctx context.Context, decision proto.Decision) (domain.LockState, error) {
	if decision != proto.DecisionGrant && decision != proto.DecisionDecline {
		return m.Snapshot(), fmt.Errorf("invalid decision %q", decision)
	}

	m.mu.Lock()
	if err := m.begin(opDecide); err != nil {
		m.mu.Unlock()
		return m.Snapshot(), err
	}
	if m.state.Phase != domain.PhaseHeldBySelf {
		phase := m.state.Phase
		m.end(opDecide)
		m.mu.Unlock()
		return m.Snapshot(), &PhaseError{Op: "decide request", Phase: phase}
	}
	if m.incoming == nil {
		m.end(opDecide)
		m.mu.Unlock()
		return m.Snapshot(), ErrNoPendingRequest
	}
	request := *m.incoming
	epoch := m.epoch
	m.mu.Unlock()

	err := m.gateway.RequestDecide(ctx, m.config.ResourceID, decision, request.RequestID)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.end(opDecide)

	if m.epoch != epoch {
		return m.stale(opDecide)
	}

	switch {
	case errors.Is(err, client.ErrRequestNotFound):
		// Expired at the gateway before we answered
		request.Status = domain.RequestExpired
		m.incoming = nil
		m.emit(m.state.Phase, domain.ReasonRequestDecision, &request, false)
		return m.state.Clone(), err
	case errors.Is(err, client.ErrNotLockOwner):
		return m.reverify(ctx, err)
	case client.IsGatewayError(err):
		return m.state.Clone(), err
	case err != nil:
		m.fail(err)
		return m.state.Clone(), err
	}

	m.incoming = nil
	if decision == proto.DecisionGrant {
		request.Status = domain.RequestGranted
		m.transition(domain.PhaseUnlocked, domain.ReasonRequestDecision, &request, func(s *domain.LockState) {
			s.LastSyncedAt = time.Now()
		})
	} else {
		request.Status = domain.RequestDeclined
		m.emit(m.state.Phase, domain.ReasonRequestDecision, &request, false)
	}
	return m.state.Clone(), nil
}

// reverify re-reads the lock status after the gateway refused us as holder
// and returns the refusal. Called with m.mu held; it is released for the
// round trip.
func (m *Machine) reverify(ctx context.Context, refusal error) (domain.LockState, error) {
	m.mu.Unlock()
	state, err := m.checkStatus(ctx, domain.ReasonGatewayError, "")
	m.mu.Lock()
	if err != nil {
		m.logger.Warn().Err(err).Msg("Status re-check after ownership refusal failed")
	}
	return state, refusal
}

// CheckLockStatus asks the gateway who holds the lock and recomputes the
// phase from the answer. Transport failures move to Error only for user
// and bootstrap checks; background checks leave the state for the next try.
func (m *Machine) CheckLockStatus(ctx context.Context, reason domain.Reason) (domain.LockState, error) {
	return m.checkStatus(ctx, reason, "")
}

// checkStatus runs a status round trip. A non-empty expected fingerprint
// guards the Lost transition against a fingerprint that changed meanwhile.
func (m *Machine) checkStatus(ctx context.Context, reason domain.Reason, expected string) (domain.LockState, error) {
	m.mu.Lock()
	if err := m.begin(opStatus); err != nil {
		m.mu.Unlock()
		return m.Snapshot(), err
	}
	epoch := m.epoch
	m.mu.Unlock()

	status, err := m.gateway.Status(ctx, m.config.ResourceID)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.end(opStatus)

	if expected != "" && (m.state.Phase != domain.PhaseHeldBySelf || m.state.Fingerprint != expected) {
		m.suppressStaleFingerprint(expected)
		return m.state.Clone(), ErrStaleFingerprint
	}
	if m.epoch != epoch {
		return m.stale(opStatus)
	}

	if err != nil {
		if !client.IsGatewayError(err) && (reason == domain.ReasonUserAction || reason == domain.ReasonBootstrap) {
			m.fail(err)
		}
		return m.state.Clone(), err
	}

	m.recompute(status, reason)
	return m.state.Clone(), nil
}

// recompute maps the gateway's view onto a phase
func (m *Machine) recompute(status *proto.StatusData, reason domain.Reason) {
	now := time.Now()
	phase := m.state.Phase
	believedSelf := phase == domain.PhaseHeldBySelf

	// The in-flight acquire owns the way out of Acquiring
	if phase == domain.PhaseAcquiring {
		return
	}

	lost := func() {
		m.incoming = nil
		m.transition(domain.PhaseLost, reason, nil, func(s *domain.LockState) {
			s.LastSyncedAt = now
		})
	}

	switch {
	case status.HasLock && status.Fingerprint != "":
		if believedSelf && m.state.Fingerprint != status.Fingerprint {
			lost()
			return
		}
		info := ownerInfo(status.OwnerInfo, &domain.OwnerInfo{SameOwner: true, SameTab: true})
		if believedSelf {
			m.state.OwnerInfo = info
			m.state.LastSyncedAt = now
			return
		}
		m.outbound = nil
		m.transition(domain.PhaseHeldBySelf, reason, nil, func(s *domain.LockState) {
			s.Fingerprint = status.Fingerprint
			s.OwnerInfo = info
			s.LastSyncedAt = now
		})

	case status.HasLock && believedSelf:
		// No fingerprint to compare: the gateway still names us holder
		m.state.OwnerInfo = ownerInfo(status.OwnerInfo, &domain.OwnerInfo{SameOwner: true, SameTab: true})
		m.state.LastSyncedAt = now

	case status.HasLock || status.IsLockedByOther:
		if believedSelf {
			lost()
			return
		}
		info := ownerInfo(status.OwnerInfo, &domain.OwnerInfo{})
		if status.HasLock {
			// Ours according to the gateway, but without a fingerprint we
			// cannot prove which acquisition it is
			info.SameOwner = true
		}
		if phase == domain.PhaseBlocked && m.outbound != nil {
			m.state.OwnerInfo = info
			m.state.LastSyncedAt = now
			return
		}
		if phase == domain.PhaseHeldByOther {
			m.state.OwnerInfo = info
			m.state.LastSyncedAt = now
			return
		}
		m.transition(domain.PhaseHeldByOther, reason, nil, func(s *domain.LockState) {
			s.OwnerInfo = info
			s.LastSyncedAt = now
		})

	default:
		if believedSelf {
			lost()
			return
		}
		if phase == domain.PhaseBlocked && m.outbound != nil {
			// A decision may be about to land; request polling resolves it
			m.state.LastSyncedAt = now
			return
		}
		if phase == domain.PhaseUnlocked {
			m.state.LastSyncedAt = now
			return
		}
		m.transition(domain.PhaseUnlocked, reason, nil, func(s *domain.LockState) {
			s.LastSyncedAt = now
		})
	}
}

// PollRequests fetches transfer request state and applies it: surfacing or
// clearing the incoming request as holder, and acting on a decision for
// the outbound request as requester.
func (m *Machine) PollRequests(ctx context.Context) (domain.LockState, error) {
	m.mu.Lock()
	if err := m.begin(opRequestState); err != nil {
		m.mu.Unlock()
		return m.Snapshot(), err
	}
	epoch := m.epoch
	m.mu.Unlock()

	data, err := m.gateway.RequestState(ctx, m.config.ResourceID)

	m.mu.Lock()
	m.end(opRequestState)

	if m.epoch != epoch {
		state, staleErr := m.stale(opRequestState)
		m.mu.Unlock()
		return state, staleErr
	}
	if err != nil {
		m.mu.Unlock()
		return m.Snapshot(), err
	}

	m.applyIncoming(data.PendingRequest)
	granted := m.applyOutbound(data.OutboundRequest)
	m.mu.Unlock()

	if granted != nil {
		return m.acquire(ctx, domain.ReasonRequestDecision, granted)
	}
	return m.Snapshot(), nil
}

func (m *Machine) applyIncoming(pending *proto.TransferRequest) {
	if m.state.Phase != domain.PhaseHeldBySelf {
		return
	}

	if pending != nil && pending.Status == proto.RequestPending {
		if m.incoming != nil && m.incoming.RequestID == pending.RequestID {
			return
		}
		m.incoming = fromWire(pending, domain.DirectionIncoming)
		m.emit(m.state.Phase, domain.ReasonPollResult, cloneRequest(m.incoming), false)
		return
	}

	if m.incoming != nil {
		cleared := *m.incoming
		cleared.Status = domain.RequestExpired
		if pending != nil && pending.RequestID == cleared.RequestID {
			cleared.Status = domain.RequestStatus(pending.Status)
		}
		m.incoming = nil
		m.emit(m.state.Phase, domain.ReasonPollResult, &cleared, false)
	}
}

// applyOutbound returns the request when it was granted and an acquire must follow
func (m *Machine) applyOutbound(outbound *proto.TransferRequest) *domain.TransferRequest {
	if m.outbound == nil || m.state.Phase != domain.PhaseBlocked {
		return nil
	}

	status := proto.RequestExpired
	if outbound != nil && outbound.RequestID == m.outbound.RequestID {
		status = outbound.Status
	}

	switch status {
	case proto.RequestPending:
		return nil

	case proto.RequestGranted:
		granted := *m.outbound
		granted.Status = domain.RequestGranted
		m.outbound = nil
		return &granted

	default:
		finished := *m.outbound
		finished.Status = domain.RequestStatus(status)
		m.outbound = nil
		reason := domain.ReasonPollResult
		if status == proto.RequestDeclined {
			reason = domain.ReasonRequestDecision
		}
		m.transition(domain.PhaseHeldByOther, reason, &finished, func(s *domain.LockState) {})
		return nil
	}
}

// beat is the heartbeat callback
func (m *Machine) beat(ctx context.Context, fingerprint string) error {
	if err := m.gateway.Heartbeat(ctx, m.config.ResourceID, fingerprint); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Phase == domain.PhaseHeldBySelf && m.state.Fingerprint == fingerprint {
		m.state.LastSyncedAt = time.Now()
		m.emit(m.state.Phase, domain.ReasonHeartbeatTick, nil, false)
	}
	return nil
}

// onHeartbeatThreshold re-verifies ownership after repeated heartbeat failures
func (m *Machine) onHeartbeatThreshold(ctx context.Context, fingerprint string) {
	m.mu.Lock()
	current := m.state.Phase == domain.PhaseHeldBySelf && m.state.Fingerprint == fingerprint
	if !current {
		m.suppressStaleFingerprint(fingerprint)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	state, err := m.checkStatus(ctx, domain.ReasonHeartbeatFailure, fingerprint)
	if err != nil {
		m.logger.Warn().Err(err).Str("phase", string(state.Phase)).Msg("Ownership re-verification failed")
	}
}

// suppressStaleFingerprint records a failure report for an acquisition that
// is no longer current. Caller holds mu.
func (m *Machine) suppressStaleFingerprint(fingerprint string) {
	m.metrics.StaleFingerprintsTotal.Inc()
	m.logger.Info().
		Err(ErrStaleFingerprint).
		Str("reported_fingerprint", fingerprint).
		Str("current_fingerprint", m.state.Fingerprint).
		Msg("Suppressed transition for stale fingerprint")

	ev := m.newEvent(m.state.Phase, domain.ReasonStaleFingerprint, nil, false)
	ev.Error = ErrStaleFingerprint.Error()
	m.bus.Publish(ev)
}

// begin marks op in flight. Caller holds mu.
func (m *Machine) begin(op operation) error {
	if m.inFlight[op] {
		m.metrics.InFlightRejectionsTotal.WithLabelValues(string(op)).Inc()
		return ErrOperationInFlight
	}
	m.inFlight[op] = true
	return nil
}

// end clears the in-flight flag of op. Caller holds mu.
func (m *Machine) end(op operation) {
	delete(m.inFlight, op)
}

// stale records a discarded reply. Caller holds mu.
func (m *Machine) stale(op operation) (domain.LockState, error) {
	m.metrics.StaleResponsesTotal.WithLabelValues(string(op)).Inc()
	m.logger.Debug().Str("operation", string(op)).Msg("Discarding stale gateway response")
	return m.state.Clone(), ErrStaleResponse
}

// fail moves to Error with err as the reason. Caller holds mu.
func (m *Machine) fail(err error) {
	m.incoming = nil
	m.outbound = nil
	m.transition(domain.PhaseError, domain.ReasonGatewayError, nil, func(s *domain.LockState) {
		s.LastError = err.Error()
	})
}

// transition moves to phase, applies mutate to the cleared state and
// publishes the event. The heartbeat follows HeldBySelf entry and exit.
// Caller holds mu.
func (m *Machine) transition(to domain.Phase, reason domain.Reason, req *domain.TransferRequest, mutate func(*domain.LockState)) {
	from := m.state.Phase

	next := domain.LockState{
		ResourceID:   m.state.ResourceID,
		Phase:        to,
		LastSyncedAt: m.state.LastSyncedAt,
	}
	if to.CarriesOwnerInfo() && m.state.OwnerInfo != nil {
		info := *m.state.OwnerInfo
		next.OwnerInfo = &info
	}
	mutate(&next)

	if err := next.Validate(); err != nil {
		// Never publish a state that breaks its own invariants
		m.logger.Error().Err(err).Str("from", string(from)).Str("to", string(to)).Msg("Rejected invalid transition")
		next = domain.LockState{
			ResourceID: m.state.ResourceID,
			Phase:      domain.PhaseError,
			LastError:  err.Error(),
		}
		to = domain.PhaseError
	}

	m.state = next
	m.epoch++

	if from == domain.PhaseHeldBySelf && to != domain.PhaseHeldBySelf {
		m.heartbeat.Stop()
	}
	if to == domain.PhaseHeldBySelf && from != domain.PhaseHeldBySelf {
		m.heartbeat.Start(m.runCtx, next.Fingerprint)
	}

	m.metrics.TransitionsTotal.WithLabelValues(string(from), string(to), string(reason)).Inc()
	m.metrics.CurrentPhase.WithLabelValues(m.config.ResourceID, string(from)).Set(0)
	m.metrics.CurrentPhase.WithLabelValues(m.config.ResourceID, string(to)).Set(1)

	m.logger.Info().
		Str("from", string(from)).
		Str("to", string(to)).
		Str("reason", string(reason)).
		Msg("Lock state transition")

	m.emit(from, reason, req, from != to)
}

// emit publishes the current state. Caller holds mu, so events leave in
// transition order.
func (m *Machine) emit(previous domain.Phase, reason domain.Reason, req *domain.TransferRequest, transition bool) {
	m.bus.Publish(m.newEvent(previous, reason, req, transition))
}

func (m *Machine) newEvent(previous domain.Phase, reason domain.Reason, req *domain.TransferRequest, transition bool) domain.Event {
	m.seq++
	state := m.state.Clone()
	return domain.Event{
		Seq:        m.seq,
		ResourceID: state.ResourceID,
		State:      state.Phase,
		Previous:   previous,
		Info:       state.OwnerInfo,
		Reason:     reason,
		Request:    cloneRequest(req),
		Error:      state.LastError,
		At:         time.Now(),
		Transition: transition,
	}
}

func ownerInfo(info *proto.OwnerInfo, fallback *domain.OwnerInfo) *domain.OwnerInfo {
	if info == nil {
		return fallback
	}
	return &domain.OwnerInfo{
		SameOwner:  info.SameOwner,
		SameTab:    info.SameTab,
		OwnerLabel: info.OwnerLabel,
	}
}

func fromWire(req *proto.TransferRequest, direction domain.Direction) *domain.TransferRequest {
	return &domain.TransferRequest{
		RequestID:      req.RequestID,
		RequesterLabel: req.RequesterLabel,
		Message:        req.Message,
		Status:         domain.RequestStatus(req.Status),
		Direction:      direction,
		ExpiresAt:      req.ExpiresAt,
	}
}

func cloneRequest(req *domain.TransferRequest) *domain.TransferRequest {
	if req == nil {
		return nil
	}
	out := *req
	return &out
}
