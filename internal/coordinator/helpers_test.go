package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nkkko/packlock/internal/domain"
	"github.com/nkkko/packlock/internal/heartbeat"
	"github.com/nkkko/packlock/pkg/client"
	"github.com/nkkko/packlock/pkg/proto"
	"github.com/stretchr/testify/require"
)

var errNetwork = &client.TransportError{Action: "test", Err: errors.New("connection refused")}

// fakeGateway is a scripted Gateway. Calls named in hold block until the
// channel is closed, after signalling on entered.
type fakeGateway struct {
	mu sync.Mutex

	status          *proto.StatusData
	statusErr       error
	acquire         *client.AcquireResult
	acquireErr      error
	releaseErr      error
	heartbeatErr    error
	requestID       string
	requestErr      error
	decideErr       error
	requestState    *proto.RequestStateData
	requestStateErr error

	calls        map[string]int
	fingerprints []string
	decisions    []proto.Decision
	hold         map[string]chan struct{}
	entered      map[string]chan struct{}
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		status:       &proto.StatusData{},
		requestState: &proto.RequestStateData{},
		calls:        make(map[string]int),
		hold:         make(map[string]chan struct{}),
		entered:      make(map[string]chan struct{}),
	}
}

// block makes the next calls of name wait until the returned release func is called
func (f *fakeGateway) block(name string) (entered <-chan struct{}, release func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	hold := make(chan struct{})
	in := make(chan struct{}, 1)
	f.hold[name] = hold
	f.entered[name] = in
	var once sync.Once
	return in, func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.hold, name)
			f.mu.Unlock()
			close(hold)
		})
	}
}

func (f *fakeGateway) gate(name string) {
	f.mu.Lock()
	f.calls[name]++
	hold, in := f.hold[name], f.entered[name]
	f.mu.Unlock()

	if hold != nil {
		select {
		case in <- struct{}{}:
		default:
		}
		<-hold
	}
}

func (f *fakeGateway) set(fn func(f *fakeGateway)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeGateway) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeGateway) Status(ctx context.Context, resourceID string) (*proto.StatusData, error) {
	f.gate("status")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	out := *f.status
	return &out, nil
}

func (f *fakeGateway) Acquire(ctx context.Context, resourceID, fingerprint string) (*client.AcquireResult, error) {
	f.gate("acquire")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fingerprints = append(f.fingerprints, fingerprint)
	if f.acquireErr != nil {
		return nil, f.acquireErr
	}
	if f.acquire != nil {
		out := *f.acquire
		return &out, nil
	}
	return &client.AcquireResult{
		Acquired: true,
		Data: proto.AcquireData{
			Fingerprint: fingerprint,
			OwnerInfo:   &proto.OwnerInfo{SameOwner: true, SameTab: true, OwnerLabel: "Alice"},
		},
	}, nil
}

func (f *fakeGateway) Release(ctx context.Context, resourceID string) error {
	f.gate("release")
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.releaseErr
}

func (f *fakeGateway) Heartbeat(ctx context.Context, resourceID, fingerprint string) error {
	f.gate("heartbeat")
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.heartbeatErr
}

func (f *fakeGateway) RequestStart(ctx context.Context, resourceID, message string) (string, error) {
	f.gate("request_start")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.requestErr != nil {
		return "", f.requestErr
	}
	return f.requestID, nil
}

func (f *fakeGateway) RequestDecide(ctx context.Context, resourceID string, decision proto.Decision, requestID string) error {
	f.gate("request_decide")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.decisions = append(f.decisions, decision)
	return f.decideErr
}

func (f *fakeGateway) RequestState(ctx context.Context, resourceID string) (*proto.RequestStateData, error) {
	f.gate("request_state")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.requestStateErr != nil {
		return nil, f.requestStateErr
	}
	out := *f.requestState
	return &out, nil
}

// eventLog is a synchronous Publisher recording every event
type eventLog struct {
	mu     sync.Mutex
	events []domain.Event
}

func (l *eventLog) Publish(ev domain.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) all() []domain.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.Event(nil), l.events...)
}

func (l *eventLog) transitions() []domain.Event {
	var out []domain.Event
	for _, ev := range l.all() {
		if ev.Transition {
			out = append(out, ev)
		}
	}
	return out
}

func (l *eventLog) phases() []domain.Phase {
	var out []domain.Phase
	for _, ev := range l.transitions() {
		out = append(out, ev.State)
	}
	return out
}

func (l *eventLog) last() domain.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.events) == 0 {
		return domain.Event{}
	}
	return l.events[len(l.events)-1]
}

// fingerprints returns a generator yielding the given values in order
func fingerprints(values ...string) func() string {
	var mu sync.Mutex
	i := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		v := values[i%len(values)]
		i++
		return v
	}
}

func newTestMachine(t *testing.T, gw *fakeGateway, hb heartbeat.Config, fps ...string) (*Machine, *eventLog) {
	t.Helper()
	if len(fps) == 0 {
		fps = []string{"f1"}
	}
	cfg := DefaultConfig("pack-42")
	cfg.Heartbeat = hb
	cfg.NewFingerprint = fingerprints(fps...)

	events := &eventLog{}
	m, err := NewMachine(cfg, gw, events)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m, events
}

// quietHeartbeat never beats during a test
func quietHeartbeat() heartbeat.Config {
	return heartbeat.Config{Interval: time.Hour, Timeout: time.Second, FailureThreshold: 2}
}

// fastHeartbeat beats every few milliseconds
func fastHeartbeat() heartbeat.Config {
	return heartbeat.Config{Interval: 5 * time.Millisecond, Timeout: 100 * time.Millisecond, FailureThreshold: 2}
}

func waitEntered(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("gateway call never started")
	}
}
