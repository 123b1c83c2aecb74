package coordinator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nkkko/packlock/internal/domain"
	"github.com/nkkko/packlock/pkg/client"
	"github.com/nkkko/packlock/pkg/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingSubscriber struct{}

func (failingSubscriber) Subscribe(ctx context.Context, resourceID string) (*client.Subscription, error) {
	return nil, errors.New("stream unavailable")
}

func runPoller(t *testing.T, p *Poller) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, p.Run(ctx))
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func TestPollerFollowsStatusChanges(t *testing.T) {
	gw := newFakeGateway()
	m, _ := newTestMachine(t, gw, quietHeartbeat())

	p := NewPoller(PollerConfig{
		RequestInterval: 5 * time.Millisecond,
		StatusInterval:  5 * time.Millisecond,
		UseStream:       true,
	}, m, failingSubscriber{})
	runPoller(t, p)

	gw.set(func(f *fakeGateway) {
		f.status = &proto.StatusData{IsLocked: true, IsLockedByOther: true, OwnerInfo: &proto.OwnerInfo{OwnerLabel: "Bob"}}
	})

	assert.Eventually(t, func() bool {
		return m.Snapshot().Phase == domain.PhaseHeldByOther
	}, 2*time.Second, 5*time.Millisecond)
}

func TestPollerSurfacesIncomingRequests(t *testing.T) {
	gw := newFakeGateway()
	gw.status = &proto.StatusData{HasLock: true, IsLocked: true, Fingerprint: "f1"}
	m, events := newTestMachine(t, gw, quietHeartbeat())

	_, err := m.Acquire(context.Background())
	require.NoError(t, err)

	gw.set(func(f *fakeGateway) {
		f.requestState = &proto.RequestStateData{PendingRequest: &proto.TransferRequest{
			RequestID: "req-1", RequesterLabel: "Bob", Status: proto.RequestPending,
		}}
	})

	p := NewPoller(PollerConfig{
		RequestInterval: 5 * time.Millisecond,
		StatusInterval:  time.Hour,
	}, m, nil)
	runPoller(t, p)

	assert.Eventually(t, func() bool { return m.IncomingRequest() != nil }, 2*time.Second, 5*time.Millisecond)

	found := false
	for _, ev := range events.all() {
		if ev.Request != nil && ev.Request.RequestID == "req-1" && ev.Request.Direction == domain.DirectionIncoming {
			found = true
		}
	}
	assert.True(t, found)
}

func TestPollerSkipsRequestPollingWhenIdle(t *testing.T) {
	gw := newFakeGateway()
	m, _ := newTestMachine(t, gw, quietHeartbeat())

	p := NewPoller(PollerConfig{
		RequestInterval: 2 * time.Millisecond,
		StatusInterval:  time.Hour,
	}, m, nil)
	runPoller(t, p)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, gw.count("request_state"))
}

func TestDefaultPollerConfig(t *testing.T) {
	m, _ := newTestMachine(t, newFakeGateway(), quietHeartbeat())
	p := NewPoller(PollerConfig{}, m, nil)
	assert.Equal(t, DefaultPollerConfig().RequestInterval, p.config.RequestInterval)
	assert.Equal(t, DefaultPollerConfig().StatusInterval, p.config.StatusInterval)
}
