package presentation

import (
	"sync"
	"testing"

	"github.com/nkkko/packlock/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderBadge(t *testing.T) {
	tests := []struct {
		name string
		ev   domain.Event
		text string
		tone Tone
	}{
		{"unlocked", domain.Event{State: domain.PhaseUnlocked}, "Unlocked", ToneNeutral},
		{"acquiring", domain.Event{State: domain.PhaseAcquiring}, "Acquiring lock…", TonePending},
		{"held by self", domain.Event{State: domain.PhaseHeldBySelf, Info: &domain.OwnerInfo{SameOwner: true, SameTab: true}}, "You are editing", ToneSuccess},
		{"held by other", domain.Event{State: domain.PhaseHeldByOther, Info: &domain.OwnerInfo{OwnerLabel: "Bob"}}, "Locked by Bob", ToneWarning},
		{"held in other tab", domain.Event{State: domain.PhaseHeldByOther, Info: &domain.OwnerInfo{SameOwner: true}}, "Locked by you in another tab", ToneWarning},
		{"blocked", domain.Event{State: domain.PhaseBlocked, Info: &domain.OwnerInfo{OwnerLabel: "Bob"}}, "Waiting for Bob", ToneWarning},
		{
			"blocked with request",
			domain.Event{
				State:   domain.PhaseBlocked,
				Info:    &domain.OwnerInfo{OwnerLabel: "Bob"},
				Request: &domain.TransferRequest{Direction: domain.DirectionOutbound, Status: domain.RequestPending},
			},
			"Transfer requested from Bob", ToneWarning,
		},
		{"lost", domain.Event{State: domain.PhaseLost}, "Lock lost", ToneDanger},
		{"error", domain.Event{State: domain.PhaseError, Error: "timeout"}, "Lock unavailable: timeout", ToneDanger},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			view := RenderBadge(tt.ev)
			assert.Equal(t, tt.text, view.Text)
			assert.Equal(t, tt.tone, view.Tone)
			assert.Equal(t, tt.ev.State, view.Phase)
		})
	}
}

func TestBadgeHandle(t *testing.T) {
	var mu sync.Mutex
	var changes []BadgeView
	b := NewBadge(func(v BadgeView) {
		mu.Lock()
		defer mu.Unlock()
		changes = append(changes, v)
	})
	assert.Equal(t, domain.PhaseUnlocked, b.View().Phase)

	b.Handle(domain.Event{State: domain.PhaseUnlocked})
	b.Handle(domain.Event{State: domain.PhaseAcquiring})
	b.Handle(domain.Event{State: domain.PhaseHeldBySelf})

	assert.Equal(t, 3, b.Renders())
	assert.Equal(t, "You are editing", b.View().Text)
	require.Len(t, changes, 2, "unchanged renders do not notify")
}

func TestToastFor(t *testing.T) {
	t.Run("incoming request", func(t *testing.T) {
		toast, ok := ToastFor(domain.Event{
			State:   domain.PhaseHeldBySelf,
			Request: &domain.TransferRequest{Direction: domain.DirectionIncoming, Status: domain.RequestPending, RequesterLabel: "Bob", Message: "need it"},
		})
		require.True(t, ok)
		assert.Equal(t, "Bob is asking for the lock", toast.Title)
		assert.Equal(t, "need it", toast.Message)
		assert.False(t, toast.At.IsZero())
	})

	t.Run("lost", func(t *testing.T) {
		toast, ok := ToastFor(domain.Event{State: domain.PhaseLost, Transition: true})
		require.True(t, ok)
		assert.Equal(t, ToneDanger, toast.Tone)
	})

	t.Run("declined", func(t *testing.T) {
		toast, ok := ToastFor(domain.Event{
			State:      domain.PhaseHeldByOther,
			Transition: true,
			Request:    &domain.TransferRequest{Direction: domain.DirectionOutbound, Status: domain.RequestDeclined},
		})
		require.True(t, ok)
		assert.Equal(t, "Your transfer request was declined", toast.Title)
	})

	t.Run("blocked after acquire", func(t *testing.T) {
		toast, ok := ToastFor(domain.Event{
			State: domain.PhaseBlocked, Previous: domain.PhaseAcquiring, Transition: true,
			Info: &domain.OwnerInfo{OwnerLabel: "Bob"},
		})
		require.True(t, ok)
		assert.Equal(t, "Locked by Bob", toast.Title)
	})

	t.Run("routine events are quiet", func(t *testing.T) {
		for _, ev := range []domain.Event{
			{State: domain.PhaseHeldBySelf, Reason: domain.ReasonHeartbeatTick},
			{State: domain.PhaseUnlocked, Transition: true},
			{State: domain.PhaseAcquiring, Transition: true},
			{State: domain.PhaseHeldBySelf, Reason: domain.ReasonStaleFingerprint},
		} {
			_, ok := ToastFor(ev)
			assert.False(t, ok, "%s/%s", ev.State, ev.Reason)
		}
	})
}

func TestToastsKeepsLatest(t *testing.T) {
	var sunk int
	toasts := NewToasts(2, func(Toast) { sunk++ })

	for i := 0; i < 3; i++ {
		toasts.Handle(domain.Event{State: domain.PhaseLost, Transition: true})
	}
	toasts.Handle(domain.Event{State: domain.PhaseUnlocked, Transition: true})

	assert.Len(t, toasts.Recent(), 2)
	assert.Equal(t, 3, sunk)
}
