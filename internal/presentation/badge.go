package presentation

import (
	"fmt"
	"sync"

	"github.com/nkkko/packlock/internal/domain"
)

// Tone is the visual weight of a badge or toast
type Tone string

const (
	ToneNeutral Tone = "neutral"
	TonePending Tone = "pending"
	ToneSuccess Tone = "success"
	ToneWarning Tone = "warning"
	ToneDanger  Tone = "danger"
)

// BadgeView is what a status badge renders
type BadgeView struct {
	Text  string       `json:"text"`
	Tone  Tone         `json:"tone"`
	Phase domain.Phase `json:"phase"`
}

// Badge renders the lock status for the current event
type Badge struct {
	mu       sync.RWMutex
	view     BadgeView
	renders  int
	onChange func(BadgeView)
}

// NewBadge creates a badge showing the unlocked state. onChange may be nil.
func NewBadge(onChange func(BadgeView)) *Badge {
	return &Badge{
		view:     RenderBadge(domain.Event{State: domain.PhaseUnlocked}),
		onChange: onChange,
	}
}

// Handle re-renders the badge. It has the bus handler signature.
func (b *Badge) Handle(ev domain.Event) {
	view := RenderBadge(ev)

	b.mu.Lock()
	changed := view != b.view
	b.view = view
	b.renders++
	b.mu.Unlock()

	if changed && b.onChange != nil {
		b.onChange(view)
	}
}

// View returns the current rendering
func (b *Badge) View() BadgeView {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.view
}

// Renders returns how many events were rendered
func (b *Badge) Renders() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.renders
}

// RenderBadge maps an event to badge text
func RenderBadge(ev domain.Event) BadgeView {
	view := BadgeView{Phase: ev.State}
	holder := holderName(ev.Info)

	switch ev.State {
	case domain.PhaseUnlocked:
		view.Text, view.Tone = "Unlocked", ToneNeutral
	case domain.PhaseAcquiring:
		view.Text, view.Tone = "Acquiring lock…", TonePending
	case domain.PhaseHeldBySelf:
		view.Text, view.Tone = "You are editing", ToneSuccess
	case domain.PhaseHeldByOther:
		view.Text, view.Tone = "Locked by "+holder, ToneWarning
	case domain.PhaseBlocked:
		view.Text, view.Tone = "Waiting for "+holder, ToneWarning
		if ev.Request != nil && ev.Request.Direction == domain.DirectionOutbound && ev.Request.Status == domain.RequestPending {
			view.Text = "Transfer requested from " + holder
		}
	case domain.PhaseLost:
		view.Text, view.Tone = "Lock lost", ToneDanger
	case domain.PhaseError:
		view.Text, view.Tone = "Lock unavailable", ToneDanger
		if ev.Error != "" {
			view.Text = fmt.Sprintf("Lock unavailable: %s", ev.Error)
		}
	default:
		view.Text, view.Tone = string(ev.State), ToneNeutral
	}
	return view
}

func holderName(info *domain.OwnerInfo) string {
	switch {
	case info == nil:
		return "another user"
	case info.SameOwner && !info.SameTab:
		return "you in another tab"
	case info.OwnerLabel != "":
		return info.OwnerLabel
	default:
		return "another user"
	}
}
