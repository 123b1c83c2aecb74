package presentation

import (
	"sync"
	"time"

	"github.com/nkkko/packlock/internal/domain"
)

// Toast is a transient notification
type Toast struct {
	Tone    Tone      `json:"tone"`
	Title   string    `json:"title"`
	Message string    `json:"message,omitempty"`
	At      time.Time `json:"at"`
}

// Toasts turns notable events into notifications and keeps the latest ones
type Toasts struct {
	mu     sync.Mutex
	recent []Toast
	limit  int
	sink   func(Toast)
}

// NewToasts creates a toast adapter keeping up to limit notifications. sink may be nil.
func NewToasts(limit int, sink func(Toast)) *Toasts {
	if limit <= 0 {
		limit = 20
	}
	return &Toasts{limit: limit, sink: sink}
}

// Handle shows a toast for ev if it deserves one. It has the bus handler signature.
func (t *Toasts) Handle(ev domain.Event) {
	toast, ok := ToastFor(ev)
	if !ok {
		return
	}

	t.mu.Lock()
	t.recent = append(t.recent, toast)
	if len(t.recent) > t.limit {
		t.recent = t.recent[len(t.recent)-t.limit:]
	}
	t.mu.Unlock()

	if t.sink != nil {
		t.sink(toast)
	}
}

// Recent returns the kept toasts, oldest first
func (t *Toasts) Recent() []Toast {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Toast(nil), t.recent...)
}

// ToastFor maps an event to a toast. Routine events produce none.
func ToastFor(ev domain.Event) (Toast, bool) {
	toast := Toast{At: ev.At}
	if toast.At.IsZero() {
		toast.At = time.Now()
	}

	if req := ev.Request; req != nil {
		switch {
		case req.Direction == domain.DirectionIncoming && req.Status == domain.RequestPending:
			toast.Tone, toast.Title = ToneWarning, requesterName(req)+" is asking for the lock"
			toast.Message = req.Message
			return toast, true
		case req.Direction == domain.DirectionIncoming && req.Status == domain.RequestExpired:
			toast.Tone, toast.Title = ToneNeutral, "Transfer request expired"
			return toast, true
		case req.Direction == domain.DirectionOutbound && req.Status == domain.RequestGranted:
			toast.Tone, toast.Title = ToneSuccess, "Your transfer request was granted"
			return toast, true
		case req.Direction == domain.DirectionOutbound && req.Status == domain.RequestDeclined:
			toast.Tone, toast.Title = ToneWarning, "Your transfer request was declined"
			return toast, true
		case req.Direction == domain.DirectionOutbound && req.Status == domain.RequestExpired:
			toast.Tone, toast.Title = ToneNeutral, "Your transfer request expired"
			return toast, true
		}
	}

	if !ev.Transition {
		return Toast{}, false
	}

	switch ev.State {
	case domain.PhaseLost:
		toast.Tone, toast.Title = ToneDanger, "You lost the lock"
		toast.Message = "Another session took over. Unsaved changes may conflict."
		return toast, true
	case domain.PhaseError:
		toast.Tone, toast.Title = ToneDanger, "Lock service unavailable"
		toast.Message = ev.Error
		return toast, true
	case domain.PhaseBlocked:
		if ev.Previous == domain.PhaseAcquiring {
			toast.Tone, toast.Title = ToneWarning, "Locked by "+holderName(ev.Info)
			return toast, true
		}
	}
	return Toast{}, false
}

func requesterName(req *domain.TransferRequest) string {
	if req.RequesterLabel != "" {
		return req.RequesterLabel
	}
	return "Someone"
}
