package diagnostics

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/nkkko/packlock/internal/domain"
	"github.com/nkkko/packlock/internal/metrics"
)

// DefaultCapacity is the number of entries kept before the oldest is evicted
const DefaultCapacity = 500

// Entry is one recorded event
type Entry struct {
	Seq        uint64                  `json:"seq"`
	Timestamp  time.Time               `json:"timestamp"`
	ResourceID string                  `json:"resource_id"`
	Phase      domain.Phase            `json:"phase"`
	Previous   domain.Phase            `json:"previous,omitempty"`
	Reason     domain.Reason           `json:"reason,omitempty"`
	OwnerInfo  *domain.OwnerInfo       `json:"owner_info,omitempty"`
	Request    *domain.TransferRequest `json:"request,omitempty"`
	Error      string                  `json:"error,omitempty"`
	Transition bool                    `json:"transition"`
}

// Recorder keeps the most recent events in a fixed-capacity ring. Entries
// are never touched after insertion, so the underlying LRU order is
// insertion order and eviction is FIFO.
type Recorder struct {
	mu       sync.Mutex
	entries  *lru.Cache
	capacity int
	next     uint64
	evicted  uint64
	purging  bool
	metrics  *metrics.Metrics
}

// NewRecorder creates a recorder holding at most capacity entries
func NewRecorder(capacity int) (*Recorder, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("capacity must be positive, got %d", capacity)
	}

	r := &Recorder{
		capacity: capacity,
		metrics:  metrics.GetMetrics(),
	}

	cache, err := lru.NewWithEvict(capacity, func(key interface{}, value interface{}) {
		// Called with r.mu held from Add and Purge
		if r.purging {
			return
		}
		r.evicted++
		r.metrics.DiagnosticEvicted.Inc()
	})
	if err != nil {
		return nil, err
	}
	r.entries = cache

	return r, nil
}

// Handle records ev. It has the bus handler signature.
func (r *Recorder) Handle(ev domain.Event) {
	var info *domain.OwnerInfo
	if ev.Info != nil {
		copied := *ev.Info
		info = &copied
	}
	var req *domain.TransferRequest
	if ev.Request != nil {
		copied := *ev.Request
		req = &copied
	}

	entry := Entry{
		Seq:        ev.Seq,
		Timestamp:  ev.At,
		ResourceID: ev.ResourceID,
		Phase:      ev.State,
		Previous:   ev.Previous,
		Reason:     ev.Reason,
		OwnerInfo:  info,
		Request:    req,
		Error:      ev.Error,
		Transition: ev.Transition,
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.next++
	r.entries.Add(r.next, entry)
	r.metrics.DiagnosticEntries.Set(float64(r.entries.Len()))
}

// Entries returns the recorded entries, oldest first
func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := r.entries.Keys()
	out := make([]Entry, 0, len(keys))
	for _, key := range keys {
		// Peek keeps the recency order untouched
		if v, ok := r.entries.Peek(key); ok {
			out = append(out, v.(Entry))
		}
	}
	return out
}

// Len returns the number of entries held
func (r *Recorder) Len() int {
	return r.entries.Len()
}

// Capacity returns the maximum number of entries held
func (r *Recorder) Capacity() int {
	return r.capacity
}

// Evicted returns how many entries were dropped to make room
func (r *Recorder) Evicted() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.evicted
}

// HasReason reports whether any held entry carries reason
func (r *Recorder) HasReason(reason domain.Reason) bool {
	for _, e := range r.Entries() {
		if e.Reason == reason {
			return true
		}
	}
	return false
}

// Reset drops every entry
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	// Purge fires the eviction callback; those are not capacity evictions
	r.purging = true
	r.entries.Purge()
	r.purging = false
	r.metrics.DiagnosticEntries.Set(0)
}
