package events

import (
	"errors"
	"sort"
	"sync"

	"github.com/nkkko/packlock/internal/domain"
	"github.com/nkkko/packlock/internal/logging"
	"github.com/nkkko/packlock/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/panics"
)

var (
	// ErrBusClosed is returned when subscribing to a closed bus
	ErrBusClosed = errors.New("event bus is closed")

	// ErrDuplicateSubscriber is returned when a subscriber name is already taken
	ErrDuplicateSubscriber = errors.New("subscriber already registered")
)

// Config contains event bus configuration
type Config struct {
	// Per-subscriber queue length. Events beyond it are dropped unless the
	// subscription is Lossless.
	QueueSize int
}

// DefaultConfig returns default bus configuration
func DefaultConfig() Config {
	return Config{QueueSize: 256}
}

// Bus fans every published event out to named subscribers. Each subscriber
// has its own queue and worker, so one slow or panicking handler never
// delays the publisher or the other subscribers.
type Bus struct {
	config Config

	// Subscription management
	subscribers     map[string]*subscriber
	subscribersLock sync.RWMutex
	closed          bool

	workers sync.WaitGroup
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

type subscriber struct {
	name     string
	handler  domain.Handler
	queue    chan domain.Event
	lossless bool

	dropped   uint64
	delivered uint64
	panicked  uint64
	statsLock sync.Mutex
}

// NewBus creates a new event bus
func NewBus(config Config) *Bus {
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultConfig().QueueSize
	}
	return &Bus{
		config:      config,
		subscribers: make(map[string]*subscriber),
		metrics:     metrics.GetMetrics(),
		logger:      logging.Component("event-bus"),
	}
}

// SubscribeOption tunes a single subscription
type SubscribeOption func(*subscriber)

// WithQueueSize overrides the bus queue length for one subscriber
func WithQueueSize(size int) SubscribeOption {
	return func(s *subscriber) {
		if size > 0 {
			s.queue = make(chan domain.Event, size)
		}
	}
}

// Lossless makes Publish wait for queue space instead of dropping. Only use
// it for handlers that never publish back into the bus.
func Lossless() SubscribeOption {
	return func(s *subscriber) {
		s.lossless = true
	}
}

// Subscribe registers handler under name. The returned function unsubscribes.
func (b *Bus) Subscribe(name string, handler domain.Handler, opts ...SubscribeOption) (func(), error) {
	b.subscribersLock.Lock()
	defer b.subscribersLock.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}
	if _, ok := b.subscribers[name]; ok {
		return nil, ErrDuplicateSubscriber
	}

	s := &subscriber{
		name:    name,
		handler: handler,
		queue:   make(chan domain.Event, b.config.QueueSize),
	}
	for _, opt := range opts {
		opt(s)
	}
	b.subscribers[name] = s
	b.metrics.BusSubscribers.Inc()

	b.workers.Add(1)
	go b.run(s)

	return func() { b.Unsubscribe(name) }, nil
}

// Unsubscribe removes a subscriber. Events already queued are still delivered.
func (b *Bus) Unsubscribe(name string) {
	b.subscribersLock.Lock()
	defer b.subscribersLock.Unlock()

	if s, ok := b.subscribers[name]; ok {
		close(s.queue)
		delete(b.subscribers, name)
		b.metrics.BusSubscribers.Dec()
	}
}

// Publish enqueues ev for every subscriber without blocking
func (b *Bus) Publish(ev domain.Event) {
	b.subscribersLock.RLock()
	defer b.subscribersLock.RUnlock()

	if b.closed {
		return
	}
	b.metrics.BusEventsPublished.Inc()

	for name, s := range b.subscribers {
		if s.lossless {
			s.queue <- ev
			continue
		}
		select {
		case s.queue <- ev:
		default:
			// Queue is full, drop
			s.statsLock.Lock()
			s.dropped++
			dropped := s.dropped
			s.statsLock.Unlock()

			b.metrics.BusEventsDropped.WithLabelValues(name).Inc()
			b.logger.Warn().
				Str("subscriber", name).
				Uint64("seq", ev.Seq).
				Uint64("dropped", dropped).
				Msg("Subscriber queue is full, dropping event")
		}
	}
}

// run delivers queued events to one subscriber in publish order
func (b *Bus) run(s *subscriber) {
	defer b.workers.Done()

	for ev := range s.queue {
		if r := panics.Try(func() { s.handler(ev) }); r != nil {
			s.statsLock.Lock()
			s.panicked++
			s.statsLock.Unlock()

			b.metrics.BusSubscriberPanics.WithLabelValues(s.name).Inc()
			b.logger.Error().
				Str("subscriber", s.name).
				Uint64("seq", ev.Seq).
				Str("panic", r.String()).
				Msg("Subscriber panicked while handling event")
			continue
		}

		s.statsLock.Lock()
		s.delivered++
		s.statsLock.Unlock()
	}
}

// Stats are delivery counters for one subscriber
type Stats struct {
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
	Panicked  uint64 `json:"panicked"`
}

// Stats returns the counters for a subscriber
func (b *Bus) Stats(name string) (Stats, bool) {
	b.subscribersLock.RLock()
	s, ok := b.subscribers[name]
	b.subscribersLock.RUnlock()
	if !ok {
		return Stats{}, false
	}

	s.statsLock.Lock()
	defer s.statsLock.Unlock()
	return Stats{Delivered: s.delivered, Dropped: s.dropped, Panicked: s.panicked}, true
}

// Subscribers returns the registered subscriber names in sorted order
func (b *Bus) Subscribers() []string {
	b.subscribersLock.RLock()
	defer b.subscribersLock.RUnlock()

	names := make([]string, 0, len(b.subscribers))
	for name := range b.subscribers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasSubscriber reports whether name is registered
func (b *Bus) HasSubscriber(name string) bool {
	b.subscribersLock.RLock()
	defer b.subscribersLock.RUnlock()
	_, ok := b.subscribers[name]
	return ok
}

// Close stops accepting events and waits until every queued event is delivered
func (b *Bus) Close() error {
	b.subscribersLock.Lock()
	if b.closed {
		b.subscribersLock.Unlock()
		return nil
	}
	b.closed = true
	for name, s := range b.subscribers {
		close(s.queue)
		delete(b.subscribers, name)
		b.metrics.BusSubscribers.Dec()
	}
	b.subscribersLock.Unlock()

	b.workers.Wait()
	return nil
}
