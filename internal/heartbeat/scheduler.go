package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nkkko/packlock/internal/logging"
	"github.com/nkkko/packlock/internal/metrics"
	"github.com/rs/zerolog"
)

// BeatFunc renews the lease identified by fingerprint
type BeatFunc func(ctx context.Context, fingerprint string) error

// ThresholdFunc is called when consecutive failures reach the threshold. It
// receives the fingerprint captured when the run started, which may be stale
// by the time it is called.
type ThresholdFunc func(ctx context.Context, fingerprint string)

// Config contains heartbeat configuration
type Config struct {
	// Time between the end of one beat and the start of the next
	Interval time.Duration

	// Upper bound for a single beat
	Timeout time.Duration

	// Consecutive failures that trigger re-verification
	FailureThreshold int
}

// DefaultConfig returns default heartbeat configuration
func DefaultConfig() Config {
	return Config{
		Interval:         90 * time.Second,
		Timeout:          15 * time.Second,
		FailureThreshold: 2,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.Interval <= 0 {
		return errors.New("heartbeat interval must be positive")
	}
	if c.Timeout <= 0 {
		return errors.New("heartbeat timeout must be positive")
	}
	if c.FailureThreshold < 1 {
		return fmt.Errorf("failure threshold must be at least 1, got %d", c.FailureThreshold)
	}
	return nil
}

// Scheduler renews a lease periodically while the lock is held. At most one
// run is active at a time and beats within a run never overlap: the next
// beat is scheduled only after the previous one returned.
type Scheduler struct {
	config      Config
	beat        BeatFunc
	onThreshold ThresholdFunc

	mu          sync.Mutex
	cancel      context.CancelFunc
	fingerprint string
	failures    int
	starts      int
	stops       int
	wg          sync.WaitGroup

	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// New creates a heartbeat scheduler
func New(config Config, beat BeatFunc, onThreshold ThresholdFunc) (*Scheduler, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if beat == nil {
		return nil, errors.New("beat function cannot be nil")
	}
	if onThreshold == nil {
		onThreshold = func(context.Context, string) {}
	}

	return &Scheduler{
		config:      config,
		beat:        beat,
		onThreshold: onThreshold,
		metrics:     metrics.GetMetrics(),
		logger:      logging.Component("heartbeat"),
	}, nil
}

// Start begins a run for fingerprint. It returns false if a run is already active.
func (s *Scheduler) Start(ctx context.Context, fingerprint string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return false
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.fingerprint = fingerprint
	s.failures = 0
	s.starts++
	s.metrics.HeartbeatRunning.Inc()

	s.logger.Debug().
		Str("fingerprint", fingerprint).
		Dur("interval", s.config.Interval).
		Msg("Heartbeat started")

	s.wg.Add(1)
	go s.run(runCtx, fingerprint)

	return true
}

// Stop cancels the active run without waiting for it to exit, so it is safe
// to call from inside a beat or threshold callback. It returns false if no
// run was active.
func (s *Scheduler) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return false
	}

	s.cancel()
	s.cancel = nil
	s.fingerprint = ""
	s.failures = 0
	s.stops++
	s.metrics.HeartbeatRunning.Dec()

	s.logger.Debug().Msg("Heartbeat stopped")
	return true
}

// Wait blocks until every run has exited
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Running reports whether a run is active
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// Fingerprint returns the fingerprint of the active run
func (s *Scheduler) Fingerprint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fingerprint
}

// Counts returns how many times the scheduler was started and stopped
func (s *Scheduler) Counts() (starts, stops int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.starts, s.stops
}

// ConsecutiveFailures returns the failure count of the active run
func (s *Scheduler) ConsecutiveFailures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures
}

func (s *Scheduler) setFailures(ctx context.Context, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// A stopped run must not leak its count into the next one
	if ctx.Err() == nil {
		s.failures = n
	}
}

// run is the renewal loop for one fingerprint
func (s *Scheduler) run(ctx context.Context, fingerprint string) {
	defer s.wg.Done()

	logger := s.logger.With().Str("fingerprint", fingerprint).Logger()

	timer := time.NewTimer(s.config.Interval)
	defer timer.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		beatCtx, cancel := context.WithTimeout(ctx, s.config.Timeout)
		start := time.Now()
		err := s.beat(beatCtx, fingerprint)
		cancel()
		s.metrics.HeartbeatDuration.Observe(time.Since(start).Seconds())

		if ctx.Err() != nil {
			return
		}

		if err != nil {
			failures++
			s.metrics.HeartbeatsTotal.WithLabelValues("failure").Inc()
			logger.Warn().
				Err(err).
				Int("consecutive_failures", failures).
				Int("threshold", s.config.FailureThreshold).
				Msg("Heartbeat failed")

			if failures >= s.config.FailureThreshold {
				failures = 0
				s.setFailures(ctx, 0)
				s.metrics.HeartbeatVerificationsTotal.Inc()
				logger.Info().Msg("Heartbeat failure threshold reached, re-verifying ownership")

				s.onThreshold(ctx, fingerprint)
				if ctx.Err() != nil {
					return
				}
			}
		} else {
			failures = 0
			s.metrics.HeartbeatsTotal.WithLabelValues("success").Inc()
		}
		s.setFailures(ctx, failures)

		timer.Reset(s.config.Interval)
	}
}
