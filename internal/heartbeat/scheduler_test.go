package heartbeat

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		Interval:         10 * time.Millisecond,
		Timeout:          50 * time.Millisecond,
		FailureThreshold: 2,
	}
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := testConfig()
	cfg.Interval = 0
	assert.Error(t, cfg.Validate())

	cfg = testConfig()
	cfg.FailureThreshold = 0
	assert.Error(t, cfg.Validate())

	_, err := New(testConfig(), nil, nil)
	assert.Error(t, err)
}

func TestSchedulerBeatsWithFingerprint(t *testing.T) {
	var beats atomic.Int32
	var seen sync.Map
	s, err := New(testConfig(), func(ctx context.Context, fp string) error {
		seen.Store(fp, true)
		beats.Add(1)
		return nil
	}, nil)
	require.NoError(t, err)

	assert.True(t, s.Start(context.Background(), "f1"))
	assert.False(t, s.Start(context.Background(), "f2"), "second start while running is refused")
	assert.Equal(t, "f1", s.Fingerprint())

	assert.Eventually(t, func() bool { return beats.Load() >= 3 }, time.Second, 5*time.Millisecond)

	assert.True(t, s.Stop())
	assert.False(t, s.Stop(), "second stop is a no-op")
	s.Wait()

	_, usedF2 := seen.Load("f2")
	assert.False(t, usedF2)

	starts, stops := s.Counts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, stops)
	assert.False(t, s.Running())
}

func TestSchedulerNeverOverlapsBeats(t *testing.T) {
	var inFlight, maxInFlight, beats atomic.Int32
	s, err := New(testConfig(), func(ctx context.Context, fp string) error {
		n := inFlight.Add(1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		// Slower than the interval
		time.Sleep(25 * time.Millisecond)
		inFlight.Add(-1)
		beats.Add(1)
		return nil
	}, nil)
	require.NoError(t, err)

	s.Start(context.Background(), "f1")
	assert.Eventually(t, func() bool { return beats.Load() >= 4 }, 2*time.Second, 5*time.Millisecond)
	s.Stop()
	s.Wait()

	assert.Equal(t, int32(1), maxInFlight.Load())
}

func TestSchedulerThresholdTriggersVerification(t *testing.T) {
	var verified atomic.Int32
	var verifiedWith atomic.Value
	s, err := New(testConfig(), func(ctx context.Context, fp string) error {
		return errors.New("network down")
	}, func(ctx context.Context, fp string) {
		verifiedWith.Store(fp)
		verified.Add(1)
	})
	require.NoError(t, err)

	s.Start(context.Background(), "f1")
	assert.Eventually(t, func() bool { return verified.Load() >= 1 }, time.Second, 5*time.Millisecond)
	s.Stop()
	s.Wait()

	assert.Equal(t, "f1", verifiedWith.Load())
}

func TestSchedulerSuccessResetsFailures(t *testing.T) {
	var calls atomic.Int32
	var verified atomic.Int32
	s, err := New(testConfig(), func(ctx context.Context, fp string) error {
		// fail, succeed, fail, succeed...
		if calls.Add(1)%2 == 1 {
			return errors.New("flaky")
		}
		return nil
	}, func(ctx context.Context, fp string) {
		verified.Add(1)
	})
	require.NoError(t, err)

	s.Start(context.Background(), "f1")
	assert.Eventually(t, func() bool { return calls.Load() >= 8 }, 2*time.Second, 5*time.Millisecond)
	s.Stop()
	s.Wait()

	assert.Equal(t, int32(0), verified.Load(), "alternating failures never reach the threshold")
}

func TestSchedulerStopFromThresholdCallback(t *testing.T) {
	var s *Scheduler
	done := make(chan struct{})
	var err error
	s, err = New(testConfig(), func(ctx context.Context, fp string) error {
		return errors.New("gone")
	}, func(ctx context.Context, fp string) {
		// Lock lost: the owner stops the scheduler from inside the loop
		s.Stop()
		close(done)
	})
	require.NoError(t, err)

	s.Start(context.Background(), "f1")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("threshold callback not called")
	}

	waited := make(chan struct{})
	go func() {
		s.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(time.Second):
		t.Fatal("run did not exit after stop from callback")
	}
	assert.False(t, s.Running())
}

func TestSchedulerRestartPairsCounts(t *testing.T) {
	s, err := New(testConfig(), func(ctx context.Context, fp string) error { return nil }, nil)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.True(t, s.Start(context.Background(), "f"))
		require.True(t, s.Stop())
	}
	s.Wait()

	starts, stops := s.Counts()
	assert.Equal(t, 5, starts)
	assert.Equal(t, 5, stops)
}

func TestSchedulerParentContextCancel(t *testing.T) {
	var beats atomic.Int32
	s, err := New(testConfig(), func(ctx context.Context, fp string) error {
		beats.Add(1)
		return nil
	}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx, "f1")
	assert.Eventually(t, func() bool { return beats.Load() >= 1 }, time.Second, 5*time.Millisecond)
	cancel()
	s.Wait()

	after := beats.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, beats.Load())
}
