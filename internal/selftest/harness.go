package selftest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/nkkko/packlock/internal/domain"
	"github.com/nkkko/packlock/internal/logging"
	"github.com/rs/zerolog"
)

// Check names
const (
	CheckReady      = "machine_ready"
	CheckRegistry   = "registry_lookup"
	CheckHooks      = "hooks_subscribed"
	CheckBootstrap  = "bootstrap_recorded"
	CheckInvariants = "state_invariants"
)

// MachineLookup finds the machine registered for a resource
type MachineLookup interface {
	Lookup(resourceID string) (domain.StateReader, bool)
}

// HookRegistry reports which named subscribers are attached to the bus
type HookRegistry interface {
	HasSubscriber(name string) bool
}

// EventHistory reports which reasons the diagnostics recorder has seen
type EventHistory interface {
	HasReason(reason domain.Reason) bool
}

// Config contains self-test configuration
type Config struct {
	ResourceID string

	// Subscribers that must be attached for the run to pass
	RequiredHooks []string

	// How long to wait for the bootstrap event to reach the recorder
	SettleTimeout time.Duration
}

// Check is the outcome of one assertion
type Check struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// Report is the result of a self-test run
type Report struct {
	ResourceID string            `json:"resource_id"`
	StartedAt  time.Time         `json:"started_at"`
	Duration   time.Duration     `json:"duration_ns"`
	Passed     bool              `json:"passed"`
	Checks     []Check           `json:"checks"`
	Snapshot   *domain.LockState `json:"snapshot,omitempty"`
}

// Failed returns the checks that did not pass
func (r *Report) Failed() []Check {
	var failed []Check
	for _, c := range r.Checks {
		if !c.Passed {
			failed = append(failed, c)
		}
	}
	return failed
}

// WriteJSON writes the report as indented JSON
func (r *Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// Harness verifies that the coordination wiring is complete. It only reads.
type Harness struct {
	config   Config
	machines MachineLookup
	hooks    HookRegistry
	history  EventHistory
	logger   zerolog.Logger
}

// NewHarness creates a self-test harness
func NewHarness(config Config, machines MachineLookup, hooks HookRegistry, history EventHistory) (*Harness, error) {
	if config.ResourceID == "" {
		return nil, errors.New("resource id cannot be empty")
	}
	if machines == nil || hooks == nil || history == nil {
		return nil, errors.New("registry, hooks and history are required")
	}
	if config.SettleTimeout <= 0 {
		config.SettleTimeout = 2 * time.Second
	}

	return &Harness{
		config:   config,
		machines: machines,
		hooks:    hooks,
		history:  history,
		logger:   logging.Component("selftest"),
	}, nil
}

// Run waits for the machine to become ready and runs every check once.
// An error is returned only when ctx ends before the machine is ready.
func (h *Harness) Run(ctx context.Context) (*Report, error) {
	report := &Report{ResourceID: h.config.ResourceID, StartedAt: time.Now().UTC()}
	defer func() {
		report.Duration = time.Since(report.StartedAt)
		report.Passed = len(report.Checks) > 0 && len(report.Failed()) == 0
		h.logger.Info().
			Bool("passed", report.Passed).
			Int("failed", len(report.Failed())).
			Dur("duration", report.Duration).
			Msg("Self-test finished")
	}()

	machine, ok := h.machines.Lookup(h.config.ResourceID)
	report.add(CheckRegistry, ok, detailIf(!ok, "no machine registered for %q", h.config.ResourceID))
	if !ok {
		return report, nil
	}

	select {
	case <-machine.Ready():
		report.add(CheckReady, true, "")
	case <-ctx.Done():
		report.add(CheckReady, false, ctx.Err().Error())
		return report, fmt.Errorf("machine not ready: %w", ctx.Err())
	}

	var missing []string
	for _, name := range h.config.RequiredHooks {
		if !h.hooks.HasSubscriber(name) {
			missing = append(missing, name)
		}
	}
	report.add(CheckHooks, len(missing) == 0, detailIf(len(missing) > 0, "missing subscribers: %v", missing))

	seen := h.awaitBootstrap(ctx)
	report.add(CheckBootstrap, seen, detailIf(!seen, "recorder has no %s event", domain.ReasonBootstrap))

	snapshot := machine.Snapshot()
	report.Snapshot = &snapshot
	err := snapshot.Validate()
	report.add(CheckInvariants, err == nil, detailIf(err != nil, "%v", err))

	return report, nil
}

// awaitBootstrap gives the asynchronous bus a moment to deliver
func (h *Harness) awaitBootstrap(ctx context.Context) bool {
	if h.history.HasReason(domain.ReasonBootstrap) {
		return true
	}

	deadline := time.NewTimer(h.config.SettleTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return h.history.HasReason(domain.ReasonBootstrap)
		case <-deadline.C:
			return h.history.HasReason(domain.ReasonBootstrap)
		case <-ticker.C:
			if h.history.HasReason(domain.ReasonBootstrap) {
				return true
			}
		}
	}
}

func (r *Report) add(name string, passed bool, detail string) {
	r.Checks = append(r.Checks, Check{Name: name, Passed: passed, Detail: detail})
}

func detailIf(cond bool, format string, args ...any) string {
	if !cond {
		return ""
	}
	return fmt.Sprintf(format, args...)
}
