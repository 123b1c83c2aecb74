package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nkkko/packlock/internal/coordinator"
	"github.com/nkkko/packlock/internal/diagnostics"
	"github.com/nkkko/packlock/internal/domain"
	"github.com/nkkko/packlock/internal/events"
	"github.com/nkkko/packlock/internal/heartbeat"
	"github.com/nkkko/packlock/internal/logging"
	"github.com/nkkko/packlock/internal/presentation"
	"github.com/nkkko/packlock/internal/selftest"
	"github.com/nkkko/packlock/pkg/client"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Names under which the built-in consumers subscribe to the bus
const (
	HookBadge       = "badge"
	HookToasts      = "toasts"
	HookDiagnostics = "diagnostics"
)

// RequiredHooks are the subscribers the self-test expects
var RequiredHooks = []string{HookBadge, HookToasts, HookDiagnostics}

// Config contains client application configuration
type Config struct {
	// Gateway endpoint, e.g. http://localhost:8080/api/lock
	GatewayURL string

	// Protected resource
	ResourceID string

	// Session identity
	OwnerID    string
	OwnerLabel string
	TabID      string

	// Per-request gateway timeout
	Timeout time.Duration

	Heartbeat heartbeat.Config
	Poller    coordinator.PollerConfig
	Bus       events.Config

	// Ring buffer size of the diagnostics recorder
	DiagnosticsCapacity int

	// Address of the local diagnostics server, empty disables it
	DiagnosticsAddr string
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() Config {
	return Config{
		GatewayURL:          "http://localhost:8080/api/lock",
		OwnerID:             "anonymous",
		Timeout:             client.DefaultTimeout,
		Heartbeat:           heartbeat.DefaultConfig(),
		Poller:              coordinator.DefaultPollerConfig(),
		Bus:                 events.DefaultConfig(),
		DiagnosticsCapacity: diagnostics.DefaultCapacity,
	}
}

type options struct {
	gateway        coordinator.Gateway
	subscriber     coordinator.Subscriber
	newFingerprint func() string
	onBadge        func(presentation.BadgeView)
	onToast        func(presentation.Toast)
}

// Option customizes how the application is composed
type Option func(*options)

// WithGateway replaces the HTTP gateway client. subscriber may be nil.
func WithGateway(gateway coordinator.Gateway, subscriber coordinator.Subscriber) Option {
	return func(o *options) {
		o.gateway = gateway
		o.subscriber = subscriber
	}
}

// WithFingerprints sets the fingerprint generator used for acquires
func WithFingerprints(fn func() string) Option {
	return func(o *options) {
		o.newFingerprint = fn
	}
}

// WithBadgeListener is called whenever the badge text changes
func WithBadgeListener(fn func(presentation.BadgeView)) Option {
	return func(o *options) {
		o.onBadge = fn
	}
}

// WithToastSink receives every toast
func WithToastSink(fn func(presentation.Toast)) Option {
	return func(o *options) {
		o.onToast = fn
	}
}

// App wires the gateway client, lock machine, bus and its consumers for one
// resource
type App struct {
	config   Config
	client   *client.Client
	bus      *events.Bus
	registry *Registry
	machine  *coordinator.Machine
	poller   *coordinator.Poller
	recorder *diagnostics.Recorder
	badge    *presentation.Badge
	toasts   *presentation.Toasts
	server   *DiagnosticsServer
	logger   zerolog.Logger
}

// New composes the application. Consumers are subscribed before the machine
// exists so the bootstrap event is never missed.
func New(config Config, opts ...Option) (*App, error) {
	if config.ResourceID == "" {
		return nil, errors.New("resource id cannot be empty")
	}

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	a := &App{
		config:   config,
		registry: NewRegistry(),
		bus:      events.NewBus(config.Bus),
		logger: logging.Component("app").With().
			Str("resource_id", config.ResourceID).
			Logger(),
	}

	gateway, subscriber := o.gateway, o.subscriber
	if gateway == nil {
		if config.GatewayURL == "" {
			return nil, errors.New("gateway url cannot be empty")
		}
		clientOpts := []client.ClientOption{
			client.WithTimeout(config.Timeout),
			client.WithOwner(config.OwnerID, config.OwnerLabel),
		}
		if config.TabID != "" {
			clientOpts = append(clientOpts, client.WithTabID(config.TabID))
		}
		a.client = client.New(config.GatewayURL, clientOpts...)
		gateway, subscriber = a.client, a.client
	}

	capacity := config.DiagnosticsCapacity
	if capacity <= 0 {
		capacity = diagnostics.DefaultCapacity
	}
	recorder, err := diagnostics.NewRecorder(capacity)
	if err != nil {
		return nil, fmt.Errorf("failed to create diagnostics recorder: %w", err)
	}
	a.recorder = recorder
	a.badge = presentation.NewBadge(o.onBadge)
	a.toasts = presentation.NewToasts(0, o.onToast)

	hooks := map[string]domain.Handler{
		HookDiagnostics: a.recorder.Handle,
		HookBadge:       a.badge.Handle,
		HookToasts:      a.toasts.Handle,
	}
	for _, name := range RequiredHooks {
		var opts []events.SubscribeOption
		if name == HookDiagnostics {
			// Diagnostics must see every event
			opts = append(opts, events.Lossless())
		}
		if _, err := a.bus.Subscribe(name, hooks[name], opts...); err != nil {
			a.bus.Close()
			return nil, fmt.Errorf("failed to subscribe %s: %w", name, err)
		}
	}

	machineConfig := coordinator.DefaultConfig(config.ResourceID)
	machineConfig.Heartbeat = config.Heartbeat
	if o.newFingerprint != nil {
		machineConfig.NewFingerprint = o.newFingerprint
	}
	machine, err := coordinator.NewMachine(machineConfig, gateway, a.bus)
	if err != nil {
		a.bus.Close()
		return nil, fmt.Errorf("failed to create lock machine: %w", err)
	}
	a.machine = machine
	if err := a.registry.Register(machine); err != nil {
		a.bus.Close()
		return nil, err
	}

	a.poller = coordinator.NewPoller(config.Poller, machine, subscriber)

	if config.DiagnosticsAddr != "" {
		a.server = NewDiagnosticsServer(config.DiagnosticsAddr, a)
	}

	return a, nil
}

// Boot runs the bootstrap status check without starting the poller.
// A transport failure leaves the machine in the Error phase and is returned.
func (a *App) Boot(ctx context.Context) error {
	return a.machine.Start(ctx)
}

// Run boots the machine unless Boot already did, then polls and serves diagnostics until ctx is
// cancelled
func (a *App) Run(ctx context.Context) error {
	a.logger.Info().Str("gateway", a.config.GatewayURL).Msg("Starting lock coordination")

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := a.machine.Start(ctx)
		switch {
		case err == nil, errors.Is(err, coordinator.ErrAlreadyStarted):
		case client.IsTransportError(err):
			// The poller's status checks recover from the Error phase
			a.logger.Warn().Err(err).Msg("Gateway unreachable at startup, will keep polling")
		default:
			return fmt.Errorf("failed to start lock machine: %w", err)
		}
		return a.poller.Run(ctx)
	})

	if a.server != nil {
		g.Go(func() error {
			return a.server.Start(ctx)
		})
	}

	err := g.Wait()
	a.Close()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("error running app: %w", err)
	}

	a.logger.Info().Msg("Lock coordination stopped")
	return nil
}

// Close stops the heartbeat and drains the bus
func (a *App) Close() error {
	if err := a.machine.Close(); err != nil {
		a.logger.Error().Err(err).Msg("Failed to close lock machine")
	}
	return a.bus.Close()
}

// SelfTest checks the wiring once the machine is ready
func (a *App) SelfTest(ctx context.Context) (*selftest.Report, error) {
	harness, err := selftest.NewHarness(selftest.Config{
		ResourceID:    a.config.ResourceID,
		RequiredHooks: RequiredHooks,
	}, a.registry, a.bus, a.recorder)
	if err != nil {
		return nil, err
	}
	return harness.Run(ctx)
}

// State returns the session view served at /state
func (a *App) State() StateView {
	return StateView{
		State:    a.machine.Snapshot(),
		Badge:    a.badge.View(),
		Toasts:   a.toasts.Recent(),
		Incoming: a.machine.IncomingRequest(),
		Outbound: a.machine.OutboundRequest(),
		Hooks:    a.bus.Subscribers(),
	}
}

// Machine returns the lock machine
func (a *App) Machine() *coordinator.Machine { return a.machine }

// Registry returns the machine registry
func (a *App) Registry() *Registry { return a.registry }

// Bus returns the event bus
func (a *App) Bus() *events.Bus { return a.bus }

// Recorder returns the diagnostics recorder
func (a *App) Recorder() *diagnostics.Recorder { return a.recorder }

// Badge returns the status badge
func (a *App) Badge() *presentation.Badge { return a.badge }

// Toasts returns the toast adapter
func (a *App) Toasts() *presentation.Toasts { return a.toasts }

// Client returns the HTTP gateway client, nil when a custom gateway was injected
func (a *App) Client() *client.Client { return a.client }
