package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/nkkko/packlock/internal/gateway/store"
	"github.com/nkkko/packlock/internal/logging"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ServerConfig contains gateway server configuration
type ServerConfig struct {
	// Server address
	Addr string

	// Timeouts
	ReadTimeout     time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	API     APIConfig
	Arbiter Config
	Hub     HubConfig
	Store   store.Config
}

// DefaultServerConfig returns a default configuration
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:            ":8080",
		ReadTimeout:     5 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		API:             APIConfig{ServiceName: "packlock-gateway", ExposeMetrics: true},
		Arbiter:         DefaultConfig(),
		Hub:             DefaultHubConfig(),
		Store:           store.DefaultConfig(),
	}
}

// Server is the reference lock gateway: lease store, arbiter, push hub and
// HTTP surface
type Server struct {
	config  ServerConfig
	store   store.LeaseStore
	arbiter *Arbiter
	hub     *Hub
	api     *API

	mu       sync.Mutex
	listener net.Listener
	logger   zerolog.Logger
}

// NewServer opens the configured store and wires the gateway components
func NewServer(config ServerConfig) (*Server, error) {
	defaults := DefaultServerConfig()
	if config.Addr == "" {
		config.Addr = defaults.Addr
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = defaults.ReadTimeout
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = defaults.IdleTimeout
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = defaults.ShutdownTimeout
	}

	leases, err := store.New(config.Store)
	if err != nil {
		return nil, fmt.Errorf("failed to open lease store: %w", err)
	}

	hub := NewHub(config.Hub)
	arbiter := NewArbiter(config.Arbiter, leases, hub)

	return &Server{
		config:  config,
		store:   leases,
		arbiter: arbiter,
		hub:     hub,
		api:     NewAPI(config.API, arbiter, hub),
		logger:  logging.Component("gateway"),
	}, nil
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.api.Handler()
}

// Arbiter returns the lock arbiter
func (s *Server) Arbiter() *Arbiter {
	return s.arbiter
}

// Hub returns the push hub
func (s *Server) Hub() *Hub {
	return s.hub
}

// Addr returns the bound address once the server is listening
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.Addr
}

// Start runs the arbiter, the hub and the HTTP server until ctx is
// cancelled or one of them fails. The store is closed on return.
func (s *Server) Start(ctx context.Context) error {
	defer func() {
		if err := s.store.Close(); err != nil {
			s.logger.Error().Err(err).Msg("Failed to close lease store")
		}
	}()

	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	// Websocket subscribers hold their connection open, so no write timeout
	server := &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: s.config.ReadTimeout,
		IdleTimeout: s.config.IdleTimeout,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.arbiter.Start(ctx)
	})

	g.Go(func() error {
		return s.hub.Start(ctx)
	})

	g.Go(func() error {
		s.logger.Info().Str("addr", listener.Addr().String()).Msg("Lock gateway listening")
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("gateway server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		s.logger.Info().Msg("Shutting down lock gateway")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("gateway shutdown failed: %w", err)
		}
		return nil
	})

	return g.Wait()
}
