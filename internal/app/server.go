package app

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/nkkko/packlock/internal/domain"
	"github.com/nkkko/packlock/internal/logging"
	"github.com/nkkko/packlock/internal/presentation"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// StateView is the JSON document served at /state
type StateView struct {
	State    domain.LockState        `json:"state"`
	Badge    presentation.BadgeView  `json:"badge"`
	Toasts   []presentation.Toast    `json:"toasts"`
	Incoming *domain.TransferRequest `json:"incoming_request,omitempty"`
	Outbound *domain.TransferRequest `json:"outbound_request,omitempty"`
	Hooks    []string                `json:"hooks"`
}

// DiagnosticsServer exposes the local session's state, diagnostics export,
// self-test and metrics over HTTP
type DiagnosticsServer struct {
	addr   string
	app    *App
	router *chi.Mux

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
	logger   zerolog.Logger
}

// NewDiagnosticsServer creates a diagnostics server for app
func NewDiagnosticsServer(addr string, app *App) *DiagnosticsServer {
	s := &DiagnosticsServer{
		addr:   addr,
		app:    app,
		logger: logging.Component("diagnostics-server"),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/state", s.handleState)
	r.Get("/selftest", s.handleSelfTest)
	r.Method(http.MethodGet, "/diagnostics", app.Recorder().Handler())
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	s.router = r

	return s
}

// Handler returns the HTTP handler
func (s *DiagnosticsServer) Handler() http.Handler {
	return s.router
}

// Addr returns the bound address once the server is listening
func (s *DiagnosticsServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Start serves until ctx is cancelled
func (s *DiagnosticsServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	server := &http.Server{
		Handler:      s.router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	s.mu.Lock()
	s.listener = ln
	s.server = server
	s.mu.Unlock()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Diagnostics server listening")

	errCh := make(chan error, 1)
	go func() {
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func (s *DiagnosticsServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *DiagnosticsServer) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.app.State())
}

func (s *DiagnosticsServer) handleSelfTest(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	report, err := s.app.SelfTest(ctx)
	if err != nil && report == nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	status := http.StatusOK
	if !report.Passed {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger := logging.Component("diagnostics-server")
		logger.Error().Err(err).Msg("Failed to encode response")
	}
}
