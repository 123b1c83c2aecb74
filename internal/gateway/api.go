package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	apierrors "github.com/nkkko/packlock/internal/api/errors"
	"github.com/nkkko/packlock/internal/api/response"
	"github.com/nkkko/packlock/internal/api/validation"
	"github.com/nkkko/packlock/internal/logging"
	"github.com/nkkko/packlock/internal/metrics"
	"github.com/nkkko/packlock/internal/telemetry"
	"github.com/nkkko/packlock/pkg/proto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
)

const (
	// LockPath is where the action endpoint is mounted
	LockPath = "/api/lock"

	// StreamPath is where notice subscribers connect
	StreamPath = LockPath + "/stream"

	// OwnerCookie carries a minted owner id for callers that send no X-Owner-ID
	OwnerCookie = "packlock_owner"

	maxResourceIDLength = 256
	maxMessageLength    = 1000
)

// APIConfig contains HTTP surface configuration
type APIConfig struct {
	// Service name on server spans
	ServiceName string

	// Origins allowed by CORS
	AllowedOrigins []string

	// Serve prometheus metrics at /metrics
	ExposeMetrics bool
}

// API serves the lock gateway contract over HTTP
type API struct {
	config  APIConfig
	arbiter *Arbiter
	hub     *Hub
	router  *chi.Mux
	metrics *metrics.GatewayMetrics
}

// NewAPI creates the HTTP surface for arbiter and hub
func NewAPI(config APIConfig, arbiter *Arbiter, hub *Hub) *API {
	if config.ServiceName == "" {
		config.ServiceName = "packlock-gateway"
	}
	if len(config.AllowedOrigins) == 0 {
		config.AllowedOrigins = []string{"*"}
	}

	a := &API{
		config:  config,
		arbiter: arbiter,
		hub:     hub,
		metrics: metrics.GetGatewayMetrics(),
	}
	a.router = a.routes()
	return a
}

// Handler returns the HTTP handler
func (a *API) Handler() http.Handler {
	return a.router
}

func (a *API) routes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(telemetry.HTTPMiddleware(a.config.ServiceName))
	r.Use(logging.HTTPMiddleware())
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: a.config.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{
			"Accept", "Content-Type", "X-Request-ID", "traceparent",
			proto.HeaderRequestedWith, proto.HeaderOwnerID, proto.HeaderTabID, proto.HeaderOwnerLabel,
		},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", a.handleHealth)
	if a.config.ExposeMetrics {
		r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	}

	r.Get(LockPath, a.handleLock)
	r.Post(LockPath, a.handleLock)
	if a.hub != nil {
		r.Get(StreamPath, a.hub.ServeHTTP)
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, r, apierrors.NotFoundError("route_not_found", "No route for "+r.URL.Path))
	})

	return r
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	data := map[string]any{
		"status": "ok",
		"time":   time.Now().UTC(),
	}
	if a.hub != nil {
		data["stream_connections"] = a.hub.Connections()
	}
	response.JSON(w, r, data)
}

// identity reads the calling session from the request headers. Callers that
// send no owner id get a cookie-backed one.
func (a *API) identity(w http.ResponseWriter, r *http.Request) Identity {
	id := Identity{
		OwnerID: r.Header.Get(proto.HeaderOwnerID),
		TabID:   r.Header.Get(proto.HeaderTabID),
		Label:   r.Header.Get(proto.HeaderOwnerLabel),
	}
	if id.OwnerID != "" {
		return id
	}

	if c, err := r.Cookie(OwnerCookie); err == nil && c.Value != "" {
		id.OwnerID = c.Value
		return id
	}

	id.OwnerID = uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     OwnerCookie,
		Value:    id.OwnerID,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return id
}

// handleLock dispatches ?action= to the arbiter
func (a *API) handleLock(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	action := proto.Action(r.URL.Query().Get(proto.ParamAction))

	if err := a.checkRequest(w, r, action); err != nil {
		a.metrics.RequestsTotal.WithLabelValues(string(action), "invalid").Inc()
		response.Error(w, r, err)
		return
	}
	resourceID := r.Form.Get(proto.ParamResourceID)
	caller := a.identity(w, r)

	ctx, span := telemetry.StartSpan(r.Context(), "arbiter."+string(action))
	defer span.End()
	telemetry.AddSpanAttributes(ctx,
		attribute.String("packlock.resource_id", resourceID),
		attribute.String("packlock.owner_id", caller.OwnerID),
	)

	logger := logging.FromContext(ctx).With().Str("resource_id", resourceID).Logger()

	data, err := a.dispatch(ctx, action, resourceID, caller, r.Form)
	a.metrics.RequestDuration.WithLabelValues(string(action)).Observe(time.Since(start).Seconds())

	var apiErr *apierrors.APIError
	switch {
	case err == nil:
		a.metrics.RequestsTotal.WithLabelValues(string(action), "true").Inc()
		response.JSON(w, r, data)

	case ErrorCode(err) != "":
		a.metrics.RequestsTotal.WithLabelValues(string(action), "false").Inc()
		telemetry.AddSpanAttributes(ctx, attribute.String("packlock.refusal", ErrorCode(err)))
		logger.Debug().Str("code", ErrorCode(err)).Msg("Action refused")
		response.Refusal(w, r, apierrors.RefusedError(ErrorCode(err), err.Error()), data)

	case errors.As(err, &apiErr):
		a.metrics.RequestsTotal.WithLabelValues(string(action), "invalid").Inc()
		logger.Debug().Str("code", apiErr.Code).Msg("Invalid action parameters")
		response.Error(w, r, apiErr)

	default:
		a.metrics.RequestsTotal.WithLabelValues(string(action), "error").Inc()
		telemetry.LogAndTraceError(ctx, err, "Gateway action failed")
		response.Error(w, r, apierrors.InternalError("internal_error", "The lock service failed to handle the request"))
	}
}

// checkRequest validates the envelope of a call and parses its form
func (a *API) checkRequest(w http.ResponseWriter, r *http.Request, action proto.Action) error {
	if !action.Valid() {
		return apierrors.NotFoundError("unknown_action", "Unknown action "+strconv.Quote(string(action)))
	}
	if action.Mutating() && r.Method != http.MethodPost {
		return apierrors.MethodNotAllowedError("method_not_allowed", string(action)+" must be sent as POST")
	}
	if r.Method == http.MethodPost && r.Header.Get(proto.HeaderRequestedWith) != proto.RequestedWithXHR {
		return apierrors.ForbiddenError("xhr_required", proto.HeaderRequestedWith+" header is required")
	}
	if err := validation.ParseForm(w, r); err != nil {
		return err
	}

	resourceID := r.Form.Get(proto.ParamResourceID)
	return validation.First(
		validation.Required(proto.ParamResourceID, resourceID),
		validation.MaxLength(proto.ParamResourceID, resourceID, maxResourceIDLength),
	)
}

func (a *API) dispatch(ctx context.Context, action proto.Action, resourceID string, caller Identity, form url.Values) (any, error) {
	switch action {
	case proto.ActionStatus:
		return a.arbiter.Status(ctx, resourceID, caller), nil

	case proto.ActionAcquire:
		data, err := a.arbiter.Acquire(ctx, resourceID, caller, form.Get(proto.ParamFingerprint))
		return data, err

	case proto.ActionRelease:
		return nil, a.arbiter.Release(ctx, resourceID, caller)

	case proto.ActionHeartbeat:
		return nil, a.arbiter.Heartbeat(ctx, resourceID, caller, form.Get(proto.ParamFingerprint))

	case proto.ActionRequestStart:
		message := form.Get(proto.ParamMessage)
		if err := validation.MaxLength(proto.ParamMessage, message, maxMessageLength); err != nil {
			return nil, err
		}
		requestID, err := a.arbiter.RequestStart(ctx, resourceID, caller, message)
		if err != nil {
			return nil, err
		}
		return proto.RequestStartData{RequestID: requestID}, nil

	case proto.ActionRequestDecide:
		decision := form.Get(proto.ParamDecision)
		if err := validation.OneOf(proto.ParamDecision, decision, string(proto.DecisionGrant), string(proto.DecisionDecline)); err != nil {
			return nil, err
		}
		return nil, a.arbiter.RequestDecide(ctx, resourceID, caller, proto.Decision(decision), form.Get(proto.ParamRequestID))

	case proto.ActionRequestState:
		return a.arbiter.RequestState(ctx, resourceID, caller), nil
	}

	return nil, apierrors.NotFoundError("unknown_action", "Unknown action "+strconv.Quote(string(action)))
}
