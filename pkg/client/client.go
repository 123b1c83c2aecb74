package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/nkkko/packlock/internal/logging"
	"github.com/nkkko/packlock/internal/metrics"
	"github.com/nkkko/packlock/pkg/proto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultTimeout bounds every gateway round trip
	DefaultTimeout = 15 * time.Second

	maxBodySize = 1 << 20
)

// Client is a stateless HTTP client for the lock gateway. Every call is
// exactly one round trip; nothing is retried, cached or queued.
type Client struct {
	baseURL         string
	httpClient      *http.Client
	headers         http.Header
	websocketDialer *websocket.Dialer
	timeout         time.Duration
	ownerID         string
	tabID           string
	ownerLabel      string
	tracer          trace.Tracer
	metrics         *metrics.Metrics
	logger          zerolog.Logger
}

// ClientOption is a function that configures a Client
type ClientOption func(*Client)

// WithTimeout sets the request timeout
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithOwner sets the owner identity and display label sent with every request
func WithOwner(ownerID, label string) ClientOption {
	return func(c *Client) {
		c.ownerID = ownerID
		c.ownerLabel = label
	}
}

// WithTabID sets the session id. A random one is generated otherwise.
func WithTabID(tabID string) ClientOption {
	return func(c *Client) {
		c.tabID = tabID
	}
}

// WithHeaders sets additional HTTP headers
func WithHeaders(headers map[string]string) ClientOption {
	return func(c *Client) {
		for k, v := range headers {
			c.headers.Set(k, v)
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// New creates a new gateway client
func New(baseURL string, options ...ClientOption) *Client {
	jar, _ := cookiejar.New(nil)

	client := &Client{
		baseURL:         strings.TrimRight(baseURL, "/"),
		httpClient:      &http.Client{Jar: jar},
		headers:         http.Header{},
		websocketDialer: websocket.DefaultDialer,
		timeout:         DefaultTimeout,
		ownerID:         "anonymous",
		tabID:           uuid.NewString(),
		tracer:          otel.Tracer("packlock/client"),
		metrics:         metrics.GetMetrics(),
	}

	// Apply options
	for _, option := range options {
		option(client)
	}

	client.headers.Set(proto.HeaderRequestedWith, proto.RequestedWithXHR)
	client.headers.Set(proto.HeaderOwnerID, client.ownerID)
	client.headers.Set(proto.HeaderTabID, client.tabID)
	if client.ownerLabel != "" {
		client.headers.Set(proto.HeaderOwnerLabel, client.ownerLabel)
	}

	client.logger = logging.Component("gateway-client").With().
		Str("tab_id", client.tabID).
		Logger()

	return client
}

// TabID returns the session id sent with every request
func (c *Client) TabID() string {
	return c.tabID
}

// OwnerID returns the owner id sent with every request
func (c *Client) OwnerID() string {
	return c.ownerID
}

// Send performs one round trip for action. params must not contain the
// action itself; mutating actions require a resource_id.
//
// A success=false reply is returned as-is with a nil error. Only transport
// failures produce an error, always a *TransportError.
func (c *Client) Send(ctx context.Context, action proto.Action, params url.Values) (*proto.Envelope, error) {
	if !action.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	if params == nil {
		params = url.Values{}
	}
	if params.Has(proto.ParamAction) {
		return nil, fmt.Errorf("%w: %q is derived from the action", ErrInvalidParams, proto.ParamAction)
	}
	if action.Mutating() && params.Get(proto.ParamResourceID) == "" {
		return nil, ErrMissingResourceID
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ctx, span := c.tracer.Start(ctx, "gateway."+string(action),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("packlock.action", string(action)),
			attribute.String("packlock.resource_id", params.Get(proto.ParamResourceID)),
		),
	)
	defer span.End()

	start := time.Now()
	env, err := c.roundTrip(ctx, action, params)
	c.metrics.GatewayRequestDuration.WithLabelValues(string(action)).Observe(time.Since(start).Seconds())

	switch {
	case err != nil:
		c.metrics.GatewayRequestsTotal.WithLabelValues(string(action), "transport_error").Inc()
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		c.logger.Debug().Err(err).Str("action", string(action)).Msg("Gateway round trip failed")
		return nil, err
	case !env.Success:
		c.metrics.GatewayRequestsTotal.WithLabelValues(string(action), "refused").Inc()
		span.SetAttributes(attribute.Bool("packlock.success", false))
	default:
		c.metrics.GatewayRequestsTotal.WithLabelValues(string(action), "ok").Inc()
		span.SetAttributes(attribute.Bool("packlock.success", true))
	}

	return env, nil
}

// roundTrip builds the request, sends it and decodes the envelope
func (c *Client) roundTrip(ctx context.Context, action proto.Action, params url.Values) (*proto.Envelope, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, &TransportError{Action: string(action), Err: err}
	}

	query := u.Query()
	query.Set(proto.ParamAction, string(action))

	var (
		method = http.MethodGet
		body   io.Reader
	)
	if action.Mutating() {
		method = http.MethodPost
		body = strings.NewReader(params.Encode())
	} else {
		for k, vs := range params {
			for _, v := range vs {
				query.Add(k, v)
			}
		}
	}
	u.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, &TransportError{Action: string(action), Err: err}
	}

	// Set headers
	for k, v := range c.headers {
		req.Header[k] = v
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{
			Action:  string(action),
			Timeout: errors.Is(err, context.DeadlineExceeded) || isTimeout(err),
			Err:     err,
		}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, &TransportError{Action: string(action), StatusCode: resp.StatusCode, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Try to parse error message
		var env proto.Envelope
		msg := resp.Status
		if json.Unmarshal(raw, &env) == nil && env.ErrorMessage() != "" {
			msg = env.ErrorMessage()
		}
		return nil, &TransportError{
			Action:     string(action),
			StatusCode: resp.StatusCode,
			Err:        errors.New(msg),
		}
	}

	var env proto.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &TransportError{
			Action:     string(action),
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("malformed reply: %w", err),
		}
	}

	return &env, nil
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

// refusal converts a success=false envelope into a GatewayError
func refusal(action proto.Action, env *proto.Envelope) error {
	return &GatewayError{
		Action:  string(action),
		Code:    env.ErrorCode(),
		Message: env.ErrorMessage(),
	}
}

// decode unmarshals the data member; a decoding failure counts as a transport failure
func decode(action proto.Action, env *proto.Envelope, v any) error {
	if err := env.DecodeData(v); err != nil {
		return &TransportError{Action: string(action), Err: err}
	}
	return nil
}

// Status fetches the gateway's view of the resource lock
func (c *Client) Status(ctx context.Context, resourceID string) (*proto.StatusData, error) {
	env, err := c.Send(ctx, proto.ActionStatus, url.Values{proto.ParamResourceID: {resourceID}})
	if err != nil {
		return nil, err
	}
	if !env.Success {
		return nil, refusal(proto.ActionStatus, env)
	}

	var data proto.StatusData
	if err := decode(proto.ActionStatus, env, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// AcquireResult is the outcome of an acquire call. A refusal because another
// session holds the lock is a normal outcome, not an error.
type AcquireResult struct {
	Acquired bool
	Data     proto.AcquireData
}

// Acquire asks the gateway for the lock. fingerprint may be empty, in which
// case the gateway mints one.
func (c *Client) Acquire(ctx context.Context, resourceID, fingerprint string) (*AcquireResult, error) {
	params := url.Values{proto.ParamResourceID: {resourceID}}
	if fingerprint != "" {
		params.Set(proto.ParamFingerprint, fingerprint)
	}

	env, err := c.Send(ctx, proto.ActionAcquire, params)
	if err != nil {
		return nil, err
	}

	result := &AcquireResult{Acquired: env.Success}
	if err := decode(proto.ActionAcquire, env, &result.Data); err != nil {
		return nil, err
	}
	if !env.Success && !result.Data.IsLockedByOther {
		return nil, refusal(proto.ActionAcquire, env)
	}
	return result, nil
}

// Release gives the lock back
func (c *Client) Release(ctx context.Context, resourceID string) error {
	env, err := c.Send(ctx, proto.ActionRelease, url.Values{proto.ParamResourceID: {resourceID}})
	if err != nil {
		return err
	}
	if !env.Success {
		return refusal(proto.ActionRelease, env)
	}
	return nil
}

// Heartbeat renews the lease held under fingerprint
func (c *Client) Heartbeat(ctx context.Context, resourceID, fingerprint string) error {
	params := url.Values{proto.ParamResourceID: {resourceID}}
	if fingerprint != "" {
		params.Set(proto.ParamFingerprint, fingerprint)
	}

	env, err := c.Send(ctx, proto.ActionHeartbeat, params)
	if err != nil {
		return err
	}
	if !env.Success {
		return refusal(proto.ActionHeartbeat, env)
	}
	return nil
}

// RequestStart asks the current holder to hand the lock over and returns the request id
func (c *Client) RequestStart(ctx context.Context, resourceID, message string) (string, error) {
	env, err := c.Send(ctx, proto.ActionRequestStart, url.Values{
		proto.ParamResourceID: {resourceID},
		proto.ParamMessage:    {message},
	})
	if err != nil {
		return "", err
	}
	if !env.Success {
		return "", refusal(proto.ActionRequestStart, env)
	}

	var data proto.RequestStartData
	if err := decode(proto.ActionRequestStart, env, &data); err != nil {
		return "", err
	}
	return data.RequestID, nil
}

// RequestDecide answers the pending transfer request as holder
func (c *Client) RequestDecide(ctx context.Context, resourceID string, decision proto.Decision, requestID string) error {
	params := url.Values{
		proto.ParamResourceID: {resourceID},
		proto.ParamDecision:   {string(decision)},
	}
	if requestID != "" {
		params.Set(proto.ParamRequestID, requestID)
	}

	env, err := c.Send(ctx, proto.ActionRequestDecide, params)
	if err != nil {
		return err
	}
	if !env.Success {
		return refusal(proto.ActionRequestDecide, env)
	}
	return nil
}

// RequestState fetches pending transfer requests in both directions
func (c *Client) RequestState(ctx context.Context, resourceID string) (*proto.RequestStateData, error) {
	env, err := c.Send(ctx, proto.ActionRequestState, url.Values{proto.ParamResourceID: {resourceID}})
	if err != nil {
		return nil, err
	}
	if !env.Success {
		return nil, refusal(proto.ActionRequestState, env)
	}

	var data proto.RequestStateData
	if err := decode(proto.ActionRequestState, env, &data); err != nil {
		return nil, err
	}
	return &data, nil
}
