package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nkkko/packlock/pkg/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordedRequest captures what the fake gateway saw
type recordedRequest struct {
	Method string
	Query  url.Values
	Form   url.Values
	Header http.Header
}

// fakeGateway answers every request with the next scripted reply
type fakeGateway struct {
	mu       sync.Mutex
	requests []recordedRequest
	status   int
	body     string
	delay    time.Duration
}

func (f *fakeGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	f.mu.Lock()
	f.requests = append(f.requests, recordedRequest{
		Method: r.Method,
		Query:  r.URL.Query(),
		Form:   r.PostForm,
		Header: r.Header.Clone(),
	})
	status, body, delay := f.status, f.body, f.delay
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if status == 0 {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func (f *fakeGateway) last(t *testing.T) recordedRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.requests)
	return f.requests[len(f.requests)-1]
}

func (f *fakeGateway) reply(body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.body = body
}

func newTestClient(t *testing.T, fake *fakeGateway, opts ...ClientOption) *Client {
	t.Helper()
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)
	opts = append([]ClientOption{WithOwner("user-1", "Alice"), WithTabID("tab-1")}, opts...)
	return New(server.URL+"/api/lock", opts...)
}

func TestSendStatusUsesGet(t *testing.T) {
	fake := &fakeGateway{body: `{"success":true,"data":{"has_lock":false,"is_locked":false,"is_locked_by_other":false}}`}
	c := newTestClient(t, fake)

	env, err := c.Send(context.Background(), proto.ActionStatus, url.Values{proto.ParamResourceID: {"pack-1"}})
	require.NoError(t, err)
	assert.True(t, env.Success)

	req := fake.last(t)
	assert.Equal(t, http.MethodGet, req.Method)
	assert.Equal(t, "status", req.Query.Get("action"))
	assert.Equal(t, "pack-1", req.Query.Get("resource_id"))
	assert.Equal(t, "XMLHttpRequest", req.Header.Get(proto.HeaderRequestedWith))
	assert.Equal(t, "user-1", req.Header.Get(proto.HeaderOwnerID))
	assert.Equal(t, "tab-1", req.Header.Get(proto.HeaderTabID))
	assert.Equal(t, "Alice", req.Header.Get(proto.HeaderOwnerLabel))
}

func TestSendMutatingUsesFormPost(t *testing.T) {
	fake := &fakeGateway{body: `{"success":true,"data":{"fingerprint":"f1"}}`}
	c := newTestClient(t, fake)

	res, err := c.Acquire(context.Background(), "pack-1", "f1")
	require.NoError(t, err)
	assert.True(t, res.Acquired)
	assert.Equal(t, "f1", res.Data.Fingerprint)

	req := fake.last(t)
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "acquire", req.Query.Get("action"))
	assert.Equal(t, "pack-1", req.Form.Get("resource_id"))
	assert.Equal(t, "f1", req.Form.Get("fingerprint"))
	assert.Equal(t, "application/x-www-form-urlencoded", req.Header.Get("Content-Type"))
}

func TestSendRejectsActionParam(t *testing.T) {
	fake := &fakeGateway{body: `{"success":true}`}
	c := newTestClient(t, fake)

	_, err := c.Send(context.Background(), proto.ActionRelease, url.Values{
		proto.ParamAction:     {"release"},
		proto.ParamResourceID: {"pack-1"},
	})
	assert.ErrorIs(t, err, ErrInvalidParams)
	assert.Empty(t, fake.requests, "no round trip for invalid params")
}

func TestSendRequiresResourceIDForMutations(t *testing.T) {
	fake := &fakeGateway{body: `{"success":true}`}
	c := newTestClient(t, fake)

	_, err := c.Send(context.Background(), proto.ActionHeartbeat, url.Values{})
	assert.ErrorIs(t, err, ErrMissingResourceID)

	_, err = c.Send(context.Background(), proto.Action("explode"), nil)
	assert.ErrorIs(t, err, ErrUnknownAction)
}

func TestTransportErrors(t *testing.T) {
	tests := []struct {
		name   string
		fake   *fakeGateway
		status int
	}{
		{"non-2xx", &fakeGateway{status: http.StatusInternalServerError, body: `{"success":false,"error":"boom"}`}, 500},
		{"malformed body", &fakeGateway{body: `<html>`}, 200},
		{"bad gateway without envelope", &fakeGateway{status: http.StatusBadGateway, body: ``}, 502},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, tt.fake)
			_, err := c.Status(context.Background(), "pack-1")
			require.Error(t, err)

			var te *TransportError
			require.True(t, errors.As(err, &te))
			assert.Equal(t, tt.status, te.StatusCode)
			assert.False(t, IsGatewayError(err))
		})
	}
}

func TestTransportTimeout(t *testing.T) {
	fake := &fakeGateway{body: `{"success":true}`, delay: 200 * time.Millisecond}
	c := newTestClient(t, fake, WithTimeout(20*time.Millisecond))

	err := c.Release(context.Background(), "pack-1")
	var te *TransportError
	require.True(t, errors.As(err, &te))
	assert.True(t, te.Timeout)
}

func TestGatewayRefusals(t *testing.T) {
	t.Run("string error", func(t *testing.T) {
		fake := &fakeGateway{body: `{"success":false,"error":"You do not hold this lock"}`}
		c := newTestClient(t, fake)

		err := c.Release(context.Background(), "pack-1")
		var ge *GatewayError
		require.True(t, errors.As(err, &ge))
		assert.Equal(t, "You do not hold this lock", ge.Error())
	})

	t.Run("object error matches sentinel", func(t *testing.T) {
		fake := &fakeGateway{body: `{"success":false,"error":{"type":"conflict","code":"request_exists","message":"A request is already pending"}}`}
		c := newTestClient(t, fake)

		_, err := c.RequestStart(context.Background(), "pack-1", "please")
		assert.ErrorIs(t, err, ErrRequestExists)
		assert.Equal(t, "A request is already pending", err.Error())
	})

	t.Run("send returns refusal envelope as-is", func(t *testing.T) {
		fake := &fakeGateway{body: `{"success":false,"error":"nope"}`}
		c := newTestClient(t, fake)

		env, err := c.Send(context.Background(), proto.ActionRelease, url.Values{proto.ParamResourceID: {"pack-1"}})
		require.NoError(t, err)
		assert.False(t, env.Success)
		assert.Equal(t, "nope", env.ErrorMessage())
	})
}

func TestAcquireHeldByOther(t *testing.T) {
	fake := &fakeGateway{body: `{"success":false,"error":"Locked by Bob","data":{"is_locked_by_other":true,"owner_info":{"sameOwner":false,"sameTab":false,"ownerLabel":"Bob"}}}`}
	c := newTestClient(t, fake)

	res, err := c.Acquire(context.Background(), "pack-1", "")
	require.NoError(t, err)
	assert.False(t, res.Acquired)
	assert.True(t, res.Data.IsLockedByOther)
	require.NotNil(t, res.Data.OwnerInfo)
	assert.Equal(t, "Bob", res.Data.OwnerInfo.OwnerLabel)
	assert.Empty(t, fake.last(t).Form.Get("fingerprint"))
}

func TestRequestHelpers(t *testing.T) {
	fake := &fakeGateway{body: `{"success":true,"data":{"request_id":"r-1"}}`}
	c := newTestClient(t, fake)

	id, err := c.RequestStart(context.Background(), "pack-1", "need it")
	require.NoError(t, err)
	assert.Equal(t, "r-1", id)
	assert.Equal(t, "need it", fake.last(t).Form.Get("message"))

	fake.reply(`{"success":true}`)
	require.NoError(t, c.RequestDecide(context.Background(), "pack-1", proto.DecisionGrant, "r-1"))
	req := fake.last(t)
	assert.Equal(t, "grant", req.Form.Get("decision"))
	assert.Equal(t, "r-1", req.Form.Get("request_id"))

	fake.reply(`{"success":true,"data":{"outbound_request":{"request_id":"r-1","status":"granted","created_at":"2024-01-01T00:00:00Z","expires_at":"2024-01-01T00:02:00Z"}}}`)
	state, err := c.RequestState(context.Background(), "pack-1")
	require.NoError(t, err)
	assert.Nil(t, state.PendingRequest)
	require.NotNil(t, state.OutboundRequest)
	assert.Equal(t, proto.RequestGranted, state.OutboundRequest.Status)
	assert.Equal(t, http.MethodGet, fake.last(t).Method)
}

func TestSubscribe(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/lock/stream", r.URL.Path)
		assert.Equal(t, "pack-1", r.URL.Query().Get("resource_id"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		hb, _ := json.Marshal(proto.StreamNotice{Type: proto.NoticeHeartbeat})
		_ = conn.WriteMessage(websocket.TextMessage, hb)
		msg, _ := json.Marshal(proto.StreamNotice{Type: proto.NoticeLockChanged, ResourceID: "pack-1", Action: proto.ActionAcquire})
		_ = conn.WriteMessage(websocket.TextMessage, msg)

		// Wait for the client to close
		_, _, _ = conn.ReadMessage()
	}))
	defer server.Close()

	c := New(server.URL + "/api/lock")
	sub, err := c.Subscribe(context.Background(), "pack-1")
	require.NoError(t, err)
	defer sub.Close()

	select {
	case n := <-sub.Notices:
		require.NotNil(t, n)
		assert.Equal(t, proto.NoticeLockChanged, n.Type)
		assert.Equal(t, proto.ActionAcquire, n.Action)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notice")
	}
}
