package gateway_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nkkko/packlock/internal/gateway"
	"github.com/nkkko/packlock/pkg/client"
	"github.com/nkkko/packlock/pkg/proto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGateway(t *testing.T) *httptest.Server {
	t.Helper()
	srv, err := gateway.NewServer(gateway.DefaultServerConfig())
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func newClient(ts *httptest.Server, owner, label, tab string) *client.Client {
	return client.New(ts.URL+gateway.LockPath,
		client.WithOwner(owner, label),
		client.WithTabID(tab),
		client.WithTimeout(5*time.Second),
	)
}

func TestGatewayAcquireRelease(t *testing.T) {
	ctx := context.Background()
	ts := newGateway(t)
	alice := newClient(ts, "alice", "Alice", "tab-a")
	bob := newClient(ts, "bob", "Bob", "tab-b")

	res, err := alice.Acquire(ctx, "pack-1", "")
	require.NoError(t, err)
	assert.True(t, res.Acquired)
	assert.NotEmpty(t, res.Data.Fingerprint)

	status, err := alice.Status(ctx, "pack-1")
	require.NoError(t, err)
	assert.True(t, status.HasLock)
	assert.Equal(t, res.Data.Fingerprint, status.Fingerprint)

	// Refused acquire is an outcome, not an error
	res, err = bob.Acquire(ctx, "pack-1", "")
	require.NoError(t, err)
	assert.False(t, res.Acquired)
	assert.True(t, res.Data.IsLockedByOther)
	require.NotNil(t, res.Data.OwnerInfo)
	assert.Equal(t, "Alice", res.Data.OwnerInfo.OwnerLabel)
	assert.False(t, res.Data.OwnerInfo.SameOwner)

	err = bob.Release(ctx, "pack-1")
	require.Error(t, err)
	assert.True(t, client.IsGatewayError(err))
	assert.ErrorIs(t, err, client.ErrNotLockOwner)

	require.NoError(t, alice.Heartbeat(ctx, "pack-1", res.Data.Fingerprint))
	err = alice.Heartbeat(ctx, "pack-1", "stale")
	assert.ErrorIs(t, err, client.ErrNotLockOwner)

	require.NoError(t, alice.Release(ctx, "pack-1"))
	status, err = bob.Status(ctx, "pack-1")
	require.NoError(t, err)
	assert.False(t, status.IsLocked)
}

func TestGatewaySameOwnerOtherTab(t *testing.T) {
	ctx := context.Background()
	ts := newGateway(t)
	first := newClient(ts, "alice", "Alice", "tab-1")
	second := newClient(ts, "alice", "Alice", "tab-2")

	_, err := first.Acquire(ctx, "pack-1", "")
	require.NoError(t, err)

	res, err := second.Acquire(ctx, "pack-1", "")
	require.NoError(t, err)
	assert.False(t, res.Acquired)
	assert.True(t, res.Data.OwnerInfo.SameOwner)
	assert.False(t, res.Data.OwnerInfo.SameTab)
}

func TestGatewayTransferFlow(t *testing.T) {
	ctx := context.Background()
	ts := newGateway(t)
	alice := newClient(ts, "alice", "Alice", "tab-a")
	bob := newClient(ts, "bob", "Bob", "tab-b")
	carol := newClient(ts, "carol", "Carol", "tab-c")

	_, err := alice.Acquire(ctx, "pack-1", "")
	require.NoError(t, err)

	_, err = alice.RequestStart(ctx, "pack-1", "")
	assert.ErrorIs(t, err, client.ErrAlreadyOwner)
	_, err = bob.RequestStart(ctx, "pack-2", "")
	assert.ErrorIs(t, err, client.ErrNotLocked)

	requestID, err := bob.RequestStart(ctx, "pack-1", "please")
	require.NoError(t, err)
	require.NotEmpty(t, requestID)

	_, err = carol.RequestStart(ctx, "pack-1", "")
	assert.ErrorIs(t, err, client.ErrRequestExists)

	state, err := alice.RequestState(ctx, "pack-1")
	require.NoError(t, err)
	require.NotNil(t, state.PendingRequest)
	assert.Equal(t, requestID, state.PendingRequest.RequestID)
	assert.Equal(t, "Bob", state.PendingRequest.RequesterLabel)
	assert.Equal(t, "please", state.PendingRequest.Message)

	require.NoError(t, alice.RequestDecide(ctx, "pack-1", proto.DecisionGrant, requestID))
	err = alice.RequestDecide(ctx, "pack-1", proto.DecisionGrant, requestID)
	assert.ErrorIs(t, err, client.ErrNotLockOwner)

	state, err = bob.RequestState(ctx, "pack-1")
	require.NoError(t, err)
	require.NotNil(t, state.OutboundRequest)
	assert.Equal(t, proto.RequestGranted, state.OutboundRequest.Status)

	// Reserved for bob
	res, err := carol.Acquire(ctx, "pack-1", "")
	require.NoError(t, err)
	assert.False(t, res.Acquired)
	assert.Equal(t, "Bob", res.Data.OwnerInfo.OwnerLabel)

	res, err = bob.Acquire(ctx, "pack-1", "")
	require.NoError(t, err)
	assert.True(t, res.Acquired)
}

func TestGatewayTransferDecline(t *testing.T) {
	ctx := context.Background()
	ts := newGateway(t)
	alice := newClient(ts, "alice", "Alice", "tab-a")
	bob := newClient(ts, "bob", "Bob", "tab-b")

	_, err := alice.Acquire(ctx, "pack-1", "")
	require.NoError(t, err)
	_, err = bob.RequestStart(ctx, "pack-1", "")
	require.NoError(t, err)

	require.NoError(t, alice.RequestDecide(ctx, "pack-1", proto.DecisionDecline, ""))

	state, err := bob.RequestState(ctx, "pack-1")
	require.NoError(t, err)
	require.NotNil(t, state.OutboundRequest)
	assert.Equal(t, proto.RequestDeclined, state.OutboundRequest.Status)

	state, err = bob.RequestState(ctx, "pack-1")
	require.NoError(t, err)
	assert.Nil(t, state.OutboundRequest)

	err = alice.RequestDecide(ctx, "pack-1", proto.DecisionDecline, "")
	assert.ErrorIs(t, err, client.ErrRequestNotFound)
}

func postForm(t *testing.T, ts *httptest.Server, action string, form url.Values, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, ts.URL+gateway.LockPath+"?action="+action, strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeEnvelope(t *testing.T, resp *http.Response) *proto.Envelope {
	t.Helper()
	var env proto.Envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return &env
}

func TestGatewayRejectsMalformedRequests(t *testing.T) {
	ts := newGateway(t)
	xhr := map[string]string{
		proto.HeaderRequestedWith: proto.RequestedWithXHR,
		proto.HeaderOwnerID:       "alice",
	}

	t.Run("missing xhr header", func(t *testing.T) {
		resp := postForm(t, ts, "acquire", url.Values{"resource_id": {"pack-1"}}, map[string]string{proto.HeaderOwnerID: "alice"})
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		env := decodeEnvelope(t, resp)
		assert.False(t, env.Success)
		assert.Equal(t, "xhr_required", env.ErrorCode())
	})

	t.Run("unknown action", func(t *testing.T) {
		resp := postForm(t, ts, "steal", url.Values{"resource_id": {"pack-1"}}, xhr)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("missing resource id", func(t *testing.T) {
		resp := postForm(t, ts, "acquire", url.Values{}, xhr)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "required_field_missing", decodeEnvelope(t, resp).ErrorCode())
	})

	t.Run("invalid decision", func(t *testing.T) {
		resp := postForm(t, ts, "request_decide", url.Values{"resource_id": {"pack-1"}, "decision": {"maybe"}}, xhr)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("mutating action over GET", func(t *testing.T) {
		resp, err := http.Get(ts.URL + gateway.LockPath + "?action=release&resource_id=pack-1")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	})

	t.Run("refusal is a 200", func(t *testing.T) {
		resp := postForm(t, ts, "release", url.Values{"resource_id": {"pack-1"}}, xhr)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		env := decodeEnvelope(t, resp)
		assert.False(t, env.Success)
		assert.Equal(t, "not_lock_owner", env.ErrorCode())
		assert.NotEmpty(t, env.ErrorMessage())
	})
}

func TestGatewayMalformedReplyIsTransportError(t *testing.T) {
	ts := newGateway(t)
	c := client.New(ts.URL+"/nowhere", client.WithOwner("alice", ""))

	_, err := c.Status(context.Background(), "pack-1")
	require.Error(t, err)
	assert.True(t, client.IsTransportError(err))
}

func TestGatewayOwnerCookieFallback(t *testing.T) {
	ts := newGateway(t)

	resp, err := http.Get(ts.URL + gateway.LockPath + "?action=status&resource_id=pack-1")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var minted *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == gateway.OwnerCookie {
			minted = c
		}
	}
	require.NotNil(t, minted)
	assert.NotEmpty(t, minted.Value)
}

func TestGatewayHealth(t *testing.T) {
	ts := newGateway(t)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decodeEnvelope(t, resp).Success)
}

func TestGatewayStreamNotices(t *testing.T) {
	ctx := context.Background()
	ts := newGateway(t)
	alice := newClient(ts, "alice", "Alice", "tab-a")
	bob := newClient(ts, "bob", "Bob", "tab-b")

	sub, err := bob.Subscribe(ctx, "pack-1")
	require.NoError(t, err)
	defer sub.Close()

	// Notices for other resources are filtered out
	_, err = alice.Acquire(ctx, "pack-2", "")
	require.NoError(t, err)

	// The subscriber registers after the handshake; retry until it is counted
	require.Eventually(t, func() bool {
		res, err := alice.Acquire(ctx, "pack-1", "")
		if err != nil || !res.Acquired {
			return false
		}
		select {
		case n := <-sub.Notices:
			return n.ResourceID == "pack-1" && n.Type == proto.NoticeLockChanged && n.Action == proto.ActionAcquire
		case <-time.After(100 * time.Millisecond):
			return false
		}
	}, 3*time.Second, 50*time.Millisecond)
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) lines() []map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(b.buf.String()), "\n") {
		var entry map[string]any
		if json.Unmarshal([]byte(line), &entry) == nil {
			out = append(out, entry)
		}
	}
	return out
}

func TestGatewayRefusalLogCarriesRequestFields(t *testing.T) {
	buf := &lockedBuffer{}
	prevLogger, prevLevel := log.Logger, zerolog.GlobalLevel()
	log.Logger = zerolog.New(buf)
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	t.Cleanup(func() {
		log.Logger = prevLogger
		zerolog.SetGlobalLevel(prevLevel)
	})

	ctx := context.Background()
	ts := newGateway(t)
	alice := newClient(ts, "alice", "Alice", "tab-a")
	bob := newClient(ts, "bob", "Bob", "tab-b")

	_, err := alice.Acquire(ctx, "pack-log", "")
	require.NoError(t, err)
	require.ErrorIs(t, bob.Release(ctx, "pack-log"), client.ErrNotLockOwner)

	var refusal map[string]any
	for _, entry := range buf.lines() {
		if entry["message"] == "Action refused" {
			refusal = entry
		}
	}
	require.NotNil(t, refusal)
	assert.Equal(t, "not_lock_owner", refusal["code"])
	assert.Equal(t, "release", refusal["action"])
	assert.Equal(t, "bob", refusal["owner_id"])
	assert.Equal(t, "pack-log", refusal["resource_id"])
	assert.NotEmpty(t, refusal["request_id"])
}
