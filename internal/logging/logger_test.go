package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureLogs(t *testing.T, level LogLevel) *bytes.Buffer {
	t.Helper()
	previous, previousLevel := log.Logger, zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = previous
		zerolog.SetGlobalLevel(previousLevel)
	})

	var buf bytes.Buffer
	config := DefaultConfig()
	config.Level = level
	config.Output = &buf
	config.IncludeCaller = false
	config.GlobalFields = map[string]string{"service": "packlock-test"}
	require.NoError(t, Setup(config))
	return &buf
}

func lastLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.NotEmpty(t, lines)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[len(lines)-1], &entry))
	return entry
}

func TestSetupRejectsUnknownLevel(t *testing.T) {
	assert.Error(t, Setup(Config{Level: "loud"}))
}

func TestComponentLogger(t *testing.T) {
	buf := captureLogs(t, LevelInfo)

	logger := Component("machine")
	logger.Info().Msg("ready")
	entry := lastLine(t, buf)
	assert.Equal(t, "machine", entry["component"])
	assert.Equal(t, "packlock-test", entry["service"])
	assert.Equal(t, "ready", entry["message"])

	// Below the global level
	buf.Reset()
	logger.Debug().Msg("hidden")
	assert.Empty(t, buf.String())
}

func TestWithContextRoundTrip(t *testing.T) {
	buf := captureLogs(t, LevelDebug)

	ctx := WithContext(context.Background(), log.With().Str("request_id", "r-1").Logger())
	logger := FromContext(ctx)
	logger.Info().Msg("hello")
	assert.Equal(t, "r-1", lastLine(t, buf)["request_id"])

	// Without a request logger the global one is used
	logger = FromContext(context.Background())
	logger.Info().Msg("fallback")
	assert.Equal(t, "fallback", lastLine(t, buf)["message"])
}

func TestHTTPMiddleware(t *testing.T) {
	buf := captureLogs(t, LevelDebug)

	handler := HTTPMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		zerolog.Ctx(r.Context()).Info().Msg("inside")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("no"))
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/lock?action=acquire", nil)
	req.Header.Set("X-Owner-ID", "alice")
	req.Header.Set("X-Tab-ID", "tab-1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	entry := lastLine(t, buf)
	assert.Equal(t, "Request completed", entry["message"])
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "acquire", entry["action"])
	assert.Equal(t, "alice", entry["owner_id"])
	assert.Equal(t, float64(http.StatusForbidden), entry["status"])
	assert.Equal(t, float64(2), entry["response_size"])
	assert.Contains(t, buf.String(), "inside")
}
