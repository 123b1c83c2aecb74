package diagnostics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nkkko/packlock/internal/domain"
	"github.com/nkkko/packlock/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func event(seq uint64, phase domain.Phase, reason domain.Reason) domain.Event {
	return domain.Event{
		Seq:        seq,
		ResourceID: "pack-1",
		State:      phase,
		Reason:     reason,
		At:         time.Now(),
		Transition: true,
	}
}

func TestNewRecorderValidation(t *testing.T) {
	_, err := NewRecorder(0)
	assert.Error(t, err)

	r, err := NewRecorder(DefaultCapacity)
	require.NoError(t, err)
	assert.Equal(t, 500, r.Capacity())
}

func TestRecorderKeepsOrder(t *testing.T) {
	r, err := NewRecorder(10)
	require.NoError(t, err)

	r.Handle(event(1, domain.PhaseAcquiring, domain.ReasonUserAction))
	r.Handle(event(2, domain.PhaseHeldBySelf, domain.ReasonUserAction))
	r.Handle(event(3, domain.PhaseUnlocked, domain.ReasonUserAction))

	entries := r.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, domain.PhaseAcquiring, entries[0].Phase)
	assert.Equal(t, domain.PhaseUnlocked, entries[2].Phase)
	assert.True(t, r.HasReason(domain.ReasonUserAction))
	assert.False(t, r.HasReason(domain.ReasonBootstrap))
}

func TestRecorderNeverExceedsCapacity(t *testing.T) {
	r, err := NewRecorder(DefaultCapacity)
	require.NoError(t, err)

	for i := uint64(1); i <= 1200; i++ {
		r.Handle(event(i, domain.PhaseUnlocked, domain.ReasonPollResult))
		require.LessOrEqual(t, r.Len(), DefaultCapacity)
	}

	entries := r.Entries()
	require.Len(t, entries, DefaultCapacity)
	assert.Equal(t, uint64(701), entries[0].Seq, "oldest entries are evicted first")
	assert.Equal(t, uint64(1200), entries[len(entries)-1].Seq)
	assert.Equal(t, uint64(700), r.Evicted())

	// Reading never changes eviction order
	_ = r.Entries()
	r.Handle(event(1201, domain.PhaseUnlocked, domain.ReasonPollResult))
	entries = r.Entries()
	assert.Equal(t, uint64(702), entries[0].Seq)
}

func TestRecorderCopiesEvents(t *testing.T) {
	r, err := NewRecorder(5)
	require.NoError(t, err)

	info := &domain.OwnerInfo{OwnerLabel: "Bob"}
	ev := event(1, domain.PhaseHeldByOther, domain.ReasonPollResult)
	ev.Info = info
	r.Handle(ev)

	info.OwnerLabel = "Mallory"
	assert.Equal(t, "Bob", r.Entries()[0].OwnerInfo.OwnerLabel)
}

func TestRecorderReset(t *testing.T) {
	r, err := NewRecorder(2)
	require.NoError(t, err)

	for i := uint64(1); i <= 3; i++ {
		r.Handle(event(i, domain.PhaseUnlocked, domain.ReasonPollResult))
	}
	require.Equal(t, uint64(1), r.Evicted())
	evictedMetric := testutil.ToFloat64(metrics.GetMetrics().DiagnosticEvicted)

	r.Reset()
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, uint64(1), r.Evicted())
	assert.Equal(t, evictedMetric, testutil.ToFloat64(metrics.GetMetrics().DiagnosticEvicted))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.GetMetrics().DiagnosticEntries))

	// Capacity evictions still count after a reset
	for i := uint64(4); i <= 6; i++ {
		r.Handle(event(i, domain.PhaseUnlocked, domain.ReasonPollResult))
	}
	assert.Equal(t, uint64(2), r.Evicted())
	assert.Equal(t, evictedMetric+1, testutil.ToFloat64(metrics.GetMetrics().DiagnosticEvicted))
}

func TestExportHandler(t *testing.T) {
	r, err := NewRecorder(10)
	require.NoError(t, err)
	r.Handle(event(1, domain.PhaseUnlocked, domain.ReasonBootstrap))

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/diagnostics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	disposition := rec.Header().Get("Content-Disposition")
	assert.True(t, strings.HasPrefix(disposition, "attachment;"))
	assert.Contains(t, disposition, "packlock-diagnostics-")

	var export Export
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &export))
	assert.Equal(t, 10, export.Capacity)
	require.Len(t, export.Entries, 1)
	assert.Equal(t, domain.ReasonBootstrap, export.Entries[0].Reason)
}

func TestExportWriteFile(t *testing.T) {
	r, err := NewRecorder(10)
	require.NoError(t, err)
	r.Handle(event(1, domain.PhaseError, domain.ReasonGatewayError))

	path := filepath.Join(t.TempDir(), "nested", "diag.json")
	require.NoError(t, r.WriteFile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var export Export
	require.NoError(t, json.Unmarshal(data, &export))
	require.Len(t, export.Entries, 1)
	assert.Equal(t, domain.PhaseError, export.Entries[0].Phase)
}

func TestFilename(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)
	assert.Equal(t, "packlock-diagnostics-20240301T123000Z.json", Filename(ts))
}
