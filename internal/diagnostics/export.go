package diagnostics

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/nkkko/packlock/internal/logging"
)

// Export is the downloadable diagnostics document
type Export struct {
	ExportedAt time.Time `json:"exported_at"`
	Capacity   int       `json:"capacity"`
	Evicted    uint64    `json:"evicted"`
	Entries    []Entry   `json:"entries"`
}

// Snapshot builds an export of the current ring contents
func (r *Recorder) Snapshot() Export {
	return Export{
		ExportedAt: time.Now().UTC(),
		Capacity:   r.capacity,
		Evicted:    r.Evicted(),
		Entries:    r.Entries(),
	}
}

// WriteJSON writes the export as indented JSON
func (r *Recorder) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r.Snapshot()); err != nil {
		return fmt.Errorf("failed to encode diagnostics: %w", err)
	}
	return nil
}

// WriteFile writes the export to path, creating parent directories
func (r *Recorder) WriteFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create diagnostics file: %w", err)
	}
	if err := r.WriteJSON(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Filename returns the suggested attachment name for an export taken at t
func Filename(t time.Time) string {
	return fmt.Sprintf("packlock-diagnostics-%s.json", t.UTC().Format("20060102T150405Z"))
}

// Handler serves the export as a downloadable attachment
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", Filename(time.Now())))
		w.WriteHeader(http.StatusOK)
		if err := r.WriteJSON(w); err != nil {
			logger := logging.FromContext(req.Context())
			logger.Error().Err(err).Msg("Failed to write diagnostics export")
		}
	})
}
