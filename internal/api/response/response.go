package response

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/nkkko/packlock/internal/api/errors"
)

// Response is the envelope every gateway reply is wrapped in
type Response struct {
	Success   bool   `json:"success"`
	RequestID string `json:"request_id,omitempty"`
	Data      any    `json:"data,omitempty"`
	Error     any    `json:"error,omitempty"`
}

// JSON sends a successful envelope
func JSON(w http.ResponseWriter, r *http.Request, data any) {
	// Get request ID from context (set by middleware.RequestID)
	requestID := middleware.GetReqID(r.Context())

	sendJSON(w, http.StatusOK, Response{
		Success:   true,
		RequestID: requestID,
		Data:      data,
	})
}

// Error sends an error envelope with the error's HTTP status
func Error(w http.ResponseWriter, r *http.Request, err error) {
	Refusal(w, r, err, nil)
}

// Refusal sends success=false with optional data, e.g. the current holder
// for a refused acquire
func Refusal(w http.ResponseWriter, r *http.Request, err error, data any) {
	requestID := middleware.GetReqID(r.Context())

	// Convert to APIError if needed
	apiErr := errors.FromError(err)
	apiErr.WithRequestID(requestID)

	sendJSON(w, apiErr.HTTPCode, Response{
		Success:   false,
		RequestID: requestID,
		Data:      data,
		Error:     apiErr,
	})
}

// sendJSON is a helper function to send a JSON response
func sendJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, `{"success":false,"error":{"type":"internal","code":"json_encode_error","message":"Failed to encode JSON response"}}`, http.StatusInternalServerError)
	}
}
