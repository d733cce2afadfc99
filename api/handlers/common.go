// Package handlers implements the coordinator's HTTP handlers: job
// submission and inspection, the worker protocol, the dead-letter operator
// surface, fleet listing, and the job-event stream.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/fleetworks/conveyor/fleet"
	"github.com/fleetworks/conveyor/queue"
)

// Response is the uniform API envelope.
type Response struct {
	Success   bool       `json:"success"`
	Data      any        `json:"data,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
	RequestID string     `json:"request_id,omitempty"`
}

// ErrorInfo carries a machine-readable error code next to the message.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// API error codes.
const (
	CodeInvalidRequest = "invalid_request"
	CodeNotFound       = "not_found"
	CodeNoJobAvailable = "no_job_available"
	CodeLeaseLost      = "lease_lost"
	CodeTerminalState  = "terminal_state"
	CodeInternal       = "internal_error"
)

// WriteJSON writes a JSON body with the given status.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// WriteSuccess writes a 200 envelope around data.
func WriteSuccess(w http.ResponseWriter, data any) {
	WriteJSON(w, http.StatusOK, Response{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
}

// WriteCreated writes a 201 envelope around data.
func WriteCreated(w http.ResponseWriter, data any) {
	WriteJSON(w, http.StatusCreated, Response{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
}

// WriteError writes an error envelope with an explicit status and code.
func WriteError(w http.ResponseWriter, status int, code, message string, logger *zap.Logger) {
	if logger != nil && status >= http.StatusInternalServerError {
		logger.Error("API error", zap.Int("status", status), zap.String("code", code), zap.String("message", message))
	}
	WriteJSON(w, status, Response{
		Success:   false,
		Error:     &ErrorInfo{Code: code, Message: message},
		Timestamp: time.Now().UTC(),
	})
}

// WriteDomainError maps queue/fleet sentinels to HTTP statuses so handlers
// do not repeat the taxonomy.
func WriteDomainError(w http.ResponseWriter, err error, logger *zap.Logger) {
	switch {
	case errors.Is(err, queue.ErrJobNotFound), errors.Is(err, fleet.ErrRobotNotFound):
		WriteError(w, http.StatusNotFound, CodeNotFound, err.Error(), logger)
	case errors.Is(err, queue.ErrNoJobAvailable):
		// 204 carries no body; the status alone says "poll again later".
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, queue.ErrLeaseLost):
		WriteError(w, http.StatusConflict, CodeLeaseLost, err.Error(), logger)
	case errors.Is(err, queue.ErrTerminalState):
		WriteError(w, http.StatusConflict, CodeTerminalState, err.Error(), logger)
	default:
		WriteError(w, http.StatusInternalServerError, CodeInternal, err.Error(), logger)
	}
}

// DecodeJSONBody strictly decodes the request body into dst. On failure the
// error response has already been written.
func DecodeJSONBody(w http.ResponseWriter, r *http.Request, dst any, logger *zap.Logger) bool {
	if r.Body == nil {
		WriteError(w, http.StatusBadRequest, CodeInvalidRequest, "request body is empty", logger)
		return false
	}
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		WriteError(w, http.StatusBadRequest, CodeInvalidRequest, "invalid JSON body: "+err.Error(), logger)
		return false
	}
	return true
}

// ResponseWriter wraps http.ResponseWriter to capture the status code for
// request logging and metrics.
type ResponseWriter struct {
	http.ResponseWriter
	StatusCode int
	written    bool
}

// NewResponseWriter wraps w, defaulting to 200.
func NewResponseWriter(w http.ResponseWriter) *ResponseWriter {
	return &ResponseWriter{ResponseWriter: w, StatusCode: http.StatusOK}
}

// WriteHeader records the first status code written.
func (rw *ResponseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.StatusCode = code
		rw.written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

// Write marks the response as written.
func (rw *ResponseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach the underlying writer, so
// websocket upgrades still hijack through wrapped writers.
func (rw *ResponseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
