package api

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/intrascale/intrascale/types"
)

// WriteJSON writes a JSON response body with the given status.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// WriteSuccess wraps data in the uniform response envelope.
func WriteSuccess(w http.ResponseWriter, data interface{}) {
	WriteJSON(w, http.StatusOK, Response{
		Success:   true,
		Data:      data,
		Timestamp: time.Now(),
	})
}

// WriteError renders a structured error with its mapped HTTP status.
func WriteError(w http.ResponseWriter, err *types.Error, logger *zap.Logger) {
	status := httpStatusFor(err.Code)
	if logger != nil {
		logger.Warn("request failed",
			zap.String("code", string(err.Code)),
			zap.String("message", err.Message),
			zap.Int("status", status),
			zap.Error(err.Cause),
		)
	}
	WriteJSON(w, status, Response{
		Success: false,
		Error: &ErrorInfo{
			Code:      string(err.Code),
			Message:   err.Message,
			Retryable: err.Retryable,
		},
		Timestamp: time.Now(),
	})
}

// WriteErrorMessage renders a plain failure without a typed cause.
func WriteErrorMessage(w http.ResponseWriter, code types.ErrorCode, message string, logger *zap.Logger) {
	WriteError(w, types.NewError(code, message), logger)
}

// errInvalidRequest is the catch-all code for malformed requests. It
// is an API concern, not a cluster error, so it lives here rather than
// in the types taxonomy.
const errInvalidRequest types.ErrorCode = "INVALID_REQUEST"

func httpStatusFor(code types.ErrorCode) int {
	switch code {
	case errInvalidRequest, types.ErrHandlerNotFound:
		return http.StatusBadRequest
	case types.ErrJobUnknown:
		return http.StatusNotFound
	case types.ErrJobCancelled:
		return http.StatusConflict
	case types.ErrNoCapacity, types.ErrWorkerBusy:
		return http.StatusServiceUnavailable
	case types.ErrPeerUnreachable, types.ErrTransport:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSONBody parses a JSON request body, rejecting unknown fields.
// On failure it writes the error response and returns false.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst interface{}, logger *zap.Logger) bool {
	if r.Body == nil {
		WriteErrorMessage(w, errInvalidRequest, "request body is empty", logger)
		return false
	}
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		WriteError(w, types.NewError(errInvalidRequest, "invalid JSON body").WithCause(err), logger)
		return false
	}
	return true
}

// statusRecorder captures the status code for the request metrics.
type statusRecorder struct {
	http.ResponseWriter
	status  int
	written bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.written {
		r.status = code
		r.written = true
		r.ResponseWriter.WriteHeader(code)
	}
}

// Unwrap lets http.ResponseController reach the hijacker underneath,
// which the WebSocket upgrade on /v1/events needs.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if !r.written {
		r.WriteHeader(http.StatusOK)
	}
	return r.ResponseWriter.Write(b)
}
