package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/example/anime-watchlist/internal/apperr"
)

type ErrorResponse struct {
	Error APIError `json:"error"`
}

type APIError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

func WriteError(w http.ResponseWriter, status int, code, message, requestID string, details map[string]any) {
	WriteJSON(w, status, ErrorResponse{Error: APIError{Code: code, Message: message, Details: details, RequestID: requestID}})
}

// Convenience helpers
func BadRequest(w http.ResponseWriter, code, message, requestID string, details map[string]any) {
	WriteError(w, http.StatusBadRequest, code, message, requestID, details)
}

func Unauthorized(w http.ResponseWriter, code, message, requestID string) {
	WriteError(w, http.StatusUnauthorized, code, message, requestID, nil)
}

func NotFound(w http.ResponseWriter, code, message, requestID string) {
	WriteError(w, http.StatusNotFound, code, message, requestID, nil)
}

func Conflict(w http.ResponseWriter, code, message, requestID string, details map[string]any) {
	WriteError(w, http.StatusConflict, code, message, requestID, details)
}

func RateLimited(w http.ResponseWriter, code, message, requestID string, details map[string]any) {
	WriteError(w, http.StatusTooManyRequests, code, message, requestID, details)
}

func BadGateway(w http.ResponseWriter, code, message, requestID string, details map[string]any) {
	WriteError(w, http.StatusBadGateway, code, message, requestID, details)
}

func GatewayTimeout(w http.ResponseWriter, code, message, requestID string) {
	WriteError(w, http.StatusGatewayTimeout, code, message, requestID, nil)
}

func Internal(w http.ResponseWriter, requestID string) {
	WriteError(w, http.StatusInternalServerError, "INTERNAL", "Internal server error", requestID, nil)
}

// WriteAppError maps an apperr kind to a status and error code. Errors
// outside the taxonomy become a plain 500.
func WriteAppError(w http.ResponseWriter, requestID string, err error) {
	var e *apperr.Error
	if !errors.As(err, &e) {
		Internal(w, requestID)
		return
	}

	switch e.Kind {
	case apperr.KindValidation:
		var details map[string]any
		if len(e.Fields) > 0 {
			details = make(map[string]any, len(e.Fields))
			for k, v := range e.Fields {
				details[k] = v
			}
		}
		BadRequest(w, "VALIDATION_FAILED", e.Message, requestID, details)
	case apperr.KindAuthentication:
		Unauthorized(w, "INVALID_CREDENTIALS", e.Message, requestID)
	case apperr.KindNotAuthenticated:
		Unauthorized(w, "NOT_AUTHENTICATED", e.Message, requestID)
	case apperr.KindNotFound:
		NotFound(w, "NOT_FOUND", e.Message, requestID)
	case apperr.KindConflict:
		Conflict(w, "ALREADY_EXISTS", e.Message, requestID, nil)
	case apperr.KindTimeout:
		GatewayTimeout(w, "UPSTREAM_TIMEOUT", e.Message, requestID)
	case apperr.KindFetch:
		details := map[string]any{"retryable": apperr.Retryable(e)}
		if e.Status != 0 {
			details["upstream_status"] = e.Status
		}
		BadGateway(w, "UPSTREAM_FAILED", "Upstream request failed", requestID, details)
	case apperr.KindGraphQL:
		BadGateway(w, "UPSTREAM_QUERY_FAILED", e.Message, requestID, nil)
	case apperr.KindOperation:
		WriteError(w, http.StatusInternalServerError, "OPERATION_FAILED", e.Message, requestID, nil)
	default:
		Internal(w, requestID)
	}
}
