package httputil

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/banshee-data/livemap/internal/location"
	"github.com/banshee-data/livemap/internal/monitoring"
)

// WriteJSONError writes a JSON error response with the given status code and message.
// This helper reduces duplication across API handlers.
func WriteJSONError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, map[string]string{"error": msg})
}

// WriteJSON writes a JSON response with the given status code and data.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		monitoring.Logf("failed to encode json response: %v", err)
	}
}

// WriteJSONOK writes a successful JSON response (200 OK).
func WriteJSONOK(w http.ResponseWriter, data interface{}) {
	WriteJSON(w, http.StatusOK, data)
}

// MethodNotAllowed writes a 405 Method Not Allowed response.
func MethodNotAllowed(w http.ResponseWriter) {
	WriteJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
}

// BadRequest writes a 400 Bad Request response with the given message.
func BadRequest(w http.ResponseWriter, msg string) {
	WriteJSONError(w, http.StatusBadRequest, msg)
}

// InternalServerError writes a 500 Internal Server Error response.
func InternalServerError(w http.ResponseWriter, msg string) {
	WriteJSONError(w, http.StatusInternalServerError, msg)
}

// NotFound writes a 404 Not Found response.
func NotFound(w http.ResponseWriter, msg string) {
	WriteJSONError(w, http.StatusNotFound, msg)
}

// Retry kinds tell a client which action clears an error.
const (
	RetryPermission = "permission"
	RetryLocation   = "location"
)

// RetryKind returns the retry affordance for a location failure.
func RetryKind(le *location.Error) string {
	if le == nil {
		return ""
	}
	if le.PermissionFailure() {
		return RetryPermission
	}
	return RetryLocation
}

// LocationErrorStatus maps a location error code to an HTTP status.
func LocationErrorStatus(le *location.Error) int {
	switch le.Code {
	case location.CodePermissionDenied:
		return http.StatusForbidden
	case location.CodeTimeout:
		return http.StatusGatewayTimeout
	case location.CodeNotSupported:
		return http.StatusNotImplemented
	default:
		return http.StatusServiceUnavailable
	}
}

// WriteLocationError writes a failure from the location stack. Errors
// outside the location taxonomy are reported as 500s.
func WriteLocationError(w http.ResponseWriter, err error) {
	var le *location.Error
	if !errors.As(err, &le) {
		InternalServerError(w, err.Error())
		return
	}
	WriteJSON(w, LocationErrorStatus(le), map[string]string{
		"error": le.Message,
		"code":  string(le.Code),
		"retry": RetryKind(le),
	})
}
