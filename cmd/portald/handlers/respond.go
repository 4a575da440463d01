// Package handlers exposes the portal operations over a local REST API.
package handlers

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/kimhsiao/medportal/core/internal/errors"
	"github.com/kimhsiao/medportal/core/internal/logging"
	"github.com/kimhsiao/medportal/core/internal/network"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Code    apperrors.ErrorCode `json:"code"`
	Message string              `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn("Failed to encode response", map[string]interface{}{"error": err.Error()})
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logging.Error("Request failed", err)
	}
	writeJSON(w, status, map[string]errorBody{
		"error": {Code: apperrors.CodeOf(err), Message: err.Error()},
	})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeError(w, apperrors.New(apperrors.ErrInvalid, msg))
}

// statusFor maps an application error to an HTTP status. Client errors
// returned by the backend keep their status.
func statusFor(err error) int {
	if code := network.StatusCode(err); code >= 400 && code < 500 {
		return code
	}
	switch apperrors.CodeOf(err) {
	case apperrors.ErrInvalid, apperrors.ErrValidation:
		return http.StatusBadRequest
	case apperrors.ErrNotFound, apperrors.ErrCacheMiss:
		return http.StatusNotFound
	case apperrors.ErrAuth:
		return http.StatusUnauthorized
	case apperrors.ErrSyncInProgress:
		return http.StatusConflict
	case apperrors.ErrSyncConditions:
		return http.StatusPreconditionFailed
	case apperrors.ErrOffline, apperrors.ErrCancelled:
		return http.StatusServiceUnavailable
	case apperrors.ErrTimeout:
		return http.StatusGatewayTimeout
	case apperrors.ErrNetwork, apperrors.ErrHTTP, apperrors.ErrConnectionLost:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func decode(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
