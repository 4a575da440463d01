package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"

	apperrors "github.com/kimhsiao/medportal/core/internal/errors"
)

// ErrNoConnection is returned for a GET issued offline with no cached response.
var ErrNoConnection = apperrors.New(apperrors.ErrOffline, "no internet connection")

// retryableStatus lists the HTTP statuses that are retried with backoff.
var retryableStatus = map[int]bool{
	http.StatusRequestTimeout:      true,
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// StatusError is a non-2xx response.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s failed with status %d", e.Method, e.URL, e.StatusCode)
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}

// IsRetryable reports whether err is transient: a retryable HTTP status or
// a network, timeout or connection-lost failure.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if code := StatusCode(err); code != 0 {
		return retryableStatus[code]
	}
	switch apperrors.CodeOf(err) {
	case apperrors.ErrNetwork, apperrors.ErrTimeout, apperrors.ErrConnectionLost:
		return true
	}
	return false
}

// isConnectionFailure reports whether err means the request never got a
// response, as opposed to an HTTP error status.
func isConnectionFailure(err error) bool {
	switch apperrors.CodeOf(err) {
	case apperrors.ErrNetwork, apperrors.ErrTimeout, apperrors.ErrConnectionLost, apperrors.ErrOffline:
		return true
	}
	return false
}

// classify maps a transport error to an application error. attemptCtx is
// the per-attempt context, parent the caller's.
func classify(err error, parent, attemptCtx context.Context) error {
	switch {
	case parent.Err() != nil:
		return apperrors.Wrap(apperrors.ErrCancelled, "request cancelled", parent.Err())
	case errors.Is(attemptCtx.Err(), context.DeadlineExceeded):
		return apperrors.Wrap(apperrors.ErrTimeout, "request timed out", err)
	case errors.Is(attemptCtx.Err(), context.Canceled):
		return apperrors.Wrap(apperrors.ErrCancelled, "request cancelled", err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return apperrors.Wrap(apperrors.ErrTimeout, "request timed out", err)
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return apperrors.Wrap(apperrors.ErrConnectionLost, "connection lost", err)
	}
	return apperrors.Wrap(apperrors.ErrNetwork, "request failed", err)
}
