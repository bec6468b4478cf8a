// Package client provides a Go client for the DIG HTTP API.
package client

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is a non-2xx response from the DIG API, carrying the HTTP status
// and the server's error code and message.
type Error struct {
	StatusCode int
	Code       string
	Message    string
	// Details is the server's structured error detail, when it sent one.
	Details map[string]any
}

func (e *Error) Error() string {
	return fmt.Sprintf("dig: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

func hasStatus(err error, status int) bool {
	var e *Error
	return errors.As(err, &e) && e.StatusCode == status
}

// IsNotFound reports whether err is a 404.
func IsNotFound(err error) bool { return hasStatus(err, http.StatusNotFound) }

// IsConflict reports whether err is a 409, a duplicate event id.
func IsConflict(err error) bool { return hasStatus(err, http.StatusConflict) }

// IsInvalid reports whether err is a 400 validation failure.
func IsInvalid(err error) bool { return hasStatus(err, http.StatusBadRequest) }

// IsUnauthorized reports whether err is a 401.
func IsUnauthorized(err error) bool { return hasStatus(err, http.StatusUnauthorized) }

// IsForbidden reports whether err is a 403.
func IsForbidden(err error) bool { return hasStatus(err, http.StatusForbidden) }

// IsRateLimited reports whether err is a 429.
func IsRateLimited(err error) bool { return hasStatus(err, http.StatusTooManyRequests) }
