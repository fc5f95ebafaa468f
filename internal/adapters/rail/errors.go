package rail

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

const (
	CodeInternalError = "internal_error"
	CodeNotFound      = "not_found"
)

type RailError struct {
	Code       string
	Message    string
	StatusCode int
}

func (e *RailError) Error() string {
	return fmt.Sprintf("rail error: %s: %s (status: %d)", e.Code, e.Message, e.StatusCode)
}

type ErrorResponse struct {
	Err     string `json:"error"`
	Message string `json:"message"`
}

// IsRetryable reports whether sending the same request again may succeed.
// Rail 4xx answers other than 408 and 429 are final; transport errors are not.
func IsRetryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var railErr *RailError
	if errors.As(err, &railErr) {
		switch {
		case railErr.StatusCode >= 500:
			return true
		case railErr.StatusCode == http.StatusTooManyRequests, railErr.StatusCode == http.StatusRequestTimeout:
			return true
		case railErr.Code == CodeInternalError:
			return true
		default:
			return false
		}
	}
	return true
}

// IsNotFound reports whether the rail has no record of the idempotency key.
func IsNotFound(err error) bool {
	var railErr *RailError
	return errors.As(err, &railErr) && (railErr.StatusCode == http.StatusNotFound || railErr.Code == CodeNotFound)
}
