package connector

import (
	"context"
	"errors"
	"net/http"

	"github.com/salesforce-connector/pkg/resilience"
)

var (
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrInvalidQuery         = errors.New("invalid query")
	ErrNotAuthenticated     = errors.New("not authenticated")
	ErrNotStarted           = errors.New("unable to authenticate: connector not started")
	ErrAlreadyAuthenticated = errors.New("already authenticated")
	ErrAuthTimeout          = errors.New("timed out waiting for authorization")
	ErrStopped              = errors.New("connector stopped")
)

// HTTPStatus maps connector errors onto the status a host should answer with.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalidConfiguration), errors.Is(err, ErrInvalidQuery):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotAuthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, ErrAlreadyAuthenticated):
		return http.StatusConflict
	case errors.Is(err, ErrNotStarted), errors.Is(err, ErrStopped), errors.Is(err, resilience.ErrOpen):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrAuthTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
