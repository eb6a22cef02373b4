package apperrors

import (
	"errors"
	"net/http"
)

// HTTPStatus maps an error to the appropriate HTTP status code.
// Inbound authentication is checked first so that a callback never leaks a
// more specific status than 403.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrAuthentication):
		return http.StatusForbidden
	case errors.Is(err, ErrJobKindMismatch):
		return http.StatusConflict
	case errors.Is(err, ErrValidation), errors.Is(err, ErrUnsupportedEventKind):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrConnectorUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrForbidden),
		errors.Is(err, ErrPipelineDispatch),
		errors.Is(err, ErrInternalPipeline):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
