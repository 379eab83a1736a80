// Package apperr holds the error taxonomy shared by the transaction pipeline and
// its HTTP surface. Callers wrap these sentinels with %w and match with errors.Is.
package apperr

import (
	"errors"
	"net/http"
)

var (
	// ErrValidation marks malformed input or an unknown transaction type.
	ErrValidation = errors.New("validation failed")
	// ErrInsufficientFunds marks a withdrawal larger than the current balance.
	ErrInsufficientFunds = errors.New("insufficient balance")
	// ErrUpstream marks a failed call to the account service.
	ErrUpstream = errors.New("account service error")
	// ErrPersistence marks a rejected write or read against the transaction store.
	ErrPersistence = errors.New("transaction store error")
	// ErrNotFound marks a lookup that matched nothing.
	ErrNotFound = errors.New("not found")
	// ErrSubscriptionLost ends a live transaction feed whose backing connection went away.
	ErrSubscriptionLost = errors.New("transaction subscription lost")
)

// IsClientError reports whether err was caused by the caller rather than by a
// dependency of the service.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrNotFound)
}

// HTTPStatus maps err onto the status code reported to API clients.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrInsufficientFunds):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrUpstream):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
