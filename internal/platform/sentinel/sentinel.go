// Package sentinel holds the error kinds shared by stores, services and the
// HTTP edge. Stores and services return these (optionally wrapped with %w);
// handlers translate them to status codes with HTTPError.
package sentinel

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrDuplicateEmail     = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrValidation         = errors.New("validation failed")
	ErrForbidden          = errors.New("forbidden")

	// ErrAuthenticationFailure is returned when a sealed blob fails to open:
	// tampering, truncation or a wrong key. Nothing is ever partially decrypted.
	ErrAuthenticationFailure = errors.New("ciphertext authentication failed")

	// ErrBackendUnavailable is produced by the startup probe only. It is logged
	// once and never returned to a request.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrTransientBackend marks a durable backend failure in Available mode.
	// Callers may retry.
	ErrTransientBackend = errors.New("transient backend error")

	ErrGenerationSource = errors.New("generation source error")

	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

var statusByKind = []struct {
	err    error
	status int
}{
	{ErrValidation, http.StatusBadRequest},
	{ErrDuplicateEmail, http.StatusBadRequest},
	{ErrInvalidCredentials, http.StatusUnauthorized},
	{ErrInvalidToken, http.StatusUnauthorized},
	{ErrTokenExpired, http.StatusUnauthorized},
	{ErrForbidden, http.StatusForbidden},
	{ErrNotFound, http.StatusNotFound},
	{ErrAuthenticationFailure, http.StatusUnprocessableEntity},
	{ErrGenerationSource, http.StatusBadGateway},
	{ErrTransientBackend, http.StatusServiceUnavailable},
}

// Status returns the HTTP status for err, defaulting to 500.
func Status(err error) int {
	for _, k := range statusByKind {
		if errors.Is(err, k.err) {
			return k.status
		}
	}
	return http.StatusInternalServerError
}

// Message returns the caller-facing text for err. Client errors carry the
// sentinel text only so wrapped backend detail never reaches the caller.
func Message(err error) string {
	for _, k := range statusByKind {
		if errors.Is(err, k.err) {
			if errors.Is(err, ErrValidation) || errors.Is(err, ErrGenerationSource) {
				return err.Error()
			}
			return k.err.Error()
		}
	}
	return "internal server error"
}

// HTTPError converts err into an echo.HTTPError carrying Message(err).
func HTTPError(err error) *echo.HTTPError {
	return echo.NewHTTPError(Status(err), Message(err)).SetInternal(err)
}
