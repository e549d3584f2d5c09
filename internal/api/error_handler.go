package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/smartsanitation/fleet-core/internal/core/domain"
)

// errorResponse is the canonical error envelope for all API errors.
type errorResponse struct {
	Error string `json:"error"`
}

// NewHTTPErrorHandler returns an echo.HTTPErrorHandler that maps domain errors
// to status codes, logs unexpected ones and renders {"error": "<message>"}.
func NewHTTPErrorHandler(log zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		code, msg := resolveError(err, log, c)
		if c.Request().Method == http.MethodHead {
			_ = c.NoContent(code)
			return
		}
		_ = c.JSON(code, errorResponse{Error: msg})
	}
}

func resolveError(err error, log zerolog.Logger, c echo.Context) (int, string) {
	// Echo's own errors (bind failures, 404 from router, etc.)
	var he *echo.HTTPError
	if errors.As(err, &he) {
		if he.Internal != nil {
			log.Debug().Err(he.Internal).Str("path", c.Path()).Msg("http error")
		}
		return he.Code, fmt.Sprintf("%v", he.Message)
	}

	switch {
	// Units
	case errors.Is(err, domain.ErrUnknownUnit):
		return http.StatusNotFound, "unit not found"
	case errors.Is(err, domain.ErrUnitExists):
		return http.StatusConflict, "unit already exists"
	case errors.Is(err, domain.ErrInvalidReading),
		errors.Is(err, domain.ErrInvalidUnit):
		return http.StatusBadRequest, err.Error()

	// Payments
	case errors.Is(err, domain.ErrAttemptNotFound):
		return http.StatusNotFound, "payment attempt not found"
	case errors.Is(err, domain.ErrUnknownReference):
		return http.StatusNotFound, "unknown payment reference"
	case errors.Is(err, domain.ErrDuplicateAttempt):
		return http.StatusConflict, "payment attempt already exists"
	case errors.Is(err, domain.ErrInvalidPayment),
		errors.Is(err, domain.ErrUnsupportedProvider):
		return http.StatusBadRequest, err.Error()

	// Auth
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden, "access forbidden"
	case errors.Is(err, domain.ErrInvalidCredentials):
		return http.StatusUnauthorized, "invalid credentials"
	case errors.Is(err, domain.ErrUserNotFound):
		return http.StatusNotFound, "user not found"
	case errors.Is(err, domain.ErrUserExists):
		return http.StatusConflict, "user already exists"
	}

	// Unexpected error: log the real cause, return a generic message.
	log.Error().
		Err(err).
		Str("method", c.Request().Method).
		Str("path", c.Path()).
		Msg("unhandled error")

	return http.StatusInternalServerError, "internal server error"
}
