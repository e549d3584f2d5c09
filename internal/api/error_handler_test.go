package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/smartsanitation/fleet-core/internal/core/domain"
)

func renderError(t *testing.T, err error) (int, string) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	NewHTTPErrorHandler(zerolog.Nop())(err, c)

	var body errorResponse
	if jerr := json.Unmarshal(rec.Body.Bytes(), &body); jerr != nil {
		t.Fatalf("invalid json: %v", jerr)
	}
	return rec.Code, body.Error
}

func TestHTTPErrorHandler_DomainErrors(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{domain.ErrUnknownUnit, http.StatusNotFound},
		{fmt.Errorf("ingest: %w", domain.ErrInvalidReading), http.StatusBadRequest},
		{domain.ErrUnitExists, http.StatusConflict},
		{domain.ErrAttemptNotFound, http.StatusNotFound},
		{fmt.Errorf("initiate: %w: %q", domain.ErrUnsupportedProvider, "btc"), http.StatusBadRequest},
		{domain.ErrInvalidPayment, http.StatusBadRequest},
		{fmt.Errorf("initiate: %w", domain.ErrDuplicateAttempt), http.StatusConflict},
		{domain.ErrForbidden, http.StatusForbidden},
		{domain.ErrInvalidCredentials, http.StatusUnauthorized},
		{domain.ErrUserExists, http.StatusConflict},
	}
	for _, tc := range cases {
		if code, _ := renderError(t, tc.err); code != tc.code {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.code, code)
		}
	}
}

func TestHTTPErrorHandler_EchoError(t *testing.T) {
	code, msg := renderError(t, echo.NewHTTPError(http.StatusBadRequest, "amount must be greater than 0"))
	if code != http.StatusBadRequest || msg != "amount must be greater than 0" {
		t.Fatalf("unexpected: %d %q", code, msg)
	}
}

func TestHTTPErrorHandler_UnexpectedErrorIsHidden(t *testing.T) {
	code, msg := renderError(t, errors.New("mongo: connection reset by peer"))
	if code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", code)
	}
	if msg != "internal server error" {
		t.Fatalf("internal detail leaked: %q", msg)
	}
}
