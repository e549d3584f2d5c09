package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func serveWithDeviceKey(key, header string) int {
	e := echo.New()
	e.POST("/v1/telemetry", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}, DeviceKey(key))

	req := httptest.NewRequest(http.MethodPost, "/v1/telemetry", nil)
	if header != "" {
		req.Header.Set(DeviceKeyHeader, header)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec.Code
}

func TestDeviceKey(t *testing.T) {
	if code := serveWithDeviceKey("k1", "k1"); code != http.StatusOK {
		t.Fatalf("expected 200 with matching key, got %d", code)
	}
	if code := serveWithDeviceKey("k1", "nope"); code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong key, got %d", code)
	}
	if code := serveWithDeviceKey("k1", ""); code != http.StatusBadRequest && code != http.StatusUnauthorized {
		t.Fatalf("expected rejection without key, got %d", code)
	}
	if code := serveWithDeviceKey("", ""); code != http.StatusOK {
		t.Fatalf("expected check disabled without configured key, got %d", code)
	}
}
