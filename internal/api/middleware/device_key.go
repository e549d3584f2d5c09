package middleware

import (
	"crypto/subtle"

	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
)

const DeviceKeyHeader = "X-Device-Key"

// DeviceKey authenticates field devices with a shared key in the X-Device-Key
// header. An empty key disables the check.
func DeviceKey(key string) echo.MiddlewareFunc {
	return echomiddleware.KeyAuthWithConfig(echomiddleware.KeyAuthConfig{
		KeyLookup: "header:" + DeviceKeyHeader,
		Skipper: func(echo.Context) bool {
			return key == ""
		},
		Validator: func(given string, _ echo.Context) (bool, error) {
			return subtle.ConstantTimeCompare([]byte(given), []byte(key)) == 1, nil
		},
	})
}
