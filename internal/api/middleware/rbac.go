package middleware

import (
	"fmt"

	"github.com/labstack/echo/v4"

	"github.com/smartsanitation/fleet-core/internal/core/domain"
)

// RBAC admits requests whose JWT role is one of roles. Denials are returned
// as domain.ErrForbidden for the central error handler. It must run after Auth.
func RBAC(roles ...string) echo.MiddlewareFunc {
	allowed := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		allowed[r] = struct{}{}
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			role, _ := c.Get("role").(string)
			if _, ok := allowed[role]; !ok {
				return fmt.Errorf("%s %s as %q: %w", c.Request().Method, c.Path(), role, domain.ErrForbidden)
			}
			return next(c)
		}
	}
}
