package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// RoleHomeHeader tells a client where a caller of the wrong role belongs.
const RoleHomeHeader = "X-Role-Home"

// RequireRole returns middleware that checks if the user has at least one of
// the specified roles. No role implies any other; admins are not let through
// doctor or patient routes.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userRoles := RolesFromContext(c.Request().Context())
			for _, required := range roles {
				for _, has := range userRoles {
					if has == required {
						return next(c)
					}
				}
			}
			if len(userRoles) > 0 {
				c.Response().Header().Set(RoleHomeHeader, "/"+userRoles[0])
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}

// HasRole reports whether the caller on c holds role.
func HasRole(c echo.Context, role string) bool {
	for _, r := range RolesFromContext(c.Request().Context()) {
		if r == role {
			return true
		}
	}
	return false
}
