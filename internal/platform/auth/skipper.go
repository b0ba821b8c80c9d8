package auth

import (
	"github.com/labstack/echo/v4"
)

// publicPaths lists route templates reachable without a session token.
var publicPaths = map[string]bool{
	"/health":               true,
	"/health/db":            true,
	"/metrics":              true,
	"/api/v1/auth/register": true,
	"/api/v1/auth/login":    true,
}

// AuthSkipper returns true for requests whose route should skip
// authentication.
func AuthSkipper(c echo.Context) bool {
	return publicPaths[c.Path()]
}

// IsPublicPath reports whether the given route template is public.
func IsPublicPath(path string) bool {
	return publicPaths[path]
}
