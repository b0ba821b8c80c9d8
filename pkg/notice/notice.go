// Package notice shapes the JSON bodies the API answers with: a short
// human-readable message plus an optional payload.
package notice

import (
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/meditrack/meditrack/pkg/apperr"
)

// Response is the success envelope.
type Response struct {
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// JSON writes data wrapped in a Response with the given notice message.
func JSON(c echo.Context, status int, message string, data interface{}) error {
	return c.JSON(status, Response{Message: message, Data: data})
}

// RoleHomeKey is the echo context key holding the caller's landing path,
// sent back as X-Role-Home on forbidden responses.
const RoleHomeKey = "role_home"

// Fail converts a service error into the HTTP error returned by a handler.
// Store and collaborator failures are logged here, once, with the request
// scoped logger; validation and access errors are not.
func Fail(c echo.Context, err error) error {
	switch apperr.KindOf(err) {
	case apperr.KindInternal, apperr.KindExternal:
		zerolog.Ctx(c.Request().Context()).Error().
			Err(err).
			Str("path", c.Path()).
			Msg("request failed")
	case apperr.KindForbidden:
		if home, ok := c.Get(RoleHomeKey).(string); ok && home != "" {
			c.Response().Header().Set("X-Role-Home", home)
		}
	}
	return apperr.ToHTTP(err)
}
