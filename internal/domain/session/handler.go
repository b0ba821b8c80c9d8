package session

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/meditrack/meditrack/internal/platform/auth"
	"github.com/meditrack/meditrack/pkg/notice"
)

type Handler struct {
	resolver *Resolver
}

func NewHandler(r *Resolver) *Handler {
	return &Handler{resolver: r}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/me", h.Me)
}

// Me returns the caller's session state.
func (h *Handler) Me(c echo.Context) error {
	if st, ok := FromEcho(c); ok {
		return notice.JSON(c, http.StatusOK, "", st)
	}
	ctx := c.Request().Context()
	return notice.JSON(c, http.StatusOK, "", h.resolver.Resolve(ctx, auth.IdentityFromContext(ctx)))
}
