package dashboard

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/meditrack/meditrack/internal/domain/identity"
	"github.com/meditrack/meditrack/pkg/notice"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/dashboard", h.Get)
}

func (h *Handler) Get(c echo.Context) error {
	ctx := c.Request().Context()
	sum, err := h.svc.Summary(ctx, identity.ProfileFromContext(ctx))
	if err != nil {
		return notice.Fail(c, err)
	}
	return notice.JSON(c, http.StatusOK, "", sum)
}
