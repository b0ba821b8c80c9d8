package medication

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/meditrack/meditrack/internal/domain/identity"
	"github.com/meditrack/meditrack/internal/platform/auth"
	"github.com/meditrack/meditrack/pkg/notice"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	readers := auth.RequireRole(string(identity.RoleDoctor), string(identity.RolePatient))
	doctorOnly := auth.RequireRole(string(identity.RoleDoctor))

	api.GET("/prescriptions", h.List, readers)
	api.GET("/prescriptions/:id", h.Get, readers)
	api.POST("/prescriptions", h.Create, doctorOnly)
	api.PUT("/prescriptions/:id", h.Update, doctorOnly)
	api.DELETE("/prescriptions/:id", h.Delete, doctorOnly)
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid prescription id")
	}
	return id, nil
}

func (h *Handler) Create(c echo.Context) error {
	var in Input
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ctx := c.Request().Context()
	p, err := h.svc.Create(ctx, identity.ProfileFromContext(ctx), in)
	if err != nil {
		return notice.Fail(c, err)
	}
	return notice.JSON(c, http.StatusCreated, "Prescription created successfully!", p)
}

func (h *Handler) Update(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var in Input
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ctx := c.Request().Context()
	p, err := h.svc.Update(ctx, identity.ProfileFromContext(ctx), id, in)
	if err != nil {
		return notice.Fail(c, err)
	}
	return notice.JSON(c, http.StatusOK, "Prescription updated successfully!", p)
}

func (h *Handler) Delete(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	confirmed, _ := strconv.ParseBool(c.QueryParam("confirm"))
	ctx := c.Request().Context()
	if err := h.svc.Delete(ctx, identity.ProfileFromContext(ctx), id, confirmed); err != nil {
		return notice.Fail(c, err)
	}
	return notice.JSON(c, http.StatusOK, "Prescription deleted successfully!", nil)
}

func (h *Handler) List(c echo.Context) error {
	ctx := c.Request().Context()
	items, err := h.svc.List(ctx, identity.ProfileFromContext(ctx), c.QueryParam("q"))
	if err != nil {
		return notice.Fail(c, err)
	}
	return notice.JSON(c, http.StatusOK, "", items)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	p, err := h.svc.Get(ctx, identity.ProfileFromContext(ctx), id)
	if err != nil {
		return notice.Fail(c, err)
	}
	return notice.JSON(c, http.StatusOK, "", p)
}
