package scheduling

import (
	"net/http"

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
	patientOnly := auth.RequireRole(string(identity.RolePatient))
	doctorOnly := auth.RequireRole(string(identity.RoleDoctor))

	api.GET("/appointments/slots", h.Slots)
	api.GET("/appointments", h.List)
	api.GET("/appointments/:id", h.Get)
	api.POST("/appointments", h.Book, patientOnly)
	api.POST("/appointments/:id/approve", h.Approve, doctorOnly)
	api.POST("/appointments/:id/reject", h.Reject, doctorOnly)
	api.POST("/appointments/:id/complete", h.Complete, doctorOnly)
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid appointment id")
	}
	return id, nil
}

func (h *Handler) Slots(c echo.Context) error {
	return notice.JSON(c, http.StatusOK, "", Slots)
}

func (h *Handler) Book(c echo.Context) error {
	var in BookInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ctx := c.Request().Context()
	appt, err := h.svc.Book(ctx, identity.ProfileFromContext(ctx), in)
	if err != nil {
		return notice.Fail(c, err)
	}
	return notice.JSON(c, http.StatusCreated, "Appointment request submitted successfully!", appt)
}

func (h *Handler) List(c echo.Context) error {
	ctx := c.Request().Context()
	items, err := h.svc.List(ctx, identity.ProfileFromContext(ctx), Status(c.QueryParam("status")))
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
	appt, err := h.svc.Get(ctx, identity.ProfileFromContext(ctx), id)
	if err != nil {
		return notice.Fail(c, err)
	}
	return notice.JSON(c, http.StatusOK, "", appt)
}

func (h *Handler) review(c echo.Context, to Status) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var in ReviewInput
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&in); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
	}
	ctx := c.Request().Context()
	doctor := identity.ProfileFromContext(ctx)

	var appt *Appointment
	var msg string
	switch to {
	case StatusApproved:
		appt, err = h.svc.Approve(ctx, doctor, id, in.Note)
		msg = "Appointment approved successfully!"
	case StatusRejected:
		appt, err = h.svc.Reject(ctx, doctor, id, in.Note)
		msg = "Appointment rejected successfully!"
	default:
		appt, err = h.svc.MarkCompleted(ctx, doctor, id, in.Confirm)
		msg = "Appointment marked as completed!"
	}
	if err != nil {
		return notice.Fail(c, err)
	}
	return notice.JSON(c, http.StatusOK, msg, appt)
}

func (h *Handler) Approve(c echo.Context) error {
	return h.review(c, StatusApproved)
}

func (h *Handler) Reject(c echo.Context) error {
	return h.review(c, StatusRejected)
}

func (h *Handler) Complete(c echo.Context) error {
	return h.review(c, StatusCompleted)
}
