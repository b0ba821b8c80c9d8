package identity

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/meditrack/meditrack/internal/platform/auth"
	"github.com/meditrack/meditrack/pkg/apperr"
	"github.com/meditrack/meditrack/pkg/notice"
	"github.com/meditrack/meditrack/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the account and directory routes. limit guards the
// credential endpoints and may be nil.
func (h *Handler) RegisterRoutes(api *echo.Group, limit echo.MiddlewareFunc) {
	var guarded []echo.MiddlewareFunc
	if limit != nil {
		guarded = append(guarded, limit)
	}

	authGroup := api.Group("/auth")
	authGroup.POST("/register", h.Register, guarded...)
	authGroup.POST("/login", h.Login, guarded...)
	authGroup.POST("/logout", h.Logout)

	api.PUT("/me", h.UpdateProfile)
	api.GET("/doctors", h.ListDoctors)
	api.GET("/patients", h.ListPatients, auth.RequireRole(string(RoleDoctor)))
	api.GET("/users", h.ListUsers, auth.RequireRole(string(RoleAdmin)))
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handler) Register(c echo.Context) error {
	var in RegisterInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	reg, err := h.svc.Register(c.Request().Context(), in)
	if err != nil {
		return notice.Fail(c, err)
	}
	return notice.JSON(c, http.StatusCreated, "Account created successfully!", reg)
}

func (h *Handler) Login(c echo.Context) error {
	var in loginRequest
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	sess, err := h.svc.SignIn(c.Request().Context(), in.Email, in.Password)
	if err != nil {
		return notice.Fail(c, err)
	}
	return notice.JSON(c, http.StatusOK, "Signed in successfully!", sess)
}

func (h *Handler) Logout(c echo.Context) error {
	token, err := auth.TokenFromRequest(c.Request())
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}
	if err := h.svc.SignOut(c.Request().Context(), token); err != nil {
		return notice.Fail(c, err)
	}
	return notice.JSON(c, http.StatusOK, "Signed out successfully!", nil)
}

func (h *Handler) UpdateProfile(c echo.Context) error {
	var in ProfileUpdate
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	p, err := h.svc.UpdateProfile(c.Request().Context(), ProfileFromContext(c.Request().Context()), in)
	if err != nil {
		return notice.Fail(c, err)
	}
	return notice.JSON(c, http.StatusOK, "Profile updated successfully!", p)
}

func (h *Handler) ListDoctors(c echo.Context) error {
	if ProfileFromContext(c.Request().Context()) == nil {
		return notice.Fail(c, apperr.Forbidden("profile required"))
	}
	items, err := h.svc.ListDoctors(c.Request().Context())
	if err != nil {
		return notice.Fail(c, err)
	}
	return notice.JSON(c, http.StatusOK, "", items)
}

func (h *Handler) ListPatients(c echo.Context) error {
	items, err := h.svc.ListPatients(c.Request().Context())
	if err != nil {
		return notice.Fail(c, err)
	}
	return notice.JSON(c, http.StatusOK, "", items)
}

func (h *Handler) ListUsers(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListUsers(c.Request().Context(), pg)
	if err != nil {
		return notice.Fail(c, err)
	}
	return notice.JSON(c, http.StatusOK, "", pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}
