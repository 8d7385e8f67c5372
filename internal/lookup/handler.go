package lookup

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/abtik/intake/internal/domain/patient"
	"github.com/abtik/intake/internal/platform/auth"
)

type Handler struct {
	m *Manager
}

func NewHandler(m *Manager) *Handler {
	return &Handler{m: m}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/lookup/workspace", auth.RequireRole(auth.RoleClinicStaff))
	g.GET("", h.List)
	g.GET("/patients/:id", h.Get)
	g.POST("/patients/:id/expand", h.Expand)
	g.POST("/patients/:id/collapse", h.Collapse)
	g.POST("/patients/:id/edit", h.BeginEdit)
	g.POST("/patients/:id/cancel", h.CancelEdit)
	g.PUT("/patients/:id/profile", h.SaveProfile)
}

func user(c echo.Context) string {
	return auth.UserIDFromContext(c.Request().Context())
}

func (h *Handler) List(c echo.Context) error {
	views := h.m.List(user(c))
	return c.JSON(http.StatusOK, map[string]interface{}{"data": views, "total": len(views)})
}

func (h *Handler) Get(c echo.Context) error {
	v, err := h.m.Get(c.Request().Context(), user(c), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) Expand(c echo.Context) error {
	v, err := h.m.Expand(c.Request().Context(), user(c), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) Collapse(c echo.Context) error {
	v, err := h.m.Collapse(user(c), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) BeginEdit(c echo.Context) error {
	v, err := h.m.BeginEdit(user(c), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) CancelEdit(c echo.Context) error {
	v, err := h.m.CancelEdit(user(c), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) SaveProfile(c echo.Context) error {
	var upd patient.ProfileUpdate
	if err := c.Bind(&upd); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	v, err := h.m.SaveProfile(c.Request().Context(), user(c), c.Param("id"), upd)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, v)
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, patient.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "patient not found")
	case errors.Is(err, patient.ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, "patient was modified concurrently; reload and retry")
	case errors.Is(err, patient.ErrInvalid):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
