package analytics

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/abtik/intake/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/analytics", auth.RequireRole(auth.RoleAnalyst))
	g.GET("/dashboard", h.GetDashboard)
}

// GetDashboard handles GET /analytics/dashboard?months=&symptom=.
func (h *Handler) GetDashboard(c echo.Context) error {
	q := Query{Symptom: c.QueryParam("symptom")}
	if m := c.QueryParam("months"); m != "" {
		n, err := strconv.Atoi(m)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "months must be an integer")
		}
		q.Months = ClampMonths(n)
	}

	d, err := h.svc.Dashboard(c.Request().Context(), q)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, "analytics data unavailable")
	}
	return c.JSON(http.StatusOK, d)
}
