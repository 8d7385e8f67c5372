package patient

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/abtik/intake/internal/platform/auth"
	"github.com/abtik/intake/internal/platform/blobstore"
	"github.com/abtik/intake/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	readGroup := api.Group("", auth.RequireRole(auth.RoleClinicStaff, auth.RoleAnalyst))
	readGroup.GET("/patients", h.SearchPatients)
	readGroup.GET("/patients/:id", h.GetPatient)
	readGroup.GET("/patients/:id/records", h.ListVisitRecords)
	readGroup.GET("/records/:id", h.GetVisitRecord)

	writeGroup := api.Group("", auth.RequireRole(auth.RoleClinicStaff))
	writeGroup.PUT("/patients/:id", h.UpdateProfile)
	writeGroup.POST("/patients/:id/profile-image", h.SetProfileImage)
}

func (h *Handler) SearchPatients(c echo.Context) error {
	pg := pagination.FromContext(c)
	patients, total, err := h.svc.SearchPatients(c.Request().Context(), c.QueryParam("q"), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if patients == nil {
		patients = []*Patient{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(patients, total, pg.Limit, pg.Offset).WithNext(c.QueryParams()))
}

func (h *Handler) GetPatient(c echo.Context) error {
	p, err := h.svc.GetPatient(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err, "patient not found")
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) UpdateProfile(c echo.Context) error {
	var upd ProfileUpdate
	if err := c.Bind(&upd); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p, err := h.svc.UpdateProfile(c.Request().Context(), c.Param("id"), upd)
	if err != nil {
		return httpError(err, "patient not found")
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) SetProfileImage(c echo.Context) error {
	file, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "file is required")
	}
	src, err := file.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to open uploaded file")
	}
	defer src.Close()

	p, err := h.svc.SetProfileImage(c.Request().Context(), c.Param("id"), file.Filename, file.Header.Get("Content-Type"), src)
	if err != nil {
		return httpError(err, "patient not found")
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) ListVisitRecords(c echo.Context) error {
	records, err := h.svc.ListVisitRecords(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err, "patient not found")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": records, "total": len(records)})
}

func (h *Handler) GetVisitRecord(c echo.Context) error {
	r, err := h.svc.GetVisitRecord(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err, "record not found")
	}
	return c.JSON(http.StatusOK, r)
}

func httpError(err error, notFound string) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, notFound)
	case errors.Is(err, ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, "patient was modified concurrently; reload and retry")
	case errors.Is(err, ErrInvalid):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if status := blobstore.StatusFor(err); status != http.StatusInternalServerError {
		return echo.NewHTTPError(status, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
