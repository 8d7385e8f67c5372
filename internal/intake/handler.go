package intake

import (
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/abtik/intake/internal/platform/auth"
)

type Handler struct {
	orch *Orchestrator
}

func NewHandler(orch *Orchestrator) *Handler {
	return &Handler{orch: orch}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/intake/sessions", auth.RequireRole(auth.RoleClinicStaff))
	g.POST("", h.CreateSession)
	g.GET("/:id", h.GetSession)
	g.PUT("/:id/file", h.SelectFile)
	g.POST("/:id/process", h.Process)
	g.PUT("/:id/extraction", h.Edit)
	g.POST("/:id/save", h.Save)
	g.POST("/:id/reset", h.Reset)
	g.DELETE("/:id", h.CloseSession)
}

func owner(c echo.Context) string {
	return auth.UserIDFromContext(c.Request().Context())
}

// CreateSession opens a session. A multipart "file" part, when present, is
// selected right away.
func (h *Handler) CreateSession(c echo.Context) error {
	v := h.orch.Start(owner(c))
	if _, err := c.FormFile("file"); err == nil {
		f, err := readFile(c)
		if err != nil {
			return err
		}
		id := v.ID
		if v, err = h.orch.SelectFile(id, owner(c), f); err != nil {
			_ = h.orch.Close(id, owner(c))
			return httpError(err)
		}
	}
	return c.JSON(http.StatusCreated, v)
}

func (h *Handler) GetSession(c echo.Context) error {
	v, err := h.orch.Get(c.Param("id"), owner(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) SelectFile(c echo.Context) error {
	f, err := readFile(c)
	if err != nil {
		return err
	}
	v, err := h.orch.SelectFile(c.Param("id"), owner(c), f)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) Process(c echo.Context) error {
	v, err := h.orch.Process(c.Request().Context(), c.Param("id"), owner(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) Edit(c echo.Context) error {
	var e ExtractionResult
	if err := c.Bind(&e); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	v, err := h.orch.Edit(c.Param("id"), owner(c), e)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, v)
}

// Save responds 200 when the form was saved and linked, 207 when the visit
// record exists but the patient's record list could not be updated, and
// 502 when a fatal step failed. The session view is the body in all three
// cases.
func (h *Handler) Save(c echo.Context) error {
	v, err := h.orch.Save(c.Request().Context(), c.Param("id"), owner(c))
	if err != nil {
		return httpError(err)
	}
	status := http.StatusOK
	if v.Outcome != nil {
		switch v.Outcome.Status {
		case StatusPartiallyCompleted:
			status = http.StatusMultiStatus
		case StatusFailed:
			status = http.StatusBadGateway
		}
	}
	return c.JSON(status, v)
}

func (h *Handler) Reset(c echo.Context) error {
	v, err := h.orch.Reset(c.Param("id"), owner(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) CloseSession(c echo.Context) error {
	if err := h.orch.Close(c.Param("id"), owner(c)); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func readFile(c echo.Context) (File, error) {
	fh, err := c.FormFile("file")
	if err != nil {
		return File{}, echo.NewHTTPError(http.StatusBadRequest, "file is required")
	}
	src, err := fh.Open()
	if err != nil {
		return File{}, echo.NewHTTPError(http.StatusInternalServerError, "failed to open uploaded file")
	}
	defer src.Close()
	data, err := io.ReadAll(src)
	if err != nil {
		return File{}, echo.NewHTTPError(http.StatusBadRequest, "failed to read uploaded file")
	}
	return File{Name: fh.Filename, ContentType: fh.Header.Get("Content-Type"), Data: data}, nil
}

func httpError(err error) error {
	var verr *ValidationError
	var serr *StepError
	switch {
	case errors.As(err, &verr):
		return echo.NewHTTPError(http.StatusBadRequest, verr.Error())
	case errors.Is(err, ErrSessionNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidState):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.As(err, &serr):
		return echo.NewHTTPError(http.StatusBadGateway, serr.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
