package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func withRoles(req *http.Request, roles ...string) *http.Request {
	return req.WithContext(context.WithValue(req.Context(), UserRolesKey, roles))
}

func TestRequireRole_Allowed(t *testing.T) {
	e := echo.New()
	req := withRoles(httptest.NewRequest(http.MethodGet, "/", nil), RoleClinicStaff)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := RequireRole(RoleClinicStaff, RoleAnalyst)(okHandler)
	if err := h(c); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestRequireRole_Forbidden(t *testing.T) {
	e := echo.New()
	req := withRoles(httptest.NewRequest(http.MethodGet, "/", nil), RoleAnalyst)
	c := e.NewContext(req, httptest.NewRecorder())

	h := RequireRole(RoleClinicStaff)(okHandler)
	expectStatus(t, h(c), http.StatusForbidden)
}

func TestRequireRole_NoRoles(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())

	h := RequireRole(RoleAnalyst)(okHandler)
	expectStatus(t, h(c), http.StatusForbidden)
}

func TestRequireRole_AdminBypass(t *testing.T) {
	e := echo.New()
	req := withRoles(httptest.NewRequest(http.MethodGet, "/", nil), RoleAdmin)
	c := e.NewContext(req, httptest.NewRecorder())

	h := RequireRole(RoleClinicStaff)(okHandler)
	if err := h(c); err != nil {
		t.Errorf("expected admin to pass, got %v", err)
	}
}

func TestHasRole(t *testing.T) {
	ctx := context.WithValue(context.Background(), UserRolesKey, []string{RoleAnalyst})
	if !HasRole(ctx, RoleClinicStaff, RoleAnalyst) {
		t.Error("expected analyst to match")
	}
	if HasRole(ctx, RoleClinicStaff) {
		t.Error("expected clinic_staff not to match")
	}
}
