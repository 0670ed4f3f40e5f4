package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func runRequireRole(t *testing.T, granted []string, required ...string) (*httptest.ResponseRecorder, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if granted != nil {
		req = req.WithContext(context.WithValue(req.Context(), UserRolesKey, granted))
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	}
	return rec, RequireRole(required...)(handler)(c)
}

func TestRequireRole_Allowed(t *testing.T) {
	rec, err := runRequireRole(t, []string{"clinician"}, "clinician", "registrar")
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestRequireRole_Denied(t *testing.T) {
	_, err := runRequireRole(t, []string{"viewer"}, "clinician")
	if err == nil {
		t.Fatal("expected error")
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", httpErr.Code)
	}
}

func TestRequireRole_NoRoles(t *testing.T) {
	_, err := runRequireRole(t, nil, "viewer")
	if err == nil {
		t.Fatal("expected error without roles")
	}
}

func TestRequireRole_AdminBypass(t *testing.T) {
	if _, err := runRequireRole(t, []string{"admin"}, "clinician"); err != nil {
		t.Errorf("admin should bypass role check, got %v", err)
	}
}

func TestIsPublicPath(t *testing.T) {
	for path, want := range map[string]bool{
		"/health":       true,
		"/health/db":    true,
		"/metrics":      true,
		"/api/patients": false,
		"/healthz":      false,
	} {
		if got := IsPublicPath(path); got != want {
			t.Errorf("IsPublicPath(%q) = %v, want %v", path, got, want)
		}
	}
}
