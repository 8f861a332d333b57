package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestHasRole(t *testing.T) {
	tests := []struct {
		have []string
		want []string
		ok   bool
	}{
		{[]string{"physician"}, []string{"physician", "nurse"}, true},
		{[]string{"nurse"}, []string{"admin"}, false},
		{[]string{"admin"}, []string{"system"}, true},
		{nil, []string{"nurse"}, false},
		{[]string{"system"}, []string{"admin", "system"}, true},
	}
	for _, tt := range tests {
		if got := HasRole(tt.have, tt.want...); got != tt.ok {
			t.Errorf("HasRole(%v, %v) = %v, want %v", tt.have, tt.want, got, tt.ok)
		}
	}
}

func TestRequireRole_Allowed(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(WithIdentity(req.Context(), "u1", []string{"physician"}))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := RequireRole("physician", "nurse")(okHandler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestRequireRole_Forbidden(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(context.WithValue(req.Context(), UserRolesKey, []string{"nurse"}))
	c := e.NewContext(req, httptest.NewRecorder())

	err := RequireRole("admin")(okHandler)(c)
	expectStatus(t, err, http.StatusForbidden)
}
