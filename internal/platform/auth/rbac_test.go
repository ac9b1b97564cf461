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
		name     string
		roles    []string
		required []string
		want     bool
	}{
		{"exact", []string{"billing"}, []string{"billing"}, true},
		{"one of", []string{"auditor"}, []string{"billing", "auditor"}, true},
		{"admin", []string{"admin"}, []string{"billing"}, true},
		{"missing", []string{"auditor"}, []string{"billing"}, false},
		{"no roles", nil, []string{"billing"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HasRole(tt.roles, tt.required...); got != tt.want {
				t.Errorf("HasRole(%v, %v) = %v, want %v", tt.roles, tt.required, got, tt.want)
			}
		})
	}
}

func TestRequireRole(t *testing.T) {
	writers := []string{RoleBilling}
	readers := []string{RoleBilling, RoleAuditor}

	tests := []struct {
		name    string
		roles   []string
		require []string
		allowed bool
	}{
		{"billing posts payment", []string{RoleBilling}, writers, true},
		{"auditor posts payment", []string{RoleAuditor}, writers, false},
		{"auditor reads aging", []string{RoleAuditor}, readers, true},
		{"admin posts payment", []string{RoleAdmin}, writers, true},
		{"unknown role reads", []string{"scheduler"}, readers, false},
		{"no roles", nil, readers, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req = req.WithContext(WithUser(req.Context(), "user-1", tt.roles))
			rec := httptest.NewRecorder()

			err := RequireRole(tt.require...)(okHandler)(e.NewContext(req, rec))

			if tt.allowed {
				if err != nil {
					t.Errorf("expected access, got %v", err)
				}
				return
			}
			httpErr, ok := err.(*echo.HTTPError)
			if !ok {
				t.Fatalf("expected echo.HTTPError, got %T", err)
			}
			if httpErr.Code != http.StatusForbidden {
				t.Errorf("expected 403, got %d", httpErr.Code)
			}
			if body, ok := httpErr.Message.(echo.Map); !ok || body["code"] != "forbidden" {
				t.Errorf("expected code forbidden, got %v", httpErr.Message)
			}
		})
	}
}

func TestUserIDFromContext(t *testing.T) {
	ctx := context.WithValue(context.Background(), UserIDKey, "user-123")
	if uid := UserIDFromContext(ctx); uid != "user-123" {
		t.Errorf("expected user-123, got %s", uid)
	}

	if empty := UserIDFromContext(context.Background()); empty != "" {
		t.Errorf("expected empty string, got %s", empty)
	}
}
