package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

const (
	RoleAdmin   = "admin"
	RoleBilling = "billing"
	// RoleAuditor may read claims, payments and reports but not change them.
	RoleAuditor = "auditor"
)

// HasRole reports whether roles contains one of required. Admin satisfies any role.
func HasRole(roles []string, required ...string) bool {
	for _, has := range roles {
		if has == RoleAdmin {
			return true
		}
		for _, want := range required {
			if has == want {
				return true
			}
		}
	}
	return false
}

// RequireRole rejects callers holding none of roles with 403 forbidden.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if HasRole(RolesFromContext(c.Request().Context()), roles...) {
				return next(c)
			}
			return echo.NewHTTPError(http.StatusForbidden, echo.Map{
				"code":    "forbidden",
				"message": fmt.Sprintf("requires role %s", strings.Join(roles, " or ")),
			})
		}
	}
}
