package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestTimeout puts a deadline on the request context. The handler runs on
// the calling goroutine, so a posting that notices the deadline rolls back
// before anything is written; the middleware only translates the expired
// deadline into a 504. Paths under skipPrefixes get no deadline.
func RequestTimeout(timeout time.Duration, skipPrefixes ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if timeout <= 0 || hasAnyPrefix(c.Request().URL.Path, skipPrefixes) {
				return next(c)
			}

			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)
			if c.Response().Committed {
				return err
			}
			if errors.Is(err, context.DeadlineExceeded) || (err == nil && ctx.Err() == context.DeadlineExceeded) {
				return gatewayTimeout()
			}
			return err
		}
	}
}

func gatewayTimeout() *echo.HTTPError {
	return echo.NewHTTPError(http.StatusGatewayTimeout, echo.Map{
		"code":    "timeout",
		"message": "request processing exceeded the allowed time limit",
	})
}

func hasAnyPrefix(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}
