package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
)

// RemittancePath is the route that accepts remittance batches.
const RemittancePath = "/api/v1/remittances"

const defaultBodyLimit = 1 << 20

// BodyLimit caps request bodies at defaultLimit, or at remittanceLimit for
// POST /api/v1/remittances where one payer batch can carry thousands of
// lines. A declared Content-Length over the cap is refused before the
// handler runs; otherwise the body is wrapped in http.MaxBytesReader and a
// read past the cap surfaces as 413 however the handler wrapped the error.
func BodyLimit(defaultLimit, remittanceLimit string) echo.MiddlewareFunc {
	defaultBytes := parseLimit(defaultLimit)
	remittanceBytes := parseLimit(remittanceLimit)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Body == nil || req.Body == http.NoBody {
				return next(c)
			}

			limit := defaultBytes
			if isImport(req) {
				limit = remittanceBytes
			}
			if req.ContentLength > limit {
				return payloadTooLarge(limit)
			}
			req.Body = http.MaxBytesReader(c.Response(), req.Body, limit)

			err := next(c)
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				return payloadTooLarge(tooLarge.Limit)
			}
			return err
		}
	}
}

func payloadTooLarge(limit int64) error {
	return echo.NewHTTPError(http.StatusRequestEntityTooLarge, echo.Map{
		"code":    "payload_too_large",
		"message": fmt.Sprintf("request body exceeds maximum allowed size of %d bytes", limit),
	})
}

var sizeUnits = []struct {
	suffix string
	shift  uint
}{
	{"GB", 30}, {"G", 30},
	{"MB", 20}, {"M", 20},
	{"KB", 10}, {"K", 10},
	{"B", 0},
}

// parseLimit reads sizes such as "1M", "512K", "20MB" or "4096". Anything
// unreadable, zero or negative falls back to 1 MB.
func parseLimit(s string) int64 {
	s = strings.ToUpper(strings.TrimSpace(s))
	var shift uint
	for _, u := range sizeUnits {
		if strings.HasSuffix(s, u.suffix) {
			s, shift = strings.TrimSuffix(s, u.suffix), u.shift
			break
		}
	}
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n <= 0 {
		return defaultBodyLimit
	}
	return n << shift
}
