// Package pagination reads limit/offset query parameters and shapes list
// responses.
package pagination

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

type Params struct {
	Limit  int
	Offset int
}

// Parse reads ?limit= and ?offset=. Absent values take the defaults and a
// limit above MaxLimit is clamped; a value that is not a number, a negative
// offset or a limit below 1 is a 400 with code invalid_pagination.
func Parse(c echo.Context) (Params, error) {
	p := Params{Limit: DefaultLimit}
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return Params{}, invalid("limit must be a positive integer")
		}
		p.Limit = min(n, MaxLimit)
	}
	if raw := c.QueryParam("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return Params{}, invalid("offset must be a non-negative integer")
		}
		p.Offset = n
	}
	return p, nil
}

func invalid(msg string) error {
	return echo.NewHTTPError(http.StatusBadRequest, echo.Map{
		"code":    "invalid_pagination",
		"message": msg,
	})
}

// Page is one slice of a list endpoint's results.
type Page[T any] struct {
	Data       []T  `json:"data"`
	Total      int  `json:"total"`
	Limit      int  `json:"limit"`
	Offset     int  `json:"offset"`
	HasMore    bool `json:"has_more"`
	NextOffset *int `json:"next_offset,omitempty"`
}

// NewPage never encodes Data as null; an empty page is [].
func NewPage[T any](items []T, total int, p Params) Page[T] {
	if items == nil {
		items = []T{}
	}
	page := Page[T]{
		Data:   items,
		Total:  total,
		Limit:  p.Limit,
		Offset: p.Offset,
	}
	if next := p.Offset + p.Limit; next < total {
		page.HasMore = true
		page.NextOffset = &next
	}
	return page
}
