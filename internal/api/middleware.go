package api

import (
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/outpostrun/outpost/internal/outposterr"
)

// ValidateContentType ensures requests with a body declare application/json.
func ValidateContentType(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		method := c.Request().Method
		if method == echo.POST || method == echo.PUT || method == echo.PATCH {
			if c.Request().ContentLength == 0 {
				return next(c)
			}
			contentType := c.Request().Header.Get(echo.HeaderContentType)
			if !strings.HasPrefix(contentType, echo.MIMEApplicationJSON) {
				return outposterr.NewValidation("Content-Type must be application/json")
			}
		}
		return next(c)
	}
}

// ValidateIDFormat rejects path IDs that are obviously malformed before
// a handler ever issues a store lookup for them.
func ValidateIDFormat(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Param("id")
		if id == "" {
			return next(c)
		}
		if strings.ContainsAny(id, " \t\n") {
			return outposterr.NewValidation("id must not contain whitespace")
		}
		if len(id) > 256 {
			return outposterr.NewValidation("id exceeds maximum length")
		}
		return next(c)
	}
}

// SecurityHeaders adds the baseline defensive response headers.
func SecurityHeaders(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		c.Response().Header().Set("X-Content-Type-Options", "nosniff")
		c.Response().Header().Set("X-Frame-Options", "DENY")
		c.Response().Header().Set("X-XSS-Protection", "1; mode=block")
		c.Response().Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		return next(c)
	}
}
