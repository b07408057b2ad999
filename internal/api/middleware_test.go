package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"

	"github.com/outpostrun/outpost/internal/outposterr"
)

func TestValidateContentType_RejectsNonJSONBody(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/dispatch", nil)
	req.Header.Set(echo.HeaderContentType, "text/plain")
	req.ContentLength = 4
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := ValidateContentType(func(echo.Context) error { return nil })(c)
	require.Error(t, err)
	require.Equal(t, outposterr.KindValidation, outposterr.KindOf(err))
}

func TestValidateContentType_AllowsEmptyBody(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/dispatch", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	called := false
	err := ValidateContentType(func(echo.Context) error { called = true; return nil })(c)
	require.NoError(t, err)
	require.True(t, called)
}

func TestValidateIDFormat_RejectsWhitespace(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/dispatch/bad%20id", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("bad id")

	err := ValidateIDFormat(func(echo.Context) error { return nil })(c)
	require.Error(t, err)
	require.Equal(t, outposterr.KindValidation, outposterr.KindOf(err))
}

func TestValidateIDFormat_AllowsCleanID(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/dispatch/D1", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("D1")

	called := false
	err := ValidateIDFormat(func(echo.Context) error { called = true; return nil })(c)
	require.NoError(t, err)
	require.True(t, called)
}

func TestSecurityHeaders_SetsDefensiveHeaders(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := SecurityHeaders(func(echo.Context) error { return nil })(c)
	require.NoError(t, err)
	require.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	require.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}
