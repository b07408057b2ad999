package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"

	"github.com/outpostrun/outpost/internal/outposterr"
)

func TestHTTPErrorHandler_RendersClassifiedError(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/dispatch/D1", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	HTTPErrorHandler(outposterr.NewNotFound("dispatch", "D1"), c)

	require.Equal(t, http.StatusNotFound, rec.Code)
	var env Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.False(t, env.Success)
	require.Equal(t, "not_found", env.Error.Code)
}

func TestHTTPErrorHandler_RendersValidationFieldsFromContext(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/dispatch", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	oe := outposterr.NewValidation("request failed validation")
	oe.Context = map[string]interface{}{"fields": map[string]string{"Task": "Task is required"}}
	HTTPErrorHandler(oe, c)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var env Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.Equal(t, "Task is required", env.Error.Fields["Task"])
}

func TestHTTPErrorHandler_UnclassifiedErrorHidesDetailsOutsideDebug(t *testing.T) {
	e := echo.New()
	e.Debug = false
	req := httptest.NewRequest(http.MethodGet, "/api/v1/dispatch/D1", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	HTTPErrorHandler(require.AnError, c)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	var env Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.Equal(t, "internal server error", env.Error.Message)
}
