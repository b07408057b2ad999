package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/outpostrun/outpost/internal/outposterr"
)

// Envelope is the shape every response, success or error, is rendered in.
type Envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *ErrorBody  `json:"error,omitempty"`
	Meta    Meta        `json:"meta"`
}

// ErrorBody is the error envelope's body: a stable code plus a
// human-readable message.
type ErrorBody struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// Meta carries the request ID and server timestamp on every response.
type Meta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

func newMeta(c echo.Context) Meta {
	id := c.Response().Header().Get(echo.HeaderXRequestID)
	if id == "" {
		id = uuid.New().String()
	}
	return Meta{RequestID: id, Timestamp: time.Now().UTC()}
}

// ok renders a success envelope with the given HTTP status and payload.
func ok(c echo.Context, status int, data interface{}) error {
	return c.JSON(status, Envelope{Success: true, Data: data, Meta: newMeta(c)})
}

// kindToStatus maps the error taxonomy's Kind to the HTTP status §7 assigns it.
var kindToStatus = map[outposterr.Kind]int{
	outposterr.KindValidation:         http.StatusBadRequest,
	outposterr.KindAuthorization:      http.StatusForbidden,
	outposterr.KindNotFound:           http.StatusNotFound,
	outposterr.KindConflict:           http.StatusConflict,
	outposterr.KindQuotaExceeded:      http.StatusTooManyRequests,
	outposterr.KindServiceUnavailable: http.StatusServiceUnavailable,
	outposterr.KindInternal:           http.StatusInternalServerError,
}

// kindToCode maps Kind to the stable machine-readable code clients key on.
var kindToCode = map[outposterr.Kind]string{
	outposterr.KindValidation:         "validation_error",
	outposterr.KindAuthorization:      "authorization_error",
	outposterr.KindNotFound:           "not_found",
	outposterr.KindConflict:           "conflict",
	outposterr.KindQuotaExceeded:      "quota_exceeded",
	outposterr.KindServiceUnavailable: "service_unavailable",
	outposterr.KindInternal:           "internal_error",
}

// HTTPErrorHandler renders every error as the standard envelope.
// Classified *outposterr.Error values map via the error taxonomy;
// anything else is treated as an unclassified internal failure whose
// details are hidden unless the server is running in debug mode.
func HTTPErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var oe *outposterr.Error
	if errors.As(err, &oe) {
		status := kindToStatus[oe.Kind]
		if status == 0 {
			status = http.StatusInternalServerError
		}
		code := kindToCode[oe.Kind]
		if code == "" {
			code = "internal_error"
		}
		respondErrorWithFields(c, status, code, oe.Message, fieldsOf(oe))
		return
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg := http.StatusText(he.Code)
		if s, ok := he.Message.(string); ok && s != "" {
			msg = s
		}
		respondError(c, he.Code, codeForStatus(he.Code), msg)
		return
	}

	message := "internal server error"
	if c.Echo().Debug {
		message = err.Error()
	}
	respondError(c, http.StatusInternalServerError, "internal_error", message)
}

func respondError(c echo.Context, status int, code, message string) {
	respondErrorWithFields(c, status, code, message, nil)
}

func respondErrorWithFields(c echo.Context, status int, code, message string, fields map[string]string) {
	env := Envelope{
		Success: false,
		Error:   &ErrorBody{Code: code, Message: message, Fields: fields},
		Meta:    newMeta(c),
	}
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(status)
		return
	}
	if err := c.JSON(status, env); err != nil {
		c.Logger().Error(err)
	}
}

// fieldsOf extracts the per-field validation messages a Validation-kind
// error may carry in its Context, for rendering in ErrorBody.Fields.
func fieldsOf(oe *outposterr.Error) map[string]string {
	if oe.Context == nil {
		return nil
	}
	raw, ok := oe.Context["fields"]
	if !ok {
		return nil
	}
	fields, ok := raw.(map[string]string)
	if !ok {
		return nil
	}
	return fields
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "validation_error"
	case http.StatusForbidden:
		return "authorization_error"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusTooManyRequests:
		return "quota_exceeded"
	case http.StatusServiceUnavailable:
		return "service_unavailable"
	default:
		return "internal_error"
	}
}
