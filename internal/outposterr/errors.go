// Package outposterr defines the error taxonomy shared by every core
// component. Components never return a bare error for a classified
// failure; they wrap it in an *Error so the HTTP layer (or any other
// caller) can map it to a status code without type-switching on strings.
package outposterr

import (
	"errors"
	"fmt"
)

// Kind is one of the fixed surface error names from the error taxonomy.
type Kind string

const (
	KindValidation        Kind = "Validation"
	KindAuthorization     Kind = "Authorization"
	KindNotFound          Kind = "NotFound"
	KindConflict          Kind = "Conflict"
	KindQuotaExceeded     Kind = "QuotaExceeded"
	KindServiceUnavailable Kind = "ServiceUnavailable"
	KindInternal          Kind = "Internal"
)

// Error is the concrete error type every core component returns for a
// classified failure.
type Error struct {
	Kind    Kind
	Message string
	Details string
	Context map[string]interface{}
}

func (e *Error) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s", e.Message, e.Details)
	}
	return e.Message
}

func New(kind Kind, message, details string) *Error {
	return &Error{Kind: kind, Message: message, Details: details}
}

func NewValidation(message string) *Error {
	return New(KindValidation, message, "")
}

func NewNotFound(resource, id string) *Error {
	return &Error{
		Kind:    KindNotFound,
		Message: fmt.Sprintf("%s not found", resource),
		Context: map[string]interface{}{"id": id},
	}
}

// NewConflict builds a Conflict error; expectedVersion/currentVersion are
// attached to Context so callers (reconciler, orchestrator) can decide
// whether to retry or surface without re-parsing the message.
func NewConflict(message string, expectedVersion, currentVersion int64) *Error {
	return &Error{
		Kind:    KindConflict,
		Message: message,
		Context: map[string]interface{}{
			"expected_version": expectedVersion,
			"current_version":  currentVersion,
		},
	}
}

func NewQuotaExceeded(message string) *Error {
	return New(KindQuotaExceeded, message, "")
}

func NewServiceUnavailable(message, details string) *Error {
	return New(KindServiceUnavailable, message, details)
}

func NewInternal(message, details string) *Error {
	return New(KindInternal, message, details)
}

func NewAuthorization(message string) *Error {
	return New(KindAuthorization, message, "")
}

// KindOf extracts the Kind of err if it is (or wraps) an *Error, defaulting
// to KindInternal for anything else.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Kind
	}
	return KindInternal
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	oe, ok := err.(*Error)
	return ok && oe.Kind == kind
}
