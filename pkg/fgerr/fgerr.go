// Package fgerr provides the structured error system used across FileGate:
// stable error kinds, categories, and default HTTP status mapping.
package fgerr

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind is the stable error code surfaced to API clients.
type Kind string

const (
	KindNotFound   Kind = "NOT_FOUND"
	KindConflict   Kind = "CONFLICT"
	KindForbidden  Kind = "FORBIDDEN"
	KindValidation Kind = "VALIDATION"

	// Driver precondition failures.
	KindDriverUnsupportedEnv Kind = "DRIVER_UNSUPPORTED_ENV"
	KindDriverReadonly       Kind = "DRIVER_READONLY"
	KindDriverSymlinkEscape  Kind = "DRIVER_SYMLINK_ESCAPE"
	KindDriverPathOutOfRoot  Kind = "DRIVER_PATH_OUT_OF_ROOT"

	KindUpstream              Kind = "UPSTREAM"
	KindUploadSessionNotFound Kind = "UPLOAD_SESSION_NOT_FOUND"
	KindCancelled             Kind = "CANCELLED"
	KindInternal              Kind = "INTERNAL"
)

// Sub-reasons carried alongside a Kind where the client needs to
// distinguish causes.
const (
	ReasonPasswordChanged = "PASSWORD_CHANGED"
)

// Category groups kinds for logging and metrics.
type Category string

const (
	CategoryResource  Category = "resource"
	CategoryAccess    Category = "access"
	CategoryInput     Category = "input"
	CategoryDriver    Category = "driver"
	CategoryUpstream  Category = "upstream"
	CategoryOperation Category = "operation"
	CategoryInternal  Category = "internal"
)

// Error is the structured error type every FileGate component returns.
// Drivers never leak backend-specific error values; they wrap them here.
type Error struct {
	Kind      Kind                   `json:"code"`
	Message   string                 `json:"message"`
	Reason    string                 `json:"reason,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Path      string                 `json:"path,omitempty"`
	Component string                 `json:"component,omitempty"`
	Timestamp time.Time              `json:"timestamp"`

	Retryable  bool `json:"retryable"`
	HTTPStatus int  `json:"http_status,omitempty"`

	Cause error `json:"-"`
}

// New creates an Error with the defaults implied by the kind.
func New(kind Kind, message string) *Error {
	return &Error{
		Kind:       kind,
		Message:    message,
		Timestamp:  time.Now(),
		Retryable:  retryableByDefault(kind),
		HTTPStatus: DefaultHTTPStatus(kind),
	}
}

// Newf creates an Error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap creates an Error around a cause. A nil cause yields a plain Error.
func Wrap(kind Kind, message string, cause error) *Error {
	e := New(kind, message)
	e.Cause = cause
	return e
}

func (e *Error) Error() string {
	if e.Component != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Component, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches errors by kind, so callers can use errors.Is with sentinel
// kinds without caring about message text.
func (e *Error) Is(target error) bool {
	var fe *Error
	if errors.As(target, &fe) {
		return e.Kind == fe.Kind
	}
	return false
}

// WithPath records the virtual or storage path the error relates to.
func (e *Error) WithPath(path string) *Error {
	e.Path = path
	return e
}

// WithComponent tags the originating component ("driver:s3", "scheduler").
func (e *Error) WithComponent(component string) *Error {
	e.Component = component
	return e
}

// WithReason sets a sub-reason such as PASSWORD_CHANGED.
func (e *Error) WithReason(reason string) *Error {
	e.Reason = reason
	return e
}

// WithDetail attaches a structured detail value.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithCause sets the underlying cause.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable overrides the default retryable flag.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// CategoryOf returns the category for a kind.
func CategoryOf(kind Kind) Category {
	switch kind {
	case KindNotFound, KindConflict, KindUploadSessionNotFound:
		return CategoryResource
	case KindForbidden:
		return CategoryAccess
	case KindValidation:
		return CategoryInput
	case KindDriverUnsupportedEnv, KindDriverReadonly, KindDriverSymlinkEscape, KindDriverPathOutOfRoot:
		return CategoryDriver
	case KindUpstream:
		return CategoryUpstream
	case KindCancelled:
		return CategoryOperation
	default:
		return CategoryInternal
	}
}

// DefaultHTTPStatus maps a kind to the status the API layer responds with.
// 5xx is reserved for INTERNAL and UPSTREAM.
func DefaultHTTPStatus(kind Kind) int {
	switch kind {
	case KindNotFound:
		return 404
	case KindConflict:
		return 409
	case KindForbidden:
		return 403
	case KindValidation, KindDriverReadonly, KindDriverUnsupportedEnv:
		return 400
	case KindDriverSymlinkEscape, KindDriverPathOutOfRoot:
		return 403
	case KindUploadSessionNotFound:
		return 410
	case KindCancelled:
		return 499
	case KindUpstream:
		return 502
	default:
		return 500
	}
}

func retryableByDefault(kind Kind) bool {
	return kind == KindUpstream
}

// KindOf extracts the kind of an error, or KindInternal when the error is
// not a *Error. Context cancellation maps to CANCELLED.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if isContextErr(err) {
		return KindCancelled
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// AsError converts any error into a *Error, wrapping foreign errors as
// INTERNAL without exposing their message to clients.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	if isContextErr(err) {
		return Wrap(KindCancelled, "operation cancelled", err)
	}
	return Wrap(KindInternal, "internal error", err)
}

// ClientMessage is what the HTTP layer exposes. INTERNAL errors never leak
// their cause text.
func (e *Error) ClientMessage() string {
	if e.Kind == KindInternal {
		return "internal error"
	}
	return e.Message
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
