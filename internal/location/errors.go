package location

import (
	"context"
	"errors"
	"fmt"
)

// Code classifies location failures.
type Code string

const (
	CodePermissionDenied          Code = "permission_denied"
	CodePositionUnavailable       Code = "position_unavailable"
	CodeTimeout                   Code = "timeout"
	CodeNotSupported              Code = "not_supported"
	CodeSubscriptionFailedToStart Code = "subscription_failed_to_start"
)

// Error is the uniform failure surfaced through controller state and
// returned from one-shot calls.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code, so errors.Is(err, ErrTimeout)
// works for wrapped and freshly constructed values alike.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// PermissionFailure reports whether the retry affordance should re-request
// permission rather than retry the sensor.
func (e *Error) PermissionFailure() bool {
	return e.Code == CodePermissionDenied
}

// Transient failures do not end a subscription.
func (e *Error) Transient() bool {
	return e.Code == CodeTimeout
}

// Sentinels for errors.Is.
var (
	ErrPermissionDenied          = &Error{Code: CodePermissionDenied, Message: "location permission denied"}
	ErrPositionUnavailable       = &Error{Code: CodePositionUnavailable, Message: "position unavailable"}
	ErrTimeout                   = &Error{Code: CodeTimeout, Message: "location request timed out"}
	ErrNotSupported              = &Error{Code: CodeNotSupported, Message: "geolocation is not supported"}
	ErrSubscriptionFailedToStart = &Error{Code: CodeSubscriptionFailedToStart, Message: "failed to start location tracking"}

	// ErrPermissionQueryUnsupported is returned by sources without a
	// permission registry.
	ErrPermissionQueryUnsupported = errors.New("permission query not supported")
)

// NewError builds an *Error with a formatted message.
func NewError(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CallerCanceled reports whether err is only the caller abandoning the
// request through ctx. Such an error says nothing about the sensor or the
// permission.
func CallerCanceled(ctx context.Context, err error) bool {
	return ctx.Err() != nil && errors.Is(err, context.Canceled)
}

// AsError converts any failure into an *Error. Context deadlines become
// timeouts; anything unclassified is reported as an unavailable position.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var le *Error
	if errors.As(err, &le) {
		return le
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Code: CodeTimeout, Message: ErrTimeout.Message, Err: err}
	}
	return &Error{Code: CodePositionUnavailable, Message: err.Error(), Err: err}
}
