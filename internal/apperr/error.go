// Package apperr defines the client error taxonomy and the process-wide
// pipeline that dispatches error events to per-kind handlers in order.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net"
	"time"

	"github.com/google/uuid"
)

// Kind categorizes an AppError.
type Kind string

const (
	// KindAPI is a non-2xx or malformed backend response.
	KindAPI Kind = "API"
	// KindAuth is a missing or invalid identity.
	KindAuth Kind = "AUTH"
	// KindValidation is malformed input rejected before any request.
	KindValidation Kind = "VALIDATION"
	// KindNetwork is a transport-level failure.
	KindNetwork Kind = "NETWORK"
	// KindUnknown is anything uncategorized.
	KindUnknown Kind = "UNKNOWN"
)

// Kinds lists every kind in declaration order.
var Kinds = []Kind{KindAPI, KindAuth, KindValidation, KindNetwork, KindUnknown}

// AppError is an immutable error event. Build it with New or FromError and
// pass it by value.
type AppError struct {
	ID        string         `json:"id"`
	Kind      Kind           `json:"kind"`
	Message   string         `json:"message"`
	Code      string         `json:"code,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	UserID    string         `json:"user_id,omitempty"`
	Status    int            `json:"status,omitempty"`

	cause error
}

// Option sets an optional AppError field at construction.
type Option func(*AppError)

// WithCode sets a machine-readable code.
func WithCode(code string) Option {
	return func(e *AppError) { e.Code = code }
}

// WithDetails attaches a copy of details.
func WithDetails(details map[string]any) Option {
	return func(e *AppError) { e.Details = maps.Clone(details) }
}

// WithUserID records the session user the error occurred for.
func WithUserID(userID string) Option {
	return func(e *AppError) { e.UserID = userID }
}

// WithStatus records an HTTP status.
func WithStatus(status int) Option {
	return func(e *AppError) { e.Status = status }
}

// WithCause records the underlying error for errors.Is/As.
func WithCause(err error) Option {
	return func(e *AppError) { e.cause = err }
}

// New creates an AppError stamped with an ID and the current time.
func New(kind Kind, message string, opts ...Option) AppError {
	e := AppError{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Kind:      kind,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(&e)
	}
	if e.Kind == "" {
		e.Kind = KindUnknown
	}
	return e
}

// FromError classifies err. A wrapped AppError is returned as is; transport
// failures become NETWORK and everything else UNKNOWN.
func FromError(err error, opts ...Option) AppError {
	if err == nil {
		return New(KindUnknown, "unknown error", opts...)
	}

	var appErr AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	kind := KindUnknown
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		kind = KindNetwork
	}

	return New(kind, err.Error(), append([]Option{WithCause(err)}, opts...)...)
}

// Error implements error.
func (e AppError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s [%s]: %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e AppError) Unwrap() error {
	return e.cause
}
