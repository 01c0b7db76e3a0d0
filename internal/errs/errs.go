// Package errs defines the typed errors used across the router. Each error
// carries a stable code so callers can branch on failure class without
// matching message strings.
package errs

import (
	"errors"
	"fmt"
)

// Standard error codes for the application.
const (
	CodeUnknown   = "UNKNOWN"
	CodeConfig    = "CONFIG"
	CodeAuth      = "AUTH"
	CodeTransport = "TRANSPORT"
	CodeNotFound  = "NOT_FOUND"
	CodeAPI       = "API"
)

// ApplicationError is the interface that all our custom errors implement.
type ApplicationError interface {
	error
	Code() string
	Unwrap() error
}

// Error represents a basic application error.
type Error struct {
	code    string
	message string
	err     error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.message, e.err)
	}

	return e.message
}

func (e *Error) Code() string {
	return e.code
}

func (e *Error) Unwrap() error {
	return e.err
}

// Code returns the code of err if it is an ApplicationError,
// or CodeUnknown if it isn't.
func Code(err error) string {
	var appErr ApplicationError
	if errors.As(err, &appErr) {
		return appErr.Code()
	}

	return CodeUnknown
}

// ConfigError reports missing or invalid configuration (missing client id or
// token). Never retried automatically.
type ConfigError struct {
	base Error
}

func (e *ConfigError) Error() string { return e.base.Error() }
func (e *ConfigError) Code() string  { return e.base.Code() }
func (e *ConfigError) Unwrap() error { return e.base.Unwrap() }

func NewConfigError(message string, cause error) error {
	return &ConfigError{base: Error{code: CodeConfig, message: message, err: cause}}
}

// AuthError reports a login rejected by the chat platform. The in-flight
// login flag is cleared by the caller so a later attempt may retry.
type AuthError struct {
	base Error
}

func (e *AuthError) Error() string { return e.base.Error() }
func (e *AuthError) Code() string  { return e.base.Code() }
func (e *AuthError) Unwrap() error { return e.base.Unwrap() }

func NewAuthError(message string, cause error) error {
	return &AuthError{base: Error{code: CodeAuth, message: message, err: cause}}
}

// TransportError reports a timeout or connection failure on the local
// transport. Callers treat the result as empty and may retry with backoff.
type TransportError struct {
	base Error
}

func (e *TransportError) Error() string { return e.base.Error() }
func (e *TransportError) Code() string  { return e.base.Code() }
func (e *TransportError) Unwrap() error { return e.base.Unwrap() }

func NewTransportError(message string, cause error) error {
	return &TransportError{base: Error{code: CodeTransport, message: message, err: cause}}
}

// NotFoundError reports an unknown node id, channel, guild or member.
type NotFoundError struct {
	base Error
}

func (e *NotFoundError) Error() string { return e.base.Error() }
func (e *NotFoundError) Code() string  { return e.base.Code() }
func (e *NotFoundError) Unwrap() error { return e.base.Unwrap() }

func NewNotFoundError(message string, cause error) error {
	return &NotFoundError{base: Error{code: CodeNotFound, message: message, err: cause}}
}

// APIError reports a failed chat-platform REST call.
type APIError struct {
	base Error
}

func (e *APIError) Error() string { return e.base.Error() }
func (e *APIError) Code() string  { return e.base.Code() }
func (e *APIError) Unwrap() error { return e.base.Unwrap() }

func NewAPIError(message string, cause error) error {
	return &APIError{base: Error{code: CodeAPI, message: message, err: cause}}
}
