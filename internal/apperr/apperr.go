// Package apperr defines the error taxonomy shared by the mail services.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes
const (
	// AuthExpired: the refresh token itself was rejected, the user must
	// re-authenticate from scratch.
	CodeAuthExpired = "AUTH_EXPIRED"
	// AuthTransient: the access token is stale; recovered locally with a
	// single refresh-and-retry.
	CodeAuthTransient = "AUTH_TRANSIENT"

	CodeNotFound          = "NOT_FOUND"
	CodeConflict          = "CONFLICT"
	CodeRemoteUnavailable = "REMOTE_UNAVAILABLE"
	CodeMalformedInput    = "MALFORMED_INPUT"
	CodeValidationFailed  = "VALIDATION_FAILED"
	CodeInternal          = "INTERNAL_ERROR"
	CodeConfig            = "CONFIG_ERROR"
)

// AppError is a structured application error with an HTTP status.
type AppError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Status  int            `json:"-"`
	Details map[string]any `json:"details,omitempty"`
	Err     error          `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// HTTPStatus returns the HTTP status code for the error.
func (e *AppError) HTTPStatus() int {
	return e.Status
}

func New(code, message string, status int) *AppError {
	return &AppError{Code: code, Message: message, Status: status}
}

func Wrap(err error, code, message string, status int) *AppError {
	return &AppError{Code: code, Message: message, Status: status, Err: err}
}

func AuthExpired(message string) *AppError {
	if message == "" {
		message = "authentication expired, please re-authenticate"
	}
	return New(CodeAuthExpired, message, http.StatusUnauthorized)
}

func AuthTransient(err error) *AppError {
	return Wrap(err, CodeAuthTransient, "access token rejected", http.StatusUnauthorized)
}

func NotFound(message string) *AppError {
	return New(CodeNotFound, message, http.StatusNotFound)
}

func Conflict(message string) *AppError {
	return New(CodeConflict, message, http.StatusConflict)
}

func RemoteUnavailable(err error, message string) *AppError {
	return Wrap(err, CodeRemoteUnavailable, message, http.StatusBadGateway)
}

func MalformedInput(message string) *AppError {
	return New(CodeMalformedInput, message, http.StatusBadRequest)
}

func ValidationFailed(message string) *AppError {
	return New(CodeValidationFailed, message, http.StatusBadRequest)
}

func Internal(err error, message string) *AppError {
	return Wrap(err, CodeInternal, message, http.StatusInternalServerError)
}

// Is reports whether err is an AppError carrying the given code.
func Is(err error, code string) bool {
	var ae *AppError
	return errors.As(err, &ae) && ae.Code == code
}

// From extracts an AppError from err, wrapping unknown errors as internal.
func From(err error) *AppError {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae
	}
	return Internal(err, "unexpected error")
}
