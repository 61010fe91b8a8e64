package shared

import (
	"errors"
	"net/http"
)

// Code is the stable machine readable identifier reported to API clients.
type Code string

const (
	CodeNoToken                 Code = "NoToken"
	CodeInvalidToken            Code = "InvalidToken"
	CodeTokenExpired            Code = "TokenExpired"
	CodeTokenMalformed          Code = "TokenMalformed"
	CodeWrongTokenType          Code = "WrongTokenType"
	CodeInsufficientPermissions Code = "InsufficientPermissions"
	CodeAccountNotVerified      Code = "AccountNotVerified"
	CodeAccountDeactivated      Code = "AccountDeactivated"
	CodeEmailAlreadyRegistered  Code = "EmailAlreadyRegistered"
	CodeInvalidCredentials      Code = "InvalidCredentials"
	CodeTokenInvalidOrExpired   Code = "TokenInvalidOrExpired"
	CodeValidationFailed        Code = "ValidationFailed"
	CodeInvalidInput            Code = "InvalidInput"
	CodeNotFound                Code = "NotFound"
	CodeRateLimited             Code = "RateLimited"
	CodeNotificationFailed      Code = "NotificationFailed"
	CodeInternal                Code = "Internal"
)

// Error is a taxonomy error carrying a code, a client safe message and the
// HTTP status it maps to. Two errors match under errors.Is when their codes
// are equal, so wrapped copies still compare against the sentinels below.
type Error struct {
	Code    Code
	Message string
	Status  int
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return string(e.Code) + ": " + e.Message + ": " + e.Err.Error()
	}
	return string(e.Code) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports code equality.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Wrap returns a copy of e carrying cause as internal detail.
func (e *Error) Wrap(cause error) *Error {
	cp := *e
	cp.Err = cause
	return &cp
}

// WithMessage returns a copy of e with a more specific client message.
func (e *Error) WithMessage(msg string) *Error {
	cp := *e
	cp.Message = msg
	return &cp
}

func newError(code Code, status int, msg string) *Error {
	return &Error{Code: code, Message: msg, Status: status}
}

var (
	ErrNoToken                 = newError(CodeNoToken, http.StatusUnauthorized, "not authorized, no token provided")
	ErrInvalidToken            = newError(CodeInvalidToken, http.StatusUnauthorized, "not authorized, token is invalid")
	ErrTokenExpired            = newError(CodeTokenExpired, http.StatusUnauthorized, "token has expired")
	ErrTokenMalformed          = newError(CodeTokenMalformed, http.StatusUnauthorized, "token is malformed")
	ErrWrongTokenType          = newError(CodeWrongTokenType, http.StatusUnauthorized, "token type is not accepted here")
	ErrInsufficientPermissions = newError(CodeInsufficientPermissions, http.StatusForbidden, "not permitted to perform this action")
	ErrAccountNotVerified      = newError(CodeAccountNotVerified, http.StatusForbidden, "please verify your email address first")
	ErrAccountDeactivated      = newError(CodeAccountDeactivated, http.StatusForbidden, "account has been deactivated")
	ErrEmailAlreadyRegistered  = newError(CodeEmailAlreadyRegistered, http.StatusConflict, "email is already registered")
	ErrInvalidCredentials      = newError(CodeInvalidCredentials, http.StatusUnauthorized, "invalid email or password")
	ErrTokenInvalidOrExpired   = newError(CodeTokenInvalidOrExpired, http.StatusBadRequest, "token is invalid or has expired")
	ErrValidationFailed        = newError(CodeValidationFailed, http.StatusBadRequest, "validation failed")
	ErrInvalidInput            = newError(CodeInvalidInput, http.StatusBadRequest, "invalid input")
	ErrAccountNotFound         = newError(CodeNotFound, http.StatusNotFound, "account not found")
	ErrRateLimited             = newError(CodeRateLimited, http.StatusTooManyRequests, "too many requests, try again later")
	ErrNotificationFailed      = newError(CodeNotificationFailed, http.StatusInternalServerError, "email could not be sent, try again later")
	ErrInternal                = newError(CodeInternal, http.StatusInternalServerError, "internal server error")
)

// ErrNotFound indicates resource not found. Stores return it; it never
// reaches a client unmapped.
var ErrNotFound = errors.New("not found")

// AsError extracts the taxonomy error from err, falling back to ErrInternal.
func AsError(err error) *Error {
	var target *Error
	if errors.As(err, &target) {
		return target
	}
	return ErrInternal.Wrap(err)
}
