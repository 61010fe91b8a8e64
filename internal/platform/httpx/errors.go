package httpx

import (
	"errors"
	"net/http"

	"github.com/localhub/localhub/internal/shared"
)

// FieldErrors carries per-field validation messages.
type FieldErrors map[string]string

// ValidationError pairs the ValidationFailed taxonomy error with field detail.
type ValidationError struct {
	Fields FieldErrors
}

func (e *ValidationError) Error() string { return shared.ErrValidationFailed.Error() }

// Unwrap lets errors.Is match shared.ErrValidationFailed.
func (e *ValidationError) Unwrap() error { return shared.ErrValidationFailed }

// RespondError maps taxonomy errors to problem responses. Internal detail is
// never written.
func RespondError(w http.ResponseWriter, err error) {
	WriteError(w, err, false)
}

// WriteError maps err to a problem response. With debug set, the wrapped
// cause is included under "debug".
func WriteError(w http.ResponseWriter, err error, debug bool) {
	appErr := shared.AsError(err)
	p := ProblemDetail{
		Title:  http.StatusText(appErr.Status),
		Status: appErr.Status,
		Code:   string(appErr.Code),
		Detail: appErr.Message,
	}
	var verr *ValidationError
	if errors.As(err, &verr) {
		p.Fields = verr.Fields
	}
	if debug && appErr.Err != nil {
		p.Debug = appErr.Err.Error()
	}
	writeProblem(w, p)
}
