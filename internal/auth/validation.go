package auth

import (
	"fmt"
	"unicode/utf8"

	"github.com/localhub/localhub/internal/platform/httpx"
)

func invalidField(field, message string) error {
	return &httpx.ValidationError{Fields: httpx.FieldErrors{field: message}}
}

func checkPassword(field, password string) error {
	if utf8.RuneCountInString(password) < MinPasswordLength {
		return invalidField(field, fmt.Sprintf("must be at least %d characters", MinPasswordLength))
	}
	if len(password) > 72 {
		return invalidField(field, "must be at most 72 bytes")
	}
	return nil
}
