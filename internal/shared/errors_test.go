package shared

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorsMatchByCode(t *testing.T) {
	wrapped := fmt.Errorf("store: %w", ErrTokenExpired.Wrap(errors.New("exp claim")))

	assert.ErrorIs(t, wrapped, ErrTokenExpired)
	assert.NotErrorIs(t, wrapped, ErrTokenMalformed)
	assert.ErrorIs(t, ErrInvalidInput.WithMessage("unknown role"), ErrInvalidInput)
}

func TestWrapAndWithMessageCopy(t *testing.T) {
	cause := errors.New("boom")
	wrapped := ErrInternal.Wrap(cause)

	assert.Nil(t, ErrInternal.Err)
	assert.ErrorIs(t, wrapped, cause)

	custom := ErrAccountNotFound.WithMessage("no such user")
	assert.Equal(t, "account not found", ErrAccountNotFound.Message)
	assert.Equal(t, "no such user", custom.Message)
	assert.Equal(t, http.StatusNotFound, custom.Status)
}

func TestAsErrorFallsBackToInternal(t *testing.T) {
	got := AsError(errors.New("driver exploded"))
	assert.Equal(t, CodeInternal, got.Code)
	assert.Equal(t, http.StatusInternalServerError, got.Status)

	got = AsError(fmt.Errorf("ctx: %w", ErrRateLimited))
	assert.Equal(t, CodeRateLimited, got.Code)
}

func TestValidRole(t *testing.T) {
	assert.True(t, ValidRole(RoleUser))
	assert.True(t, ValidRole(RoleAdmin))
	assert.False(t, ValidRole("superuser"))
	assert.False(t, ValidRole(""))
}

func TestPrincipalContext(t *testing.T) {
	p := &Principal{SubjectID: "u1", Role: RoleAdmin}
	ctx := ContextWithPrincipal(t.Context(), p)

	assert.Same(t, p, PrincipalFromContext(ctx))
	assert.True(t, PrincipalFromContext(ctx).IsAdmin())
	assert.Nil(t, PrincipalFromContext(t.Context()))
	assert.False(t, (*Principal)(nil).IsAdmin())
}
