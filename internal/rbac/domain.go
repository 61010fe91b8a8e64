package rbac

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/localhub/localhub/internal/token"
)

// Verifier decodes bearer tokens.
type Verifier interface {
	Verify(raw string) (*token.Claims, error)
}

// AccountState is the current store view of a principal, used by Recheck.
type AccountState struct {
	Role       string
	IsVerified bool
	IsActive   bool
}

// AccountLookup resolves the live state of a credential record.
type AccountLookup interface {
	AccountState(ctx context.Context, subjectID string) (AccountState, error)
}

// OwnerSource extracts the owner id of the addressed resource from a request.
type OwnerSource func(r *http.Request) string

// URLParam reads the owner id from a chi route parameter.
func URLParam(name string) OwnerSource {
	return func(r *http.Request) string {
		return chi.URLParam(r, name)
	}
}
