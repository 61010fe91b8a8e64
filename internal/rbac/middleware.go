package rbac

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/localhub/localhub/internal/platform/httpx"
	"github.com/localhub/localhub/internal/shared"
	"github.com/localhub/localhub/internal/token"
)

// Middleware wires authorization gates for HTTP handlers. Gates are order
// dependent: Authorize, RequireOwnership, RequireVerified and Recheck must
// run after Authenticate. Every failure halts the chain.
type Middleware struct {
	Verifier Verifier
	Logger   *slog.Logger
}

// Authenticate requires a valid auth bearer token and attaches its claims as
// the request principal. No store lookup happens here; role and
// verification state are those embedded at mint time.
func (m Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := m.principal(r)
		if err != nil {
			m.deny(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(shared.ContextWithPrincipal(r.Context(), principal)))
	})
}

// OptionalAuthenticate attaches a principal when a valid auth token is
// present and otherwise proceeds anonymously.
func (m Middleware) OptionalAuthenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := m.principal(r)
		if err != nil {
			principal = nil
		}
		next.ServeHTTP(w, r.WithContext(shared.ContextWithPrincipal(r.Context(), principal)))
	})
}

// Authorize ensures the principal holds one of the allowed roles. Roles
// compare exactly, as IsAdmin does.
func (m Middleware) Authorize(roles ...string) func(http.Handler) http.Handler {
	allowed := roleSet(roles)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal := shared.PrincipalFromContext(r.Context())
			if principal == nil {
				m.deny(w, r, shared.ErrNoToken)
				return
			}
			if _, ok := allowed[principal.Role]; !ok {
				m.deny(w, r, shared.ErrInsufficientPermissions.WithMessage("role "+principal.Role+" is not permitted to perform this action"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireOwnership ensures the principal owns the addressed resource.
// Admins bypass the check.
func (m Middleware) RequireOwnership(source OwnerSource) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal := shared.PrincipalFromContext(r.Context())
			if principal == nil {
				m.deny(w, r, shared.ErrNoToken)
				return
			}
			if principal.IsAdmin() {
				next.ServeHTTP(w, r)
				return
			}
			owner := ""
			if source != nil {
				owner = strings.TrimSpace(source(r))
			}
			if owner == "" || owner != principal.SubjectID {
				m.deny(w, r, shared.ErrInsufficientPermissions.WithMessage("not the owner of this resource"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireVerified ensures the principal's token claims a verified email.
func (m Middleware) RequireVerified(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal := shared.PrincipalFromContext(r.Context())
		if principal == nil {
			m.deny(w, r, shared.ErrNoToken)
			return
		}
		if !principal.IsVerified {
			m.deny(w, r, shared.ErrAccountNotVerified)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Recheck is an opt-in gate that re-reads the principal's record. It rejects
// deactivated accounts and replaces the token's role and verification flags
// with the stored values for the rest of the chain.
func (m Middleware) Recheck(lookup AccountLookup) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal := shared.PrincipalFromContext(r.Context())
			if principal == nil {
				m.deny(w, r, shared.ErrNoToken)
				return
			}
			state, err := lookup.AccountState(r.Context(), principal.SubjectID)
			if err != nil {
				if errors.Is(err, shared.ErrNotFound) {
					m.deny(w, r, shared.ErrInvalidToken.WithMessage("account no longer exists"))
					return
				}
				m.deny(w, r, err)
				return
			}
			if !state.IsActive {
				m.deny(w, r, shared.ErrAccountDeactivated)
				return
			}
			fresh := *principal
			fresh.Role = state.Role
			fresh.IsVerified = state.IsVerified
			next.ServeHTTP(w, r.WithContext(shared.ContextWithPrincipal(r.Context(), &fresh)))
		})
	}
}

func (m Middleware) principal(r *http.Request) (*shared.Principal, error) {
	raw, ok := bearerToken(r.Header.Get("Authorization"))
	if !ok {
		return nil, shared.ErrNoToken
	}
	if m.Verifier == nil {
		return nil, shared.ErrInternal.Wrap(errors.New("rbac: verifier not configured"))
	}
	claims, err := m.Verifier.Verify(raw)
	if err != nil {
		if errors.Is(err, shared.ErrTokenExpired) {
			return nil, shared.ErrTokenExpired.Wrap(err)
		}
		return nil, shared.ErrInvalidToken.Wrap(err)
	}
	if claims.Type != token.TypeAuth {
		return nil, shared.ErrWrongTokenType
	}
	return claims.Principal(), nil
}

func (m Middleware) deny(w http.ResponseWriter, r *http.Request, err error) {
	if m.Logger != nil {
		appErr := shared.AsError(err)
		if appErr.Status >= http.StatusInternalServerError {
			m.Logger.Error("rbac gate failed", slog.String("path", r.URL.Path), slog.Any("error", err))
		} else {
			m.Logger.Debug("rbac gate denied", slog.String("path", r.URL.Path), slog.String("code", string(appErr.Code)))
		}
	}
	httpx.RespondError(w, err)
}

func bearerToken(header string) (string, bool) {
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	return parts[1], true
}

func roleSet(roles []string) map[string]struct{} {
	set := make(map[string]struct{}, len(roles))
	for _, role := range roles {
		role = strings.TrimSpace(role)
		if role == "" {
			continue
		}
		set[role] = struct{}{}
	}
	return set
}
