package rbac_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localhub/localhub/internal/rbac"
	"github.com/localhub/localhub/internal/shared"
	"github.com/localhub/localhub/internal/token"
)

type fixture struct {
	now   time.Time
	codec *token.Codec
	mw    rbac.Middleware
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	codec, err := token.New(token.Config{Secret: []byte("rbac-secret"), Now: func() time.Time { return f.now }})
	require.NoError(t, err)
	f.codec = codec
	f.mw = rbac.Middleware{Verifier: codec}
	return f
}

func (f *fixture) session(t *testing.T, id, role string, verified bool) string {
	t.Helper()
	raw, err := f.codec.MintSessionToken(id, token.Extra{Role: role, Email: id + "@example.com", IsVerified: verified}, time.Hour)
	require.NoError(t, err)
	return raw
}

// capture records whether the terminal handler ran and the principal it saw.
type capture struct {
	called    bool
	principal *shared.Principal
}

func (c *capture) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.called = true
		c.principal = shared.PrincipalFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
}

func do(h http.Handler, method, path, bearer string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	return body.Code
}

func TestAuthenticateFailures(t *testing.T) {
	f := newFixture(t)
	refresh, err := f.codec.MintRefreshToken("u-1")
	require.NoError(t, err)
	expiring := f.session(t, "u-1", shared.RoleUser, true)

	cases := []struct {
		name   string
		header string
		before func()
		status int
		code   shared.Code
	}{
		{name: "missing header", status: http.StatusUnauthorized, code: shared.CodeNoToken},
		{name: "basic scheme", header: "Basic dXNlcjpwYXNz", status: http.StatusUnauthorized, code: shared.CodeNoToken},
		{name: "malformed", header: "Bearer not-a-token", status: http.StatusUnauthorized, code: shared.CodeInvalidToken},
		{name: "refresh token", header: "Bearer " + refresh, status: http.StatusUnauthorized, code: shared.CodeWrongTokenType},
		{
			name:   "expired",
			header: "Bearer " + expiring,
			before: func() { f.now = f.now.Add(2 * time.Hour) },
			status: http.StatusUnauthorized,
			code:   shared.CodeTokenExpired,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.before != nil {
				tc.before()
			}
			c := &capture{}
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rr := httptest.NewRecorder()
			f.mw.Authenticate(c.handler()).ServeHTTP(rr, req)

			assert.False(t, c.called)
			assert.Equal(t, tc.status, rr.Code)
			assert.Equal(t, string(tc.code), decodeCode(t, rr))
		})
	}
}

func TestAuthenticateAttachesPrincipal(t *testing.T) {
	f := newFixture(t)
	c := &capture{}
	rr := do(f.mw.Authenticate(c.handler()), http.MethodGet, "/", f.session(t, "u-9", shared.RoleAdmin, true))

	require.Equal(t, http.StatusNoContent, rr.Code)
	require.NotNil(t, c.principal)
	assert.Equal(t, "u-9", c.principal.SubjectID)
	assert.Equal(t, shared.RoleAdmin, c.principal.Role)
	assert.Equal(t, "u-9@example.com", c.principal.Email)
	assert.True(t, c.principal.IsVerified)
}

func TestAuthorizeRejectsUserForAdminRoute(t *testing.T) {
	f := newFixture(t)
	c := &capture{}
	h := f.mw.Authenticate(f.mw.Authorize(shared.RoleAdmin)(c.handler()))

	rr := do(h, http.MethodGet, "/", f.session(t, "u-1", shared.RoleUser, true))
	assert.False(t, c.called)
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, string(shared.CodeInsufficientPermissions), decodeCode(t, rr))

	rr = do(h, http.MethodGet, "/", f.session(t, "a-1", shared.RoleAdmin, true))
	assert.True(t, c.called)
	assert.Equal(t, http.StatusNoContent, rr.Code)
}

func TestAuthorizeMatchesRolesExactly(t *testing.T) {
	f := newFixture(t)
	c := &capture{}
	h := f.mw.Authenticate(f.mw.Authorize(shared.RoleAdmin)(c.handler()))

	rr := do(h, http.MethodGet, "/", f.session(t, "a-2", "Admin", true))
	assert.False(t, c.called)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	h = f.mw.Authenticate(f.mw.Authorize("ADMIN")(c.handler()))
	rr = do(h, http.MethodGet, "/", f.session(t, "a-1", shared.RoleAdmin, true))
	assert.False(t, c.called)
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestAuthorizeWithoutPrincipal(t *testing.T) {
	f := newFixture(t)
	c := &capture{}
	rr := do(f.mw.Authorize(shared.RoleUser)(c.handler()), http.MethodGet, "/", "")
	assert.False(t, c.called)
	assert.Equal(t, string(shared.CodeNoToken), decodeCode(t, rr))
}

func TestRequireOwnership(t *testing.T) {
	f := newFixture(t)
	c := &capture{}
	router := chi.NewRouter()
	router.With(f.mw.Authenticate, f.mw.RequireOwnership(rbac.URLParam("id"))).Get("/users/{id}", c.handler().ServeHTTP)

	rr := do(router, http.MethodGet, "/users/u-1", f.session(t, "u-1", shared.RoleUser, false))
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.True(t, c.called)

	c.called = false
	rr = do(router, http.MethodGet, "/users/u-2", f.session(t, "u-1", shared.RoleUser, false))
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, string(shared.CodeInsufficientPermissions), decodeCode(t, rr))
	assert.False(t, c.called)

	rr = do(router, http.MethodGet, "/users/u-2", f.session(t, "a-1", shared.RoleAdmin, false))
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.True(t, c.called)
}

func TestRequireVerified(t *testing.T) {
	f := newFixture(t)
	c := &capture{}
	h := f.mw.Authenticate(f.mw.RequireVerified(c.handler()))

	rr := do(h, http.MethodGet, "/", f.session(t, "u-1", shared.RoleUser, false))
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, string(shared.CodeAccountNotVerified), decodeCode(t, rr))
	assert.False(t, c.called)

	rr = do(h, http.MethodGet, "/", f.session(t, "u-1", shared.RoleUser, true))
	assert.Equal(t, http.StatusNoContent, rr.Code)
}

func TestOptionalAuthenticate(t *testing.T) {
	f := newFixture(t)

	c := &capture{}
	rr := do(f.mw.OptionalAuthenticate(c.handler()), http.MethodGet, "/", "")
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.True(t, c.called)
	assert.Nil(t, c.principal)

	c = &capture{}
	rr = do(f.mw.OptionalAuthenticate(c.handler()), http.MethodGet, "/", "garbage")
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.True(t, c.called)
	assert.Nil(t, c.principal)

	c = &capture{}
	do(f.mw.OptionalAuthenticate(c.handler()), http.MethodGet, "/", f.session(t, "u-3", shared.RoleUser, true))
	require.NotNil(t, c.principal)
	assert.Equal(t, "u-3", c.principal.SubjectID)
}

type lookupStub map[string]rbac.AccountState

func (l lookupStub) AccountState(_ context.Context, id string) (rbac.AccountState, error) {
	state, ok := l[id]
	if !ok {
		return rbac.AccountState{}, shared.ErrNotFound
	}
	return state, nil
}

func TestRecheck(t *testing.T) {
	f := newFixture(t)
	lookup := lookupStub{
		"u-1": {Role: shared.RoleAdmin, IsVerified: true, IsActive: true},
		"u-2": {Role: shared.RoleUser, IsActive: false},
	}
	c := &capture{}
	h := f.mw.Authenticate(f.mw.Recheck(lookup)(c.handler()))

	rr := do(h, http.MethodGet, "/", f.session(t, "u-1", shared.RoleUser, false))
	require.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, shared.RoleAdmin, c.principal.Role)
	assert.True(t, c.principal.IsVerified)

	c.called = false
	rr = do(h, http.MethodGet, "/", f.session(t, "u-2", shared.RoleUser, true))
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, string(shared.CodeAccountDeactivated), decodeCode(t, rr))
	assert.False(t, c.called)

	rr = do(h, http.MethodGet, "/", f.session(t, "ghost", shared.RoleUser, true))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, string(shared.CodeInvalidToken), decodeCode(t, rr))
}
