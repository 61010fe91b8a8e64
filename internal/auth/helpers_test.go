package auth_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/localhub/localhub/internal/auth"
	"github.com/localhub/localhub/internal/notify"
	"github.com/localhub/localhub/internal/shared"
	"github.com/localhub/localhub/internal/token"
	_ "github.com/localhub/localhub/testing"
)

// memRepo is an in-memory Repository with the same conditional update
// semantics as the PostgreSQL store.
type memRepo struct {
	mu      sync.Mutex
	records map[string]*auth.Credential
	hasher  auth.BcryptHasher
	now     func() time.Time
	failOn  string

	compared []string
}

func newMemRepo(now func() time.Time) *memRepo {
	return &memRepo{
		records: make(map[string]*auth.Credential),
		hasher:  auth.BcryptHasher{Cost: bcrypt.MinCost},
		now:     now,
	}
}

var errStoreDown = errors.New("store unavailable")

func (m *memRepo) fail(op string) error {
	if m.failOn == op {
		return errStoreDown
	}
	return nil
}

func (m *memRepo) find(match func(*auth.Credential) bool) (*auth.Credential, error) {
	for _, rec := range m.records {
		if match(rec) {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, shared.ErrNotFound
}

func (m *memRepo) FindByEmail(_ context.Context, email string) (*auth.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("FindByEmail"); err != nil {
		return nil, err
	}
	email = auth.NormalizeEmail(email)
	return m.find(func(c *auth.Credential) bool { return c.Email == email })
}

func (m *memRepo) FindByID(_ context.Context, id string) (*auth.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.find(func(c *auth.Credential) bool { return c.ID == id })
}

func (m *memRepo) FindByVerificationDigest(_ context.Context, digest string) (*auth.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if digest == "" {
		return nil, shared.ErrNotFound
	}
	return m.find(func(c *auth.Credential) bool { return c.VerificationTokenDigest == digest })
}

func (m *memRepo) FindByResetDigest(_ context.Context, digest string, now time.Time) (*auth.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if digest == "" {
		return nil, shared.ErrNotFound
	}
	return m.find(func(c *auth.Credential) bool {
		return c.ResetTokenDigest == digest && c.ResetTokenExpiresAt != nil && c.ResetTokenExpiresAt.After(now)
	})
}

func (m *memRepo) Create(_ context.Context, in auth.NewCredential) (*auth.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	email := auth.NormalizeEmail(in.Email)
	if _, err := m.find(func(c *auth.Credential) bool { return c.Email == email }); err == nil {
		return nil, shared.ErrEmailAlreadyRegistered
	}
	hash, err := m.hasher.Hash(in.Password)
	if err != nil {
		return nil, err
	}
	now := m.now()
	rec := &auth.Credential{
		ID:           uuid.NewString(),
		Email:        email,
		Name:         in.Name,
		Phone:        in.Phone,
		PasswordHash: hash,
		Role:         in.Role,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if in.Pending.Digest != "" {
		exp := in.Pending.ExpiresAt
		rec.VerificationTokenDigest = in.Pending.Digest
		rec.VerificationTokenExpiresAt = &exp
	}
	m.records[rec.ID] = rec
	cp := *rec
	return &cp, nil
}

func (m *memRepo) Update(_ context.Context, id string, upd auth.CredentialUpdate) (*auth.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("Update"); err != nil {
		return nil, err
	}
	rec, ok := m.records[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	if upd.ConsumeReset != "" {
		if rec.ResetTokenDigest != upd.ConsumeReset || rec.ResetTokenExpiresAt == nil || !rec.ResetTokenExpiresAt.After(upd.ConsumeAt) {
			return nil, shared.ErrNotFound
		}
	}
	if upd.Password != nil {
		hash, err := m.hasher.Hash(*upd.Password)
		if err != nil {
			return nil, err
		}
		rec.PasswordHash = hash
	}
	if upd.IsVerified != nil {
		rec.IsVerified = *upd.IsVerified
	}
	if upd.IsActive != nil {
		rec.IsActive = *upd.IsActive
	}
	if upd.LastLoginAt != nil {
		at := *upd.LastLoginAt
		rec.LastLoginAt = &at
	}
	switch {
	case upd.Verification != nil:
		exp := upd.Verification.ExpiresAt
		rec.VerificationTokenDigest = upd.Verification.Digest
		rec.VerificationTokenExpiresAt = &exp
	case upd.ClearVerification:
		rec.VerificationTokenDigest = ""
		rec.VerificationTokenExpiresAt = nil
	}
	switch {
	case upd.Reset != nil:
		exp := upd.Reset.ExpiresAt
		rec.ResetTokenDigest = upd.Reset.Digest
		rec.ResetTokenExpiresAt = &exp
	case upd.ClearReset:
		rec.ResetTokenDigest = ""
		rec.ResetTokenExpiresAt = nil
	}
	rec.UpdatedAt = m.now()
	cp := *rec
	return &cp, nil
}

func (m *memRepo) ComparePassword(_ context.Context, cred *auth.Credential, plain string) (bool, error) {
	if cred == nil {
		return false, nil
	}
	m.mu.Lock()
	m.compared = append(m.compared, cred.PasswordHash)
	m.mu.Unlock()
	return m.hasher.Compare(cred.PasswordHash, plain)
}

func (m *memRepo) get(t *testing.T, email string) *auth.Credential {
	t.Helper()
	cred, err := m.FindByEmail(context.Background(), email)
	require.NoError(t, err)
	return cred
}

type sentEmail struct {
	kind   string
	to     string
	params notify.TemplateParams
}

// fakeNotifier records every email and can fail selected kinds.
type fakeNotifier struct {
	mu   sync.Mutex
	sent []sentEmail
	fail map[string]error
}

func (n *fakeNotifier) record(kind, to string, params notify.TemplateParams) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.fail[kind]; err != nil {
		return err
	}
	n.sent = append(n.sent, sentEmail{kind: kind, to: to, params: params})
	return nil
}

func (n *fakeNotifier) SendVerificationEmail(_ context.Context, to string, p notify.TemplateParams) error {
	return n.record("verification", to, p)
}

func (n *fakeNotifier) SendWelcomeEmail(_ context.Context, to string, p notify.TemplateParams) error {
	return n.record("welcome", to, p)
}

func (n *fakeNotifier) SendPasswordResetEmail(_ context.Context, to string, p notify.TemplateParams) error {
	return n.record("password_reset", to, p)
}

func (n *fakeNotifier) SendPasswordChangedEmail(_ context.Context, to string, p notify.TemplateParams) error {
	return n.record("password_changed", to, p)
}

func (n *fakeNotifier) kinds() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.sent))
	for _, s := range n.sent {
		out = append(out, s.kind)
	}
	return out
}

// lastToken returns the raw one-time token carried by the newest email of kind.
func (n *fakeNotifier) lastToken(t *testing.T, kind string) string {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := len(n.sent) - 1; i >= 0; i-- {
		if n.sent[i].kind == kind {
			link := n.sent[i].params.Link
			return link[strings.LastIndex(link, "/")+1:]
		}
	}
	t.Fatalf("no %s email sent", kind)
	return ""
}

type recorder struct {
	mu       sync.Mutex
	outcomes map[string]int
}

func (r *recorder) RecordAuth(operation, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outcomes == nil {
		r.outcomes = make(map[string]int)
	}
	r.outcomes[operation+"/"+outcome]++
}

func (r *recorder) count(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outcomes[key]
}

type throttleStub struct {
	denied map[string]bool
	err    error
}

func (t *throttleStub) Allow(_ context.Context, key string) (bool, error) {
	if t.err != nil {
		return false, t.err
	}
	return !t.denied[key], nil
}

type env struct {
	now      time.Time
	repo     *memRepo
	notifier *fakeNotifier
	codec    *token.Codec
	metrics  *recorder
	throttle *throttleStub
	service  *auth.Service
}

func (e *env) clock() time.Time { return e.now }

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		now:      time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC),
		notifier: &fakeNotifier{fail: map[string]error{}},
		metrics:  &recorder{},
		throttle: &throttleStub{denied: map[string]bool{}},
	}
	e.repo = newMemRepo(e.clock)
	codec, err := token.New(token.Config{Secret: []byte("auth-test-secret"), Issuer: "localhub", Now: e.clock})
	require.NoError(t, err)
	e.codec = codec
	e.service = auth.NewService(e.repo, codec, e.notifier, auth.ServiceConfig{
		ClientURL:  "https://localhub.test/",
		Now:        e.clock,
		Background: func(fn func()) { fn() },
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics:    e.metrics,
		Throttle:   e.throttle,
	})
	return e
}

func (e *env) register(t *testing.T, email, password string) *auth.RegisterResult {
	t.Helper()
	res, err := e.service.Register(context.Background(), auth.RegisterInput{Email: email, Password: password, Name: "Alice"})
	require.NoError(t, err)
	return res
}
