package auth

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/localhub/localhub/internal/notify"
	"github.com/localhub/localhub/internal/onetime"
	"github.com/localhub/localhub/internal/rbac"
	"github.com/localhub/localhub/internal/shared"
	"github.com/localhub/localhub/internal/token"
)

// MinPasswordLength is the shortest password accepted on any write path.
const MinPasswordLength = 8

const (
	defaultVerificationTTL = 24 * time.Hour
	defaultResetTTL        = time.Hour
	defaultDispatchTimeout = 10 * time.Second
)

const (
	msgRegistered      = "Registration successful. Please check your email to verify your account."
	msgUnverified      = "Your email address is not verified yet. Some features stay unavailable until you verify it."
	msgVerified        = "Email verified successfully."
	msgAlreadyVerified = "Email is already verified."
	msgPasswordReset   = "Password has been reset successfully."
	msgPasswordChanged = "Password changed successfully."
)

// Recorder counts auth operation outcomes.
type Recorder interface {
	RecordAuth(operation, outcome string)
}

// Throttle bounds how often a per-email action may run.
type Throttle interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// ServiceConfig tunes Service behaviour.
type ServiceConfig struct {
	VerificationTTL time.Duration
	ResetTTL        time.Duration
	// ClientURL prefixes the links placed in emails.
	ClientURL       string
	DispatchTimeout time.Duration
	Now             func() time.Time
	// Background runs fire-and-forget dispatch. Defaults to a goroutine.
	Background func(func())
	Logger     *slog.Logger
	Metrics    Recorder
	Throttle   Throttle
}

// Service implements the credential lifecycle.
type Service struct {
	repo     Repository
	codec    *token.Codec
	notifier notify.Notifier
	tokens   *onetime.Generator
	cfg      ServiceConfig
}

// NewService constructs a Service.
func NewService(repo Repository, codec *token.Codec, notifier notify.Notifier, cfg ServiceConfig) *Service {
	if cfg.VerificationTTL <= 0 {
		cfg.VerificationTTL = defaultVerificationTTL
	}
	if cfg.ResetTTL <= 0 {
		cfg.ResetTTL = defaultResetTTL
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = defaultDispatchTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Background == nil {
		cfg.Background = func(fn func()) { go fn() }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.ClientURL = strings.TrimRight(strings.TrimSpace(cfg.ClientURL), "/")
	return &Service{
		repo:     repo,
		codec:    codec,
		notifier: notifier,
		tokens:   onetime.NewGenerator(cfg.Now),
		cfg:      cfg,
	}
}

// Register creates an unverified record and dispatches the verification and
// welcome emails in the background. Dispatch failures never undo the
// registration.
func (s *Service) Register(ctx context.Context, in RegisterInput) (res *RegisterResult, err error) {
	defer func() { s.observe("register", err) }()

	email := NormalizeEmail(in.Email)
	if email == "" {
		return nil, invalidField("email", "email is required")
	}
	if err := checkPassword("password", in.Password); err != nil {
		return nil, err
	}
	if _, err := s.repo.FindByEmail(ctx, email); err == nil {
		return nil, shared.ErrEmailAlreadyRegistered
	} else if !errors.Is(err, shared.ErrNotFound) {
		return nil, shared.ErrInternal.Wrap(err)
	}

	verification, err := s.tokens.Issue(s.cfg.VerificationTTL)
	if err != nil {
		return nil, shared.ErrInternal.Wrap(err)
	}
	cred, err := s.repo.Create(ctx, NewCredential{
		Email:    email,
		Password: in.Password,
		Name:     in.Name,
		Phone:    in.Phone,
		Role:     shared.RoleUser,
		Pending:  PendingToken{Digest: verification.Digest, ExpiresAt: verification.ExpiresAt},
	})
	if err != nil {
		if errors.Is(err, shared.ErrEmailAlreadyRegistered) {
			return nil, shared.ErrEmailAlreadyRegistered
		}
		return nil, shared.ErrInternal.Wrap(err)
	}

	params := notify.TemplateParams{
		Name:      cred.Name,
		Link:      s.link("/verify-email/", verification.Raw),
		ExpiresAt: verification.ExpiresAt,
	}
	s.dispatch(ctx, "verification", func(ctx context.Context) error {
		return s.notifier.SendVerificationEmail(ctx, cred.Email, params)
	})
	s.dispatch(ctx, "welcome", func(ctx context.Context) error {
		return s.notifier.SendWelcomeEmail(ctx, cred.Email, notify.TemplateParams{Name: cred.Name, Link: s.cfg.ClientURL})
	})

	s.cfg.Logger.Info("credential registered", slog.String("credential_id", cred.ID))
	return &RegisterResult{Profile: cred.Profile(), Message: msgRegistered}, nil
}

// Login checks the password and returns a session and refresh token. Unknown
// emails and wrong passwords fail identically.
func (s *Service) Login(ctx context.Context, email, password string) (res *LoginResult, err error) {
	defer func() { s.observe("login", err) }()

	cred, err := s.repo.FindByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			_, _ = s.repo.ComparePassword(ctx, &Credential{PasswordHash: decoyHash()}, password)
			return nil, shared.ErrInvalidCredentials
		}
		return nil, shared.ErrInternal.Wrap(err)
	}
	ok, err := s.repo.ComparePassword(ctx, cred, password)
	if err != nil {
		return nil, shared.ErrInternal.Wrap(err)
	}
	if !ok {
		return nil, shared.ErrInvalidCredentials
	}
	if !cred.IsActive {
		return nil, shared.ErrAccountDeactivated
	}

	now := s.cfg.Now()
	updated, err := s.repo.Update(ctx, cred.ID, CredentialUpdate{LastLoginAt: &now})
	if err != nil {
		return nil, shared.ErrInternal.Wrap(err)
	}
	session, err := s.mintSession(updated)
	if err != nil {
		return nil, err
	}
	refresh, err := s.codec.MintRefreshToken(updated.ID)
	if err != nil {
		return nil, err
	}
	res = &LoginResult{
		Token:        session,
		RefreshToken: refresh,
		ExpiresIn:    int64(s.codec.DefaultTTL() / time.Second),
		Profile:      updated.Profile(),
	}
	if !updated.IsVerified {
		res.Warning = msgUnverified
	}
	return res, nil
}

// VerifyEmail consumes a verification token. Verifying an already verified
// record succeeds without mutation or a new token.
func (s *Service) VerifyEmail(ctx context.Context, rawToken string) (res *SessionResult, err error) {
	defer func() { s.observe("verify_email", err) }()

	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return nil, shared.ErrTokenInvalidOrExpired
	}
	cred, err := s.repo.FindByVerificationDigest(ctx, onetime.Digest(rawToken))
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil, shared.ErrTokenInvalidOrExpired
		}
		return nil, shared.ErrInternal.Wrap(err)
	}
	if cred.IsVerified {
		return &SessionResult{Profile: cred.Profile(), Message: msgAlreadyVerified}, nil
	}
	if expired(cred.VerificationTokenExpiresAt, s.cfg.Now()) {
		return nil, shared.ErrTokenInvalidOrExpired
	}

	verified := true
	updated, err := s.repo.Update(ctx, cred.ID, CredentialUpdate{IsVerified: &verified, ClearVerification: true})
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil, shared.ErrTokenInvalidOrExpired
		}
		return nil, shared.ErrInternal.Wrap(err)
	}
	return s.sessionResult(updated, msgVerified)
}

// ForgotPassword issues a reset token for an active record and delivers it
// before returning. Unknown and inactive emails succeed silently. When the
// email cannot be handed off the stored token is cleared and
// ErrNotificationFailed is returned.
func (s *Service) ForgotPassword(ctx context.Context, email string) (err error) {
	defer func() { s.observe("forgot_password", err) }()

	email = NormalizeEmail(email)
	if email == "" {
		return invalidField("email", "email is required")
	}
	cred, err := s.repo.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil
		}
		return shared.ErrInternal.Wrap(err)
	}
	if !cred.IsActive || !s.allow(ctx, "forgot:"+email) {
		return nil
	}

	reset, err := s.tokens.Issue(s.cfg.ResetTTL)
	if err != nil {
		return shared.ErrInternal.Wrap(err)
	}
	if _, err := s.repo.Update(ctx, cred.ID, CredentialUpdate{
		Reset: &PendingToken{Digest: reset.Digest, ExpiresAt: reset.ExpiresAt},
	}); err != nil {
		return shared.ErrInternal.Wrap(err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.cfg.DispatchTimeout)
	defer cancel()
	sendErr := s.notifier.SendPasswordResetEmail(sendCtx, cred.Email, notify.TemplateParams{
		Name:      cred.Name,
		Link:      s.link("/reset-password/", reset.Raw),
		ExpiresAt: reset.ExpiresAt,

		CredentialID: cred.ID,
		ResetDigest:  reset.Digest,
	})
	if sendErr == nil {
		return nil
	}

	s.cfg.Logger.Error("send password reset email", slog.String("credential_id", cred.ID), slog.Any("error", sendErr))
	rollbackCtx, cancelRollback := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.DispatchTimeout)
	defer cancelRollback()
	if _, err := s.repo.Update(rollbackCtx, cred.ID, CredentialUpdate{ClearReset: true}); err != nil {
		s.cfg.Logger.Error("roll back reset token", slog.String("credential_id", cred.ID), slog.Any("error", err))
	}
	return shared.ErrNotificationFailed.Wrap(sendErr)
}

// ResetPassword consumes a reset token and replaces the password. A token
// is accepted at most once.
func (s *Service) ResetPassword(ctx context.Context, rawToken, newPassword string) (res *SessionResult, err error) {
	defer func() { s.observe("reset_password", err) }()

	if err := checkPassword("password", newPassword); err != nil {
		return nil, err
	}
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return nil, shared.ErrTokenInvalidOrExpired
	}
	digest := onetime.Digest(rawToken)
	now := s.cfg.Now()
	cred, err := s.repo.FindByResetDigest(ctx, digest, now)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil, shared.ErrTokenInvalidOrExpired
		}
		return nil, shared.ErrInternal.Wrap(err)
	}

	updated, err := s.repo.Update(ctx, cred.ID, CredentialUpdate{
		Password:     &newPassword,
		ClearReset:   true,
		ConsumeReset: digest,
		ConsumeAt:    now,
	})
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil, shared.ErrTokenInvalidOrExpired
		}
		return nil, shared.ErrInternal.Wrap(err)
	}

	s.dispatch(ctx, "password_changed", func(ctx context.Context) error {
		return s.notifier.SendPasswordChangedEmail(ctx, updated.Email, notify.TemplateParams{Name: updated.Name, ChangedAt: now})
	})
	return s.sessionResult(updated, msgPasswordReset)
}

// Refresh exchanges a refresh token for a new session token carrying the
// record's current role and verification state.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (res *SessionResult, err error) {
	defer func() { s.observe("refresh", err) }()

	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return nil, shared.ErrNoToken
	}
	claims, err := s.codec.Verify(refreshToken)
	if err != nil {
		return nil, err
	}
	if claims.Type != token.TypeRefresh {
		return nil, shared.ErrWrongTokenType
	}
	cred, err := s.repo.FindByID(ctx, claims.SubjectID())
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil, shared.ErrInvalidToken.WithMessage("account no longer exists")
		}
		return nil, shared.ErrInternal.Wrap(err)
	}
	if !cred.IsActive {
		return nil, shared.ErrAccountDeactivated
	}
	return s.sessionResult(cred, "")
}

// ResendVerification re-issues a verification token for an unverified
// active record. It reports success for every address.
func (s *Service) ResendVerification(ctx context.Context, email string) (err error) {
	defer func() { s.observe("resend_verification", err) }()

	email = NormalizeEmail(email)
	if email == "" {
		return invalidField("email", "email is required")
	}
	cred, err := s.repo.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil
		}
		return shared.ErrInternal.Wrap(err)
	}
	if cred.IsVerified || !cred.IsActive || !s.allow(ctx, "resend:"+email) {
		return nil
	}

	verification, err := s.tokens.Issue(s.cfg.VerificationTTL)
	if err != nil {
		return shared.ErrInternal.Wrap(err)
	}
	if _, err := s.repo.Update(ctx, cred.ID, CredentialUpdate{
		Verification: &PendingToken{Digest: verification.Digest, ExpiresAt: verification.ExpiresAt},
	}); err != nil {
		return shared.ErrInternal.Wrap(err)
	}
	params := notify.TemplateParams{
		Name:      cred.Name,
		Link:      s.link("/verify-email/", verification.Raw),
		ExpiresAt: verification.ExpiresAt,
	}
	s.dispatch(ctx, "verification", func(ctx context.Context) error {
		return s.notifier.SendVerificationEmail(ctx, cred.Email, params)
	})
	return nil
}

// Me returns the profile of id.
func (s *Service) Me(ctx context.Context, id string) (*Profile, error) {
	cred, err := s.find(ctx, id)
	if err != nil {
		return nil, err
	}
	profile := cred.Profile()
	return &profile, nil
}

// ChangePassword replaces the password after checking the current one. Any
// outstanding reset token is cleared.
func (s *Service) ChangePassword(ctx context.Context, id, current, next string) (res *SessionResult, err error) {
	defer func() { s.observe("change_password", err) }()

	if err := checkPassword("newPassword", next); err != nil {
		return nil, err
	}
	cred, err := s.find(ctx, id)
	if err != nil {
		return nil, err
	}
	ok, err := s.repo.ComparePassword(ctx, cred, current)
	if err != nil {
		return nil, shared.ErrInternal.Wrap(err)
	}
	if !ok {
		return nil, shared.ErrInvalidCredentials.WithMessage("current password is incorrect")
	}
	if !cred.IsActive {
		return nil, shared.ErrAccountDeactivated
	}
	updated, err := s.repo.Update(ctx, cred.ID, CredentialUpdate{Password: &next, ClearReset: true})
	if err != nil {
		return nil, shared.ErrInternal.Wrap(err)
	}
	changedAt := s.cfg.Now()
	s.dispatch(ctx, "password_changed", func(ctx context.Context) error {
		return s.notifier.SendPasswordChangedEmail(ctx, updated.Email, notify.TemplateParams{Name: updated.Name, ChangedAt: changedAt})
	})
	return s.sessionResult(updated, msgPasswordChanged)
}

// SetActive activates or deactivates a record. Tokens already minted stay
// valid until they expire.
func (s *Service) SetActive(ctx context.Context, id string, active bool) (*Profile, error) {
	if _, err := s.find(ctx, id); err != nil {
		return nil, err
	}
	updated, err := s.repo.Update(ctx, id, CredentialUpdate{IsActive: &active})
	if err != nil {
		return nil, shared.ErrInternal.Wrap(err)
	}
	s.cfg.Logger.Info("credential activity changed", slog.String("credential_id", id), slog.Bool("active", active))
	profile := updated.Profile()
	return &profile, nil
}

// AccountState serves rbac.Recheck.
func (s *Service) AccountState(ctx context.Context, subjectID string) (rbac.AccountState, error) {
	cred, err := s.repo.FindByID(ctx, subjectID)
	if err != nil {
		return rbac.AccountState{}, err
	}
	return rbac.AccountState{Role: cred.Role, IsVerified: cred.IsVerified, IsActive: cred.IsActive}, nil
}

func (s *Service) find(ctx context.Context, id string) (*Credential, error) {
	cred, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil, shared.ErrAccountNotFound
		}
		return nil, shared.ErrInternal.Wrap(err)
	}
	return cred, nil
}

func (s *Service) mintSession(cred *Credential) (string, error) {
	return s.codec.MintSessionToken(cred.ID, token.Extra{
		Role:       cred.Role,
		Email:      cred.Email,
		IsVerified: cred.IsVerified,
	}, 0)
}

func (s *Service) sessionResult(cred *Credential, message string) (*SessionResult, error) {
	session, err := s.mintSession(cred)
	if err != nil {
		return nil, err
	}
	return &SessionResult{
		Token:     session,
		ExpiresIn: int64(s.codec.DefaultTTL() / time.Second),
		Profile:   cred.Profile(),
		Message:   message,
	}, nil
}

// dispatch runs send detached from the request so a slow channel never
// delays the response. Failures are logged only.
func (s *Service) dispatch(ctx context.Context, kind string, send func(context.Context) error) {
	detached := context.WithoutCancel(ctx)
	s.cfg.Background(func() {
		ctx, cancel := context.WithTimeout(detached, s.cfg.DispatchTimeout)
		defer cancel()
		if err := send(ctx); err != nil {
			s.cfg.Logger.Warn("notification dispatch failed", slog.String("kind", kind), slog.Any("error", err))
			s.record("notify_"+kind, "failure")
			return
		}
		s.record("notify_"+kind, "success")
	})
}

// allow fails open when the throttle backend errors.
func (s *Service) allow(ctx context.Context, key string) bool {
	if s.cfg.Throttle == nil {
		return true
	}
	ok, err := s.cfg.Throttle.Allow(ctx, key)
	if err != nil {
		s.cfg.Logger.Warn("throttle check failed", slog.String("key", key), slog.Any("error", err))
		return true
	}
	if !ok {
		s.record("throttle", "limited")
	}
	return ok
}

func (s *Service) link(path, raw string) string {
	return s.cfg.ClientURL + path + raw
}

func (s *Service) observe(operation string, err error) {
	if err == nil {
		s.record(operation, "success")
		return
	}
	s.record(operation, string(shared.AsError(err).Code))
}

func (s *Service) record(operation, outcome string) {
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RecordAuth(operation, outcome)
	}
}

func expired(expiresAt *time.Time, now time.Time) bool {
	return expiresAt == nil || !now.Before(*expiresAt)
}
