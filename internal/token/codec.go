// Package token mints and verifies signed session tokens.
package token

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/localhub/localhub/internal/shared"
)

// Type distinguishes session tokens from refresh tokens.
type Type string

const (
	TypeAuth    Type = "auth"
	TypeRefresh Type = "refresh"
)

const (
	// DefaultTTL applies when no auth token TTL is configured.
	DefaultTTL = 7 * 24 * time.Hour
	// RefreshTTL is fixed and not configurable.
	RefreshTTL = 30 * 24 * time.Hour
)

// Claims is the payload carried by every token minted here.
type Claims struct {
	Type       Type   `json:"typ"`
	Role       string `json:"role,omitempty"`
	Email      string `json:"email,omitempty"`
	IsVerified bool   `json:"verified"`
	jwt.RegisteredClaims
}

// SubjectID returns the credential id the token was minted for.
func (c *Claims) SubjectID() string { return c.Subject }

// Principal converts verified claims into a request principal.
func (c *Claims) Principal() *shared.Principal {
	p := &shared.Principal{
		SubjectID:  c.Subject,
		Role:       c.Role,
		Email:      c.Email,
		IsVerified: c.IsVerified,
	}
	if c.IssuedAt != nil {
		p.IssuedAt = c.IssuedAt.Time
	}
	if c.ExpiresAt != nil {
		p.ExpiresAt = c.ExpiresAt.Time
	}
	return p
}

// Extra holds caller supplied claims embedded in a session token.
type Extra struct {
	Role       string
	Email      string
	IsVerified bool
}

// Config configures a Codec.
type Config struct {
	Secret     []byte
	DefaultTTL time.Duration
	Issuer     string
	Now        func() time.Time
}

// Codec signs tokens with HS256 using an injected secret. It performs no I/O
// and is safe for concurrent use.
type Codec struct {
	secret     []byte
	defaultTTL time.Duration
	issuer     string
	now        func() time.Time
}

// New constructs a Codec. A missing secret is an error.
func New(cfg Config) (*Codec, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("token: signing secret must be provided")
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	secret := make([]byte, len(cfg.Secret))
	copy(secret, cfg.Secret)
	return &Codec{
		secret:     secret,
		defaultTTL: cfg.DefaultTTL,
		issuer:     strings.TrimSpace(cfg.Issuer),
		now:        cfg.Now,
	}, nil
}

// DefaultTTL returns the configured auth token lifetime.
func (c *Codec) DefaultTTL() time.Duration { return c.defaultTTL }

// MintSessionToken issues an auth token for subjectID. A non-positive ttl
// uses the configured default.
func (c *Codec) MintSessionToken(subjectID string, extra Extra, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	return c.mint(subjectID, TypeAuth, extra, ttl)
}

// MintRefreshToken issues a refresh token valid for RefreshTTL.
func (c *Codec) MintRefreshToken(subjectID string) (string, error) {
	return c.mint(subjectID, TypeRefresh, Extra{}, RefreshTTL)
}

func (c *Codec) mint(subjectID string, typ Type, extra Extra, ttl time.Duration) (string, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return "", shared.ErrInvalidInput.WithMessage("token subject is required")
	}
	now := c.now()
	claims := Claims{
		Type:       typ,
		Role:       extra.Role,
		Email:      extra.Email,
		IsVerified: extra.IsVerified,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			Subject:   subjectID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", shared.ErrInternal.Wrap(err)
	}
	return signed, nil
}

// Verify validates signature and expiry and returns the embedded claims.
// It does not check the token type.
func (c *Codec) Verify(raw string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithStrictDecoding(),
		jwt.WithTimeFunc(c.now),
	}
	if c.issuer != "" {
		opts = append(opts, jwt.WithIssuer(c.issuer))
	}
	claims := &Claims{}
	parsed, err := jwt.NewParser(opts...).ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return c.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, shared.ErrTokenExpired.Wrap(err)
		}
		return nil, shared.ErrTokenMalformed.Wrap(err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return nil, shared.ErrTokenMalformed
	}
	return claims, nil
}

// Expiry is the inspection result of PeekExpiry.
type Expiry struct {
	ExpiresAt        time.Time `json:"expiresAt"`
	SecondsRemaining int64     `json:"secondsRemaining"`
	IsExpired        bool      `json:"isExpired"`
}

// PeekExpiry reads the expiry of raw WITHOUT validating its signature. The
// result must never feed an authorization decision.
func (c *Codec) PeekExpiry(raw string) (Expiry, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return Expiry{}, shared.ErrTokenMalformed.Wrap(err)
	}
	if claims.ExpiresAt == nil {
		return Expiry{}, shared.ErrTokenMalformed.WithMessage("token carries no expiry")
	}
	exp := claims.ExpiresAt.Time
	remaining := exp.Sub(c.now())
	if remaining < 0 {
		remaining = 0
	}
	return Expiry{
		ExpiresAt:        exp,
		SecondsRemaining: int64(remaining / time.Second),
		IsExpired:        !c.now().Before(exp),
	}, nil
}
