package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/localhub/localhub/internal/shared"
)

// Repository defines persistence operations for credential records.
type Repository interface {
	FindByEmail(ctx context.Context, email string) (*Credential, error)
	FindByID(ctx context.Context, id string) (*Credential, error)
	FindByVerificationDigest(ctx context.Context, digest string) (*Credential, error)
	FindByResetDigest(ctx context.Context, digest string, now time.Time) (*Credential, error)
	Create(ctx context.Context, in NewCredential) (*Credential, error)
	Update(ctx context.Context, id string, upd CredentialUpdate) (*Credential, error)
	ComparePassword(ctx context.Context, cred *Credential, plain string) (bool, error)
}

// DBTX is the subset of pgxpool.Pool and pgx.Tx the repository uses.
type DBTX interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	pool   DBTX
	hasher PasswordHasher
	now    func() time.Time
}

// NewRepository constructs a PostgreSQL repository. A nil hasher uses bcrypt.
func NewRepository(pool DBTX, hasher PasswordHasher) *PGRepository {
	if hasher == nil {
		hasher = BcryptHasher{}
	}
	return &PGRepository{pool: pool, hasher: hasher, now: time.Now}
}

const credentialColumns = `id, email, name, phone, password_hash, role, is_verified, is_active,
	verification_token_digest, verification_token_expires_at,
	reset_token_digest, reset_token_expires_at,
	last_login_at, created_at, updated_at`

func scanCredential(row pgx.Row) (*Credential, error) {
	var (
		c            Credential
		verifyDigest *string
		resetDigest  *string
	)
	err := row.Scan(
		&c.ID, &c.Email, &c.Name, &c.Phone, &c.PasswordHash, &c.Role, &c.IsVerified, &c.IsActive,
		&verifyDigest, &c.VerificationTokenExpiresAt,
		&resetDigest, &c.ResetTokenExpiresAt,
		&c.LastLoginAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	if verifyDigest != nil {
		c.VerificationTokenDigest = *verifyDigest
	}
	if resetDigest != nil {
		c.ResetTokenDigest = *resetDigest
	}
	return &c, nil
}

// FindByEmail fetches a record by normalized email.
func (r *PGRepository) FindByEmail(ctx context.Context, email string) (*Credential, error) {
	return scanCredential(r.pool.QueryRow(ctx,
		`SELECT `+credentialColumns+` FROM credentials WHERE email = $1`, NormalizeEmail(email)))
}

// FindByID fetches a record by id.
func (r *PGRepository) FindByID(ctx context.Context, id string) (*Credential, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, shared.ErrNotFound
	}
	return scanCredential(r.pool.QueryRow(ctx,
		`SELECT `+credentialColumns+` FROM credentials WHERE id = $1`, id))
}

// FindByVerificationDigest fetches the record holding the verification
// digest. Expiry is checked by the caller.
func (r *PGRepository) FindByVerificationDigest(ctx context.Context, digest string) (*Credential, error) {
	if digest == "" {
		return nil, shared.ErrNotFound
	}
	return scanCredential(r.pool.QueryRow(ctx,
		`SELECT `+credentialColumns+` FROM credentials WHERE verification_token_digest = $1`, digest))
}

// FindByResetDigest fetches the record holding the reset digest whose
// expiry is still after now.
func (r *PGRepository) FindByResetDigest(ctx context.Context, digest string, now time.Time) (*Credential, error) {
	if digest == "" {
		return nil, shared.ErrNotFound
	}
	return scanCredential(r.pool.QueryRow(ctx,
		`SELECT `+credentialColumns+` FROM credentials
		WHERE reset_token_digest = $1 AND reset_token_expires_at > $2`, digest, now.UTC()))
}

// Create inserts a record, hashing its password.
func (r *PGRepository) Create(ctx context.Context, in NewCredential) (*Credential, error) {
	role := in.Role
	if role == "" {
		role = shared.RoleUser
	}
	if !shared.ValidRole(role) {
		return nil, shared.ErrInvalidInput.WithMessage("unknown role")
	}
	hash, err := r.hasher.Hash(in.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	var (
		digest  *string
		expires *time.Time
	)
	if in.Pending.Digest != "" {
		digest = &in.Pending.Digest
		at := in.Pending.ExpiresAt.UTC()
		expires = &at
	}
	now := r.now().UTC()
	cred, err := scanCredential(r.pool.QueryRow(ctx, `
		INSERT INTO credentials (id, email, name, phone, password_hash, role, is_verified, is_active,
			verification_token_digest, verification_token_expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, TRUE, $7, $8, $9, $9)
		RETURNING `+credentialColumns,
		uuid.NewString(), NormalizeEmail(in.Email), strings.TrimSpace(in.Name), strings.TrimSpace(in.Phone),
		hash, role, digest, expires, now))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, shared.ErrEmailAlreadyRegistered
		}
		return nil, err
	}
	return cred, nil
}

// Update applies upd to the record in a single statement. It returns
// shared.ErrNotFound when no row matched, including a failed ConsumeReset
// condition.
func (r *PGRepository) Update(ctx context.Context, id string, upd CredentialUpdate) (*Credential, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, shared.ErrNotFound
	}
	sets := make([]string, 0, 8)
	args := []any{id}
	set := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if upd.Password != nil {
		hash, err := r.hasher.Hash(*upd.Password)
		if err != nil {
			return nil, fmt.Errorf("hash password: %w", err)
		}
		set("password_hash", hash)
	}
	if upd.IsVerified != nil {
		set("is_verified", *upd.IsVerified)
	}
	if upd.IsActive != nil {
		set("is_active", *upd.IsActive)
	}
	if upd.LastLoginAt != nil {
		set("last_login_at", upd.LastLoginAt.UTC())
	}
	switch {
	case upd.Verification != nil:
		set("verification_token_digest", upd.Verification.Digest)
		set("verification_token_expires_at", upd.Verification.ExpiresAt.UTC())
	case upd.ClearVerification:
		sets = append(sets, "verification_token_digest = NULL", "verification_token_expires_at = NULL")
	}
	switch {
	case upd.Reset != nil:
		set("reset_token_digest", upd.Reset.Digest)
		set("reset_token_expires_at", upd.Reset.ExpiresAt.UTC())
	case upd.ClearReset:
		sets = append(sets, "reset_token_digest = NULL", "reset_token_expires_at = NULL")
	}
	set("updated_at", r.now().UTC())

	query := `UPDATE credentials SET ` + strings.Join(sets, ", ") + ` WHERE id = $1`
	if upd.ConsumeReset != "" {
		args = append(args, upd.ConsumeReset)
		query += fmt.Sprintf(" AND reset_token_digest = $%d", len(args))
		args = append(args, upd.ConsumeAt.UTC())
		query += fmt.Sprintf(" AND reset_token_expires_at > $%d", len(args))
	}
	query += ` RETURNING ` + credentialColumns
	return scanCredential(r.pool.QueryRow(ctx, query, args...))
}

// RevokeReset clears the reset token of id while it still matches digest.
// A newer token issued in the meantime is left alone.
func (r *PGRepository) RevokeReset(ctx context.Context, id, digest string) error {
	if _, err := uuid.Parse(id); err != nil {
		return nil
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE credentials
		SET reset_token_digest = NULL, reset_token_expires_at = NULL, updated_at = $3
		WHERE id = $1 AND reset_token_digest = $2`, id, digest, r.now().UTC())
	if err != nil {
		return fmt.Errorf("revoke reset token: %w", err)
	}
	return nil
}

// ComparePassword checks plain against the stored hash.
func (r *PGRepository) ComparePassword(_ context.Context, cred *Credential, plain string) (bool, error) {
	if cred == nil || cred.PasswordHash == "" {
		return false, nil
	}
	return r.hasher.Compare(cred.PasswordHash, plain)
}

// PurgeExpiredTokens clears verification and reset fields whose expiry has
// passed and reports how many tokens were cleared.
func (r *PGRepository) PurgeExpiredTokens(ctx context.Context, now time.Time) (int64, error) {
	now = now.UTC()
	var purged int64
	tag, err := r.pool.Exec(ctx, `
		UPDATE credentials
		SET verification_token_digest = NULL, verification_token_expires_at = NULL, updated_at = $1
		WHERE verification_token_expires_at IS NOT NULL AND verification_token_expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("purge verification tokens: %w", err)
	}
	purged += tag.RowsAffected()
	tag, err = r.pool.Exec(ctx, `
		UPDATE credentials
		SET reset_token_digest = NULL, reset_token_expires_at = NULL, updated_at = $1
		WHERE reset_token_expires_at IS NOT NULL AND reset_token_expires_at <= $1`, now)
	if err != nil {
		return purged, fmt.Errorf("purge reset tokens: %w", err)
	}
	return purged + tag.RowsAffected(), nil
}

var _ Repository = (*PGRepository)(nil)
