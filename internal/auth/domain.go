package auth

import "time"

// Credential is the stored record behind an account.
type Credential struct {
	ID                         string
	Email                      string
	Name                       string
	Phone                      string
	PasswordHash               string
	Role                       string
	IsVerified                 bool
	IsActive                   bool
	VerificationTokenDigest    string
	VerificationTokenExpiresAt *time.Time
	ResetTokenDigest           string
	ResetTokenExpiresAt        *time.Time
	LastLoginAt                *time.Time
	CreatedAt                  time.Time
	UpdatedAt                  time.Time
}

// Profile is the client facing view of a credential record.
type Profile struct {
	ID          string     `json:"id"`
	Email       string     `json:"email"`
	Name        string     `json:"name"`
	Phone       string     `json:"phone,omitempty"`
	Role        string     `json:"role"`
	IsVerified  bool       `json:"isVerified"`
	IsActive    bool       `json:"isActive"`
	LastLoginAt *time.Time `json:"lastLoginAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// Profile strips secrets and one-time token state.
func (c *Credential) Profile() Profile {
	return Profile{
		ID:          c.ID,
		Email:       c.Email,
		Name:        c.Name,
		Phone:       c.Phone,
		Role:        c.Role,
		IsVerified:  c.IsVerified,
		IsActive:    c.IsActive,
		LastLoginAt: c.LastLoginAt,
		CreatedAt:   c.CreatedAt,
	}
}

// NewCredential carries the fields of a record to create. Password is
// plaintext; the store hashes it on write.
type NewCredential struct {
	Email    string
	Password string
	Name     string
	Phone    string
	Role     string
	Pending  PendingToken
}

// PendingToken is the stored half of an outstanding one-time token.
type PendingToken struct {
	Digest    string
	ExpiresAt time.Time
}

// CredentialUpdate is a field level update. Nil fields are left untouched.
type CredentialUpdate struct {
	Password          *string
	IsVerified        *bool
	IsActive          *bool
	LastLoginAt       *time.Time
	Verification      *PendingToken
	ClearVerification bool
	Reset             *PendingToken
	ClearReset        bool

	// ConsumeReset makes the update conditional on the record still holding
	// this unexpired reset digest at time ConsumeAt.
	ConsumeReset string
	ConsumeAt    time.Time
}

// RegisterInput is the input of Service.Register.
type RegisterInput struct {
	Email    string
	Password string
	Name     string
	Phone    string
}

// RegisterResult is returned by Service.Register.
type RegisterResult struct {
	Profile Profile `json:"user"`
	Message string  `json:"message"`
}

// LoginResult is returned by Service.Login.
type LoginResult struct {
	Token        string  `json:"token"`
	RefreshToken string  `json:"refreshToken"`
	ExpiresIn    int64   `json:"expiresIn"`
	Profile      Profile `json:"user"`
	Warning      string  `json:"warning,omitempty"`
}

// SessionResult carries a freshly minted session token.
type SessionResult struct {
	Token     string  `json:"token"`
	ExpiresIn int64   `json:"expiresIn"`
	Profile   Profile `json:"user"`
	Message   string  `json:"message,omitempty"`
}
