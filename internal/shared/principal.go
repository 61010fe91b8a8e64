package shared

import "time"

// Principal describes the authenticated actor decoded from a session token.
// Its role and verification flags are as fresh as the token they came from.
type Principal struct {
	SubjectID  string    `json:"id"`
	Role       string    `json:"role"`
	Email      string    `json:"email"`
	IsVerified bool      `json:"isVerified"`
	IssuedAt   time.Time `json:"issuedAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// IsAdmin reports whether the principal carries the admin role.
func (p *Principal) IsAdmin() bool {
	return p != nil && p.Role == RoleAdmin
}
