package shared

// Account roles.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// Roles lists every role a credential record may carry.
func Roles() []string {
	return []string{
		RoleUser,
		RoleAdmin,
	}
}

// ValidRole reports whether role is one of Roles.
func ValidRole(role string) bool {
	for _, r := range Roles() {
		if r == role {
			return true
		}
	}
	return false
}
