package auth

import (
	"strings"

	"golang.org/x/text/cases"
)

// NormalizeEmail trims and case folds an address so lookups are case
// insensitive. Casers are stateful, so one is built per call.
func NormalizeEmail(email string) string {
	return cases.Fold().String(strings.TrimSpace(email))
}
