package domain

import (
	"errors"
	"strings"
	"time"
)

// Namespace is the tenant isolation boundary. Principal, when set, is the
// identity applications of the namespace execute as and the default owner.
type Namespace struct {
	ID            string
	Principal     string
	CredentialRef string
	Description   string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (n Namespace) Validate() error {
	if strings.TrimSpace(n.ID) == "" {
		return errors.New("namespace id is required")
	}
	if !ValidName(n.ID) {
		return errors.New("namespace id must contain only letters, digits, '-', '_' or '.'")
	}
	return nil
}

// ValidName reports whether value is a usable identifier: 1 to 255 letters,
// digits, '-', '_' or '.'.
func ValidName(value string) bool {
	value = strings.TrimSpace(value)
	if value == "" || len(value) > 255 {
		return false
	}
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.':
		default:
			return false
		}
	}
	return true
}
