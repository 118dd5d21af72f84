package wizard

import (
	"strings"

	"github.com/bmdtechnologies/portal/internal/models"
)

// CodeLength is the number of digits of a one-time code.
const CodeLength = 6

// SanitizeCode strips every non-digit and caps the result at CodeLength digits.
func SanitizeCode(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r < '0' || r > '9' {
			continue
		}
		b.WriteRune(r)
		if b.Len() == CodeLength {
			break
		}
	}
	return b.String()
}

// CodeSubmittable reports whether a sanitized code can be submitted.
func CodeSubmittable(code string) bool {
	return len(code) == CodeLength
}

func validateEmail(email string) error {
	if msg := models.ValidateEmail(email); msg != "" {
		return &ValidationError{Field: models.FieldEmail, Message: msg}
	}
	return nil
}

func validateCode(raw string) (string, error) {
	code := SanitizeCode(raw)
	if !CodeSubmittable(code) {
		return "", &ValidationError{Field: models.FieldCode, Message: models.MsgCodeInvalid}
	}
	return code, nil
}

// validatePasswords checks emptiness, the policy (when non-nil) and then equality.
func validatePasswords(policy *models.PasswordPolicy, newPassword, confirm string) error {
	if newPassword == "" {
		return &ValidationError{Field: models.FieldNewPassword, Message: models.MsgPasswordRequired}
	}
	if confirm == "" {
		return &ValidationError{Field: models.FieldConfirmPassword, Message: models.MsgPasswordRequired}
	}
	if policy != nil {
		if failed := policy.Check(newPassword); len(failed) > 0 {
			return &ValidationError{Field: models.FieldNewPassword, Message: failed[0]}
		}
	}
	if newPassword != confirm {
		return &ValidationError{Field: models.FieldConfirmPassword, Message: models.MsgPasswordMismatch}
	}
	return nil
}
