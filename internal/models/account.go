package models

import (
	"errors"
	"net/mail"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// Messages shown next to form fields. They are part of the user-visible contract.
const (
	MsgPasswordMismatch = "Les mots de passe ne correspondent pas"
	MsgEmailRequired    = "Email requis"
	MsgEmailInvalid     = "Adresse email invalide"
	MsgCodeInvalid      = "Saisissez le code à 6 chiffres reçu"
	MsgPasswordRequired = "Mot de passe requis"
	MsgPasswordTooShort = "Au moins 8 caractères"
	MsgPasswordNoUpper  = "Au moins une lettre majuscule"
	MsgPasswordNoLower  = "Au moins une lettre minuscule"
	MsgPasswordNoDigit  = "Au moins un chiffre"
)

// ErrAccountNotFound is returned by stores and operations when no account matches.
var ErrAccountNotFound = errors.New("account not found")

// ErrAccountExists is returned when signing up with an email already registered.
var ErrAccountExists = errors.New("account already exists")

// Account is a beneficiary account.
type Account struct {
	Email             string     `json:"email"`
	FirstName         string     `json:"first_name"`
	LastName          string     `json:"last_name"`
	Phone             string     `json:"phone"`
	PasswordHash      string     `json:"-"`
	BirthYear         int        `json:"birth_year"`
	Gender            string     `json:"gender"`
	Newsletter        bool       `json:"newsletter"`
	ConfirmationToken string     `json:"-"`
	ConfirmedAt       *time.Time `json:"confirmed_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Confirmed reports whether the account completed the confirmation flow.
func (a Account) Confirmed() bool {
	return a.ConfirmedAt != nil
}

// Genders accepted by the signup form.
var Genders = []string{"homme", "femme", "autre", "non-specifie"}

// SignupForm carries the fields of the beneficiary signup page.
type SignupForm struct {
	FirstName       string `json:"firstName"`
	LastName        string `json:"lastName"`
	Email           string `json:"email"`
	Phone           string `json:"phone"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirmPassword"`
	BirthYear       string `json:"birthYear"`
	Gender          string `json:"gender"`
	AgreeTerms      bool   `json:"agreeTerms"`
	AgreeNewsletter bool   `json:"agreeNewsletter"`
}

// Validate checks every field and returns all failures at once, keyed by field name.
// The password strength policy is applied separately by the caller.
func (f SignupForm) Validate(now time.Time) FieldErrors {
	errs := FieldErrors{}
	if strings.TrimSpace(f.FirstName) == "" {
		errs["firstName"] = "Prénom requis"
	}
	if strings.TrimSpace(f.LastName) == "" {
		errs["lastName"] = "Nom requis"
	}
	if msg := ValidateEmail(f.Email); msg != "" {
		errs["email"] = msg
	}
	if strings.TrimSpace(f.Phone) == "" {
		errs["phone"] = "Téléphone requis"
	}
	if f.Password == "" {
		errs["password"] = MsgPasswordRequired
	}
	if f.Password != f.ConfirmPassword {
		errs["confirmPassword"] = MsgPasswordMismatch
	}
	if f.BirthYear == "" {
		errs["birthYear"] = "Année de naissance requise"
	} else if year, err := strconv.Atoi(f.BirthYear); err != nil || year > now.Year() || year < now.Year()-100 {
		errs["birthYear"] = "Année de naissance invalide"
	}
	if f.Gender == "" {
		errs["gender"] = "Genre requis"
	} else if !isKnownGender(f.Gender) {
		errs["gender"] = "Genre invalide"
	}
	if !f.AgreeTerms {
		errs["agreeTerms"] = "Vous devez accepter les conditions d'utilisation"
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

func isKnownGender(g string) bool {
	for _, known := range Genders {
		if g == known {
			return true
		}
	}
	return false
}

// ValidateEmail returns the field message for an unusable email, or "" when it is acceptable.
func ValidateEmail(email string) string {
	email = strings.TrimSpace(email)
	if email == "" {
		return MsgEmailRequired
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return MsgEmailInvalid
	}
	return ""
}

// CanonicalEmail lowercases and trims an address so lookups are case-insensitive.
func CanonicalEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// PasswordPolicy is the strength checklist displayed on the password pages.
type PasswordPolicy struct {
	MinLength    int
	RequireUpper bool
	RequireLower bool
	RequireDigit bool
}

// DefaultPasswordPolicy matches the checklist shown to users.
var DefaultPasswordPolicy = PasswordPolicy{
	MinLength:    8,
	RequireUpper: true,
	RequireLower: true,
	RequireDigit: true,
}

// Check returns the checklist entries the password fails, in display order.
func (p PasswordPolicy) Check(password string) []string {
	var upper, lower, digit bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		}
	}
	var failed []string
	if len([]rune(password)) < p.MinLength {
		failed = append(failed, MsgPasswordTooShort)
	}
	if p.RequireUpper && !upper {
		failed = append(failed, MsgPasswordNoUpper)
	}
	if p.RequireLower && !lower {
		failed = append(failed, MsgPasswordNoLower)
	}
	if p.RequireDigit && !digit {
		failed = append(failed, MsgPasswordNoDigit)
	}
	return failed
}

// OTPChallenge is the last one-time code issued to an email for a given purpose.
// Only the hash of the code is kept.
type OTPChallenge struct {
	Email     string     `json:"email"`
	Purpose   FlowKind   `json:"purpose"`
	CodeHash  string     `json:"-"`
	Channel   Channel    `json:"channel"`
	Attempts  int        `json:"attempts"`
	ExpiresAt time.Time  `json:"expires_at"`
	CreatedAt time.Time  `json:"created_at"`
	// VerifiedAt is set once the code matched; the password reset step requires it.
	VerifiedAt *time.Time `json:"verified_at,omitempty"`
}

// Expired reports whether the code can no longer be used at now.
func (c OTPChallenge) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}
