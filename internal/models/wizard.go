package models

// FlowKind names one of the verification wizards.
type FlowKind string

const (
	FlowLogin              FlowKind = "login"
	FlowConfirmAccount     FlowKind = "confirm-account"
	FlowResetPassword      FlowKind = "reset-password"
	FlowAdminResetPassword FlowKind = "admin-reset-password"
)

// Step identifies the active step of a wizard.
type Step string

const (
	StepEmailEntry       Step = "email-entry"
	StepMethodSelect     Step = "method-select"
	StepOTPEntry         Step = "otp-entry"
	StepNewPasswordEntry Step = "new-password-entry"
	StepSuccess          Step = "success"
	StepExpired          Step = "expired"
)

// Field names held in WizardState.Fields.
const (
	FieldEmail           = "email"
	FieldToken           = "token"
	FieldCode            = "code"
	FieldNewPassword     = "newPassword"
	FieldConfirmPassword = "confirmPassword"
)

// CountdownState is the user-facing view of the code expiry and resend cooldown.
type CountdownState struct {
	RemainingSeconds int    `json:"remainingSeconds"`
	Display          string `json:"display"`
	CanResend        bool   `json:"canResend"`
	Active           bool   `json:"active"`
}

// WizardState is a point-in-time snapshot of a wizard. Password fields are never included.
type WizardState struct {
	ID          string            `json:"id"`
	Flow        FlowKind          `json:"flow"`
	Step        Step              `json:"step"`
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Fields      map[string]string `json:"fields"`
	Channel     Channel           `json:"channel,omitempty"`
	IsLoading   bool              `json:"isLoading"`
	Error       string            `json:"error,omitempty"`
	Countdown   *CountdownState   `json:"countdown,omitempty"`
}
