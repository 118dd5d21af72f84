package wizard

import (
	"errors"
	"fmt"
)

var (
	// ErrBusy is returned when an action arrives while an operation is in flight.
	ErrBusy = errors.New("wizard is busy")
	// ErrResendUnavailable is returned when a resend is requested during the cooldown.
	ErrResendUnavailable = errors.New("resend not available yet")
	// ErrInvalidAction is returned when the current step has no edge for the action.
	ErrInvalidAction = errors.New("action not allowed in current step")
	// ErrClosed is returned once the wizard has been discarded.
	ErrClosed = errors.New("wizard closed")
	// ErrUnknownFlow is returned for a flow kind without a graph.
	ErrUnknownFlow = errors.New("unknown flow")
	// ErrExpired is reported when the code countdown ran out.
	ErrExpired = errors.New("verification code expired")
)

// ValidationError rejects user input before any operation is dispatched.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// OperationError wraps a failed backend operation. The wizard keeps its step and
// exposes Message through the state error field.
type OperationError struct {
	Action  Action
	Message string
	Err     error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Action, e.Err)
}

func (e *OperationError) Unwrap() error {
	return e.Err
}

// UserError lets an Operations implementation choose the message shown to the user.
type UserError struct {
	Message string
	Err     error
}

func (e *UserError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *UserError) Unwrap() error {
	return e.Err
}

// NewUserError wraps err with a user-facing message.
func NewUserError(message string, err error) error {
	return &UserError{Message: message, Err: err}
}

const genericFailureMessage = "Une erreur est survenue, veuillez réessayer"

// userMessage picks the message displayed in the state for a failed operation.
func userMessage(err error) string {
	var ue *UserError
	if errors.As(err, &ue) && ue.Message != "" {
		return ue.Message
	}
	return genericFailureMessage
}
