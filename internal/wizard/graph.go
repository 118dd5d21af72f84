package wizard

import (
	"fmt"
	"time"

	"github.com/bmdtechnologies/portal/internal/models"
)

// Action is a user or clock event that may move a wizard along its graph.
type Action string

const (
	ActionSubmitEmail    Action = "submit-email"
	ActionChooseChannel  Action = "choose-channel"
	ActionSubmitCode     Action = "submit-code"
	ActionSubmitPassword Action = "submit-password"
	ActionBack           Action = "back"
	ActionResend         Action = "resend"
	ActionRetry          Action = "retry"
	ActionExpire         Action = "expire"
)

const (
	// DefaultCodeExpiry is how long an emailed or texted code stays valid on screen.
	DefaultCodeExpiry = 300 * time.Second
	// DefaultResendCooldown is the wait before another code may be requested.
	DefaultResendCooldown = 30 * time.Second
)

// StepCopy is the heading shown for a step.
type StepCopy struct {
	Title       string
	Description string
}

// Graph describes one verification flow as data. A single machine walks any Graph.
type Graph struct {
	Flow    models.FlowKind
	Initial models.Step
	Edges   map[models.Step]map[Action]models.Step
	Copy    map[models.Step]StepCopy

	// CodeExpiry enables the otp-entry -> expired edge when non-zero.
	CodeExpiry time.Duration
	// ResendCooldown applies to every flow with an otp-entry step.
	ResendCooldown time.Duration
}

// Next returns the step reached from `from` by action a.
func (g Graph) Next(from models.Step, a Action) (models.Step, bool) {
	to, ok := g.Edges[from][a]
	return to, ok
}

// Allows reports whether action a has an edge out of step from.
func (g Graph) Allows(from models.Step, a Action) bool {
	_, ok := g.Next(from, a)
	return ok
}

// CopyFor returns the heading for step s, falling back to an empty heading.
func (g Graph) CopyFor(s models.Step) StepCopy {
	return g.Copy[s]
}

// Terminal reports whether s has no outgoing edges.
func (g Graph) Terminal(s models.Step) bool {
	return len(g.Edges[s]) == 0
}

var methodCopy = StepCopy{
	Title:       "Méthode de vérification",
	Description: "Choisissez comment recevoir votre code de sécurité",
}

// LoginGraph is the beneficiary sign-in flow.
func LoginGraph() Graph {
	return Graph{
		Flow:    models.FlowLogin,
		Initial: models.StepEmailEntry,
		Edges: map[models.Step]map[Action]models.Step{
			models.StepEmailEntry: {
				ActionSubmitEmail: models.StepMethodSelect,
			},
			models.StepMethodSelect: {
				ActionChooseChannel: models.StepOTPEntry,
				ActionBack:          models.StepEmailEntry,
			},
			models.StepOTPEntry: {
				ActionSubmitCode: models.StepSuccess,
				ActionBack:       models.StepMethodSelect,
				ActionResend:     models.StepOTPEntry,
			},
		},
		Copy: map[models.Step]StepCopy{
			models.StepEmailEntry: {
				Title:       "Connexion bénéficiaire",
				Description: "Connectez-vous à votre espace sécurisé pour accéder à vos sondages",
			},
			models.StepMethodSelect: methodCopy,
			models.StepOTPEntry: {
				Title:       "Code de vérification",
				Description: "Saisissez le code reçu pour finaliser votre connexion",
			},
			models.StepSuccess: {
				Title:       "Bienvenue !",
				Description: "Votre identité a été vérifiée avec succès",
			},
		},
		ResendCooldown: DefaultResendCooldown,
	}
}

// ConfirmAccountGraph starts at method selection since the email and token arrive
// through the confirmation link. It is the only flow whose code expires.
func ConfirmAccountGraph() Graph {
	return Graph{
		Flow:    models.FlowConfirmAccount,
		Initial: models.StepMethodSelect,
		Edges: map[models.Step]map[Action]models.Step{
			models.StepMethodSelect: {
				ActionChooseChannel: models.StepOTPEntry,
			},
			models.StepOTPEntry: {
				ActionSubmitCode: models.StepSuccess,
				ActionBack:       models.StepMethodSelect,
				ActionResend:     models.StepOTPEntry,
				ActionExpire:     models.StepExpired,
			},
			models.StepExpired: {
				ActionRetry: models.StepMethodSelect,
			},
		},
		Copy: map[models.Step]StepCopy{
			models.StepMethodSelect: {
				Title:       "Confirmation de compte",
				Description: "Choisissez comment recevoir votre code de confirmation",
			},
			models.StepOTPEntry: {
				Title:       "Code de confirmation",
				Description: "Saisissez le code pour activer votre compte",
			},
			models.StepSuccess: {
				Title:       "Compte confirmé !",
				Description: "Votre compte Bmd Technologies est maintenant actif",
			},
			models.StepExpired: {
				Title:       "Code expiré",
				Description: "Le délai de confirmation est dépassé",
			},
		},
		CodeExpiry:     DefaultCodeExpiry,
		ResendCooldown: DefaultResendCooldown,
	}
}

// ResetPasswordGraph verifies the beneficiary before asking for a new password.
func ResetPasswordGraph() Graph {
	return Graph{
		Flow:    models.FlowResetPassword,
		Initial: models.StepEmailEntry,
		Edges: map[models.Step]map[Action]models.Step{
			models.StepEmailEntry: {
				ActionSubmitEmail: models.StepMethodSelect,
			},
			models.StepMethodSelect: {
				ActionChooseChannel: models.StepOTPEntry,
				ActionBack:          models.StepEmailEntry,
			},
			models.StepOTPEntry: {
				ActionSubmitCode: models.StepNewPasswordEntry,
				ActionBack:       models.StepMethodSelect,
				ActionResend:     models.StepOTPEntry,
			},
			models.StepNewPasswordEntry: {
				ActionSubmitPassword: models.StepSuccess,
			},
		},
		Copy: map[models.Step]StepCopy{
			models.StepEmailEntry: {
				Title:       "Réinitialisation du mot de passe",
				Description: "Saisissez votre email pour recevoir un code de vérification",
			},
			models.StepMethodSelect: methodCopy,
			models.StepOTPEntry: {
				Title:       "Code de vérification",
				Description: "Saisissez le code reçu pour vérifier votre identité",
			},
			models.StepNewPasswordEntry: {
				Title:       "Nouveau mot de passe",
				Description: "Choisissez un nouveau mot de passe sécurisé",
			},
			models.StepSuccess: {
				Title:       "Mot de passe mis à jour",
				Description: "Votre mot de passe a été réinitialisé avec succès",
			},
		},
		ResendCooldown: DefaultResendCooldown,
	}
}

// AdminResetPasswordGraph mails a reset link to an administrator.
func AdminResetPasswordGraph() Graph {
	return Graph{
		Flow:    models.FlowAdminResetPassword,
		Initial: models.StepEmailEntry,
		Edges: map[models.Step]map[Action]models.Step{
			models.StepEmailEntry: {
				ActionSubmitEmail: models.StepSuccess,
			},
		},
		Copy: map[models.Step]StepCopy{
			models.StepEmailEntry: {
				Title:       "Réinitialisation du mot de passe",
				Description: "Saisissez votre email pour recevoir un lien de réinitialisation",
			},
			models.StepSuccess: {
				Title:       "Email envoyé",
				Description: "Suivez les instructions reçues par email",
			},
		},
	}
}

// GraphFor returns the graph of a flow kind.
func GraphFor(flow models.FlowKind) (Graph, error) {
	switch flow {
	case models.FlowLogin:
		return LoginGraph(), nil
	case models.FlowConfirmAccount:
		return ConfirmAccountGraph(), nil
	case models.FlowResetPassword:
		return ResetPasswordGraph(), nil
	case models.FlowAdminResetPassword:
		return AdminResetPasswordGraph(), nil
	default:
		return Graph{}, fmt.Errorf("%w: %q", ErrUnknownFlow, flow)
	}
}
