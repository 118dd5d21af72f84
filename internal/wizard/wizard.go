// Package wizard implements the multi-step verification flows (login, account
// confirmation, password reset, administrator reset) as one state machine driven
// by per-flow step graphs.
package wizard

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/facebookgo/clock"

	"github.com/bmdtechnologies/portal/internal/models"
)

const (
	msgChannelRequired = "Choisissez une méthode de vérification"
	msgTokenMissing    = "Lien de confirmation invalide"
)

// Hooks observe a wizard. They run with the wizard lock held and must not call
// back into it.
type Hooks struct {
	OnTransition func(flow models.FlowKind, from, to models.Step)
	OnOperation  func(flow models.FlowKind, action Action, err error)
}

// Opts configures a Wizard.
type Opts struct {
	Clock          clock.Clock
	PasswordPolicy *models.PasswordPolicy
	Hooks          Hooks
	Email          string
	Token          string
}

// Option is a functional option for New.
type Option func(*Opts)

// WithClock sets the time source of the countdown.
func WithClock(clk clock.Clock) Option {
	return func(o *Opts) {
		o.Clock = clk
	}
}

// WithPasswordPolicy enforces p on new passwords. Without it only emptiness and
// equality are checked.
func WithPasswordPolicy(p models.PasswordPolicy) Option {
	return func(o *Opts) {
		o.PasswordPolicy = &p
	}
}

// WithHooks installs observers.
func WithHooks(h Hooks) Option {
	return func(o *Opts) {
		o.Hooks = h
	}
}

// WithEmail pre-fills the email, as the confirmation link does.
func WithEmail(email string) Option {
	return func(o *Opts) {
		o.Email = email
	}
}

// WithToken carries the confirmation token from the link.
func WithToken(token string) Option {
	return func(o *Opts) {
		o.Token = token
	}
}

// Wizard is one running verification flow.
type Wizard struct {
	mu     sync.Mutex
	id     string
	graph  Graph
	ops    Operations
	policy *models.PasswordPolicy
	hooks  Hooks

	step    models.Step
	email   string
	token   string
	code    string
	channel models.Channel
	loading bool
	errMsg  string
	closed  bool

	countdown *countdown
}

// New creates a wizard positioned on the graph's initial step. Flows that skip
// email entry need the email and token up front.
func New(id string, graph Graph, ops Operations, opts ...Option) (*Wizard, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	email := strings.TrimSpace(cfg.Email)
	if graph.Initial != models.StepEmailEntry {
		if err := validateEmail(email); err != nil {
			return nil, err
		}
		if strings.TrimSpace(cfg.Token) == "" {
			return nil, &ValidationError{Field: models.FieldToken, Message: msgTokenMissing}
		}
	}

	w := &Wizard{
		id:     id,
		graph:  graph,
		ops:    ops,
		policy: cfg.PasswordPolicy,
		hooks:  cfg.Hooks,
		step:   graph.Initial,
		email:  email,
		token:  strings.TrimSpace(cfg.Token),
	}
	w.countdown = newCountdown(cfg.Clock, &w.mu, graph.CodeExpiry, graph.ResendCooldown, w.expireLocked)
	slog.Debug("Wizard.New: wizard created", "id", id, "flow", graph.Flow, "step", w.step)
	return w, nil
}

// ID returns the wizard identifier.
func (w *Wizard) ID() string {
	return w.id
}

// Flow returns the flow kind.
func (w *Wizard) Flow() models.FlowKind {
	return w.graph.Flow
}

// State returns a snapshot of the wizard.
func (w *Wizard) State() models.WizardState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stateLocked()
}

func (w *Wizard) stateLocked() models.WizardState {
	fields := map[string]string{models.FieldEmail: w.email}
	if w.code != "" {
		fields[models.FieldCode] = w.code
	}
	cp := w.graph.CopyFor(w.step)
	st := models.WizardState{
		ID:          w.id,
		Flow:        w.graph.Flow,
		Step:        w.step,
		Title:       cp.Title,
		Description: cp.Description,
		Fields:      fields,
		Channel:     w.channel,
		IsLoading:   w.loading,
		Error:       w.errMsg,
	}
	if w.graph.CodeExpiry > 0 || w.graph.ResendCooldown > 0 {
		st.Countdown = w.countdown.snapshot()
	}
	return st
}

// SubmitEmail validates the email and checks the account (or, for the
// administrator flow, sends the reset link).
func (w *Wizard) SubmitEmail(ctx context.Context, email string) (models.WizardState, error) {
	if err := w.check(ActionSubmitEmail); err != nil {
		return w.State(), err
	}
	email = strings.TrimSpace(email)
	if err := validateEmail(email); err != nil {
		return w.State(), err
	}
	op := func(ctx context.Context) error {
		if w.graph.Flow == models.FlowAdminResetPassword {
			return w.ops.SendResetLink(ctx, email)
		}
		return w.ops.CheckAccount(ctx, email)
	}
	err := w.run(ctx, ActionSubmitEmail, op, func(to models.Step) {
		w.email = email
		w.transitionLocked(to)
	})
	return w.State(), err
}

// ChooseChannel requests a code over the chosen channel and opens code entry.
func (w *Wizard) ChooseChannel(ctx context.Context, channel string) (models.WizardState, error) {
	if err := w.check(ActionChooseChannel); err != nil {
		return w.State(), err
	}
	ch, err := models.ParseChannel(channel)
	if err != nil {
		return w.State(), &ValidationError{Field: "channel", Message: msgChannelRequired}
	}
	email := w.currentEmail()
	op := func(ctx context.Context) error {
		return w.ops.RequestOTP(ctx, email, ch)
	}
	err = w.run(ctx, ActionChooseChannel, op, func(to models.Step) {
		w.channel = ch
		w.code = ""
		w.transitionLocked(to)
		w.countdown.start()
	})
	return w.State(), err
}

// SubmitCode sanitizes and verifies a one-time code.
func (w *Wizard) SubmitCode(ctx context.Context, raw string) (models.WizardState, error) {
	if err := w.check(ActionSubmitCode); err != nil {
		return w.State(), err
	}
	code, err := validateCode(raw)
	if err != nil {
		return w.State(), err
	}
	email := w.currentEmail()
	op := func(ctx context.Context) error {
		if w.graph.Flow == models.FlowConfirmAccount {
			return w.ops.ConfirmAccount(ctx, email, w.token, code)
		}
		return w.ops.VerifyOTP(ctx, email, code)
	}
	err = w.run(ctx, ActionSubmitCode, op, func(to models.Step) {
		w.code = code
		w.transitionLocked(to)
	})
	return w.State(), err
}

// SubmitPassword stores a new password once both entries match the policy.
func (w *Wizard) SubmitPassword(ctx context.Context, newPassword, confirm string) (models.WizardState, error) {
	if err := w.check(ActionSubmitPassword); err != nil {
		return w.State(), err
	}
	if err := validatePasswords(w.policy, newPassword, confirm); err != nil {
		return w.State(), err
	}
	email := w.currentEmail()
	op := func(ctx context.Context) error {
		return w.ops.ResetPassword(ctx, email, newPassword)
	}
	err := w.run(ctx, ActionSubmitPassword, op, func(to models.Step) {
		w.transitionLocked(to)
	})
	return w.State(), err
}

// Back follows the back edge of the current step.
func (w *Wizard) Back() (models.WizardState, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.guardLocked(ActionBack); err != nil {
		return w.stateLocked(), err
	}
	to, _ := w.graph.Next(w.step, ActionBack)
	if to == models.StepMethodSelect {
		w.code = ""
	}
	w.errMsg = ""
	w.transitionLocked(to)
	return w.stateLocked(), nil
}

// Resend requests a new code on the same channel once the cooldown is over.
func (w *Wizard) Resend(ctx context.Context) (models.WizardState, error) {
	if err := w.check(ActionResend); err != nil {
		return w.State(), err
	}
	w.mu.Lock()
	email, ch := w.email, w.channel
	w.mu.Unlock()
	op := func(ctx context.Context) error {
		return w.ops.RequestOTP(ctx, email, ch)
	}
	err := w.run(ctx, ActionResend, op, func(models.Step) {
		w.code = ""
		w.countdown.start()
	})
	return w.State(), err
}

// Retry leaves the expired step for a fresh channel selection.
func (w *Wizard) Retry() (models.WizardState, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.guardLocked(ActionRetry); err != nil {
		return w.stateLocked(), err
	}
	to, _ := w.graph.Next(w.step, ActionRetry)
	w.code = ""
	w.errMsg = ""
	w.transitionLocked(to)
	w.countdown.reset()
	return w.stateLocked(), nil
}

// Close discards the wizard and stops its timers. Operations still in flight
// complete without effect.
func (w *Wizard) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	w.countdown.stop()
	slog.Debug("Wizard.Close: wizard closed", "id", w.id, "flow", w.graph.Flow, "step", w.step)
}

func (w *Wizard) currentEmail() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.email
}

// check runs the guard without starting anything so input validation only
// happens for actions the current step accepts.
func (w *Wizard) check(action Action) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.guardLocked(action)
}

func (w *Wizard) guardLocked(action Action) error {
	if w.closed {
		return ErrClosed
	}
	if w.loading {
		return ErrBusy
	}
	if !w.graph.Allows(w.step, action) {
		return ErrInvalidAction
	}
	if action == ActionResend && !w.countdown.canResend {
		return ErrResendUnavailable
	}
	return nil
}

// run dispatches op with the lock released and isLoading set, then applies the
// transition on success.
func (w *Wizard) run(ctx context.Context, action Action, op func(context.Context) error, apply func(to models.Step)) error {
	w.mu.Lock()
	if err := w.guardLocked(action); err != nil {
		w.mu.Unlock()
		return err
	}
	from := w.step
	w.loading = true
	w.errMsg = ""
	w.mu.Unlock()

	slog.Debug("Wizard.run: dispatching operation", "id", w.id, "flow", w.graph.Flow, "action", action)
	err := op(WithFlow(ctx, w.graph.Flow))

	w.mu.Lock()
	defer w.mu.Unlock()
	w.loading = false
	if w.hooks.OnOperation != nil {
		w.hooks.OnOperation(w.graph.Flow, action, err)
	}
	if w.closed {
		return ErrClosed
	}
	if err != nil {
		w.errMsg = userMessage(err)
		slog.Warn("Wizard.run: operation failed", "id", w.id, "flow", w.graph.Flow, "action", action, "error", err)
		return &OperationError{Action: action, Message: w.errMsg, Err: err}
	}
	if w.step != from {
		// the code expired while the operation was in flight
		if w.step == models.StepExpired {
			return ErrExpired
		}
		return ErrInvalidAction
	}
	to, _ := w.graph.Next(from, action)
	apply(to)
	return nil
}

func (w *Wizard) transitionLocked(to models.Step) {
	from := w.step
	if from == to {
		return
	}
	if from == models.StepOTPEntry {
		w.countdown.stop()
	}
	w.step = to
	slog.Info("Wizard: step changed", "id", w.id, "flow", w.graph.Flow, "from", from, "to", to)
	if w.hooks.OnTransition != nil {
		w.hooks.OnTransition(w.graph.Flow, from, to)
	}
}

// expireLocked is invoked by the countdown, with the lock held, when it reaches zero.
func (w *Wizard) expireLocked() {
	if w.closed || !w.graph.Allows(w.step, ActionExpire) {
		return
	}
	to, _ := w.graph.Next(w.step, ActionExpire)
	w.code = ""
	w.transitionLocked(to)
}
