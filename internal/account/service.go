// Package account implements the wizard operations against the store: account
// lookup, one-time codes, account confirmation and password resets. It also
// handles signup and the administrator login.
package account

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/facebookgo/clock"
	"golang.org/x/crypto/bcrypt"

	"github.com/bmdtechnologies/portal/internal/content"
	"github.com/bmdtechnologies/portal/internal/messaging"
	"github.com/bmdtechnologies/portal/internal/models"
	"github.com/bmdtechnologies/portal/internal/ratelimit"
	"github.com/bmdtechnologies/portal/internal/store"
	"github.com/bmdtechnologies/portal/internal/util"
	"github.com/bmdtechnologies/portal/internal/wizard"
)

// Messages shown in the wizard error area.
const (
	MsgAccountNotFound     = "Aucun compte associé à cet email"
	MsgNoPhone             = "Aucun numéro de téléphone associé à ce compte"
	MsgNoCode              = "Aucun code en cours, demandez un nouveau code"
	MsgCodeExpired         = "Code expiré, demandez un nouveau code"
	MsgCodeIncorrect       = "Code incorrect"
	MsgTooManyAttempts     = "Trop de tentatives, demandez un nouveau code"
	MsgTooManyRequests     = "Trop de demandes, réessayez dans quelques instants"
	MsgInvalidLink         = "Lien de confirmation invalide"
	MsgAlreadyConfirmed    = "Ce compte est déjà confirmé"
	MsgNotVerified         = "Vérifiez d'abord votre identité avec le code reçu"
	MsgSendFailed          = "L'envoi du code a échoué, veuillez réessayer"
	MsgEmailTaken          = "Un compte existe déjà avec cet email"
	MsgInvalidCredentials  = "Email ou mot de passe incorrect"
	msgCodeSubject         = "Votre code de vérification Bmd Technologies"
	msgConfirmSubject      = "Confirmez votre compte Bmd Technologies"
	msgAdminResetSubject   = "Réinitialisation de votre mot de passe administrateur"
	confirmationTokenBytes = 16
)

var (
	// ErrInvalidCredentials is returned by AdminLogin.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrRateLimited is returned when codes are requested too often for one email.
	ErrRateLimited = errors.New("too many code requests")
)

// Notifier delivers messages. *messaging.Dispatcher implements it.
type Notifier interface {
	Recipient(channel models.Channel, to string) (string, error)
	Send(ctx context.Context, channel models.Channel, to, kind string, msg messaging.Message) error
	Enqueue(channel models.Channel, to, kind string, msg messaging.Message, dedupeKey string) (string, error)
}

// Repo is the part of the store the service needs.
type Repo interface {
	store.AccountRepo
	store.ChallengeRepo
}

// AdminCredentials identify the single administrator.
type AdminCredentials struct {
	Email        string
	PasswordHash string
}

// Opts configures a Service.
type Opts struct {
	Clock          clock.Clock
	CodeExpiry     time.Duration
	MaxAttempts    int
	RequestLimiter *ratelimit.KeyedLimiter
	PasswordPolicy *models.PasswordPolicy
	BaseURL        string
	Admin          AdminCredentials
	BcryptCost     int
}

// Option is a functional option for NewService.
type Option func(*Opts)

func WithClock(clk clock.Clock) Option {
	return func(o *Opts) { o.Clock = clk }
}

// WithCodeExpiry sets how long a code stays valid.
func WithCodeExpiry(d time.Duration) Option {
	return func(o *Opts) { o.CodeExpiry = d }
}

// WithMaxAttempts sets how many wrong codes are tolerated per challenge.
func WithMaxAttempts(n int) Option {
	return func(o *Opts) { o.MaxAttempts = n }
}

// WithRequestLimiter limits code requests per email.
func WithRequestLimiter(l *ratelimit.KeyedLimiter) Option {
	return func(o *Opts) { o.RequestLimiter = l }
}

// WithPasswordPolicy enforces policy on signup and resets. nil disables it.
func WithPasswordPolicy(p *models.PasswordPolicy) Option {
	return func(o *Opts) { o.PasswordPolicy = p }
}

// WithBaseURL sets the public site address used in links.
func WithBaseURL(u string) Option {
	return func(o *Opts) { o.BaseURL = u }
}

func WithAdmin(c AdminCredentials) Option {
	return func(o *Opts) { o.Admin = c }
}

// WithBcryptCost overrides the bcrypt cost, mainly to keep tests fast.
func WithBcryptCost(cost int) Option {
	return func(o *Opts) { o.BcryptCost = cost }
}

// Service is the store-backed wizard.Operations.
type Service struct {
	repo     Repo
	notifier Notifier
	cfg      Opts
}

var _ wizard.Operations = (*Service)(nil)

// NewService creates a Service.
func NewService(repo Repo, notifier Notifier, opts ...Option) *Service {
	cfg := Opts{
		CodeExpiry:  wizard.DefaultCodeExpiry,
		MaxAttempts: 5,
		BcryptCost:  bcrypt.DefaultCost,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Service{repo: repo, notifier: notifier, cfg: cfg}
}

func purposeOf(ctx context.Context) models.FlowKind {
	if flow, ok := wizard.FlowFromContext(ctx); ok {
		return flow
	}
	return models.FlowLogin
}

func (s *Service) lookup(email string) (*models.Account, error) {
	a, err := s.repo.GetAccount(email)
	if err != nil {
		return nil, fmt.Errorf("account lookup: %w", err)
	}
	if a == nil {
		return nil, wizard.NewUserError(MsgAccountNotFound, models.ErrAccountNotFound)
	}
	return a, nil
}

// CheckAccount fails with a user message when no account exists for email.
func (s *Service) CheckAccount(ctx context.Context, email string) error {
	_, err := s.lookup(email)
	return err
}

// RequestOTP issues a new code for the calling flow and sends it.
func (s *Service) RequestOTP(ctx context.Context, email string, channel models.Channel) error {
	purpose := purposeOf(ctx)
	email = models.CanonicalEmail(email)
	if s.cfg.RequestLimiter != nil && !s.cfg.RequestLimiter.Allow(email) {
		slog.Warn("Service.RequestOTP: rate limited", "email", email, "purpose", purpose)
		return wizard.NewUserError(MsgTooManyRequests, ErrRateLimited)
	}
	a, err := s.lookup(email)
	if err != nil {
		return err
	}
	if purpose == models.FlowConfirmAccount && a.Confirmed() {
		return wizard.NewUserError(MsgAlreadyConfirmed, nil)
	}

	to := a.Email
	if channel == models.ChannelSMS {
		if a.Phone == "" {
			return wizard.NewUserError(MsgNoPhone, nil)
		}
		to = a.Phone
	}
	to, err = s.notifier.Recipient(channel, to)
	if err != nil {
		if channel == models.ChannelSMS {
			return wizard.NewUserError(MsgNoPhone, err)
		}
		return wizard.NewUserError(MsgSendFailed, err)
	}

	code, err := util.GenerateNumericCode(wizard.CodeLength)
	if err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), s.cfg.BcryptCost)
	if err != nil {
		return fmt.Errorf("hash code: %w", err)
	}
	now := s.cfg.Clock.Now().UTC()
	challenge := models.OTPChallenge{
		Email:     email,
		Purpose:   purpose,
		CodeHash:  string(hash),
		Channel:   channel,
		ExpiresAt: now.Add(s.cfg.CodeExpiry),
		CreatedAt: now,
	}
	if err := s.repo.SaveChallenge(challenge); err != nil {
		return err
	}

	minutes := int(s.cfg.CodeExpiry / time.Minute)
	msg := messaging.Message{
		Subject: msgCodeSubject,
		Body:    fmt.Sprintf("Votre code de vérification Bmd Technologies : %s. Il expire dans %d minutes.", code, minutes),
	}
	if err := s.notifier.Send(ctx, channel, to, messaging.KindOTP, msg); err != nil {
		return wizard.NewUserError(MsgSendFailed, err)
	}
	slog.Info("Service.RequestOTP: code sent", "email", email, "purpose", purpose, "channel", channel)
	return nil
}

// VerifyOTP checks code against the challenge of the calling flow. Login codes
// are consumed; reset codes are kept, marked verified, until ResetPassword.
func (s *Service) VerifyOTP(ctx context.Context, email, code string) error {
	purpose := purposeOf(ctx)
	if err := s.verify(email, purpose, code); err != nil {
		return err
	}
	if purpose == models.FlowResetPassword {
		return s.repo.MarkChallengeVerified(email, purpose, s.cfg.Clock.Now())
	}
	return s.repo.DeleteChallenge(email, purpose)
}

func (s *Service) verify(email string, purpose models.FlowKind, code string) error {
	c, err := s.repo.GetChallenge(email, purpose)
	if err != nil {
		return err
	}
	if c == nil {
		return wizard.NewUserError(MsgNoCode, nil)
	}
	if c.Expired(s.cfg.Clock.Now()) {
		return wizard.NewUserError(MsgCodeExpired, wizard.ErrExpired)
	}
	if c.Attempts >= s.cfg.MaxAttempts {
		return wizard.NewUserError(MsgTooManyAttempts, nil)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(c.CodeHash), []byte(code)); err != nil {
		if err := s.repo.IncrementChallengeAttempts(email, purpose); err != nil {
			slog.Error("Service.verify: attempt not counted", "error", err, "email", email)
		}
		slog.Warn("Service.verify: wrong code", "email", email, "purpose", purpose, "attempts", c.Attempts+1)
		return wizard.NewUserError(MsgCodeIncorrect, nil)
	}
	return nil
}

// ConfirmAccount activates the account of the confirmation link once code matches.
func (s *Service) ConfirmAccount(ctx context.Context, email, token, code string) error {
	a, err := s.repo.GetAccount(email)
	if err != nil {
		return err
	}
	if a == nil {
		return wizard.NewUserError(MsgInvalidLink, models.ErrAccountNotFound)
	}
	if a.Confirmed() {
		return wizard.NewUserError(MsgAlreadyConfirmed, nil)
	}
	if a.ConfirmationToken == "" || subtle.ConstantTimeCompare([]byte(a.ConfirmationToken), []byte(token)) != 1 {
		return wizard.NewUserError(MsgInvalidLink, nil)
	}
	if err := s.verify(email, models.FlowConfirmAccount, code); err != nil {
		return err
	}
	if err := s.repo.MarkConfirmed(email, s.cfg.Clock.Now()); err != nil {
		return err
	}
	slog.Info("Service.ConfirmAccount: account confirmed", "email", a.Email)
	return s.repo.DeleteChallenge(email, models.FlowConfirmAccount)
}

// ResetPassword stores newPassword once the reset code was verified.
func (s *Service) ResetPassword(ctx context.Context, email, newPassword string) error {
	c, err := s.repo.GetChallenge(email, models.FlowResetPassword)
	if err != nil {
		return err
	}
	if c == nil || c.VerifiedAt == nil {
		return wizard.NewUserError(MsgNotVerified, nil)
	}
	if c.Expired(s.cfg.Clock.Now()) {
		return wizard.NewUserError(MsgCodeExpired, wizard.ErrExpired)
	}
	if s.cfg.PasswordPolicy != nil {
		if failed := s.cfg.PasswordPolicy.Check(newPassword); len(failed) > 0 {
			return wizard.NewUserError(failed[0], nil)
		}
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), s.cfg.BcryptCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := s.repo.UpdatePassword(email, string(hash)); err != nil {
		return err
	}
	slog.Info("Service.ResetPassword: password updated", "email", models.CanonicalEmail(email))
	return s.repo.DeleteChallenge(email, models.FlowResetPassword)
}

// SendResetLink mails a reset link when email is the administrator's. Other
// addresses get the same success so the form does not reveal who is admin.
func (s *Service) SendResetLink(ctx context.Context, email string) error {
	if s.cfg.Admin.Email == "" || !strings.EqualFold(models.CanonicalEmail(email), models.CanonicalEmail(s.cfg.Admin.Email)) {
		slog.Info("Service.SendResetLink: not the administrator, nothing sent", "email", email)
		return nil
	}
	// The link carries no credential; the page it opens drives the reset.
	link := strings.TrimSuffix(s.cfg.BaseURL, "/") + "/admin/reset-password"
	msg := messaging.Message{
		Subject: msgAdminResetSubject,
		Body:    "Pour réinitialiser votre mot de passe administrateur, ouvrez ce lien : " + link,
	}
	if _, err := s.notifier.Enqueue(models.ChannelEmail, email, messaging.KindResetLink, msg, ""); err != nil {
		return err
	}
	slog.Info("Service.SendResetLink: reset link queued", "email", email)
	return nil
}

// Register creates an unconfirmed account from the signup form, queues the
// confirmation email and returns the confirmation link.
func (s *Service) Register(ctx context.Context, form models.SignupForm) (string, error) {
	now := s.cfg.Clock.Now()
	errs := form.Validate(now)
	if s.cfg.PasswordPolicy != nil && form.Password != "" {
		if failed := s.cfg.PasswordPolicy.Check(form.Password); len(failed) > 0 {
			if errs == nil {
				errs = models.FieldErrors{}
			}
			if _, set := errs["password"]; !set {
				errs["password"] = failed[0]
			}
		}
	}
	if len(errs) > 0 {
		return "", errs
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(form.Password), s.cfg.BcryptCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	token, err := util.GenerateToken(confirmationTokenBytes)
	if err != nil {
		return "", err
	}
	year, _ := strconv.Atoi(form.BirthYear)
	a := models.Account{
		Email:             models.CanonicalEmail(form.Email),
		FirstName:         strings.TrimSpace(form.FirstName),
		LastName:          strings.TrimSpace(form.LastName),
		Phone:             strings.TrimSpace(form.Phone),
		PasswordHash:      string(hash),
		BirthYear:         year,
		Gender:            form.Gender,
		Newsletter:        form.AgreeNewsletter,
		ConfirmationToken: token,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.repo.CreateAccount(a); err != nil {
		if errors.Is(err, models.ErrAccountExists) {
			return "", models.FieldErrors{"email": MsgEmailTaken}
		}
		return "", err
	}

	link := content.ConfirmAccountLink(s.cfg.BaseURL, a.Email, token)
	msg := messaging.Message{
		Subject: msgConfirmSubject,
		Body: fmt.Sprintf("Bonjour %s,\n\nMerci pour votre inscription. Confirmez votre compte en ouvrant ce lien :\n%s",
			a.FirstName, link),
	}
	if _, err := s.notifier.Enqueue(models.ChannelEmail, a.Email, messaging.KindConfirmation, msg, "confirm:"+a.Email); err != nil {
		// The link is also returned to the caller, so signup still succeeds.
		slog.Error("Service.Register: confirmation email not queued", "error", err, "email", a.Email)
	}
	slog.Info("Service.Register: account created", "email", a.Email)
	return link, nil
}

// AdminLogin checks the administrator credentials.
func (s *Service) AdminLogin(ctx context.Context, email, password string) error {
	errs := models.FieldErrors{}
	if strings.TrimSpace(email) == "" {
		errs["email"] = models.MsgEmailRequired
	}
	if password == "" {
		errs["password"] = models.MsgPasswordRequired
	}
	if len(errs) > 0 {
		return errs
	}
	if s.cfg.Admin.Email == "" || s.cfg.Admin.PasswordHash == "" {
		return ErrInvalidCredentials
	}
	emailOK := models.CanonicalEmail(email) == models.CanonicalEmail(s.cfg.Admin.Email)
	// Compare the password even for a wrong email so both paths cost the same.
	pwErr := bcrypt.CompareHashAndPassword([]byte(s.cfg.Admin.PasswordHash), []byte(password))
	if !emailOK || pwErr != nil {
		slog.Warn("Service.AdminLogin: rejected", "email", email)
		return ErrInvalidCredentials
	}
	slog.Info("Service.AdminLogin: administrator signed in")
	return nil
}
