package wizard

import (
	"context"
	"log/slog"
	"time"

	"github.com/facebookgo/clock"

	"github.com/bmdtechnologies/portal/internal/models"
)

// Operations is the backend a wizard talks to. Every call is request then
// result-or-error; an error leaves the wizard on its current step.
type Operations interface {
	// CheckAccount confirms an account exists for email before offering channels.
	CheckAccount(ctx context.Context, email string) error
	// RequestOTP issues a fresh code and sends it over channel.
	RequestOTP(ctx context.Context, email string, channel models.Channel) error
	// VerifyOTP checks the last code issued to email.
	VerifyOTP(ctx context.Context, email, code string) error
	// ConfirmAccount activates the account named by the confirmation link.
	ConfirmAccount(ctx context.Context, email, token, code string) error
	// ResetPassword stores a new password for an account verified by VerifyOTP.
	ResetPassword(ctx context.Context, email, newPassword string) error
	// SendResetLink mails an administrator password reset link.
	SendResetLink(ctx context.Context, email string) error
}

type flowKey struct{}

// WithFlow returns a copy of ctx carrying the flow that dispatched an operation.
// Backends use it to scope one-time codes per flow.
func WithFlow(ctx context.Context, flow models.FlowKind) context.Context {
	return context.WithValue(ctx, flowKey{}, flow)
}

// FlowFromContext returns the flow stored by WithFlow.
func FlowFromContext(ctx context.Context) (models.FlowKind, bool) {
	flow, ok := ctx.Value(flowKey{}).(models.FlowKind)
	return flow, ok
}

// SimulatedDelays are the artificial latencies of SimulatedOperations.
type SimulatedDelays struct {
	CheckAccount   time.Duration
	RequestOTP     time.Duration
	VerifyOTP      time.Duration
	ConfirmAccount time.Duration
	ResetPassword  time.Duration
	SendResetLink  time.Duration
}

// DefaultSimulatedDelays mirror the latencies users saw on the original pages.
var DefaultSimulatedDelays = SimulatedDelays{
	CheckAccount:   1000 * time.Millisecond,
	RequestOTP:     1500 * time.Millisecond,
	VerifyOTP:      1000 * time.Millisecond,
	ConfirmAccount: 2000 * time.Millisecond,
	ResetPassword:  2000 * time.Millisecond,
	SendResetLink:  2000 * time.Millisecond,
}

// SimulatedOperations always succeeds after a fixed delay.
type SimulatedOperations struct {
	clock  clock.Clock
	delays SimulatedDelays
}

// NewSimulatedOperations creates a SimulatedOperations. A nil clock uses wall time.
func NewSimulatedOperations(clk clock.Clock, delays SimulatedDelays) *SimulatedOperations {
	if clk == nil {
		clk = clock.New()
	}
	return &SimulatedOperations{clock: clk, delays: delays}
}

func (s *SimulatedOperations) wait(ctx context.Context, op string, d time.Duration) error {
	slog.Debug("SimulatedOperations: simulating operation", "op", op, "delay", d)
	if d <= 0 {
		return ctx.Err()
	}
	t := s.clock.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *SimulatedOperations) CheckAccount(ctx context.Context, email string) error {
	return s.wait(ctx, "CheckAccount", s.delays.CheckAccount)
}

func (s *SimulatedOperations) RequestOTP(ctx context.Context, email string, channel models.Channel) error {
	return s.wait(ctx, "RequestOTP", s.delays.RequestOTP)
}

func (s *SimulatedOperations) VerifyOTP(ctx context.Context, email, code string) error {
	return s.wait(ctx, "VerifyOTP", s.delays.VerifyOTP)
}

func (s *SimulatedOperations) ConfirmAccount(ctx context.Context, email, token, code string) error {
	return s.wait(ctx, "ConfirmAccount", s.delays.ConfirmAccount)
}

func (s *SimulatedOperations) ResetPassword(ctx context.Context, email, newPassword string) error {
	return s.wait(ctx, "ResetPassword", s.delays.ResetPassword)
}

func (s *SimulatedOperations) SendResetLink(ctx context.Context, email string) error {
	return s.wait(ctx, "SendResetLink", s.delays.SendResetLink)
}
