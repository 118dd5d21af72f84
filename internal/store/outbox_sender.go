package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/facebookgo/clock"
)

// OutboxSendFunc is the callback that performs the actual message send.
// It receives the outbox message and should return an error if sending failed.
type OutboxSendFunc func(ctx context.Context, msg OutboxMessage) error

// Outbox sender defaults.
const (
	DefaultOutboxPollInterval = 5 * time.Second
	DefaultOutboxMaxAttempts  = 5
	defaultStaleThreshold     = 5 * time.Minute
	defaultClaimLimit         = 10
	baseRetryBackoff          = 10 * time.Second
)

// OutboxSender periodically claims due outbox messages and attempts to send them.
type OutboxSender struct {
	repo           OutboxRepo
	sendFunc       OutboxSendFunc
	clock          clock.Clock
	pollInterval   time.Duration
	staleThreshold time.Duration
	claimLimit     int
	maxAttempts    int
}

// SenderOption configures an OutboxSender.
type SenderOption func(*OutboxSender)

// WithSenderClock replaces the wall clock, mainly for tests.
func WithSenderClock(c clock.Clock) SenderOption {
	return func(s *OutboxSender) { s.clock = c }
}

// WithMaxAttempts sets how many failed sends a message survives before it is given up.
func WithMaxAttempts(n int) SenderOption {
	return func(s *OutboxSender) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// NewOutboxSender creates a new OutboxSender.
func NewOutboxSender(repo OutboxRepo, sendFunc OutboxSendFunc, pollInterval time.Duration, opts ...SenderOption) *OutboxSender {
	if pollInterval <= 0 {
		pollInterval = DefaultOutboxPollInterval
	}
	s := &OutboxSender{
		repo:           repo,
		sendFunc:       sendFunc,
		clock:          clock.New(),
		pollInterval:   pollInterval,
		staleThreshold: defaultStaleThreshold,
		claimLimit:     defaultClaimLimit,
		maxAttempts:    DefaultOutboxMaxAttempts,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RecoverStaleMessages requeues messages stuck in sending state (crash recovery).
// Should be called once at startup.
func (s *OutboxSender) RecoverStaleMessages() error {
	staleBefore := s.clock.Now().Add(-s.staleThreshold)
	n, err := s.repo.RequeueStaleSendingMessages(staleBefore)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("OutboxSender.RecoverStaleMessages: requeued stale messages", "count", n)
	}
	return nil
}

// Run starts the polling loop. It blocks until the context is cancelled.
func (s *OutboxSender) Run(ctx context.Context) error {
	slog.Info("OutboxSender.Run: starting outbox sender", "pollInterval", s.pollInterval)

	ticker := s.clock.Ticker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("OutboxSender.Run: stopping")
			return nil
		case <-ticker.C:
			s.Poll(ctx)
		}
	}
}

// Poll claims and sends the messages currently due. It returns how many were sent.
func (s *OutboxSender) Poll(ctx context.Context) int {
	now := s.clock.Now()
	msgs, err := s.repo.ClaimDueOutboxMessages(now, s.claimLimit)
	if err != nil {
		slog.Error("OutboxSender.poll: claim failed", "error", err)
		return 0
	}

	sent := 0
	for _, msg := range msgs {
		slog.Debug("OutboxSender.poll: sending message", "id", msg.ID, "recipient", msg.Recipient, "kind", msg.Kind)
		if err := s.sendFunc(ctx, msg); err != nil {
			slog.Error("OutboxSender.poll: send failed", "id", msg.ID, "attempts", msg.Attempts+1, "error", err)
			if msg.Attempts+1 >= s.maxAttempts {
				if err := s.repo.GiveUpOutboxMessage(msg.ID, err.Error()); err != nil {
					slog.Error("OutboxSender.poll: give up error", "id", msg.ID, "error", err)
				}
				continue
			}
			if err := s.repo.FailOutboxMessage(msg.ID, err.Error(), now.Add(RetryBackoff(msg.Attempts))); err != nil {
				slog.Error("OutboxSender.poll: fail message error", "id", msg.ID, "error", err)
			}
			continue
		}
		if err := s.repo.MarkOutboxMessageSent(msg.ID); err != nil {
			slog.Error("OutboxSender.poll: mark sent error", "id", msg.ID, "error", err)
			continue
		}
		sent++
		slog.Debug("OutboxSender.poll: message sent", "id", msg.ID, "recipient", msg.Recipient)
	}
	return sent
}

// RetryBackoff returns the delay before the next attempt: 10s, 20s, 40s, ...
func RetryBackoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 10 {
		attempts = 10
	}
	return baseRetryBackoff * time.Duration(1<<attempts)
}
