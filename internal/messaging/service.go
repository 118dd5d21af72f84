// Package messaging delivers verification codes, links and chat replies over
// SMS and email, and turns inbound SMS into chat conversations.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/bmdtechnologies/portal/internal/models"
)

var (
	// ErrNoService is returned when no service is registered for a channel.
	ErrNoService = errors.New("no messaging service for channel")
	// ErrInvalidRecipient is returned for addresses a service cannot deliver to.
	ErrInvalidRecipient = errors.New("invalid recipient")
)

// Service defines a pluggable message delivery abstraction for one channel.
type Service interface {
	// Channel reports the channel this service delivers on.
	Channel() models.Channel

	// ValidateAndCanonicalizeRecipient validates and canonicalizes a recipient identifier.
	// Returns the canonicalized recipient and an error if validation fails.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends a message to a recipient.
	SendMessage(ctx context.Context, to string, msg Message) error
}

// Message is a notification with an optional subject (email only).
type Message struct {
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body"`
}

var nonPhoneChars = regexp.MustCompile(`[^\d]`)

// CanonicalPhone keeps the digits of a phone number with a leading "+".
// It rejects numbers shorter than 6 digits.
func CanonicalPhone(recipient string) (string, error) {
	if strings.TrimSpace(recipient) == "" {
		return "", fmt.Errorf("%w: recipient cannot be empty", ErrInvalidRecipient)
	}
	digits := nonPhoneChars.ReplaceAllString(recipient, "")
	if len(digits) < 6 {
		return "", fmt.Errorf("%w: %q is too short (minimum 6 digits required)", ErrInvalidRecipient, recipient)
	}
	return "+" + digits, nil
}

// CanonicalEmailAddress validates an email recipient.
func CanonicalEmailAddress(recipient string) (string, error) {
	if msg := models.ValidateEmail(recipient); msg != "" {
		return "", fmt.Errorf("%w: %s", ErrInvalidRecipient, msg)
	}
	return models.CanonicalEmail(recipient), nil
}

// SentMessage is a message captured by SimulatedService.
type SentMessage struct {
	To      string
	Channel models.Channel
	Message Message
}

// SimulatedService logs messages instead of delivering them. It backs the
// simulated mode and tests.
type SimulatedService struct {
	channel models.Channel
	mu      sync.Mutex
	sent    []SentMessage
	err     error
}

// NewSimulatedService creates a SimulatedService for channel.
func NewSimulatedService(channel models.Channel) *SimulatedService {
	return &SimulatedService{channel: channel}
}

func (s *SimulatedService) Channel() models.Channel {
	return s.channel
}

func (s *SimulatedService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	if s.channel == models.ChannelSMS {
		return CanonicalPhone(recipient)
	}
	return CanonicalEmailAddress(recipient)
}

func (s *SimulatedService) SendMessage(ctx context.Context, to string, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, SentMessage{To: to, Channel: s.channel, Message: msg})
	slog.Info("SimulatedService.SendMessage: message not delivered (simulated mode)", "channel", s.channel, "to", to, "subject", msg.Subject)
	slog.Debug("SimulatedService.SendMessage: body", "to", to, "body", msg.Body)
	return nil
}

// FailWith makes every later SendMessage return err. nil restores delivery.
func (s *SimulatedService) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Sent returns a copy of the captured messages.
func (s *SimulatedService) Sent() []SentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SentMessage, len(s.sent))
	copy(out, s.sent)
	return out
}
