package messaging

import (
	"context"
	"log/slog"

	"github.com/bmdtechnologies/portal/internal/models"
	"github.com/bmdtechnologies/portal/internal/twiliosms"
)

// SMSService implements Service on top of a Twilio SMS sender.
type SMSService struct {
	client twiliosms.Sender // real Twilio client or MockClient
}

// NewSMSService creates an SMSService.
func NewSMSService(client twiliosms.Sender) *SMSService {
	return &SMSService{client: client}
}

func (s *SMSService) Channel() models.Channel {
	return models.ChannelSMS
}

// ValidateAndCanonicalizeRecipient canonicalizes a phone number to "+digits".
func (s *SMSService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	canonical, err := CanonicalPhone(recipient)
	if err != nil {
		return "", err
	}
	if canonical != recipient {
		slog.Debug("SMSService canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// SendMessage sends the body of msg by SMS. Subjects are dropped.
func (s *SMSService) SendMessage(ctx context.Context, to string, msg Message) error {
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("SMSService.SendMessage validation error", "error", err, "to", to)
		return err
	}
	return s.client.SendSMS(ctx, canonicalTo, msg.Body)
}
