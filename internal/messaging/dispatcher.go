package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/facebookgo/clock"

	"github.com/bmdtechnologies/portal/internal/models"
	"github.com/bmdtechnologies/portal/internal/store"
)

// Message kinds recorded on receipts and outbox rows.
const (
	KindOTP          = "otp"
	KindResetLink    = "reset_link"
	KindConfirmation = "confirmation"
	KindChatReply    = "chat_reply"
)

// DispatchHooks observe every delivery attempt.
type DispatchHooks struct {
	OnDispatch func(channel models.Channel, kind string, status models.MessageStatus)
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithService registers svc for its channel, replacing any earlier one.
func WithService(svc Service) DispatcherOption {
	return func(d *Dispatcher) { d.services[svc.Channel()] = svc }
}

// WithDispatchClock sets the clock used for receipt timestamps.
func WithDispatchClock(clk clock.Clock) DispatcherOption {
	return func(d *Dispatcher) { d.clock = clk }
}

// WithDispatchHooks installs delivery observers.
func WithDispatchHooks(h DispatchHooks) DispatcherOption {
	return func(d *Dispatcher) { d.hooks = h }
}

// Dispatcher routes messages to the service of their channel and records a
// receipt for each attempt. Deferred messages go through the outbox.
type Dispatcher struct {
	services map[models.Channel]Service
	receipts store.ReceiptRepo
	outbox   store.OutboxRepo
	clock    clock.Clock
	hooks    DispatchHooks
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(receipts store.ReceiptRepo, outbox store.OutboxRepo, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		services: make(map[models.Channel]Service),
		receipts: receipts,
		outbox:   outbox,
		clock:    clock.New(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Recipient canonicalizes to with the rules of channel's service.
func (d *Dispatcher) Recipient(channel models.Channel, to string) (string, error) {
	svc, ok := d.services[channel]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoService, channel)
	}
	return svc.ValidateAndCanonicalizeRecipient(to)
}

// Send delivers msg now and records the outcome.
func (d *Dispatcher) Send(ctx context.Context, channel models.Channel, to, kind string, msg Message) error {
	svc, ok := d.services[channel]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoService, channel)
	}

	status := models.MessageStatusSent
	if _, simulated := svc.(*SimulatedService); simulated {
		status = models.MessageStatusSimulated
	}
	err := svc.SendMessage(ctx, to, msg)
	if err != nil {
		status = models.MessageStatusFailed
		slog.Error("Dispatcher.Send: delivery failed", "channel", channel, "kind", kind, "to", to, "error", err)
	} else {
		slog.Debug("Dispatcher.Send: delivered", "channel", channel, "kind", kind, "to", to)
	}
	d.record(channel, to, kind, status)
	if err != nil {
		return fmt.Errorf("send %s by %s: %w", kind, channel, err)
	}
	return nil
}

func (d *Dispatcher) record(channel models.Channel, to, kind string, status models.MessageStatus) {
	if d.receipts != nil {
		r := models.Receipt{To: to, Channel: channel, Kind: kind, Status: status, Time: d.clock.Now().Unix()}
		if err := d.receipts.AddReceipt(r); err != nil {
			slog.Error("Dispatcher.record: receipt not stored", "error", err, "to", to)
		}
	}
	if d.hooks.OnDispatch != nil {
		d.hooks.OnDispatch(channel, kind, status)
	}
}

// Enqueue stores msg in the outbox for the sender loop to deliver with retries.
func (d *Dispatcher) Enqueue(channel models.Channel, to, kind string, msg Message, dedupeKey string) (string, error) {
	if d.outbox == nil {
		return "", fmt.Errorf("dispatcher has no outbox")
	}
	canonical, err := d.Recipient(channel, to)
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("failed to encode outbox payload: %w", err)
	}
	id, err := d.outbox.EnqueueOutboxMessage(canonical, channel, kind, string(payload), dedupeKey)
	if err != nil {
		slog.Error("Dispatcher.Enqueue: outbox insert failed", "error", err, "to", canonical, "kind", kind)
		return "", err
	}
	slog.Debug("Dispatcher.Enqueue: queued", "id", id, "channel", channel, "kind", kind)
	return id, nil
}

// Deliver sends an outbox message. It is the store.OutboxSendFunc of the sender loop.
func (d *Dispatcher) Deliver(ctx context.Context, m store.OutboxMessage) error {
	var msg Message
	if err := json.Unmarshal([]byte(m.PayloadJSON), &msg); err != nil {
		return fmt.Errorf("failed to decode outbox payload %s: %w", m.ID, err)
	}
	return d.Send(ctx, m.Channel, m.Recipient, m.Kind, msg)
}
