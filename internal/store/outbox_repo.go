package store

import (
	"time"

	"github.com/bmdtechnologies/portal/internal/models"
)

// OutboxStatus represents the lifecycle state of an outbox message.
type OutboxStatus string

const (
	OutboxStatusQueued   OutboxStatus = "queued"
	OutboxStatusSending  OutboxStatus = "sending"
	OutboxStatusSent     OutboxStatus = "sent"
	OutboxStatusFailed   OutboxStatus = "failed"
	OutboxStatusCanceled OutboxStatus = "canceled"
)

// OutboxMessage is a durable outgoing notification (confirmation mail, chat
// reply by SMS) delivered with retries.
type OutboxMessage struct {
	ID            string         `json:"id"`
	Recipient     string         `json:"recipient"`
	Channel       models.Channel `json:"channel"`
	Kind          string         `json:"kind"`
	PayloadJSON   string         `json:"payload_json"`
	Status        OutboxStatus   `json:"status"`
	Attempts      int            `json:"attempts"`
	NextAttemptAt *time.Time     `json:"next_attempt_at"`
	DedupeKey     string         `json:"dedupe_key"`
	LockedAt      *time.Time     `json:"locked_at"`
	LastError     string         `json:"last_error"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// OutboxRepo defines durable outbox persistence.
type OutboxRepo interface {
	// EnqueueOutboxMessage inserts a new message. If dedupeKey is non-empty and a
	// non-terminal message with that key exists, the existing ID is returned.
	EnqueueOutboxMessage(recipient string, channel models.Channel, kind, payloadJSON, dedupeKey string) (string, error)

	// ClaimDueOutboxMessages marks up to limit queued messages whose
	// next_attempt_at <= now (or is NULL) as sending and returns them.
	ClaimDueOutboxMessages(now time.Time, limit int) ([]OutboxMessage, error)

	MarkOutboxMessageSent(id string) error

	// FailOutboxMessage records a send failure and schedules a retry at nextAttemptAt.
	FailOutboxMessage(id string, errMsg string, nextAttemptAt time.Time) error

	// GiveUpOutboxMessage marks a message failed for good.
	GiveUpOutboxMessage(id string, errMsg string) error

	// RequeueStaleSendingMessages resets messages stuck in sending since before
	// staleBefore back to queued.
	RequeueStaleSendingMessages(staleBefore time.Time) (int, error)
}
