package store

import (
	"time"
)

// DedupRecord is an inbound webhook message seen by the portal.
type DedupRecord struct {
	MessageID   string     `json:"message_id"`
	Sender      string     `json:"sender"`
	ReceivedAt  time.Time  `json:"received_at"`
	ProcessedAt *time.Time `json:"processed_at"`
}

// DedupRepo guards webhook handlers against provider retries.
type DedupRepo interface {
	// IsDuplicate reports whether messageID was already recorded.
	IsDuplicate(messageID string) (bool, error)

	// RecordInbound inserts a new record. It returns false if the message was
	// already recorded.
	RecordInbound(messageID, sender string) (bool, error)

	// MarkProcessed sets the processed_at timestamp for a message.
	MarkProcessed(messageID string) error

	// ReleaseInbound removes an unprocessed record so a provider retry of the
	// message is handled again. Processed records are kept.
	ReleaseInbound(messageID string) error
}
