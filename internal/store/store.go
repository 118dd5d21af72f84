// Package store provides storage backends for the portal.
//
// It includes an in-memory store used by tests and the simulated mode, and
// SQLite and PostgreSQL stores selected from the DSN.
package store

import (
	"errors"
	"strings"
	"time"

	"github.com/bmdtechnologies/portal/internal/models"
)

// AccountRepo persists beneficiary accounts.
type AccountRepo interface {
	// CreateAccount inserts a new account, or returns models.ErrAccountExists.
	CreateAccount(a models.Account) error
	// GetAccount returns nil, nil when no account matches email.
	GetAccount(email string) (*models.Account, error)
	UpdatePassword(email, passwordHash string) error
	MarkConfirmed(email string, at time.Time) error
}

// ChallengeRepo persists one-time code challenges, one per email and purpose.
type ChallengeRepo interface {
	// SaveChallenge replaces any earlier challenge for the same email and purpose.
	SaveChallenge(c models.OTPChallenge) error
	// GetChallenge returns nil, nil when no challenge exists.
	GetChallenge(email string, purpose models.FlowKind) (*models.OTPChallenge, error)
	IncrementChallengeAttempts(email string, purpose models.FlowKind) error
	MarkChallengeVerified(email string, purpose models.FlowKind, at time.Time) error
	DeleteChallenge(email string, purpose models.FlowKind) error
	// PurgeExpiredChallenges deletes challenges that expired before the given
	// time and returns how many were removed.
	PurgeExpiredChallenges(before time.Time) (int, error)
}

// ReceiptRepo records outgoing dispatches and inbound messages.
type ReceiptRepo interface {
	AddReceipt(r models.Receipt) error
	GetReceipts() ([]models.Receipt, error)
	AddResponse(r models.Response) error
	GetResponses() ([]models.Response, error)
}

// Store is implemented by every backend.
type Store interface {
	AccountRepo
	ChallengeRepo
	ReceiptRepo
	OutboxRepo
	DedupRepo
	Close() error
}

// Opts holds configuration for stores.
type Opts struct {
	DSN string
}

// Option is a functional option for store constructors.
type Option func(*Opts)

// WithDSN sets the data source name of a SQL store.
func WithDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return WithDSN(dsn)
}

// WithSQLiteDSN sets the SQLite database path.
func WithSQLiteDSN(dsn string) Option {
	return WithDSN(dsn)
}

// DetectDSNType returns the database/sql driver name for dsn: "postgres" for
// postgres URLs or key=value strings, "sqlite3" otherwise.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname=") || strings.Contains(dsn, "user=") {
		return "postgres"
	}
	return "sqlite3"
}

// Open returns the store matching the DSN type.
func Open(dsn string) (Store, error) {
	if dsn == "" {
		return nil, errors.New("database DSN not set")
	}
	if DetectDSNType(dsn) == "postgres" {
		return NewPostgresStore(WithPostgresDSN(dsn))
	}
	return NewSQLiteStore(WithSQLiteDSN(dsn))
}
