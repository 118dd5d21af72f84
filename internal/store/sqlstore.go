package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/bmdtechnologies/portal/internal/models"
	"github.com/bmdtechnologies/portal/internal/util"
)

// sqlStore holds the queries shared by the SQLite and Postgres stores. Queries are
// written with ? placeholders and rebound for Postgres.
type sqlStore struct {
	db     *sql.DB
	name   string
	dollar bool
}

// rebind rewrites ? placeholders as $1, $2, ... when the driver needs it.
func (s *sqlStore) rebind(query string) string {
	if !s.dollar {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) exec(query string, args ...interface{}) (sql.Result, error) {
	return s.db.Exec(s.rebind(query), args...)
}

func (s *sqlStore) queryRow(query string, args ...interface{}) *sql.Row {
	return s.db.QueryRow(s.rebind(query), args...)
}

func (s *sqlStore) query(query string, args ...interface{}) (*sql.Rows, error) {
	return s.db.Query(s.rebind(query), args...)
}

func (s *sqlStore) CreateAccount(a models.Account) error {
	email := models.CanonicalEmail(a.Email)
	existing, err := s.GetAccount(email)
	if err != nil {
		return err
	}
	if existing != nil {
		return models.ErrAccountExists
	}
	_, err = s.exec(`INSERT INTO accounts (email, first_name, last_name, phone, password_hash, birth_year, gender, newsletter, confirmation_token, confirmed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		email, a.FirstName, a.LastName, a.Phone, a.PasswordHash, a.BirthYear, a.Gender, a.Newsletter,
		nilIfEmpty(a.ConfirmationToken), a.ConfirmedAt, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		slog.Error(s.name+" CreateAccount failed", "error", err, "email", email)
		return fmt.Errorf("failed to insert account %s: %w", email, err)
	}
	slog.Debug(s.name+" CreateAccount succeeded", "email", email)
	return nil
}

func (s *sqlStore) GetAccount(email string) (*models.Account, error) {
	email = models.CanonicalEmail(email)
	var a models.Account
	var token sql.NullString
	var confirmedAt sql.NullTime
	err := s.queryRow(`SELECT email, first_name, last_name, phone, password_hash, birth_year, gender, newsletter, confirmation_token, confirmed_at, created_at, updated_at
		FROM accounts WHERE email = ?`, email).Scan(
		&a.Email, &a.FirstName, &a.LastName, &a.Phone, &a.PasswordHash, &a.BirthYear, &a.Gender, &a.Newsletter,
		&token, &confirmedAt, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		slog.Debug(s.name+" GetAccount not found", "email", email)
		return nil, nil
	}
	if err != nil {
		slog.Error(s.name+" GetAccount failed", "error", err, "email", email)
		return nil, fmt.Errorf("failed to load account %s: %w", email, err)
	}
	a.ConfirmationToken = token.String
	if confirmedAt.Valid {
		a.ConfirmedAt = &confirmedAt.Time
	}
	return &a, nil
}

func (s *sqlStore) UpdatePassword(email, passwordHash string) error {
	email = models.CanonicalEmail(email)
	res, err := s.exec(`UPDATE accounts SET password_hash = ?, updated_at = ? WHERE email = ?`, passwordHash, time.Now(), email)
	if err != nil {
		slog.Error(s.name+" UpdatePassword failed", "error", err, "email", email)
		return fmt.Errorf("failed to update password for %s: %w", email, err)
	}
	return requireRow(res, email)
}

func (s *sqlStore) MarkConfirmed(email string, at time.Time) error {
	email = models.CanonicalEmail(email)
	res, err := s.exec(`UPDATE accounts SET confirmed_at = ?, confirmation_token = NULL, updated_at = ? WHERE email = ?`, at, at, email)
	if err != nil {
		slog.Error(s.name+" MarkConfirmed failed", "error", err, "email", email)
		return fmt.Errorf("failed to confirm account %s: %w", email, err)
	}
	return requireRow(res, email)
}

func requireRow(res sql.Result, email string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected check failed: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", models.ErrAccountNotFound, email)
	}
	return nil
}

func (s *sqlStore) SaveChallenge(c models.OTPChallenge) error {
	email := models.CanonicalEmail(c.Email)
	_, err := s.exec(`INSERT INTO otp_challenges (email, purpose, code_hash, channel, attempts, expires_at, created_at, verified_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (email, purpose) DO UPDATE SET
			code_hash = excluded.code_hash, channel = excluded.channel, attempts = excluded.attempts,
			expires_at = excluded.expires_at, created_at = excluded.created_at, verified_at = excluded.verified_at`,
		email, string(c.Purpose), c.CodeHash, string(c.Channel), c.Attempts, c.ExpiresAt, c.CreatedAt, c.VerifiedAt)
	if err != nil {
		slog.Error(s.name+" SaveChallenge failed", "error", err, "email", email, "purpose", c.Purpose)
		return fmt.Errorf("failed to save challenge for %s: %w", email, err)
	}
	slog.Debug(s.name+" SaveChallenge succeeded", "email", email, "purpose", c.Purpose, "channel", c.Channel)
	return nil
}

func (s *sqlStore) GetChallenge(email string, purpose models.FlowKind) (*models.OTPChallenge, error) {
	email = models.CanonicalEmail(email)
	var c models.OTPChallenge
	var verifiedAt sql.NullTime
	err := s.queryRow(`SELECT email, purpose, code_hash, channel, attempts, expires_at, created_at, verified_at
		FROM otp_challenges WHERE email = ? AND purpose = ?`, email, string(purpose)).Scan(
		&c.Email, &c.Purpose, &c.CodeHash, &c.Channel, &c.Attempts, &c.ExpiresAt, &c.CreatedAt, &verifiedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error(s.name+" GetChallenge failed", "error", err, "email", email, "purpose", purpose)
		return nil, fmt.Errorf("failed to load challenge for %s: %w", email, err)
	}
	if verifiedAt.Valid {
		c.VerifiedAt = &verifiedAt.Time
	}
	return &c, nil
}

func (s *sqlStore) IncrementChallengeAttempts(email string, purpose models.FlowKind) error {
	_, err := s.exec(`UPDATE otp_challenges SET attempts = attempts + 1 WHERE email = ? AND purpose = ?`,
		models.CanonicalEmail(email), string(purpose))
	if err != nil {
		return fmt.Errorf("failed to count challenge attempt for %s: %w", email, err)
	}
	return nil
}

func (s *sqlStore) MarkChallengeVerified(email string, purpose models.FlowKind, at time.Time) error {
	_, err := s.exec(`UPDATE otp_challenges SET verified_at = ? WHERE email = ? AND purpose = ?`,
		at, models.CanonicalEmail(email), string(purpose))
	if err != nil {
		return fmt.Errorf("failed to mark challenge verified for %s: %w", email, err)
	}
	return nil
}

func (s *sqlStore) DeleteChallenge(email string, purpose models.FlowKind) error {
	_, err := s.exec(`DELETE FROM otp_challenges WHERE email = ? AND purpose = ?`,
		models.CanonicalEmail(email), string(purpose))
	if err != nil {
		return fmt.Errorf("failed to delete challenge for %s: %w", email, err)
	}
	return nil
}

func (s *sqlStore) PurgeExpiredChallenges(before time.Time) (int, error) {
	res, err := s.exec(`DELETE FROM otp_challenges WHERE expires_at < ?`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired challenges: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Debug(s.name+" PurgeExpiredChallenges", "removed", n)
	}
	return int(n), nil
}

func (s *sqlStore) AddReceipt(r models.Receipt) error {
	_, err := s.exec(`INSERT INTO receipts (recipient, channel, kind, status, time) VALUES (?, ?, ?, ?, ?)`,
		r.To, string(r.Channel), r.Kind, string(r.Status), r.Time)
	if err != nil {
		slog.Error(s.name+" AddReceipt failed", "error", err, "to", r.To)
		return fmt.Errorf("failed to insert receipt for %s: %w", r.To, err)
	}
	slog.Debug(s.name+" AddReceipt succeeded", "to", r.To, "status", r.Status)
	return nil
}

func (s *sqlStore) GetReceipts() ([]models.Receipt, error) {
	rows, err := s.query(`SELECT recipient, channel, kind, status, time FROM receipts ORDER BY id`)
	if err != nil {
		slog.Error(s.name+" GetReceipts query failed", "error", err)
		return nil, fmt.Errorf("failed to query receipts: %w", err)
	}
	defer rows.Close()

	var receipts []models.Receipt
	for rows.Next() {
		var r models.Receipt
		if err := rows.Scan(&r.To, &r.Channel, &r.Kind, &r.Status, &r.Time); err != nil {
			return nil, fmt.Errorf("failed to scan receipt row: %w", err)
		}
		receipts = append(receipts, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate receipt rows: %w", err)
	}
	return receipts, nil
}

func (s *sqlStore) AddResponse(r models.Response) error {
	_, err := s.exec(`INSERT INTO responses (sender, body, time) VALUES (?, ?, ?)`, r.From, r.Body, r.Time)
	if err != nil {
		slog.Error(s.name+" AddResponse failed", "error", err, "from", r.From)
		return fmt.Errorf("failed to insert response from %s: %w", r.From, err)
	}
	return nil
}

func (s *sqlStore) GetResponses() ([]models.Response, error) {
	rows, err := s.query(`SELECT sender, body, time FROM responses ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query responses: %w", err)
	}
	defer rows.Close()

	var responses []models.Response
	for rows.Next() {
		var r models.Response
		if err := rows.Scan(&r.From, &r.Body, &r.Time); err != nil {
			return nil, fmt.Errorf("failed to scan response row: %w", err)
		}
		responses = append(responses, r)
	}
	return responses, rows.Err()
}

func (s *sqlStore) EnqueueOutboxMessage(recipient string, channel models.Channel, kind, payloadJSON, dedupeKey string) (string, error) {
	if dedupeKey != "" {
		var existingID string
		err := s.queryRow(`SELECT id FROM outbox_messages WHERE dedupe_key = ? AND status NOT IN ('sent', 'canceled')`,
			dedupeKey).Scan(&existingID)
		if err == nil {
			slog.Debug(s.name+" EnqueueOutboxMessage: dedupe hit", "dedupeKey", dedupeKey, "existingID", existingID)
			return existingID, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("outbox dedupe check failed: %w", err)
		}
	}

	id := util.GenerateRandomID("outbox_", 32)
	now := time.Now()
	_, err := s.exec(`INSERT INTO outbox_messages (id, recipient, channel, kind, payload_json, status, attempts, dedupe_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 'queued', 0, ?, ?, ?)`,
		id, recipient, string(channel), kind, payloadJSON, nilIfEmpty(dedupeKey), now, now)
	if err != nil {
		return "", fmt.Errorf("enqueue outbox message failed: %w", err)
	}
	slog.Debug(s.name+" EnqueueOutboxMessage", "id", id, "recipient", recipient, "kind", kind)
	return id, nil
}

const outboxColumns = `id, recipient, channel, kind, payload_json, status, attempts, next_attempt_at, dedupe_key, locked_at, last_error, created_at, updated_at`

// ClaimDueOutboxMessages moves due queued messages to sending and returns them.
// A message is handed to one caller only, however many senders poll the store.
func (s *sqlStore) ClaimDueOutboxMessages(now time.Time, limit int) ([]OutboxMessage, error) {
	if s.dollar {
		return s.claimSkipLocked(now, limit)
	}
	return s.claimInTx(now, limit)
}

// claimSkipLocked claims in a single statement; rows locked by a concurrent
// claim are skipped rather than waited on.
func (s *sqlStore) claimSkipLocked(now time.Time, limit int) ([]OutboxMessage, error) {
	rows, err := s.query(`UPDATE outbox_messages SET status = 'sending', locked_at = ?, updated_at = ?
		WHERE id IN (
		  SELECT id FROM outbox_messages WHERE status = 'queued' AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		  ORDER BY created_at ASC LIMIT ?
		  FOR UPDATE SKIP LOCKED
		)
		RETURNING `+outboxColumns, now, now, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due outbox messages failed: %w", err)
	}
	defer rows.Close()

	var msgs []OutboxMessage
	for rows.Next() {
		m, err := scanOutboxMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim outbox iteration failed: %w", err)
	}
	return msgs, nil
}

// claimInTx selects and flips the due rows in one transaction. The update is
// conditional on the row still being queued, so a row taken in between is
// dropped from the result.
func (s *sqlStore) claimInTx(now time.Time, limit int) ([]OutboxMessage, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("claim outbox begin failed: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(s.rebind(`SELECT `+outboxColumns+`
		FROM outbox_messages WHERE status = 'queued' AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		ORDER BY created_at ASC LIMIT ?`), now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due outbox messages failed: %w", err)
	}
	var due []OutboxMessage
	for rows.Next() {
		m, err := scanOutboxMessage(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		due = append(due, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim outbox iteration failed: %w", err)
	}

	msgs := due[:0]
	for _, m := range due {
		res, err := tx.Exec(s.rebind(`UPDATE outbox_messages SET status = 'sending', locked_at = ?, updated_at = ? WHERE id = ? AND status = 'queued'`),
			now, now, m.ID)
		if err != nil {
			return nil, fmt.Errorf("mark outbox sending failed: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			continue
		}
		m.Status = OutboxStatusSending
		lockedAt := now
		m.LockedAt = &lockedAt
		msgs = append(msgs, m)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim outbox commit failed: %w", err)
	}
	return msgs, nil
}

func (s *sqlStore) MarkOutboxMessageSent(id string) error {
	if _, err := s.exec(`UPDATE outbox_messages SET status = 'sent', updated_at = ? WHERE id = ?`, time.Now(), id); err != nil {
		return fmt.Errorf("mark outbox sent failed: %w", err)
	}
	return nil
}

func (s *sqlStore) FailOutboxMessage(id string, errMsg string, nextAttemptAt time.Time) error {
	_, err := s.exec(`UPDATE outbox_messages SET status = 'queued', attempts = attempts + 1, last_error = ?, next_attempt_at = ?, locked_at = NULL, updated_at = ? WHERE id = ?`,
		errMsg, nextAttemptAt, time.Now(), id)
	if err != nil {
		return fmt.Errorf("fail outbox message failed: %w", err)
	}
	return nil
}

func (s *sqlStore) GiveUpOutboxMessage(id string, errMsg string) error {
	_, err := s.exec(`UPDATE outbox_messages SET status = 'failed', attempts = attempts + 1, last_error = ?, locked_at = NULL, updated_at = ? WHERE id = ?`,
		errMsg, time.Now(), id)
	if err != nil {
		return fmt.Errorf("give up outbox message failed: %w", err)
	}
	return nil
}

func (s *sqlStore) RequeueStaleSendingMessages(staleBefore time.Time) (int, error) {
	result, err := s.exec(`UPDATE outbox_messages SET status = 'queued', locked_at = NULL, updated_at = ? WHERE status = 'sending' AND locked_at < ?`,
		time.Now(), staleBefore)
	if err != nil {
		return 0, fmt.Errorf("requeue stale outbox messages failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info(s.name+" RequeueStaleSendingMessages", "requeued", n)
	}
	return int(n), nil
}

func (s *sqlStore) IsDuplicate(messageID string) (bool, error) {
	var id string
	err := s.queryRow(`SELECT message_id FROM inbound_dedup WHERE message_id = ?`, messageID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dedup check failed: %w", err)
	}
	return true, nil
}

func (s *sqlStore) RecordInbound(messageID, sender string) (bool, error) {
	result, err := s.exec(`INSERT INTO inbound_dedup (message_id, sender, received_at) VALUES (?, ?, ?) ON CONFLICT (message_id) DO NOTHING`,
		messageID, sender, time.Now())
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("dedup rows affected check failed: %w", err)
	}
	return n > 0, nil
}

func (s *sqlStore) MarkProcessed(messageID string) error {
	if _, err := s.exec(`UPDATE inbound_dedup SET processed_at = ? WHERE message_id = ?`, time.Now(), messageID); err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

func (s *sqlStore) ReleaseInbound(messageID string) error {
	if _, err := s.exec(`DELETE FROM inbound_dedup WHERE message_id = ? AND processed_at IS NULL`, messageID); err != nil {
		return fmt.Errorf("release inbound failed: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *sqlStore) Close() error {
	slog.Debug("Closing " + s.name + " database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close "+s.name+" database", "error", err)
	}
	return err
}
