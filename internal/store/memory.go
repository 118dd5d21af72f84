package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bmdtechnologies/portal/internal/models"
	"github.com/bmdtechnologies/portal/internal/util"
)

var _ Store = (*InMemoryStore)(nil)

type challengeKey struct {
	email   string
	purpose models.FlowKind
}

// InMemoryStore keeps everything in process memory. It backs the simulated mode
// and tests.
type InMemoryStore struct {
	mu         sync.Mutex
	accounts   map[string]models.Account
	challenges map[challengeKey]models.OTPChallenge
	receipts   []models.Receipt
	responses  []models.Response
	outbox     map[string]*OutboxMessage
	inbound    map[string]DedupRecord
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		accounts:   make(map[string]models.Account),
		challenges: make(map[challengeKey]models.OTPChallenge),
		outbox:     make(map[string]*OutboxMessage),
		inbound:    make(map[string]DedupRecord),
	}
}

func (s *InMemoryStore) CreateAccount(a models.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := models.CanonicalEmail(a.Email)
	if _, ok := s.accounts[key]; ok {
		return models.ErrAccountExists
	}
	a.Email = key
	s.accounts[key] = a
	return nil
}

func (s *InMemoryStore) GetAccount(email string) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[models.CanonicalEmail(email)]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (s *InMemoryStore) UpdatePassword(email, passwordHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := models.CanonicalEmail(email)
	a, ok := s.accounts[key]
	if !ok {
		return models.ErrAccountNotFound
	}
	a.PasswordHash = passwordHash
	a.UpdatedAt = time.Now()
	s.accounts[key] = a
	return nil
}

func (s *InMemoryStore) MarkConfirmed(email string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := models.CanonicalEmail(email)
	a, ok := s.accounts[key]
	if !ok {
		return models.ErrAccountNotFound
	}
	a.ConfirmedAt = &at
	a.ConfirmationToken = ""
	a.UpdatedAt = at
	s.accounts[key] = a
	return nil
}

func (s *InMemoryStore) SaveChallenge(c models.OTPChallenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.Email = models.CanonicalEmail(c.Email)
	s.challenges[challengeKey{c.Email, c.Purpose}] = c
	return nil
}

func (s *InMemoryStore) GetChallenge(email string, purpose models.FlowKind) (*models.OTPChallenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.challenges[challengeKey{models.CanonicalEmail(email), purpose}]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (s *InMemoryStore) IncrementChallengeAttempts(email string, purpose models.FlowKind) error {
	return s.updateChallenge(email, purpose, func(c *models.OTPChallenge) { c.Attempts++ })
}

func (s *InMemoryStore) MarkChallengeVerified(email string, purpose models.FlowKind, at time.Time) error {
	return s.updateChallenge(email, purpose, func(c *models.OTPChallenge) { c.VerifiedAt = &at })
}

func (s *InMemoryStore) updateChallenge(email string, purpose models.FlowKind, fn func(*models.OTPChallenge)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := challengeKey{models.CanonicalEmail(email), purpose}
	c, ok := s.challenges[key]
	if !ok {
		return fmt.Errorf("no %s challenge for %s", purpose, email)
	}
	fn(&c)
	s.challenges[key] = c
	return nil
}

func (s *InMemoryStore) DeleteChallenge(email string, purpose models.FlowKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.challenges, challengeKey{models.CanonicalEmail(email), purpose})
	return nil
}

func (s *InMemoryStore) PurgeExpiredChallenges(before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key, c := range s.challenges {
		if c.ExpiresAt.Before(before) {
			delete(s.challenges, key)
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) AddReceipt(r models.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receipts = append(s.receipts, r)
	return nil
}

func (s *InMemoryStore) GetReceipts() ([]models.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Receipt, len(s.receipts))
	copy(out, s.receipts)
	return out, nil
}

func (s *InMemoryStore) AddResponse(r models.Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, r)
	return nil
}

func (s *InMemoryStore) GetResponses() ([]models.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Response, len(s.responses))
	copy(out, s.responses)
	return out, nil
}

func (s *InMemoryStore) EnqueueOutboxMessage(recipient string, channel models.Channel, kind, payloadJSON, dedupeKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dedupeKey != "" {
		for _, m := range s.outbox {
			if m.DedupeKey == dedupeKey && m.Status != OutboxStatusSent && m.Status != OutboxStatusCanceled {
				return m.ID, nil
			}
		}
	}
	now := time.Now()
	id := util.GenerateRandomID("outbox_", 32)
	s.outbox[id] = &OutboxMessage{
		ID:          id,
		Recipient:   recipient,
		Channel:     channel,
		Kind:        kind,
		PayloadJSON: payloadJSON,
		Status:      OutboxStatusQueued,
		DedupeKey:   dedupeKey,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return id, nil
}

func (s *InMemoryStore) ClaimDueOutboxMessages(now time.Time, limit int) ([]OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*OutboxMessage
	for _, m := range s.outbox {
		if m.Status != OutboxStatusQueued {
			continue
		}
		if m.NextAttemptAt != nil && m.NextAttemptAt.After(now) {
			continue
		}
		due = append(due, m)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	out := make([]OutboxMessage, 0, len(due))
	for _, m := range due {
		locked := now
		m.Status = OutboxStatusSending
		m.LockedAt = &locked
		m.UpdatedAt = now
		out = append(out, *m)
	}
	return out, nil
}

func (s *InMemoryStore) MarkOutboxMessageSent(id string) error {
	return s.updateOutbox(id, func(m *OutboxMessage) {
		m.Status = OutboxStatusSent
	})
}

func (s *InMemoryStore) FailOutboxMessage(id string, errMsg string, nextAttemptAt time.Time) error {
	return s.updateOutbox(id, func(m *OutboxMessage) {
		m.Status = OutboxStatusQueued
		m.Attempts++
		m.LastError = errMsg
		m.NextAttemptAt = &nextAttemptAt
		m.LockedAt = nil
	})
}

func (s *InMemoryStore) GiveUpOutboxMessage(id string, errMsg string) error {
	return s.updateOutbox(id, func(m *OutboxMessage) {
		m.Status = OutboxStatusFailed
		m.Attempts++
		m.LastError = errMsg
		m.LockedAt = nil
	})
}

func (s *InMemoryStore) RequeueStaleSendingMessages(staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.outbox {
		if m.Status == OutboxStatusSending && m.LockedAt != nil && m.LockedAt.Before(staleBefore) {
			m.Status = OutboxStatusQueued
			m.LockedAt = nil
			n++
		}
	}
	return n, nil
}

// OutboxMessages returns a copy of every outbox message, oldest first.
func (s *InMemoryStore) OutboxMessages() []OutboxMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]OutboxMessage, 0, len(s.outbox))
	for _, m := range s.outbox {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *InMemoryStore) updateOutbox(id string, fn func(*OutboxMessage)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.outbox[id]
	if !ok {
		return fmt.Errorf("outbox message %s not found", id)
	}
	fn(m)
	m.UpdatedAt = time.Now()
	return nil
}

func (s *InMemoryStore) IsDuplicate(messageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inbound[messageID]
	return ok, nil
}

func (s *InMemoryStore) RecordInbound(messageID, sender string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inbound[messageID]; ok {
		return false, nil
	}
	s.inbound[messageID] = DedupRecord{MessageID: messageID, Sender: sender, ReceivedAt: time.Now()}
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.inbound[messageID]
	if !ok {
		return nil
	}
	now := time.Now()
	r.ProcessedAt = &now
	s.inbound[messageID] = r
	return nil
}

func (s *InMemoryStore) ReleaseInbound(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.inbound[messageID]; ok && r.ProcessedAt == nil {
		delete(s.inbound, messageID)
	}
	return nil
}

func (s *InMemoryStore) Close() error {
	return nil
}
