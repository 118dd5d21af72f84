package chat

import (
	"context"
	"time"

	"github.com/facebookgo/clock"

	"github.com/bmdtechnologies/portal/internal/models"
	"github.com/bmdtechnologies/portal/internal/session"
)

// Manager opens chat sessions and keeps them addressable by id.
type Manager struct {
	clock    clock.Clock
	base     []Option
	sessions *session.Registry[*Session]
}

// NewManager creates a Manager. base options apply to every session.
func NewManager(clk clock.Clock, idleTTL time.Duration, base ...Option) *Manager {
	if clk == nil {
		clk = clock.New()
	}
	return &Manager{
		clock:    clk,
		base:     base,
		sessions: session.NewRegistry[*Session]("chats", clk, idleTTL),
	}
}

// Open starts a session on the catalog of kind. extra options are applied after
// the manager defaults.
func (m *Manager) Open(kind models.ChatKind, extra ...Option) (*Session, error) {
	catalog, err := CatalogFor(kind)
	if err != nil {
		return nil, err
	}
	opts := append([]Option{WithClock(m.clock)}, m.base...)
	opts = append(opts, extra...)
	s := NewSession(session.NewID(), catalog, opts...)
	m.sessions.Put(s.ID(), s)
	return s, nil
}

// Get returns a live session.
func (m *Manager) Get(id string) (*Session, bool) {
	return m.sessions.Get(id)
}

// CloseSession closes and forgets a session.
func (m *Manager) CloseSession(id string) bool {
	return m.sessions.Remove(id)
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	return m.sessions.Len()
}

// Run evicts idle sessions until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	return m.sessions.Run(ctx)
}

// Close closes every session.
func (m *Manager) Close() {
	m.sessions.CloseAll()
}
