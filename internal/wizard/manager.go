package wizard

import (
	"context"
	"time"

	"github.com/facebookgo/clock"

	"github.com/bmdtechnologies/portal/internal/models"
	"github.com/bmdtechnologies/portal/internal/session"
)

// Manager creates wizards and keeps them addressable by id.
type Manager struct {
	ops      Operations
	clock    clock.Clock
	base     []Option
	sessions *session.Registry[*Wizard]
}

// NewManager creates a Manager. base options apply to every wizard it creates.
func NewManager(ops Operations, clk clock.Clock, idleTTL time.Duration, base ...Option) *Manager {
	if clk == nil {
		clk = clock.New()
	}
	return &Manager{
		ops:      ops,
		clock:    clk,
		base:     base,
		sessions: session.NewRegistry[*Wizard]("wizards", clk, idleTTL),
	}
}

// Create starts a wizard for flow. email and token are only used by flows that
// start past email entry.
func (m *Manager) Create(flow models.FlowKind, email, token string) (*Wizard, error) {
	g, err := GraphFor(flow)
	if err != nil {
		return nil, err
	}
	opts := append([]Option{WithClock(m.clock)}, m.base...)
	if g.Initial != models.StepEmailEntry {
		opts = append(opts, WithEmail(email), WithToken(token))
	}
	w, err := New(session.NewID(), g, m.ops, opts...)
	if err != nil {
		return nil, err
	}
	m.sessions.Put(w.ID(), w)
	return w, nil
}

// Get returns a live wizard.
func (m *Manager) Get(id string) (*Wizard, bool) {
	return m.sessions.Get(id)
}

// Discard closes and forgets a wizard.
func (m *Manager) Discard(id string) bool {
	return m.sessions.Remove(id)
}

// Len returns the number of live wizards.
func (m *Manager) Len() int {
	return m.sessions.Len()
}

// Run evicts idle wizards until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	return m.sessions.Run(ctx)
}

// Close closes every wizard.
func (m *Manager) Close() {
	m.sessions.CloseAll()
}
