// Package chat implements the scripted support chat: an ordered keyword table
// answered after a typing delay, with an optional hand-off to a human agent.
package chat

import (
	"errors"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/facebookgo/clock"
	"github.com/google/uuid"

	"github.com/bmdtechnologies/portal/internal/models"
)

var (
	// ErrClosed is returned by Send once the session is closed.
	ErrClosed = errors.New("chat session closed")
	// ErrUnknownKind is returned for an unsupported chat surface.
	ErrUnknownKind = errors.New("unknown chat kind")
)

// Hooks observe a session. OnMessage runs for every bot and agent message once it
// is appended; it runs without the session lock held, one call at a time and in
// transcript order.
type Hooks struct {
	OnMessage func(sessionID string, msg models.ChatMessage)
	OnReply   func(kind models.ChatKind, rule string)
}

// Opts configures a Session.
type Opts struct {
	Clock  clock.Clock
	Jitter func(max time.Duration) time.Duration
	Hooks  Hooks
	// SkipWelcome opens the transcript empty, as the SMS bridge does.
	SkipWelcome bool
}

// Option is a functional option for NewSession.
type Option func(*Opts)

// WithClock sets the time source of reply delays.
func WithClock(clk clock.Clock) Option {
	return func(o *Opts) {
		o.Clock = clk
	}
}

// WithJitter replaces the random extra reply delay.
func WithJitter(fn func(max time.Duration) time.Duration) Option {
	return func(o *Opts) {
		o.Jitter = fn
	}
}

// WithHooks installs observers.
func WithHooks(h Hooks) Option {
	return func(o *Opts) {
		o.Hooks = h
	}
}

// WithMessageHook sets only OnMessage, keeping any OnReply observer.
func WithMessageHook(fn func(sessionID string, msg models.ChatMessage)) Option {
	return func(o *Opts) {
		o.Hooks.OnMessage = fn
	}
}

// WithoutWelcome opens the session without the welcome message.
func WithoutWelcome() Option {
	return func(o *Opts) {
		o.SkipWelcome = true
	}
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return rand.N(max)
}

// Session is one chat transcript with its pending replies.
type Session struct {
	id      string
	catalog Catalog
	clock   clock.Clock
	jitter  func(time.Duration) time.Duration
	hooks   Hooks

	mu       sync.Mutex
	messages []models.ChatMessage
	typing   int
	timers   map[uint64]*clock.Timer
	nextTID  uint64
	closed   bool

	// OnMessage backlog, drained by at most one goroutine.
	pending  []models.ChatMessage
	draining bool
}

// NewSession opens a chat on catalog.
func NewSession(id string, catalog Catalog, opts ...Option) *Session {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Jitter == nil {
		cfg.Jitter = randomJitter
	}
	s := &Session{
		id:      id,
		catalog: catalog,
		clock:   cfg.Clock,
		jitter:  cfg.Jitter,
		hooks:   cfg.Hooks,
		timers:  make(map[uint64]*clock.Timer),
	}
	if !cfg.SkipWelcome && catalog.Welcome != "" {
		s.messages = append(s.messages, s.newMessage(catalog.Welcome, models.SenderBot))
	}
	slog.Debug("Session.New: chat opened", "id", id, "kind", catalog.Kind)
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Kind returns the chat surface.
func (s *Session) Kind() models.ChatKind {
	return s.catalog.Kind
}

func (s *Session) newMessage(text string, sender models.Sender) models.ChatMessage {
	return models.ChatMessage{
		ID:         uuid.NewString(),
		Text:       text,
		Sender:     sender,
		SenderName: sender.DisplayName(),
		Timestamp:  s.clock.Now(),
	}
}

// Send appends the user message and schedules exactly one reply. Blank text is
// ignored. Earlier pending replies are kept, so quick successive sends each get
// their own answer.
func (s *Session) Send(text string) (models.ChatState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s.stateLocked(), ErrClosed
	}
	if strings.TrimSpace(text) == "" {
		return s.stateLocked(), nil
	}

	s.messages = append(s.messages, s.newMessage(text, models.SenderUser))
	rule := s.catalog.Match(text)
	delay := s.catalog.ReplyDelay + s.jitter(s.catalog.ReplyJitter)
	s.typing++
	slog.Debug("Session.Send: reply scheduled", "id", s.id, "rule", rule.Name, "delay", delay)

	s.scheduleLocked(delay, func() {
		s.typing--
		msg := s.appendLocked(rule.Reply, models.SenderBot)
		if rule.Handoff {
			s.scheduleLocked(s.catalog.HandoffDelay, func() {
				agent := s.appendLocked(s.catalog.AgentGreeting, models.SenderAgent)
				s.emit(agent)
			})
		}
		if s.hooks.OnReply != nil {
			s.hooks.OnReply(s.catalog.Kind, rule.Name)
		}
		s.emit(msg)
	})
	return s.stateLocked(), nil
}

// scheduleLocked runs fn with the lock held after d unless the session closes first.
func (s *Session) scheduleLocked(d time.Duration, fn func()) {
	s.nextTID++
	tid := s.nextTID
	s.timers[tid] = s.clock.AfterFunc(d, func() {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		delete(s.timers, tid)
		fn()
		s.mu.Unlock()
	})
}

func (s *Session) appendLocked(text string, sender models.Sender) models.ChatMessage {
	msg := s.newMessage(text, sender)
	s.messages = append(s.messages, msg)
	return msg
}

// emit queues msg for OnMessage. The caller holds the lock.
func (s *Session) emit(msg models.ChatMessage) {
	if s.hooks.OnMessage == nil {
		return
	}
	s.pending = append(s.pending, msg)
	if s.draining {
		return
	}
	s.draining = true
	go s.drain()
}

// drain delivers the backlog in order, releasing the lock around each call.
func (s *Session) drain() {
	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			s.draining = false
			s.mu.Unlock()
			return
		}
		msg := s.pending[0]
		s.pending = s.pending[1:]
		s.mu.Unlock()
		s.hooks.OnMessage(s.id, msg)
	}
}

// State returns a snapshot of the transcript.
func (s *Session) State() models.ChatState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *Session) stateLocked() models.ChatState {
	msgs := make([]models.ChatMessage, len(s.messages))
	copy(msgs, s.messages)
	return models.ChatState{
		ID:       s.id,
		Kind:     s.catalog.Kind,
		Messages: msgs,
		IsTyping: s.typing > 0,
	}
}

// Close cancels every pending reply.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.typing = 0
	slog.Debug("Session.Close: chat closed", "id", s.id)
}
