// Package api provides the HTTP server of the portal.
//
// It exposes JSON endpoints driving the verification wizards, the scripted
// support chat, signup, the administrator login and the static site content.
// Inbound SMS webhooks are bridged to the chat responder.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/facebookgo/clock"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/bmdtechnologies/portal/internal/chat"
	"github.com/bmdtechnologies/portal/internal/content"
	"github.com/bmdtechnologies/portal/internal/messaging"
	"github.com/bmdtechnologies/portal/internal/models"
	"github.com/bmdtechnologies/portal/internal/ratelimit"
	"github.com/bmdtechnologies/portal/internal/wizard"
)

// DefaultAddr is the listen address used when none is configured.
const DefaultAddr = ":8080"

const shutdownTimeout = 10 * time.Second

// Accounts handles the account forms that are not wizards.
type Accounts interface {
	Register(ctx context.Context, form models.SignupForm) (string, error)
	AdminLogin(ctx context.Context, email, password string) error
}

// Opts holds optional Server configuration.
type Opts struct {
	Accounts       Accounts
	Bridge         *messaging.ChatBridge
	Validator      messaging.SignatureValidator
	WebhookURL     string
	Limiter        *ratelimit.KeyedLimiter
	OnRateLimited  func(ctx context.Context, scope string)
	TrustedProxies []netip.Prefix
	StaticDir      string
	TracingName    string
	Clock          clock.Clock
	PruneInterval  time.Duration
	BackgroundJobs []func(ctx context.Context) error
}

// Option is a functional option for NewServer.
type Option func(*Opts)

// WithAccounts enables signup and administrator login.
func WithAccounts(a Accounts) Option {
	return func(o *Opts) { o.Accounts = a }
}

// WithChatBridge mounts the inbound SMS webhook. A nil validator accepts
// unsigned requests.
func WithChatBridge(b *messaging.ChatBridge, v messaging.SignatureValidator, publicURL string) Option {
	return func(o *Opts) {
		o.Bridge = b
		o.Validator = v
		o.WebhookURL = publicURL
	}
}

// WithRateLimiter limits POST requests per client address. onLimited, when
// set, is told about every rejection.
func WithRateLimiter(l *ratelimit.KeyedLimiter, onLimited func(ctx context.Context, scope string)) Option {
	return func(o *Opts) {
		o.Limiter = l
		o.OnRateLimited = onLimited
	}
}

// WithTrustedProxies lists the reverse proxies whose X-Forwarded-For header is
// believed when limiting clients.
func WithTrustedProxies(prefixes ...netip.Prefix) Option {
	return func(o *Opts) { o.TrustedProxies = append(o.TrustedProxies, prefixes...) }
}

// ParseTrustedProxies parses a comma separated list of CIDR prefixes or single
// addresses.
func ParseTrustedProxies(list string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, item := range strings.Split(list, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if strings.Contains(item, "/") {
			p, err := netip.ParsePrefix(item)
			if err != nil {
				return nil, fmt.Errorf("invalid trusted proxy %q: %w", item, err)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(item)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", item, err)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

// WithStaticDir serves the single page application from dir.
func WithStaticDir(dir string) Option {
	return func(o *Opts) { o.StaticDir = dir }
}

// WithTracing wraps the handler with OpenTelemetry HTTP instrumentation.
func WithTracing(operation string) Option {
	return func(o *Opts) { o.TracingName = operation }
}

// WithClock sets the clock used for health timestamps and limiter pruning.
func WithClock(clk clock.Clock) Option {
	return func(o *Opts) { o.Clock = clk }
}

// WithBackgroundJob runs job alongside the server in Run. The job must return
// once its context is canceled.
func WithBackgroundJob(job func(ctx context.Context) error) Option {
	return func(o *Opts) { o.BackgroundJobs = append(o.BackgroundJobs, job) }
}

// Server is the portal HTTP server.
type Server struct {
	wizards   *wizard.Manager
	chats     *chat.Manager
	portfolio *content.Portfolio
	opts      Opts

	mux     *http.ServeMux
	handler http.Handler
}

// NewServer creates a Server over the session managers and site content.
func NewServer(wizards *wizard.Manager, chats *chat.Manager, portfolio *content.Portfolio, opts ...Option) *Server {
	cfg := Opts{PruneInterval: time.Minute}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	s := &Server{
		wizards:   wizards,
		chats:     chats,
		portfolio: portfolio,
		opts:      cfg,
		mux:       http.NewServeMux(),
	}
	s.routes()
	var h http.Handler = s.mux
	if cfg.Limiter != nil {
		h = s.rateLimit(h)
	}
	h = requestID(logging(h))
	if cfg.TracingName != "" {
		h = otelhttp.NewHandler(h, cfg.TracingName)
	}
	s.handler = h
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.healthHandler)

	s.mux.HandleFunc("POST /api/wizards", s.createWizardHandler)
	s.mux.HandleFunc("GET /api/wizards/{id}", s.getWizardHandler)
	s.mux.HandleFunc("DELETE /api/wizards/{id}", s.discardWizardHandler)
	s.mux.HandleFunc("POST /api/wizards/{id}/email", s.submitEmailHandler)
	s.mux.HandleFunc("POST /api/wizards/{id}/channel", s.chooseChannelHandler)
	s.mux.HandleFunc("POST /api/wizards/{id}/code", s.submitCodeHandler)
	s.mux.HandleFunc("POST /api/wizards/{id}/password", s.submitPasswordHandler)
	s.mux.HandleFunc("POST /api/wizards/{id}/back", s.backHandler)
	s.mux.HandleFunc("POST /api/wizards/{id}/resend", s.resendHandler)
	s.mux.HandleFunc("POST /api/wizards/{id}/retry", s.retryHandler)

	s.mux.HandleFunc("POST /api/signup", s.signupHandler)
	s.mux.HandleFunc("POST /api/admin/login", s.adminLoginHandler)

	s.mux.HandleFunc("POST /api/chat/sessions", s.openChatHandler)
	s.mux.HandleFunc("GET /api/chat/sessions/{id}", s.getChatHandler)
	s.mux.HandleFunc("DELETE /api/chat/sessions/{id}", s.closeChatHandler)
	s.mux.HandleFunc("POST /api/chat/sessions/{id}/messages", s.sendChatHandler)
	s.mux.HandleFunc("GET /api/chat/quick-actions", s.quickActionsHandler)

	s.mux.HandleFunc("GET /api/portfolio", s.portfolioHandler)
	s.mux.HandleFunc("GET /api/portfolio/projects", s.projectsHandler)
	s.mux.HandleFunc("GET /api/portfolio/blog", s.blogHandler)
	s.mux.HandleFunc("GET /api/pages", s.pagesHandler)

	if s.opts.Bridge != nil {
		s.mux.Handle("POST /webhooks/twilio/sms", s.opts.Bridge.WebhookHandler(s.opts.Validator, s.opts.WebhookURL))
	}
	if s.opts.StaticDir != "" {
		s.mux.Handle("GET /", spaHandler(s.opts.StaticDir))
	}
}

// Run serves on addr until ctx is canceled, then shuts down gracefully. The
// session managers, limiter pruning and background jobs run in the same group;
// the first failure stops everything.
func (s *Server) Run(ctx context.Context, addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Server.Run: listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		slog.Info("Server.Run: shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return s.wizards.Run(ctx) })
	g.Go(func() error { return s.chats.Run(ctx) })
	if s.opts.Limiter != nil {
		g.Go(func() error { return s.pruneLimiter(ctx) })
	}
	for _, job := range s.opts.BackgroundJobs {
		g.Go(func() error { return job(ctx) })
	}

	err := g.Wait()
	s.wizards.Close()
	s.chats.Close()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Server) pruneLimiter(ctx context.Context) error {
	ticker := s.opts.Clock.Ticker(s.opts.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := s.opts.Limiter.Prune(); n > 0 {
				slog.Debug("Server.pruneLimiter: idle clients dropped", "count", n)
			}
		}
	}
}
