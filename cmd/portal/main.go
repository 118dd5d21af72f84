package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/facebookgo/clock"
	"github.com/joho/godotenv"

	"github.com/bmdtechnologies/portal/internal/account"
	"github.com/bmdtechnologies/portal/internal/api"
	"github.com/bmdtechnologies/portal/internal/chat"
	"github.com/bmdtechnologies/portal/internal/content"
	"github.com/bmdtechnologies/portal/internal/lockfile"
	"github.com/bmdtechnologies/portal/internal/messaging"
	"github.com/bmdtechnologies/portal/internal/models"
	"github.com/bmdtechnologies/portal/internal/observability"
	"github.com/bmdtechnologies/portal/internal/ratelimit"
	"github.com/bmdtechnologies/portal/internal/scheduler"
	"github.com/bmdtechnologies/portal/internal/session"
	"github.com/bmdtechnologies/portal/internal/store"
	"github.com/bmdtechnologies/portal/internal/twiliosms"
	"github.com/bmdtechnologies/portal/internal/util"
	"github.com/bmdtechnologies/portal/internal/wizard"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for portal state data
	DefaultStateDir = "/var/lib/portal"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "portal.db"

	ModeSimulated = "simulated"
	ModeLive      = "live"

	// OperationsStore backs wizards with accounts and delivery.
	OperationsStore = "store"
	// OperationsSimulated makes every wizard operation succeed after a fixed delay.
	OperationsSimulated = "simulated"

	serviceName = "portal-api"
)

// Limits applied to POST /api/* per client address and to code requests per email.
const (
	httpRateInterval = time.Second
	httpRateBurst    = 20
	otpRateInterval  = 20 * time.Second
	otpRateBurst     = 3
)

func main() {
	// Load environment configuration
	config := loadEnvironmentConfig()

	// Parse command line flags
	flags, err := parseCommandLineFlags(flag.CommandLine, os.Args[1:], config)
	if err != nil {
		slog.Error("Failed to parse flags", "error", err)
		os.Exit(2)
	}

	observability.InitLogger(*flags.logLevel, *flags.logFormat)

	// Ensure required directories exist
	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping portal", "mode", *flags.mode, "api_addr", *flags.apiAddr)
	if err := run(ctx, flags); err != nil {
		slog.Error("portal failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("portal exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir               string
	DatabaseURL            string
	APIAddr                string
	Mode                   string
	Operations             string
	TwilioAccountSID       string
	TwilioAuthToken        string
	TwilioFromNumber       string
	SMTPAddr               string
	SMTPUsername           string
	SMTPPassword           string
	SMTPFrom               string
	AdminEmail             string
	AdminPasswordHash      string
	StaticDir              string
	LogLevel               string
	LogFormat              string
	PublicBaseURL          string
	OTLPEndpoint           string
	TrustedProxies         string
	SessionIdleTTL         time.Duration
	PasswordPolicyEnforced bool
}

// Flags holds command line flag values
type Flags struct {
	stateDir       *string
	dbDSN          *string
	apiAddr        *string
	mode           *string
	operations     *string
	staticDir      *string
	logLevel       *string
	logFormat      *string
	publicBaseURL  *string
	enforcePolicy  *bool
	trustedProxies *string
	proxies        []netip.Prefix
	config         Config
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:          os.Getenv("PORTAL_STATE_DIR"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		APIAddr:           util.GetEnvDefault("API_ADDR", api.DefaultAddr),
		Mode:              util.GetEnvDefault("PORTAL_MODE", ModeSimulated),
		Operations:        util.GetEnvDefault("PORTAL_OPERATIONS", OperationsStore),
		TwilioAccountSID:  os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:   os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFromNumber:  os.Getenv("TWILIO_FROM_NUMBER"),
		SMTPAddr:          os.Getenv("SMTP_ADDR"),
		SMTPUsername:      os.Getenv("SMTP_USERNAME"),
		SMTPPassword:      os.Getenv("SMTP_PASSWORD"),
		SMTPFrom:          os.Getenv("SMTP_FROM"),
		AdminEmail:        os.Getenv("ADMIN_EMAIL"),
		AdminPasswordHash: os.Getenv("ADMIN_PASSWORD_HASH"),
		StaticDir:         os.Getenv("STATIC_DIR"),
		LogLevel:          util.GetEnvDefault("LOG_LEVEL", "info"),
		LogFormat:         os.Getenv("LOG_FORMAT"),
		PublicBaseURL:     os.Getenv("PUBLIC_BASE_URL"),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TrustedProxies:    os.Getenv("TRUSTED_PROXIES"),
		SessionIdleTTL:    util.ParseDurationEnv("SESSION_IDLE_TTL", session.DefaultIdleTTL),

		PasswordPolicyEnforced: util.ParseBoolEnv("PASSWORD_POLICY_ENFORCED", true),
	}

	// Set default state directory if not specified
	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No PORTAL_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	} else {
		slog.Debug("PORTAL_STATE_DIR found in environment", "state_dir", config.StateDir)
	}

	// If no database URL is provided, default to SQLite in the state directory
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No DATABASE_URL provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"PORTAL_STATE_DIR", config.StateDir,
		"PORTAL_MODE", config.Mode,
		"PORTAL_OPERATIONS", config.Operations,
		"API_ADDR", config.APIAddr,
		"TWILIO_ACCOUNT_SID_SET", config.TwilioAccountSID != "",
		"SMTP_ADDR_SET", config.SMTPAddr != "",
		"ADMIN_EMAIL_SET", config.AdminEmail != "",
		"STATIC_DIR", config.StaticDir,
		"TRUSTED_PROXIES", config.TrustedProxies,
		"SESSION_IDLE_TTL", config.SessionIdleTTL,
		"PASSWORD_POLICY_ENFORCED", config.PasswordPolicyEnforced)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(fs *flag.FlagSet, args []string, config Config) (Flags, error) {
	flags := Flags{
		stateDir:       fs.String("state-dir", config.StateDir, "state directory for portal data (overrides $PORTAL_STATE_DIR)"),
		dbDSN:          fs.String("db-dsn", config.DatabaseURL, "database DSN, SQLite path or Postgres URL; empty keeps everything in memory (overrides $DATABASE_URL)"),
		apiAddr:        fs.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		mode:           fs.String("mode", config.Mode, "delivery mode, simulated or live (overrides $PORTAL_MODE)"),
		operations:     fs.String("operations", config.Operations, "wizard operations backend, store or simulated (overrides $PORTAL_OPERATIONS)"),
		staticDir:      fs.String("static-dir", config.StaticDir, "directory of the built front-end (overrides $STATIC_DIR)"),
		logLevel:       fs.String("log-level", config.LogLevel, "log level (overrides $LOG_LEVEL)"),
		logFormat:      fs.String("log-format", config.LogFormat, "log format, text or json (overrides $LOG_FORMAT)"),
		publicBaseURL:  fs.String("public-url", config.PublicBaseURL, "public base URL used in links and webhook signatures (overrides $PUBLIC_BASE_URL)"),
		enforcePolicy:  fs.Bool("password-policy", config.PasswordPolicyEnforced, "enforce the password policy (overrides $PASSWORD_POLICY_ENFORCED)"),
		trustedProxies: fs.String("trusted-proxies", config.TrustedProxies, "comma separated proxy addresses or CIDRs whose X-Forwarded-For is believed (overrides $TRUSTED_PROXIES)"),
		config:         config,
	}

	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"apiAddr", *flags.apiAddr,
		"mode", *flags.mode,
		"operations", *flags.operations,
		"staticDir", *flags.staticDir,
		"enforcePolicy", *flags.enforcePolicy)

	// Update database DSN if not explicitly set but state directory is provided
	if *flags.dbDSN == config.DatabaseURL && config.DatabaseURL == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "old_state_dir", config.StateDir, "new_state_dir", *flags.stateDir)
	}

	if *flags.mode != ModeSimulated && *flags.mode != ModeLive {
		return Flags{}, fmt.Errorf("unknown mode %q, want %s or %s", *flags.mode, ModeSimulated, ModeLive)
	}
	if *flags.operations == "" {
		*flags.operations = OperationsStore
	}
	if *flags.operations != OperationsStore && *flags.operations != OperationsSimulated {
		return Flags{}, fmt.Errorf("unknown operations backend %q, want %s or %s", *flags.operations, OperationsStore, OperationsSimulated)
	}
	proxies, err := api.ParseTrustedProxies(*flags.trustedProxies)
	if err != nil {
		return Flags{}, err
	}
	flags.proxies = proxies
	return flags, nil
}

// usesSQLite reports whether the configured DSN is a file database.
func usesSQLite(flags Flags) bool {
	return *flags.dbDSN != "" && store.DetectDSNType(*flags.dbDSN) == "sqlite3"
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	if !usesSQLite(flags) {
		return nil
	}
	for _, dir := range []string{*flags.stateDir, filepath.Dir(*flags.dbDSN)} {
		slog.Debug("Creating state directory for file-based database", "state_dir", dir)
		if err := os.MkdirAll(dir, 0755); err != nil {
			slog.Error("Failed to create state directory", "error", err, "state_dir", dir)
			return err
		}
	}
	return nil
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	var storeOpts []store.Option
	if *flags.dbDSN != "" {
		if store.DetectDSNType(*flags.dbDSN) == "postgres" {
			slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql", "dsn_set", true)
			storeOpts = append(storeOpts, store.WithPostgresDSN(*flags.dbDSN))
		} else {
			slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", *flags.dbDSN)
			storeOpts = append(storeOpts, store.WithSQLiteDSN(*flags.dbDSN))
		}
	} else {
		slog.Debug("No database DSN provided, will use in-memory store")
	}
	return storeOpts
}

// openStore returns the backend selected by the DSN.
func openStore(flags Flags) (store.Store, error) {
	storeOpts := buildStoreOptions(flags)
	switch {
	case len(storeOpts) == 0:
		return store.NewInMemoryStore(), nil
	case store.DetectDSNType(*flags.dbDSN) == "postgres":
		return store.NewPostgresStore(storeOpts...)
	default:
		return store.NewSQLiteStore(storeOpts...)
	}
}

// buildMessagingServices returns the delivery services for the mode and, in
// live mode, the Twilio client that validates webhook signatures.
func buildMessagingServices(flags Flags) ([]messaging.Service, messaging.SignatureValidator, error) {
	if *flags.mode == ModeSimulated {
		slog.Info("Simulated delivery: codes and links are logged, not sent")
		return []messaging.Service{
			messaging.NewSimulatedService(models.ChannelEmail),
			messaging.NewSimulatedService(models.ChannelSMS),
		}, nil, nil
	}

	c := flags.config
	sms, err := twiliosms.NewClient(
		twiliosms.WithAccountSID(c.TwilioAccountSID),
		twiliosms.WithAuthToken(c.TwilioAuthToken),
		twiliosms.WithFromNumber(c.TwilioFromNumber),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("twilio: %w", err)
	}
	smtpOpts := []messaging.SMTPOption{
		messaging.WithSMTPAddr(c.SMTPAddr),
		messaging.WithSMTPFrom(c.SMTPFrom),
	}
	if c.SMTPUsername != "" {
		smtpOpts = append(smtpOpts, messaging.WithSMTPAuth(c.SMTPUsername, c.SMTPPassword))
	}
	email, err := messaging.NewEmailService(smtpOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("smtp: %w", err)
	}
	return []messaging.Service{email, messaging.NewSMSService(sms)}, sms, nil
}

// buildAccountOptions constructs account service options
func buildAccountOptions(flags Flags, clk clock.Clock) []account.Option {
	opts := []account.Option{
		account.WithClock(clk),
		account.WithRequestLimiter(ratelimit.NewKeyedLimiter(otpRateInterval, otpRateBurst, clk)),
		account.WithBaseURL(strings.TrimSuffix(*flags.publicBaseURL, "/")),
	}
	if *flags.enforcePolicy {
		opts = append(opts, account.WithPasswordPolicy(&models.DefaultPasswordPolicy))
	}
	c := flags.config
	if c.AdminEmail != "" && c.AdminPasswordHash != "" {
		opts = append(opts, account.WithAdmin(account.AdminCredentials{Email: c.AdminEmail, PasswordHash: c.AdminPasswordHash}))
	} else {
		slog.Warn("ADMIN_EMAIL or ADMIN_PASSWORD_HASH not set, admin login is disabled")
	}
	return opts
}

// run wires every module and serves until ctx is cancelled.
func run(ctx context.Context, flags Flags) error {
	clk := clock.New()

	var apiOpts []api.Option
	if flags.config.OTLPEndpoint != "" {
		shutdown, err := observability.InitTracer(ctx, serviceName)
		if err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(sctx); err != nil {
				slog.Warn("Tracer shutdown failed", "error", err)
			}
		}()
		apiOpts = append(apiOpts, api.WithTracing(serviceName))

		shutdownMeter, err := observability.InitMeter(ctx, serviceName)
		if err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownMeter(sctx); err != nil {
				slog.Warn("Meter shutdown failed", "error", err)
			}
		}()
	}

	metrics, err := observability.NewMetrics()
	if err != nil {
		return err
	}

	if usesSQLite(flags) {
		lock, err := lockfile.AcquireLock(*flags.stateDir, *flags.apiAddr)
		if err != nil {
			return err
		}
		defer func() {
			if err := lock.Release(); err != nil {
				slog.Warn("Failed to release state lock", "error", err)
			}
		}()
	}

	st, err := openStore(flags)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	services, validator, err := buildMessagingServices(flags)
	if err != nil {
		return err
	}
	dispatchOpts := []messaging.DispatcherOption{
		messaging.WithDispatchClock(clk),
		messaging.WithDispatchHooks(metrics.DispatchHooks()),
	}
	for _, svc := range services {
		dispatchOpts = append(dispatchOpts, messaging.WithService(svc))
	}
	dispatcher := messaging.NewDispatcher(st, st, dispatchOpts...)

	sender := store.NewOutboxSender(st, dispatcher.Deliver, store.DefaultOutboxPollInterval, store.WithSenderClock(clk))
	if err := sender.RecoverStaleMessages(); err != nil {
		slog.Warn("Failed to recover stale outbox messages", "error", err)
	}

	sched := scheduler.NewScheduler()
	if err := sched.AddJob(scheduler.DefaultPurgeSchedule, scheduler.PurgeChallengesJob(st, clk)); err != nil {
		return fmt.Errorf("schedule challenge purge: %w", err)
	}

	accounts := account.NewService(st, dispatcher, buildAccountOptions(flags, clk)...)

	var wizardOpts []wizard.Option
	wizardOpts = append(wizardOpts, wizard.WithHooks(metrics.WizardHooks()))
	if *flags.enforcePolicy {
		wizardOpts = append(wizardOpts, wizard.WithPasswordPolicy(models.DefaultPasswordPolicy))
	}
	var ops wizard.Operations = accounts
	if *flags.operations == OperationsSimulated {
		slog.Info("Simulated wizard operations: every code is accepted")
		ops = wizard.NewSimulatedOperations(clk, wizard.DefaultSimulatedDelays)
	}
	ttl := flags.config.SessionIdleTTL
	wizards := wizard.NewManager(ops, clk, ttl, wizardOpts...)
	chats := chat.NewManager(clk, ttl, chat.WithHooks(metrics.ChatHooks()))

	portfolio, err := content.LoadPortfolio()
	if err != nil {
		return fmt.Errorf("load portfolio: %w", err)
	}

	publicURL := strings.TrimSuffix(*flags.publicBaseURL, "/")
	bridge := messaging.NewChatBridge(chats, dispatcher, st, st, clk)

	apiOpts = append(apiOpts,
		api.WithAccounts(accounts),
		api.WithClock(clk),
		api.WithRateLimiter(ratelimit.NewKeyedLimiter(httpRateInterval, httpRateBurst, clk), metrics.RecordRateLimited),
		api.WithBackgroundJob(sender.Run),
		api.WithBackgroundJob(sched.Run),
	)
	if len(flags.proxies) > 0 {
		apiOpts = append(apiOpts, api.WithTrustedProxies(flags.proxies...))
	}
	// Signatures are only checked in live mode.
	apiOpts = append(apiOpts, api.WithChatBridge(bridge, validator, publicURL+"/webhooks/twilio/sms"))
	if *flags.staticDir != "" {
		apiOpts = append(apiOpts, api.WithStaticDir(*flags.staticDir))
	}

	server := api.NewServer(wizards, chats, portfolio, apiOpts...)
	if err := server.Run(ctx, *flags.apiAddr); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
