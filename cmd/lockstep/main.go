// Command lockstep runs the Lockstep API server: the checkpoint trigger, the
// nudge endpoint and the Twilio webhooks.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/BTreeMap/Lockstep/internal/api"
	"github.com/BTreeMap/Lockstep/internal/checkpoint"
	"github.com/BTreeMap/Lockstep/internal/config"
	"github.com/BTreeMap/Lockstep/internal/lockfile"
	"github.com/BTreeMap/Lockstep/internal/messaging"
	"github.com/BTreeMap/Lockstep/internal/models"
	"github.com/BTreeMap/Lockstep/internal/store"
	"github.com/BTreeMap/Lockstep/internal/telemetry"
	"github.com/BTreeMap/Lockstep/internal/twilioclient"
	"github.com/BTreeMap/Lockstep/internal/usage"
	"github.com/BTreeMap/Lockstep/internal/whatsapp"
)

const serviceName = "lockstep"

// Flags holds command line values that are not part of config.Config.
type Flags struct {
	numericCode bool
}

func main() {
	// Initialize structured logger
	initializeLogger()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	cfg, flags, err := parseCommandLineFlags(os.Args[1:], cfg)
	if err != nil {
		slog.Error("Failed to parse flags", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping Lockstep with configured modules")
	if err := run(ctx, cfg, flags); err != nil {
		slog.Error("Lockstep failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("Lockstep exited successfully")
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

// parseCommandLineFlags applies command line overrides on top of the environment.
func parseCommandLineFlags(args []string, cfg config.Config) (config.Config, Flags, error) {
	fs := flag.NewFlagSet(serviceName, flag.ContinueOnError)
	stateDir := fs.String("state-dir", cfg.StateDir, "state directory for Lockstep data (overrides $LOCKSTEP_STATE_DIR)")
	dbDSN := fs.String("db-dsn", cfg.DatabaseURL, "application database DSN or SQLite path (overrides $DATABASE_URL)")
	apiAddr := fs.String("api-addr", cfg.APIAddr, "API server address (overrides $LOCKSTEP_API_ADDR)")
	waProvider := fs.String("whatsapp-provider", cfg.WhatsAppProvider, "WhatsApp provider: twilio or whatsmeow (overrides $LOCKSTEP_WHATSAPP_PROVIDER)")
	qrOutput := fs.String("qr-output", cfg.WhatsAppQRPath, "path to write the whatsmeow login QR code")
	numeric := fs.Bool("numeric-code", false, "use a pairing code instead of a QR code for whatsmeow login")
	enforce := fs.Bool("enforce-limits", cfg.EnforceLimits, "reject nudges and guests beyond the plan quota (overrides $LOCKSTEP_ENFORCE_LIMITS)")
	if err := fs.Parse(args); err != nil {
		return cfg, Flags{}, err
	}

	// Default file DSNs follow a moved state directory.
	if *stateDir != cfg.StateDir {
		if *dbDSN == filepath.Join(cfg.StateDir, config.DefaultAppDBFileName) {
			*dbDSN = filepath.Join(*stateDir, config.DefaultAppDBFileName)
			slog.Debug("Updated dbDSN based on state directory", "old_state_dir", cfg.StateDir, "new_state_dir", *stateDir)
		}
		if cfg.WhatsAppDBDSN == whatsAppDefaultDSN(cfg.StateDir) {
			cfg.WhatsAppDBDSN = whatsAppDefaultDSN(*stateDir)
		}
	}

	cfg.StateDir = *stateDir
	cfg.DatabaseURL = *dbDSN
	cfg.APIAddr = *apiAddr
	cfg.WhatsAppProvider = *waProvider
	cfg.WhatsAppQRPath = *qrOutput
	cfg.EnforceLimits = *enforce

	slog.Debug("flags parsed",
		"stateDir", cfg.StateDir,
		"dbDSN_set", cfg.DatabaseURL != "",
		"apiAddr", cfg.APIAddr,
		"whatsappProvider", cfg.WhatsAppProvider,
		"enforceLimits", cfg.EnforceLimits,
		"numeric", *numeric)
	return cfg, Flags{numericCode: *numeric}, nil
}

func whatsAppDefaultDSN(stateDir string) string {
	return "file:" + filepath.Join(stateDir, config.DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
}

func run(ctx context.Context, cfg config.Config, flags Flags) error {
	shutdownTracing, err := telemetry.Setup(ctx, serviceName, cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			slog.Warn("Failed to flush traces", "error", err)
		}
	}()

	if needsStateLock(cfg) {
		lock, err := lockfile.Acquire(cfg.StateDir)
		if err != nil {
			return err
		}
		defer lock.Release()
	}

	st, err := store.Open(buildStoreOptions(cfg)...)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer st.Close()

	providers, closeProviders, err := buildProviders(ctx, cfg, flags, st)
	if err != nil {
		return fmt.Errorf("messaging: %w", err)
	}
	defer closeProviders()

	gw := messaging.NewGateway(st, providers, messaging.WithSendTimeout(cfg.OperationTimeout))
	evaluator := checkpoint.NewEvaluator(st, gw,
		checkpoint.WithConcurrency(cfg.EvaluatorConcurrency),
		checkpoint.WithOperationTimeout(cfg.OperationTimeout),
		checkpoint.WithPublicBaseURL(cfg.PublicBaseURL))
	runner := checkpoint.NewRunner(st, evaluator, checkpoint.WithClaimTTL(cfg.ClaimTTL))

	srv := api.NewServer(st, runner, gw, usage.NewTracker(st), buildAPIOptions(cfg)...)
	return srv.Run(ctx)
}

// needsStateLock reports whether this server keeps file state that a second
// server on the same state directory would corrupt.
func needsStateLock(cfg config.Config) bool {
	if cfg.WhatsAppProvider == config.WhatsAppProviderWhatsmeow {
		return true
	}
	return cfg.DatabaseURL != "" && store.DetectDSNType(cfg.DatabaseURL) != "postgres"
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(cfg config.Config) []store.Option {
	var storeOpts []store.Option
	if cfg.DatabaseURL == "" {
		slog.Debug("No database DSN provided, will use in-memory store")
		return storeOpts
	}
	if store.DetectDSNType(cfg.DatabaseURL) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql")
		storeOpts = append(storeOpts, store.WithPostgresDSN(cfg.DatabaseURL))
	} else {
		slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", cfg.DatabaseURL)
		storeOpts = append(storeOpts, store.WithSQLiteDSN(cfg.DatabaseURL))
	}
	return storeOpts
}

// buildProviders creates one messaging provider per configured channel. The
// returned func releases provider sessions.
func buildProviders(ctx context.Context, cfg config.Config, flags Flags, st store.Store) (messaging.Providers, func(), error) {
	providers := messaging.Providers{}
	closeFn := func() {}

	if cfg.TwilioConfigured() {
		tc, err := twilioclient.NewClient(
			twilioclient.WithAccountSID(cfg.TwilioAccountSID),
			twilioclient.WithAuthToken(cfg.TwilioAuthToken),
			twilioclient.WithFromNumber(cfg.TwilioFromNumber),
			twilioclient.WithWhatsAppFrom(cfg.TwilioWhatsAppFrom),
			twilioclient.WithStatusCallbackURL(cfg.TwilioStatusCallbackURL),
		)
		if err != nil {
			return nil, closeFn, err
		}
		if tc.SupportsSMS() {
			providers[models.ChannelSMS] = tc
		}
		if cfg.WhatsAppProvider == config.WhatsAppProviderTwilio && tc.SupportsWhatsApp() {
			providers[models.ChannelWhatsApp] = tc
		}
	}

	if cfg.WhatsAppProvider == config.WhatsAppProviderWhatsmeow {
		inbound := messaging.NewInboundHandler(st)
		status := messaging.NewStatusHandler(st)
		waOpts := []whatsapp.Option{
			whatsapp.WithDBDSN(cfg.WhatsAppDBDSN),
			whatsapp.WithInboundHandler(func(ctx context.Context, from, body string) error {
				_, _, err := inbound.HandleInbound(ctx, from, body)
				return err
			}),
			whatsapp.WithStatusHandler(func(ctx context.Context, messageID, s string) error {
				_, err := status.HandleStatus(ctx, messageID, s)
				return err
			}),
		}
		if cfg.WhatsAppQRPath != "" {
			waOpts = append(waOpts, whatsapp.WithQRCodeOutput(cfg.WhatsAppQRPath))
		}
		if flags.numericCode {
			waOpts = append(waOpts, whatsapp.WithNumericCode())
		}
		wa, err := whatsapp.NewClient(ctx, waOpts...)
		if err != nil {
			return nil, closeFn, err
		}
		providers[models.ChannelWhatsApp] = wa
		closeFn = wa.Close
	}

	if providers[models.ChannelSMS] == nil {
		slog.Warn("No SMS provider configured; /process-checkpoints returns 500 until Twilio is set up")
	}
	slog.Debug("Messaging providers configured", "sms", providers[models.ChannelSMS] != nil, "whatsapp", providers[models.ChannelWhatsApp] != nil)
	return providers, closeFn, nil
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(cfg config.Config) []api.Option {
	apiOpts := []api.Option{api.WithLimitEnforcement(cfg.EnforceLimits)}
	if cfg.APIAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(cfg.APIAddr))
	}
	if cfg.CronSecret != "" {
		apiOpts = append(apiOpts, api.WithCronSecret(cfg.CronSecret))
	} else {
		slog.Warn("LOCKSTEP_CRON_SECRET not set; /process-checkpoints is unauthenticated")
	}
	if cfg.TwilioValidateWebhooks && cfg.TwilioAuthToken != "" {
		apiOpts = append(apiOpts, api.WithWebhookValidator(twilioclient.NewWebhookValidator(cfg.TwilioAuthToken, cfg.TwilioWebhookBaseURL)))
	}
	return apiOpts
}
