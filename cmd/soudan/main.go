package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/soudan-ai/soudan/api"
	"github.com/soudan-ai/soudan/internal/auth"
	"github.com/soudan-ai/soudan/internal/config"
	"github.com/soudan-ai/soudan/internal/mcp"
	"github.com/soudan-ai/soudan/internal/notify"
	"github.com/soudan-ai/soudan/internal/ratelimit"
	"github.com/soudan-ai/soudan/internal/server"
	"github.com/soudan-ai/soudan/internal/service/requests"
	"github.com/soudan-ai/soudan/internal/storage"
	"github.com/soudan-ai/soudan/internal/telemetry"
	"github.com/soudan-ai/soudan/internal/webhook"
	"github.com/soudan-ai/soudan/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("SOUDAN_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("soudan starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Connect to database and apply embedded migrations. RunMigrations tracks
	// applied files in schema_migrations, so reruns are no-ops.
	db, err := storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close(ctx)

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	// Create JWT manager.
	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	// Reviewer notification: SMTP when configured, otherwise log-only.
	notifier := newNotifier(cfg, db, logger)

	// Webhook delivery engine and dispatcher.
	engine := webhook.NewEngine(db, webhook.Config{
		MaxAttempts: cfg.WebhookMaxAttempts,
		Timeout:     cfg.WebhookTimeout,
		BackoffBase: cfg.WebhookBackoffBase,
	}, logger)
	dispatcher := webhook.NewDispatcher(engine, logger)

	// Request service (shared by HTTP and MCP handlers).
	requestSvc := requests.New(db, dispatcher, notifier, logger, cfg.DefaultTimeout)

	// MCP server.
	mcpSrv := mcp.New(requestSvc, logger, version)

	// SSE broker fanning out LISTEN/NOTIFY state changes.
	broker := server.NewBroker(db, cfg.SubscribeBufferSize, logger)
	go broker.Run(ctx)

	// Rate limiter for token issuance.
	var authLimiter ratelimit.Limiter
	if cfg.AuthRateLimitEnabled {
		m := ratelimit.NewMemoryLimiter(cfg.AuthRateLimitRPS, cfg.AuthRateLimitBurst)
		defer func() { _ = m.Close() }()
		authLimiter = m
		logger.Info("auth rate limiting: memory (in-process token bucket)",
			"rps", cfg.AuthRateLimitRPS, "burst", cfg.AuthRateLimitBurst)
	} else {
		authLimiter = ratelimit.NoopLimiter{}
		logger.Info("auth rate limiting: disabled")
	}

	// Rate limiter for request create/respond, keyed by principal.
	var writeLimiter ratelimit.Limiter
	if cfg.WriteRateLimitEnabled {
		m := ratelimit.NewMemoryLimiter(cfg.WriteRateLimitRPS, cfg.WriteRateLimitBurst)
		defer func() { _ = m.Close() }()
		writeLimiter = m
		logger.Info("write rate limiting: memory (in-process token bucket)",
			"rps", cfg.WriteRateLimitRPS, "burst", cfg.WriteRateLimitBurst)
	} else {
		writeLimiter = ratelimit.NoopLimiter{}
		logger.Info("write rate limiting: disabled")
	}

	srv := server.New(server.Config{
		DB:                  db,
		JWTManager:          jwtMgr,
		Requests:            requestSvc,
		Broker:              broker,
		Logger:              logger,
		AuthLimiter:         authLimiter,
		WriteLimiter:        writeLimiter,
		MCPServer:           mcpSrv.MCPServer(),
		OpenAPISpec:         api.OpenAPISpec,
		Port:                cfg.Port,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	// Seed the initial admin reviewer.
	if err := server.SeedAdmin(ctx, db, cfg.AdminEmail, cfg.AdminPassword, logger); err != nil {
		slog.Warn("admin seed failed", "error", err)
	}

	// Timeout sweeper: expires pending requests past their deadline.
	if cfg.SweepInterval > 0 {
		go sweepLoop(ctx, requestSvc, logger, cfg.SweepInterval)
	} else {
		logger.Info("timeout sweeper: disabled")
	}

	// Start HTTP server in background.
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown. Each phase gets its own timeout so early completion
	// doesn't steal budget from later phases. Order: (1) stop accepting new
	// HTTP requests and drain in-flight handlers, (2) let running webhook
	// delivery sequences finish so no response is recorded without its
	// delivery attempt.
	slog.Info("soudan shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	dispCtx, dispCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := dispatcher.Close(dispCtx); err != nil {
		slog.Warn("webhook dispatcher drain incomplete, in-flight sequences cancelled", "error", err)
	}
	dispCancel()

	slog.Info("soudan stopped")
	return nil
}

// newNotifier builds the reviewer notifier. Recipients are resolved per event
// so newly added reviewers start receiving mail without a restart.
func newNotifier(cfg config.Config, db *storage.DB, logger *slog.Logger) *notify.Notifier {
	var provider notify.Provider
	if cfg.SMTPHost != "" {
		provider = notify.NewSMTPProvider(notify.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			User:     cfg.SMTPUser,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
		})
		logger.Info("notifications: smtp", "host", cfg.SMTPHost, "from", cfg.SMTPFrom)
	} else {
		provider = &notify.LogProvider{Logger: logger}
		logger.Info("notifications: log only (SMTP not configured)")
	}

	return notify.New(provider, db.ListActiveUserEmails, cfg.BaseURL, logger)
}

// sweepLoop periodically expires overdue pending requests.
func sweepLoop(ctx context.Context, svc *requests.Service, logger *slog.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := svc.SweepOverdue(ctx)
			if err != nil {
				logger.Warn("timeout sweep failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("timeout sweep expired requests", "count", n)
			}
		}
	}
}
