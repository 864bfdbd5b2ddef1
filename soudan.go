// Package soudan is the public API for embedding the Soudan consultation server.
//
// Platform and plugin consumers import this package to construct and extend
// the server without forking it:
//
//	app, err := soudan.New(
//	    soudan.WithVersion(version),
//	    soudan.WithLogger(logger),
//	    soudan.WithEventHook(myAuditHook{}),
//	    soudan.WithExtraRoutes(myPlatformRoutes),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: soudan (root) imports
// internal/*, but internal/* never imports soudan (root). Public types
// (Request, Response, etc.) are standalone structs with no internal imports;
// conversion helpers (toPublicRequest) live here because this is the only
// file that sees both sides of the boundary.
package soudan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"github.com/soudan-ai/soudan/api"
	"github.com/soudan-ai/soudan/internal/auth"
	"github.com/soudan-ai/soudan/internal/config"
	"github.com/soudan-ai/soudan/internal/mcp"
	"github.com/soudan-ai/soudan/internal/model"
	"github.com/soudan-ai/soudan/internal/notify"
	"github.com/soudan-ai/soudan/internal/ratelimit"
	"github.com/soudan-ai/soudan/internal/server"
	"github.com/soudan-ai/soudan/internal/service/requests"
	"github.com/soudan-ai/soudan/internal/storage"
	"github.com/soudan-ai/soudan/internal/telemetry"
	"github.com/soudan-ai/soudan/internal/webhook"
	"github.com/soudan-ai/soudan/migrations"
)

// App is the Soudan server lifecycle. Construct with New(), run with Run().
// App has no public fields — use New() options to configure it.
type App struct {
	cfg          config.Config
	db           *storage.DB
	srv          *server.Server
	dispatcher   *webhook.Dispatcher
	requests     *requests.Service
	broker       *server.Broker
	authLimiter  ratelimit.Limiter
	writeLimiter ratelimit.Limiter
	otelShutdown func(context.Context) error
	logger       *slog.Logger
	version      string
}

// New initialises the Soudan server. It connects to the database, runs
// migrations, wires all subsystems, and returns a ready-to-run App.
// It does NOT start any goroutines or accept HTTP connections — call Run().
func New(opts ...Option) (*App, error) {
	// Apply options.
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	// Load configuration (env vars), then apply option overrides.
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("soudan starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// Connect to database.
	db, err := storage.New(context.Background(), cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}

	// Run embedded migrations, then any consumer-supplied filesystems.
	if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("migrations: %w", err)
	}
	for i, extraFS := range o.extraMigrations {
		if err := db.RunMigrations(context.Background(), extraFS); err != nil {
			db.Close(context.Background())
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("extra migrations[%d]: %w", i, err)
		}
	}

	// Create JWT manager.
	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("auth: %w", err)
	}

	// Reviewer notification: external override takes priority, then SMTP,
	// then log-only.
	var provider notify.Provider
	switch {
	case o.notifyProvider != nil:
		provider = &notifyProviderAdapter{p: o.notifyProvider}
		logger.Info("notifications: external provider", "name", o.notifyProvider.Name())
	case cfg.SMTPHost != "":
		provider = notify.NewSMTPProvider(notify.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			User:     cfg.SMTPUser,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
		})
		logger.Info("notifications: smtp", "host", cfg.SMTPHost, "from", cfg.SMTPFrom)
	default:
		provider = &notify.LogProvider{Logger: logger}
		logger.Info("notifications: log only (SMTP not configured)")
	}
	mailNotifier := notify.New(provider, db.ListActiveUserEmails, cfg.BaseURL, logger)

	// Fan lifecycle events out to registered hooks alongside mail.
	var notifier requests.Notifier = mailNotifier
	if len(o.eventHooks) > 0 {
		notifier = &hookNotifier{mail: mailNotifier, hooks: o.eventHooks, logger: logger}
	}

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

	// Rate limiters: token issuance per client IP, request create/respond
	// per principal.
	var authLimiter ratelimit.Limiter
	if cfg.AuthRateLimitEnabled {
		authLimiter = ratelimit.NewMemoryLimiter(cfg.AuthRateLimitRPS, cfg.AuthRateLimitBurst)
		logger.Info("auth rate limiting: memory (in-process token bucket)",
			"rps", cfg.AuthRateLimitRPS, "burst", cfg.AuthRateLimitBurst)
	} else {
		authLimiter = ratelimit.NoopLimiter{}
		logger.Info("auth rate limiting: disabled")
	}
	var writeLimiter ratelimit.Limiter
	if cfg.WriteRateLimitEnabled {
		writeLimiter = ratelimit.NewMemoryLimiter(cfg.WriteRateLimitRPS, cfg.WriteRateLimitBurst)
		logger.Info("write rate limiting: memory (in-process token bucket)",
			"rps", cfg.WriteRateLimitRPS, "burst", cfg.WriteRateLimitBurst)
	} else {
		writeLimiter = ratelimit.NoopLimiter{}
		logger.Info("write rate limiting: disabled")
	}

	// Adapt route registrars from public RouteRegistrar to internal server format.
	var extraRoutes []func(*http.ServeMux)
	for _, fn := range o.routeRegistrars {
		extraRoutes = append(extraRoutes, func(mux *http.ServeMux) {
			fn(mux, authHelperImpl{})
		})
	}

	// Adapt middlewares from soudan.Middleware to func(http.Handler) http.Handler.
	var middlewares []func(http.Handler) http.Handler
	for _, mw := range o.middlewares {
		middlewares = append(middlewares, func(h http.Handler) http.Handler { return mw(h) })
	}

	// Create HTTP server.
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
		ExtraRoutes:         extraRoutes,
		Middlewares:         middlewares,
	})

	// Seed the initial admin reviewer.
	if err := server.SeedAdmin(context.Background(), db, cfg.AdminEmail, cfg.AdminPassword, logger); err != nil {
		logger.Warn("admin seed failed", "error", err)
	}

	return &App{
		cfg:          cfg,
		db:           db,
		srv:          srv,
		dispatcher:   dispatcher,
		requests:     requestSvc,
		broker:       broker,
		authLimiter:  authLimiter,
		writeLimiter: writeLimiter,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Handler returns the fully wired HTTP handler chain. Useful for tests that
// mount the App behind httptest instead of a listening socket.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// Run starts all background goroutines and the HTTP server, then blocks until
// ctx is cancelled or a fatal server error occurs. On return, Shutdown is
// called automatically — callers should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	go a.broker.Run(ctx)

	if a.cfg.SweepInterval > 0 {
		go a.sweepLoop(ctx)
	} else {
		a.logger.Info("timeout sweeper: disabled")
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown performs a two-phase graceful shutdown: (1) stop accepting new
// HTTP requests and drain in-flight handlers, (2) let running webhook
// delivery sequences finish so no response is recorded without its delivery
// attempt. It then closes the rate limiter, database pool, and OTEL provider.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("soudan shutting down")

	httpCtx, httpCancel := context.WithTimeout(ctx, 10*time.Second)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	dispCtx, dispCancel := context.WithTimeout(ctx, 30*time.Second)
	if err := a.dispatcher.Close(dispCtx); err != nil {
		a.logger.Warn("webhook dispatcher drain incomplete, in-flight sequences cancelled", "error", err)
	}
	dispCancel()

	_ = a.authLimiter.Close()
	_ = a.writeLimiter.Close()
	_ = a.otelShutdown(context.Background())
	a.db.Close(context.Background())

	a.logger.Info("soudan stopped")
	return nil
}

// sweepLoop periodically expires overdue pending requests.
func (a *App) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.requests.SweepOverdue(ctx)
			if err != nil {
				a.logger.Warn("timeout sweep failed", "error", err)
				continue
			}
			if n > 0 {
				a.logger.Info("timeout sweep expired requests", "count", n)
			}
		}
	}
}

// ── Adapters between public and internal types ────────────────────────────────

// toPublicRequest converts an internal request to the public mirror type.
// The callback secret never crosses the boundary.
func toPublicRequest(req model.ConsultationRequest) Request {
	pub := Request{
		ID:        req.ID,
		Title:     req.Title,
		Context:   req.Context,
		Metadata:  req.Metadata,
		State:     RequestState(req.State),
		TimeoutAt: req.TimeoutAt,
		CreatedAt: req.CreatedAt,
		UpdatedAt: req.UpdatedAt,
	}
	if req.Description != nil {
		pub.Description = *req.Description
	}
	if req.Response != nil {
		pub.Response = &Response{
			Decision:    Decision(req.Response.Decision),
			Comment:     req.Response.Comment,
			ResponderID: req.Response.ResponderID,
			RespondedAt: req.Response.RespondedAt,
		}
	}
	return pub
}

// hookNotifier satisfies the request service's Notifier interface: it forwards
// each event to the mail notifier, then fires registered hooks asynchronously
// with a bounded context. Hook errors are logged, never propagated.
type hookNotifier struct {
	mail   *notify.Notifier
	hooks  []EventHook
	logger *slog.Logger
}

func (n *hookNotifier) RequestCreated(ctx context.Context, req model.ConsultationRequest) {
	n.mail.RequestCreated(ctx, req)
	n.fire("OnRequestCreated", req, EventHook.OnRequestCreated)
}

func (n *hookNotifier) RequestResponded(ctx context.Context, req model.ConsultationRequest) {
	n.mail.RequestResponded(ctx, req)
	n.fire("OnRequestResponded", req, EventHook.OnRequestResponded)
}

func (n *hookNotifier) RequestExpired(ctx context.Context, req model.ConsultationRequest) {
	n.mail.RequestExpired(ctx, req)
	n.fire("OnRequestExpired", req, EventHook.OnRequestExpired)
}

func (n *hookNotifier) fire(name string, req model.ConsultationRequest, call func(EventHook, context.Context, Request) error) {
	pub := toPublicRequest(req)
	hooks := n.hooks
	logger := n.logger
	go func() {
		hookCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, h := range hooks {
			if err := call(h, hookCtx, pub); err != nil {
				logger.Warn("event hook failed", "hook", name, "request_id", pub.ID, "error", err)
			}
		}
	}()
}

// notifyProviderAdapter wraps a public NotifyProvider as an internal provider.
type notifyProviderAdapter struct {
	p NotifyProvider
}

func (a *notifyProviderAdapter) Name() string { return a.p.Name() }

func (a *notifyProviderAdapter) Send(ctx context.Context, msg notify.Message) error {
	return a.p.Send(ctx, msg.To, msg.Subject, msg.Body)
}

// authHelperImpl exposes the server's role middleware to route registrars.
type authHelperImpl struct{}

func (authHelperImpl) RequireReviewer(next http.Handler) http.Handler {
	return server.RequireReviewer(next)
}

func (authHelperImpl) RequireAdmin(next http.Handler) http.Handler {
	return server.RequireAdmin(next)
}
