package soudan

import (
	"context"
	"net/http"
)

// EventHook receives async notifications when request lifecycle events occur.
// Multiple hooks may be registered via multiple WithEventHook calls.
// Hook methods run in goroutines — they must not block indefinitely.
// Failures are logged but never fail the originating operation.
type EventHook interface {
	OnRequestCreated(ctx context.Context, req Request) error
	OnRequestResponded(ctx context.Context, req Request) error
	OnRequestExpired(ctx context.Context, req Request) error
}

// NotifyProvider delivers human-facing notifications (new request waiting,
// request expired). When provided via WithNotifyProvider, replaces the
// auto-detected SMTP/log provider — use it to plug in Slack, PagerDuty, or
// any in-house channel.
type NotifyProvider interface {
	Name() string
	Send(ctx context.Context, to []string, subject, body string) error
}

// RouteRegistrar registers additional routes on the shared HTTP mux.
// Consumer routes share the mux, auth chain, and OTEL instrumentation with
// the built-in routes. Called once during New() after the built-in routes
// are registered.
type RouteRegistrar func(mux *http.ServeMux, auth AuthHelper)

// AuthHelper provides role middleware for use in RouteRegistrar, so consumer
// routes use the same auth chain without depending on internal/server.
type AuthHelper interface {
	// RequireReviewer restricts a route to JWT-authenticated reviewers.
	RequireReviewer(next http.Handler) http.Handler
	// RequireAdmin restricts a route to admin reviewers.
	RequireAdmin(next http.Handler) http.Handler
}

// Middleware wraps the root HTTP handler.
// Applied outermost (before routing), so it sees all requests including
// /health. Multiple middlewares are applied in registration order
// (first-registered = outermost).
type Middleware func(http.Handler) http.Handler
