package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/soudan-ai/soudan/internal/auth"
	"github.com/soudan-ai/soudan/internal/model"
	"github.com/soudan-ai/soudan/internal/service/requests"
	"github.com/soudan-ai/soudan/internal/storage"
)

// Handlers holds dependencies for HTTP request handlers.
type Handlers struct {
	db        *storage.DB
	jwtMgr    *auth.JWTManager
	requests  *requests.Service
	broker    *Broker
	logger    *slog.Logger
	version   string
	startTime time.Time
	maxBody   int64
}

// HandleHealth returns service health including a Postgres liveness probe.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	overall := "ok"
	pgStatus := "ok"
	status := http.StatusOK
	if err := h.db.Ping(ctx); err != nil {
		overall = "degraded"
		pgStatus = "unreachable"
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, r, status, model.HealthResponse{
		Status:   overall,
		Version:  h.version,
		Postgres: pgStatus,
		Uptime:   int64(time.Since(h.startTime).Seconds()),
	})
}

// HandleAuthToken exchanges email/password credentials for a JWT.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxBody); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if req.Email == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "email and password are required")
		return
	}

	user, err := h.db.GetUserByEmail(r.Context(), req.Email)
	if err != nil {
		// Burn an Argon2 verification so a missing account takes as long as
		// a wrong password.
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	valid, err := auth.VerifySecret(req.Password, user.PasswordHash)
	if err != nil || !valid {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(user)
	if err != nil {
		h.logger.Error("token issuance failed", "error", err, "user_id", user.ID)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal server error")
		return
	}

	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{Token: token, ExpiresAt: expiresAt})
}

// HandleSubscribe streams request state changes to the client as
// server-sent events. The connection stays open until the client
// disconnects or the broker shuts down.
func (h *Handlers) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "event stream unavailable")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming unsupported")
		return
	}

	// SSE connections are long-lived; clear any server write deadline.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := h.broker.Subscribe()
	defer h.broker.Unsubscribe(sub)

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-sub:
			if !ok {
				return
			}
			if _, err := w.Write(msg); err != nil {
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// SeedAdmin ensures an initial admin account exists so a fresh deployment
// can be logged into. No-op when the email is unset or the user already
// exists.
func SeedAdmin(ctx context.Context, db *storage.DB, email, password string, logger *slog.Logger) error {
	if email == "" || password == "" {
		return nil
	}

	_, err := db.GetUserByEmail(ctx, email)
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("server: seed admin lookup: %w", err)
	}

	hash, err := auth.HashSecret(password)
	if err != nil {
		return fmt.Errorf("server: seed admin hash: %w", err)
	}

	user, err := db.CreateUser(ctx, model.User{
		Email:        email,
		Name:         "Admin",
		PasswordHash: hash,
		Role:         model.RoleAdmin,
	})
	if err != nil {
		return fmt.Errorf("server: seed admin create: %w", err)
	}

	logger.Info("seeded initial admin user", "user_id", user.ID, "email", email)
	return nil
}
