package server

import (
	"errors"
	"net/http"
	"net/mail"
	"strings"

	"github.com/soudan-ai/soudan/internal/auth"
	"github.com/soudan-ai/soudan/internal/ctxutil"
	"github.com/soudan-ai/soudan/internal/model"
	"github.com/soudan-ai/soudan/internal/storage"
)

const minPasswordLen = 12

// HandleCreateUser creates a reviewer account.
func (h *Handlers) HandleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req model.CreateUserRequest
	if err := decodeJSON(w, r, &req, h.maxBody); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}

	if _, err := mail.ParseAddress(req.Email); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid email address")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "name is required")
		return
	}
	if len(req.Password) < minPasswordLen {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "password must be at least 12 characters")
		return
	}
	role := req.Role
	if role == "" {
		role = model.RoleReviewer
	}
	if !model.IsValidRole(role) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "role must be reviewer or admin")
		return
	}

	hash, err := auth.HashSecret(req.Password)
	if err != nil {
		h.logger.Error("password hashing failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal server error")
		return
	}

	user, err := h.db.CreateUser(r.Context(), model.User{
		Email:        req.Email,
		Name:         req.Name,
		PasswordHash: hash,
		Role:         role,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	h.logger.Info("user created",
		"user_id", user.ID,
		"email", user.Email,
		"role", user.Role,
		"actor", ctxutil.PrincipalFromContext(r.Context()).Actor(),
	)

	writeJSON(w, r, http.StatusCreated, user)
}

// HandleListUsers lists reviewer accounts.
func (h *Handlers) HandleListUsers(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	users, total, err := h.db.ListUsers(r.Context(), limit, offset)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeList(w, r, users, total, limit, offset)
}

// HandleDeactivateUser soft-deletes a reviewer account. Admins cannot
// deactivate themselves; losing the last admin would lock the deployment.
func (h *Handlers) HandleDeactivateUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "user_id")
	if !ok {
		return
	}

	principal := ctxutil.PrincipalFromContext(r.Context())
	if principal.IsUser() && principal.UserID == id {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "cannot deactivate your own account")
		return
	}

	if err := h.db.DeactivateUser(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "user not found")
			return
		}
		h.writeServiceError(w, r, err)
		return
	}

	h.logger.Info("user deactivated", "user_id", id, "actor", principal.Actor())

	w.WriteHeader(http.StatusNoContent)
}
