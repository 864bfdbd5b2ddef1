package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/soudan-ai/soudan/internal/auth"
	"github.com/soudan-ai/soudan/internal/ctxutil"
	"github.com/soudan-ai/soudan/internal/model"
	"github.com/soudan-ai/soudan/internal/storage"
)

// HandleCreateKey mints a new agent API key. The raw key appears in this
// response only; afterwards just the hash exists.
func (h *Handlers) HandleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req model.CreateKeyRequest
	if err := decodeJSON(w, r, &req, h.maxBody); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "name is required")
		return
	}

	secret, err := auth.GenerateAPIKeySecret()
	if err != nil {
		h.logger.Error("api key secret generation failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal server error")
		return
	}
	hash, err := auth.HashSecret(secret)
	if err != nil {
		h.logger.Error("api key secret hashing failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal server error")
		return
	}

	key, err := h.db.CreateAPIKey(r.Context(), model.APIKey{
		KeyHash:     hash,
		Name:        req.Name,
		Description: req.Description,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	h.logger.Info("api key created",
		"key_id", key.ID,
		"name", key.Name,
		"actor", ctxutil.PrincipalFromContext(r.Context()).Actor(),
	)

	writeJSON(w, r, http.StatusCreated, model.APIKeyWithRawKey{
		APIKey: key,
		RawKey: model.FormatRawKey(key.ID, secret),
	})
}

// HandleListKeys lists API keys. Hashes are never serialized.
func (h *Handlers) HandleListKeys(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	keys, total, err := h.db.ListAPIKeys(r.Context(), limit, offset)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeList(w, r, keys, total, limit, offset)
}

// HandleRevokeKey deactivates an API key. Revocation is immediate: the auth
// middleware only loads active keys.
func (h *Handlers) HandleRevokeKey(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "key_id")
	if !ok {
		return
	}

	if err := h.db.RevokeAPIKey(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "api key not found")
			return
		}
		h.writeServiceError(w, r, err)
		return
	}

	h.logger.Info("api key revoked",
		"key_id", id,
		"actor", ctxutil.PrincipalFromContext(r.Context()).Actor(),
	)

	w.WriteHeader(http.StatusNoContent)
}
