package server

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/soudan-ai/soudan/internal/ctxutil"
	"github.com/soudan-ai/soudan/internal/model"
	"github.com/soudan-ai/soudan/internal/storage"
)

// HandleCreateRequest creates a consultation request.
func (h *Handlers) HandleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var input model.CreateRequestInput
	if err := decodeJSON(w, r, &input, h.maxBody); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}

	req, err := h.requests.Create(r.Context(), input)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusCreated, req)
}

// HandleListRequests lists consultation requests, optionally filtered by state.
func (h *Handlers) HandleListRequests(w http.ResponseWriter, r *http.Request) {
	filter := storage.RequestFilter{
		Limit:  queryInt(r, "limit", 50),
		Offset: queryInt(r, "offset", 0),
	}
	if raw := r.URL.Query().Get("state"); raw != "" {
		state := model.RequestState(raw)
		if !model.IsValidState(state) {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "unknown state "+strconv.Quote(raw))
			return
		}
		filter.State = &state
	}

	list, total, err := h.requests.List(r.Context(), filter)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeList(w, r, list, total, filter.Limit, filter.Offset)
}

// HandleGetRequest fetches a single consultation request by id.
func (h *Handlers) HandleGetRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "request_id")
	if !ok {
		return
	}

	req, err := h.requests.Get(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, req)
}

// HandleRespond records a reviewer's decision on a pending request.
// The responder is taken from the authenticated principal, never the body.
func (h *Handlers) HandleRespond(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "request_id")
	if !ok {
		return
	}

	var input model.RespondInput
	if err := decodeJSON(w, r, &input, h.maxBody); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}

	principal := ctxutil.PrincipalFromContext(r.Context())
	req, err := h.requests.Respond(r.Context(), id, input, principal.UserID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, req)
}

// HandleExpire forces a pending request into the timeout state.
func (h *Handlers) HandleExpire(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "request_id")
	if !ok {
		return
	}

	req, err := h.requests.Expire(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, req)
}

// HandleComplete acknowledges a responded or delivered request as done.
func (h *Handlers) HandleComplete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "request_id")
	if !ok {
		return
	}

	req, err := h.requests.Complete(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, req)
}

// HandleListDeliveries returns the webhook delivery audit trail for a request.
func (h *Handlers) HandleListDeliveries(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "request_id")
	if !ok {
		return
	}

	deliveries, err := h.requests.Deliveries(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, deliveries)
}

// pathUUID parses a UUID path segment, writing a 400 on failure.
func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

// queryInt parses an integer query parameter, falling back to def when
// absent or malformed.
func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}
