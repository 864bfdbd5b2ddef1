package model

import (
	"time"

	"github.com/google/uuid"
)

// RequestState is a consultation request's position in its lifecycle.
type RequestState string

// Lifecycle states. A request starts pending and only ever moves forward:
//
//	pending → responded → callback_sent → completed
//	                    ↘ callback_failed
//	pending → timeout
//
// No transition is reversible.
const (
	StatePending        RequestState = "pending"
	StateResponded      RequestState = "responded"
	StateCallbackSent   RequestState = "callback_sent"
	StateCallbackFailed RequestState = "callback_failed"
	StateCompleted      RequestState = "completed"
	StateTimeout        RequestState = "timeout"
)

// transitions is the full set of legal state changes.
var transitions = map[RequestState][]RequestState{
	StatePending:      {StateResponded, StateTimeout},
	StateResponded:    {StateCallbackSent, StateCallbackFailed, StateCompleted},
	StateCallbackSent: {StateCompleted},
}

// ValidTransition reports whether from → to is a legal lifecycle move.
func ValidTransition(from, to RequestState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition can leave the state.
// callback_failed, completed, and timeout accept no outgoing transitions;
// callback_sent can still be advanced to completed by the owning workflow.
func (s RequestState) IsTerminal() bool {
	return len(transitions[s]) == 0
}

// IsValidState reports whether s is one of the known lifecycle states.
func IsValidState(s RequestState) bool {
	switch s {
	case StatePending, StateResponded, StateCallbackSent,
		StateCallbackFailed, StateCompleted, StateTimeout:
		return true
	}
	return false
}

// Decision is a reviewer's verdict on a consultation request.
type Decision string

const (
	DecisionApprove        Decision = "approve"
	DecisionReject         Decision = "reject"
	DecisionRequestChanges Decision = "request_changes"
)

// IsValidDecision reports whether d is a known decision value.
func IsValidDecision(d Decision) bool {
	switch d {
	case DecisionApprove, DecisionReject, DecisionRequestChanges:
		return true
	}
	return false
}

// ResponsePayload is the human response recorded on a request, set exactly
// once when the request leaves pending. The same object is embedded verbatim
// in the webhook payload, so field order and formats are part of the wire
// contract (responded_at is RFC 3339 / ISO 8601).
type ResponsePayload struct {
	Decision    Decision `json:"decision"`
	Comment     string   `json:"comment"`
	ResponderID string   `json:"responder_id"`
	RespondedAt string   `json:"responded_at"`
}

// ConsultationRequest is one question posed by an agent to a human reviewer,
// tracked through the lifecycle above. Rows are never deleted — a request in
// a terminal state stays as audit history.
type ConsultationRequest struct {
	ID          uuid.UUID      `json:"id"`
	Title       string         `json:"title"`
	Description *string        `json:"description,omitempty"`
	Context     map[string]any `json:"context"`
	Metadata    map[string]any `json:"metadata"`

	// Callback configuration. The secret is used only for signing outbound
	// payloads and is never serialized back to API clients.
	CallbackWebhook *string `json:"callback_webhook,omitempty"`
	CallbackSecret  *string `json:"-"`

	State RequestState `json:"state"`

	Response    *ResponsePayload `json:"response,omitempty"`
	RespondedBy *uuid.UUID       `json:"responded_by,omitempty"`
	RespondedAt *time.Time       `json:"responded_at,omitempty"`

	CallbackSentAt *time.Time `json:"callback_sent_at,omitempty"`
	TimeoutAt      *time.Time `json:"timeout_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasWebhook reports whether a callback endpoint is configured.
// Requests without one never enter callback_sent or callback_failed.
func (r *ConsultationRequest) HasWebhook() bool {
	return r.CallbackWebhook != nil && *r.CallbackWebhook != ""
}
