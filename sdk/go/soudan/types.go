package soudan

import (
	"time"

	"github.com/google/uuid"
)

// RequestState is a consultation request's position in its lifecycle.
type RequestState string

// Lifecycle states. A request starts pending and only moves forward.
const (
	StatePending        RequestState = "pending"
	StateResponded      RequestState = "responded"
	StateCallbackSent   RequestState = "callback_sent"
	StateCallbackFailed RequestState = "callback_failed"
	StateCompleted      RequestState = "completed"
	StateTimeout        RequestState = "timeout"
)

// Decision is a reviewer's verdict on a consultation request.
type Decision string

const (
	DecisionApprove        Decision = "approve"
	DecisionReject         Decision = "reject"
	DecisionRequestChanges Decision = "request_changes"
)

// ResponsePayload is the human response recorded on a request.
type ResponsePayload struct {
	Decision    Decision `json:"decision"`
	Comment     string   `json:"comment"`
	ResponderID string   `json:"responder_id"`
	RespondedAt string   `json:"responded_at"`
}

// Request is a consultation request as returned by the API.
type Request struct {
	ID              uuid.UUID        `json:"id"`
	Title           string           `json:"title"`
	Description     *string          `json:"description,omitempty"`
	Context         map[string]any   `json:"context"`
	Metadata        map[string]any   `json:"metadata"`
	CallbackWebhook *string          `json:"callback_webhook,omitempty"`
	State           RequestState     `json:"state"`
	Response        *ResponsePayload `json:"response,omitempty"`
	RespondedBy     *uuid.UUID       `json:"responded_by,omitempty"`
	RespondedAt     *time.Time       `json:"responded_at,omitempty"`
	CallbackSentAt  *time.Time       `json:"callback_sent_at,omitempty"`
	TimeoutAt       *time.Time       `json:"timeout_at,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// CreateRequestInput is the body for creating a consultation request.
type CreateRequestInput struct {
	Title           string         `json:"title"`
	Description     *string        `json:"description,omitempty"`
	Context         map[string]any `json:"context,omitempty"`
	CallbackWebhook *string        `json:"callback_webhook,omitempty"`
	CallbackSecret  *string        `json:"callback_secret,omitempty"`
	TimeoutMinutes  *int           `json:"timeout_minutes,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// Delivery is one webhook delivery attempt from a request's audit trail.
type Delivery struct {
	ID           uuid.UUID `json:"id"`
	RequestID    uuid.UUID `json:"request_id"`
	StatusCode   *int      `json:"status_code,omitempty"`
	ResponseBody *string   `json:"response_body,omitempty"`
	Error        *string   `json:"error,omitempty"`
	RetryCount   int       `json:"retry_count"`
	CreatedAt    time.Time `json:"created_at"`
}

// WebhookEvent is the payload POSTed to a callback endpoint when a request
// is answered.
type WebhookEvent struct {
	Event     string           `json:"event"`
	RequestID uuid.UUID        `json:"request_id"`
	Metadata  map[string]any   `json:"metadata"`
	Response  *ResponsePayload `json:"response"`
}

// EventRequestResponded is the event name carried by webhook payloads.
const EventRequestResponded = "request.responded"

// HealthResponse is the server's health report.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Postgres string `json:"postgres"`
	Uptime   int64  `json:"uptime_seconds"`
}

// ListOptions control pagination and filtering for ListRequests.
type ListOptions struct {
	State  RequestState
	Limit  int
	Offset int
}
