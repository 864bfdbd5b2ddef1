package soudan

import (
	"time"

	"github.com/google/uuid"
)

// Public mirror types for embedding consumers. They carry no internal
// imports; conversion helpers live in soudan.go, the only file that sees
// both sides of the boundary.

// RequestState is a consultation request's position in its lifecycle.
type RequestState string

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

// Response is the human response recorded on a request.
type Response struct {
	Decision    Decision `json:"decision"`
	Comment     string   `json:"comment"`
	ResponderID string   `json:"responder_id"`
	RespondedAt string   `json:"responded_at"`
}

// Request is one question posed by an agent to a human reviewer.
type Request struct {
	ID          uuid.UUID      `json:"id"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`

	State    RequestState `json:"state"`
	Response *Response    `json:"response,omitempty"`

	TimeoutAt *time.Time `json:"timeout_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}
