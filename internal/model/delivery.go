package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MaxDeliveryBodyLen bounds the stored response body and error message of a
// delivery attempt so a chatty endpoint cannot bloat the audit table.
const MaxDeliveryBodyLen = 1000

// WebhookDelivery is the audit record of a single webhook attempt — one row
// per attempt, not per request. The rows for a request, ordered by
// retry_count, reconstruct the full retry history of its delivery sequence.
type WebhookDelivery struct {
	ID         uuid.UUID       `json:"id"`
	RequestID  uuid.UUID       `json:"request_id"`
	WebhookURL string          `json:"webhook_url"`
	Payload    json.RawMessage `json:"payload"`

	// StatusCode is nil when no HTTP response was received at all
	// (connect failure, timeout). A non-2xx status is still a failure
	// even with an empty Error.
	StatusCode   *int    `json:"status_code,omitempty"`
	ResponseBody *string `json:"response_body,omitempty"`
	Error        *string `json:"error,omitempty"`

	// RetryCount is the zero-based attempt index within the delivery sequence.
	RetryCount int       `json:"retry_count"`
	CreatedAt  time.Time `json:"created_at"`
}

// IsSuccess reports whether the attempt received a 2xx response.
func (d *WebhookDelivery) IsSuccess() bool {
	return d.StatusCode != nil && *d.StatusCode >= 200 && *d.StatusCode < 300
}

// IsRetriable classifies the failure for monitoring and backfill tooling:
// network-level failures (no status) and 5xx responses are transient, 4xx
// responses are the sender's fault and will not fix themselves. The delivery
// engine's attempt loop is a fixed three attempts regardless — this predicate
// does not short-circuit it.
func (d *WebhookDelivery) IsRetriable() bool {
	if d.StatusCode == nil {
		return true
	}
	return *d.StatusCode >= 500 && *d.StatusCode < 600
}

// Truncate bounds s to MaxDeliveryBodyLen for storage.
func Truncate(s string) string {
	if len(s) > MaxDeliveryBodyLen {
		return s[:MaxDeliveryBodyLen]
	}
	return s
}
