package model

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Field length limits for caller-supplied request fields. These bound what a
// single request can push into Postgres TEXT/JSONB columns.
const (
	MaxTitleLen       = 255
	MaxDescriptionLen = 16 * 1024 // 16 KB
	MaxCommentLen     = 16 * 1024 // 16 KB
	MaxWebhookURLLen  = 2048
	MaxSecretLen      = 255
	// MaxTimeoutMinutes caps timeout_at at 30 days out.
	MaxTimeoutMinutes = 30 * 24 * 60
)

// privateIPRanges is the set of CIDR blocks considered non-public.
// Populated once at package init; used by ValidateWebhookURL.
var privateIPRanges []*net.IPNet

func init() {
	for _, cidr := range []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"127.0.0.0/8",
		"169.254.0.0/16", // link-local
		"::1/128",
		"fc00::/7",  // unique-local IPv6
		"fe80::/10", // link-local IPv6
	} {
		_, network, err := net.ParseCIDR(cidr)
		if err == nil {
			privateIPRanges = append(privateIPRanges, network)
		}
	}
}

// ValidateWebhookURL ensures a callback_webhook is a publicly-routable
// http/https URL. Rejects other schemes, embedded credentials, and
// private/loopback hosts (the delivery engine would otherwise be an SSRF
// primitive for any agent holding an API key).
func ValidateWebhookURL(rawURL string) error {
	if len(rawURL) > MaxWebhookURLLen {
		return fmt.Errorf("callback_webhook exceeds maximum length of %d characters", MaxWebhookURLLen)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid callback_webhook: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("callback_webhook must use http or https scheme (got %q)", u.Scheme)
	}
	if u.User != nil {
		return fmt.Errorf("callback_webhook must not include credentials")
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("callback_webhook must include a host")
	}
	if strings.EqualFold(host, "localhost") {
		return fmt.Errorf("callback_webhook must not point to localhost")
	}
	if ip := net.ParseIP(host); ip != nil {
		for _, r := range privateIPRanges {
			if r.Contains(ip) {
				return fmt.Errorf("callback_webhook must not point to a private or loopback address")
			}
		}
	}
	return nil
}

// CreateRequestInput is the request body for POST /v1/requests.
type CreateRequestInput struct {
	Title           string         `json:"title"`
	Description     *string        `json:"description,omitempty"`
	Context         map[string]any `json:"context,omitempty"`
	CallbackWebhook *string        `json:"callback_webhook,omitempty"`
	CallbackSecret  *string        `json:"callback_secret,omitempty"`
	TimeoutMinutes  *int           `json:"timeout_minutes,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// Validate checks field presence and limits before any state is created.
func (in CreateRequestInput) Validate() error {
	if strings.TrimSpace(in.Title) == "" {
		return fmt.Errorf("title is required")
	}
	if len(in.Title) > MaxTitleLen {
		return fmt.Errorf("title exceeds maximum length of %d characters", MaxTitleLen)
	}
	if in.Description != nil && len(*in.Description) > MaxDescriptionLen {
		return fmt.Errorf("description exceeds maximum length of %d bytes", MaxDescriptionLen)
	}
	if in.CallbackWebhook != nil && *in.CallbackWebhook != "" {
		if err := ValidateWebhookURL(*in.CallbackWebhook); err != nil {
			return err
		}
	}
	if in.CallbackSecret != nil && len(*in.CallbackSecret) > MaxSecretLen {
		return fmt.Errorf("callback_secret exceeds maximum length of %d characters", MaxSecretLen)
	}
	if in.CallbackSecret != nil && *in.CallbackSecret != "" &&
		(in.CallbackWebhook == nil || *in.CallbackWebhook == "") {
		return fmt.Errorf("callback_secret requires callback_webhook")
	}
	if in.TimeoutMinutes != nil && (*in.TimeoutMinutes < 1 || *in.TimeoutMinutes > MaxTimeoutMinutes) {
		return fmt.Errorf("timeout_minutes must be between 1 and %d", MaxTimeoutMinutes)
	}
	return nil
}

// RespondInput is the request body for POST /v1/requests/{request_id}/respond.
type RespondInput struct {
	Decision Decision `json:"decision"`
	Comment  string   `json:"comment,omitempty"`
}

// Validate checks the decision enum and comment bound.
func (in RespondInput) Validate() error {
	if !IsValidDecision(in.Decision) {
		return fmt.Errorf("decision must be one of approve, reject, request_changes (got %q)", in.Decision)
	}
	if len(in.Comment) > MaxCommentLen {
		return fmt.Errorf("comment exceeds maximum length of %d bytes", MaxCommentLen)
	}
	return nil
}

// AuthTokenRequest is the request body for POST /auth/token.
type AuthTokenRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// AuthTokenResponse is the response for POST /auth/token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CreateUserRequest is the request body for POST /v1/users.
type CreateUserRequest struct {
	Email    string   `json:"email"`
	Name     string   `json:"name"`
	Password string   `json:"password"`
	Role     UserRole `json:"role,omitempty"`
}

// CreateKeyRequest is the request body for POST /v1/keys.
type CreateKeyRequest struct {
	Name        string  `json:"name"`
	Description *string `json:"description,omitempty"`
}

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for paginated list endpoints.
type ListResponse struct {
	Data    any          `json:"data"`
	Total   int          `json:"total"`
	HasMore bool         `json:"has_more"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
	Meta    ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
)

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Postgres string `json:"postgres"`
	Uptime   int64  `json:"uptime_seconds"`
}

// WebhookEventPayload is the wire payload sent to an agent's callback
// endpoint. Field order is part of the signed byte encoding — do not reorder.
type WebhookEventPayload struct {
	Event     string           `json:"event"`
	RequestID uuid.UUID        `json:"request_id"`
	Metadata  map[string]any   `json:"metadata"`
	Response  *ResponsePayload `json:"response"`
}

// EventRequestResponded is the event name carried by webhook payloads.
const EventRequestResponded = "request.responded"
