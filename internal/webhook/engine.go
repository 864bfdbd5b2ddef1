// Package webhook delivers signed callback payloads to agent endpoints and
// records an audit row for every attempt.
//
// A delivery sequence is a bounded loop of attempts against a single
// endpoint. The payload bytes and signature are fixed once before the first
// attempt, so every attempt in a sequence sends identical bytes. Attempt rows
// are written before the owning request's terminal transition: a crash can
// leave an extra attempt row, never a terminal state without its audit trail.
package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/soudan-ai/soudan/internal/model"
	"github.com/soudan-ai/soudan/internal/signature"
	"github.com/soudan-ai/soudan/internal/storage"
	"github.com/soudan-ai/soudan/internal/telemetry"
)

// SignatureHeader carries the HMAC-SHA256 signature of the request body.
const SignatureHeader = "X-Webhook-Signature"

// maxResponseRead bounds how much of an endpoint's response body is read.
// Stored bodies are further truncated to model.MaxDeliveryBodyLen.
const maxResponseRead = 64 * 1024

// Store is the storage surface the engine needs. *storage.DB satisfies it;
// tests substitute an in-memory fake.
type Store interface {
	GetRequest(ctx context.Context, id uuid.UUID) (model.ConsultationRequest, error)
	InsertDelivery(ctx context.Context, d model.WebhookDelivery) (model.WebhookDelivery, error)
	MarkCallbackSent(ctx context.Context, id uuid.UUID) (model.ConsultationRequest, error)
	MarkCallbackFailed(ctx context.Context, id uuid.UUID) (model.ConsultationRequest, error)
}

// Engine runs delivery sequences.
type Engine struct {
	store       Store
	client      *http.Client
	logger      *slog.Logger
	maxAttempts int
	backoffBase time.Duration

	attempts  metric.Int64Counter
	sequences metric.Int64Counter
	duration  metric.Float64Histogram
}

// Config tunes an Engine. Zero values fall back to production defaults:
// 3 attempts, 30s per-attempt timeout, 1s backoff base.
type Config struct {
	MaxAttempts int
	Timeout     time.Duration
	BackoffBase time.Duration
}

// NewEngine creates a delivery engine.
func NewEngine(store Store, cfg Config, logger *slog.Logger) *Engine {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}

	meter := telemetry.Meter("soudan/webhook")
	attempts, _ := meter.Int64Counter("soudan.webhook.attempts",
		metric.WithDescription("Webhook delivery attempts"),
	)
	sequences, _ := meter.Int64Counter("soudan.webhook.sequences",
		metric.WithDescription("Completed delivery sequences by outcome"),
	)
	duration, _ := meter.Float64Histogram("soudan.webhook.attempt.duration",
		metric.WithDescription("Webhook attempt round-trip time (ms)"),
		metric.WithUnit("ms"),
	)

	return &Engine{
		store:       store,
		client:      &http.Client{Timeout: cfg.Timeout},
		logger:      logger,
		maxAttempts: cfg.MaxAttempts,
		backoffBase: cfg.BackoffBase,
		attempts:    attempts,
		sequences:   sequences,
		duration:    duration,
	}
}

// Deliver runs one delivery sequence for a responded request. It is a no-op
// for requests without a callback or requests that already left responded —
// a duplicate dispatch after the sequence finished cannot send again.
//
// Context cancellation aborts the sequence between attempts without a
// terminal transition; the request stays in responded for a later retry.
func (e *Engine) Deliver(ctx context.Context, requestID uuid.UUID) error {
	req, err := e.store.GetRequest(ctx, requestID)
	if err != nil {
		return fmt.Errorf("webhook: load request: %w", err)
	}
	if !req.HasWebhook() {
		return nil
	}
	if req.State != model.StateResponded {
		e.logger.Debug("webhook: request not in responded, skipping delivery",
			"request_id", requestID, "state", req.State)
		return nil
	}
	if req.Response == nil {
		return fmt.Errorf("webhook: request %s is responded but has no response", requestID)
	}

	// Fix the payload bytes and signature once for the whole sequence.
	payload := model.WebhookEventPayload{
		Event:     model.EventRequestResponded,
		RequestID: req.ID,
		Metadata:  req.Metadata,
		Response:  req.Response,
	}
	raw, err := signature.Canonicalize(payload)
	if err != nil {
		return fmt.Errorf("webhook: encode payload: %w", err)
	}
	var sig string
	if req.CallbackSecret != nil && *req.CallbackSecret != "" {
		sig = signature.SignBytes(raw, *req.CallbackSecret)
	}

	url := *req.CallbackWebhook
	var lastErr error
	for attempt := range e.maxAttempts {
		if attempt > 0 {
			delay := e.backoffBase << (attempt - 1)
			select {
			case <-ctx.Done():
				return fmt.Errorf("webhook: sequence aborted: %w", ctx.Err())
			case <-time.After(delay):
			}
		}

		row, err := e.attemptOnce(ctx, url, raw, sig)
		row.RequestID = req.ID
		row.RetryCount = attempt
		lastErr = err

		// Record the attempt before any state transition.
		if _, insErr := e.store.InsertDelivery(ctx, row); insErr != nil {
			e.logger.Error("webhook: record delivery attempt",
				"request_id", req.ID, "attempt", attempt, "error", insErr)
		}
		e.attempts.Add(ctx, 1, metric.WithAttributes(
			attribute.Bool("success", row.IsSuccess()),
		))

		if row.IsSuccess() {
			if _, err := e.store.MarkCallbackSent(ctx, req.ID); err != nil {
				var conflict *storage.StateConflictError
				if errors.As(err, &conflict) {
					e.logger.Warn("webhook: delivered but request had moved on",
						"request_id", req.ID, "state", conflict.Current)
					return nil
				}
				return fmt.Errorf("webhook: mark callback sent: %w", err)
			}
			e.sequences.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "sent")))
			e.logger.Info("webhook: delivered",
				"request_id", req.ID, "attempt", attempt, "url", url)
			return nil
		}

		if ctx.Err() != nil {
			return fmt.Errorf("webhook: sequence aborted: %w", ctx.Err())
		}
	}

	if _, err := e.store.MarkCallbackFailed(ctx, req.ID); err != nil {
		var conflict *storage.StateConflictError
		if errors.As(err, &conflict) {
			e.logger.Warn("webhook: delivery failed but request had moved on",
				"request_id", req.ID, "state", conflict.Current)
			return nil
		}
		return fmt.Errorf("webhook: mark callback failed: %w", err)
	}
	e.sequences.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "failed")))
	e.logger.Warn("webhook: delivery failed after all attempts",
		"request_id", req.ID, "attempts", e.maxAttempts, "url", url, "error", lastErr)
	return fmt.Errorf("webhook: delivery to %s failed after %d attempts: %w", url, e.maxAttempts, lastErr)
}

// attemptOnce makes a single POST and returns the audit row for it. The row
// is always usable even when err is non-nil.
func (e *Engine) attemptOnce(ctx context.Context, url string, raw []byte, sig string) (model.WebhookDelivery, error) {
	row := model.WebhookDelivery{
		WebhookURL: url,
		Payload:    append([]byte(nil), raw...),
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		msg := model.Truncate(err.Error())
		row.Error = &msg
		return row, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if sig != "" {
		httpReq.Header.Set(SignatureHeader, sig)
	}

	start := time.Now()
	resp, err := e.client.Do(httpReq)
	e.duration.Record(ctx, float64(time.Since(start).Milliseconds()))
	if err != nil {
		// No HTTP response at all: status stays nil.
		msg := model.Truncate(err.Error())
		row.Error = &msg
		return row, err
	}
	defer func() { _ = resp.Body.Close() }()

	status := resp.StatusCode
	row.StatusCode = &status

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseRead))
	if readErr != nil {
		msg := model.Truncate(readErr.Error())
		row.Error = &msg
	}
	if len(body) > 0 {
		stored := model.Truncate(string(body))
		row.ResponseBody = &stored
	}

	if status < 200 || status >= 300 {
		return row, fmt.Errorf("webhook: endpoint returned %d", status)
	}
	return row, nil
}
