// Package requests provides the shared business logic for consultation
// request operations.
//
// Both the HTTP API and MCP server delegate to this service, eliminating
// duplicated logic and ensuring consistent behavior (lifecycle guards,
// webhook dispatch, notification) across all interfaces.
package requests

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/soudan-ai/soudan/internal/model"
	"github.com/soudan-ai/soudan/internal/storage"
	"github.com/soudan-ai/soudan/internal/telemetry"
)

// Dispatcher triggers webhook delivery for a responded request.
// Dispatch must not block: the HTTP response to the reviewer returns
// before the first delivery attempt is made.
type Dispatcher interface {
	Dispatch(requestID uuid.UUID)
}

// Notifier sends human-facing notifications about lifecycle events.
// Implementations must not block and must contain their own failures.
type Notifier interface {
	RequestCreated(ctx context.Context, req model.ConsultationRequest)
	RequestResponded(ctx context.Context, req model.ConsultationRequest)
	RequestExpired(ctx context.Context, req model.ConsultationRequest)
}

// Service encapsulates request business logic shared by HTTP and MCP handlers.
type Service struct {
	db             *storage.DB
	dispatcher     Dispatcher
	notifier       Notifier
	logger         *slog.Logger
	defaultTimeout time.Duration

	requestsCreated   metric.Int64Counter
	responsesRecorded metric.Int64Counter
	requestsExpired   metric.Int64Counter
}

// New creates a new request Service.
// dispatcher may be nil if webhook delivery is not configured (requests with
// a callback then stay in responded until completed manually).
// notifier may be nil if notification is not configured.
func New(db *storage.DB, dispatcher Dispatcher, notifier Notifier, logger *slog.Logger, defaultTimeout time.Duration) *Service {
	meter := telemetry.Meter("soudan/requests")
	created, _ := meter.Int64Counter("soudan.requests.created",
		metric.WithDescription("Consultation requests created"),
	)
	responded, _ := meter.Int64Counter("soudan.requests.responded",
		metric.WithDescription("Reviewer responses recorded"),
	)
	expired, _ := meter.Int64Counter("soudan.requests.expired",
		metric.WithDescription("Requests expired by the timeout sweeper"),
	)
	return &Service{
		db:                db,
		dispatcher:        dispatcher,
		notifier:          notifier,
		logger:            logger,
		defaultTimeout:    defaultTimeout,
		requestsCreated:   created,
		responsesRecorded: responded,
		requestsExpired:   expired,
	}
}

// Create validates and stores a new consultation request in state pending.
func (s *Service) Create(ctx context.Context, input model.CreateRequestInput) (model.ConsultationRequest, error) {
	if err := input.Validate(); err != nil {
		return model.ConsultationRequest{}, &ValidationError{Err: err}
	}

	req := model.ConsultationRequest{
		Title:           input.Title,
		Description:     input.Description,
		Context:         input.Context,
		Metadata:        input.Metadata,
		CallbackWebhook: input.CallbackWebhook,
		CallbackSecret:  input.CallbackSecret,
	}

	now := time.Now().UTC()
	switch {
	case input.TimeoutMinutes != nil:
		deadline := now.Add(time.Duration(*input.TimeoutMinutes) * time.Minute)
		req.TimeoutAt = &deadline
	case s.defaultTimeout > 0:
		deadline := now.Add(s.defaultTimeout)
		req.TimeoutAt = &deadline
	}

	created, err := s.db.CreateRequest(ctx, req)
	if err != nil {
		return model.ConsultationRequest{}, fmt.Errorf("requests: create: %w", err)
	}

	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attribute.String("soudan.request_id", created.ID.String()))
	s.requestsCreated.Add(ctx, 1)

	s.publishState(ctx, created)
	if s.notifier != nil {
		s.notifier.RequestCreated(ctx, created)
	}
	return created, nil
}

// Get retrieves a request by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (model.ConsultationRequest, error) {
	return s.db.GetRequest(ctx, id)
}

// List returns requests with optional state filtering and pagination.
func (s *Service) List(ctx context.Context, filter storage.RequestFilter) ([]model.ConsultationRequest, int, error) {
	return s.db.ListRequests(ctx, filter)
}

// Respond records a reviewer's decision on a pending request. On success the
// request is in responded; if a callback is configured, webhook delivery is
// dispatched and the request advances asynchronously to callback_sent or
// callback_failed. A request that already left pending yields a ConflictError
// naming its current state.
func (s *Service) Respond(ctx context.Context, id uuid.UUID, input model.RespondInput, responderID uuid.UUID) (model.ConsultationRequest, error) {
	if err := input.Validate(); err != nil {
		return model.ConsultationRequest{}, &ValidationError{Err: err}
	}

	now := time.Now().UTC()
	response := model.ResponsePayload{
		Decision:    input.Decision,
		Comment:     input.Comment,
		ResponderID: responderID.String(),
		RespondedAt: now.Format(time.RFC3339),
	}

	updated, err := s.db.MarkResponded(ctx, id, response, responderID, now)
	if err != nil {
		return model.ConsultationRequest{}, mapTransitionErr(id, err)
	}

	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("soudan.request_id", id.String()),
		attribute.String("soudan.decision", string(input.Decision)),
	)
	s.responsesRecorded.Add(ctx, 1)

	s.publishState(ctx, updated)
	if s.notifier != nil {
		s.notifier.RequestResponded(ctx, updated)
	}

	if updated.HasWebhook() && s.dispatcher != nil {
		s.dispatcher.Dispatch(updated.ID)
	}
	return updated, nil
}

// Expire moves a pending request to timeout. Used by the sweeper and the
// admin expire endpoint. Losing the race to a concurrent response yields a
// ConflictError — the response stands.
func (s *Service) Expire(ctx context.Context, id uuid.UUID) (model.ConsultationRequest, error) {
	expired, err := s.db.ExpireRequest(ctx, id)
	if err != nil {
		return model.ConsultationRequest{}, mapTransitionErr(id, err)
	}

	s.requestsExpired.Add(ctx, 1)
	s.publishState(ctx, expired)
	if s.notifier != nil {
		s.notifier.RequestExpired(ctx, expired)
	}
	return expired, nil
}

// Complete marks a responded or callback_sent request as fully processed by
// the owning workflow.
func (s *Service) Complete(ctx context.Context, id uuid.UUID) (model.ConsultationRequest, error) {
	done, err := s.db.CompleteRequest(ctx, id)
	if err != nil {
		return model.ConsultationRequest{}, mapTransitionErr(id, err)
	}
	s.publishState(ctx, done)
	return done, nil
}

// Deliveries returns the webhook delivery audit trail for a request.
// Returns storage.ErrNotFound if the request does not exist.
func (s *Service) Deliveries(ctx context.Context, id uuid.UUID) ([]model.WebhookDelivery, error) {
	if _, err := s.db.GetRequest(ctx, id); err != nil {
		return nil, err
	}
	return s.db.ListDeliveries(ctx, id)
}

// SweepOverdue expires every pending request whose deadline has passed and
// returns the number expired. Races lost to concurrent responses are skipped,
// not errors: the response won.
func (s *Service) SweepOverdue(ctx context.Context) (int, error) {
	overdue, err := s.db.ListOverdueRequests(ctx, time.Now().UTC(), 100)
	if err != nil {
		return 0, fmt.Errorf("requests: sweep: %w", err)
	}

	expired := 0
	for _, req := range overdue {
		if _, err := s.Expire(ctx, req.ID); err != nil {
			if IsConflict(err) {
				continue
			}
			return expired, fmt.Errorf("requests: sweep expire %s: %w", req.ID, err)
		}
		expired++
	}
	return expired, nil
}

// publishState sends a lifecycle event on the requests channel for SSE
// subscribers. Non-fatal: a failed notify never fails the operation.
func (s *Service) publishState(ctx context.Context, req model.ConsultationRequest) {
	payload, err := json.Marshal(map[string]any{
		"request_id": req.ID,
		"state":      req.State,
		"title":      req.Title,
	})
	if err != nil {
		s.logger.Error("requests: marshal notify payload", "error", err)
		return
	}
	if err := s.db.Notify(ctx, storage.ChannelRequests, string(payload)); err != nil {
		s.logger.Error("requests: notify subscribers", "error", err)
	}
}
