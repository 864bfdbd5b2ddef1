package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/soudan-ai/soudan/internal/model"
)

// requestColumns is the column list shared by every consultation_requests
// query so scanRequest stays in sync with a single definition.
const requestColumns = `id, title, description, context, metadata,
	callback_webhook, callback_secret, state,
	response, responded_by, responded_at,
	callback_sent_at, timeout_at, created_at, updated_at`

func scanRequest(row pgx.Row) (model.ConsultationRequest, error) {
	var r model.ConsultationRequest
	err := row.Scan(
		&r.ID, &r.Title, &r.Description, &r.Context, &r.Metadata,
		&r.CallbackWebhook, &r.CallbackSecret, &r.State,
		&r.Response, &r.RespondedBy, &r.RespondedAt,
		&r.CallbackSentAt, &r.TimeoutAt, &r.CreatedAt, &r.UpdatedAt,
	)
	return r, err
}

// CreateRequest inserts a new consultation request in state pending.
func (db *DB) CreateRequest(ctx context.Context, req model.ConsultationRequest) (model.ConsultationRequest, error) {
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	if req.Context == nil {
		req.Context = map[string]any{}
	}
	if req.Metadata == nil {
		req.Metadata = map[string]any{}
	}

	row := db.pool.QueryRow(ctx,
		`INSERT INTO consultation_requests
		   (id, title, description, context, metadata, callback_webhook, callback_secret, state, timeout_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING `+requestColumns,
		req.ID, req.Title, req.Description, req.Context, req.Metadata,
		req.CallbackWebhook, req.CallbackSecret, model.StatePending, req.TimeoutAt,
	)
	created, err := scanRequest(row)
	if err != nil {
		return model.ConsultationRequest{}, fmt.Errorf("storage: create request: %w", err)
	}
	return created, nil
}

// GetRequest retrieves a consultation request by id.
// Returns ErrNotFound if no such request exists.
func (db *DB) GetRequest(ctx context.Context, id uuid.UUID) (model.ConsultationRequest, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+requestColumns+` FROM consultation_requests WHERE id = $1`, id,
	)
	req, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ConsultationRequest{}, fmt.Errorf("storage: request %s: %w", id, ErrNotFound)
		}
		return model.ConsultationRequest{}, fmt.Errorf("storage: get request: %w", err)
	}
	return req, nil
}

// RequestFilter narrows ListRequests. A nil State matches all states.
type RequestFilter struct {
	State  *model.RequestState
	Limit  int
	Offset int
}

// ListRequests returns requests newest-first with pagination.
func (db *DB) ListRequests(ctx context.Context, filter RequestFilter) ([]model.ConsultationRequest, int, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	var total int
	if err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM consultation_requests WHERE ($1::text IS NULL OR state = $1)`,
		filter.State,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count requests: %w", err)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT `+requestColumns+`
		 FROM consultation_requests
		 WHERE ($1::text IS NULL OR state = $1)
		 ORDER BY created_at DESC
		 LIMIT $2 OFFSET $3`,
		filter.State, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list requests: %w", err)
	}
	defer rows.Close()

	var reqs []model.ConsultationRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("storage: scan request: %w", err)
		}
		reqs = append(reqs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("storage: list requests: %w", err)
	}
	return reqs, total, nil
}

// MarkResponded records a reviewer response on a pending request and moves it
// to responded. The guarded UPDATE makes concurrent responders race on the
// row: exactly one wins, the rest get a StateConflictError.
func (db *DB) MarkResponded(ctx context.Context, id uuid.UUID, response model.ResponsePayload, respondedBy uuid.UUID, respondedAt time.Time) (model.ConsultationRequest, error) {
	row := db.pool.QueryRow(ctx,
		`UPDATE consultation_requests
		 SET state = $2, response = $3, responded_by = $4, responded_at = $5, updated_at = now()
		 WHERE id = $1 AND state = $6
		 RETURNING `+requestColumns,
		id, model.StateResponded, response, respondedBy, respondedAt, model.StatePending,
	)
	req, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ConsultationRequest{}, db.transitionConflict(ctx, id)
		}
		return model.ConsultationRequest{}, fmt.Errorf("storage: mark responded: %w", err)
	}
	return req, nil
}

// MarkCallbackSent moves a responded request to callback_sent after a
// successful webhook delivery.
func (db *DB) MarkCallbackSent(ctx context.Context, id uuid.UUID) (model.ConsultationRequest, error) {
	row := db.pool.QueryRow(ctx,
		`UPDATE consultation_requests
		 SET state = $2, callback_sent_at = now(), updated_at = now()
		 WHERE id = $1 AND state = $3
		 RETURNING `+requestColumns,
		id, model.StateCallbackSent, model.StateResponded,
	)
	req, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ConsultationRequest{}, db.transitionConflict(ctx, id)
		}
		return model.ConsultationRequest{}, fmt.Errorf("storage: mark callback sent: %w", err)
	}
	return req, nil
}

// MarkCallbackFailed moves a responded request to callback_failed after the
// delivery sequence exhausted its attempts.
func (db *DB) MarkCallbackFailed(ctx context.Context, id uuid.UUID) (model.ConsultationRequest, error) {
	row := db.pool.QueryRow(ctx,
		`UPDATE consultation_requests
		 SET state = $2, updated_at = now()
		 WHERE id = $1 AND state = $3
		 RETURNING `+requestColumns,
		id, model.StateCallbackFailed, model.StateResponded,
	)
	req, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ConsultationRequest{}, db.transitionConflict(ctx, id)
		}
		return model.ConsultationRequest{}, fmt.Errorf("storage: mark callback failed: %w", err)
	}
	return req, nil
}

// ExpireRequest moves a pending request to timeout. Requests that have
// already been responded to are left untouched; the caller gets a
// StateConflictError naming the state that blocked the move.
func (db *DB) ExpireRequest(ctx context.Context, id uuid.UUID) (model.ConsultationRequest, error) {
	row := db.pool.QueryRow(ctx,
		`UPDATE consultation_requests
		 SET state = $2, updated_at = now()
		 WHERE id = $1 AND state = $3
		 RETURNING `+requestColumns,
		id, model.StateTimeout, model.StatePending,
	)
	req, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ConsultationRequest{}, db.transitionConflict(ctx, id)
		}
		return model.ConsultationRequest{}, fmt.Errorf("storage: expire request: %w", err)
	}
	return req, nil
}

// CompleteRequest moves a responded or callback_sent request to completed.
func (db *DB) CompleteRequest(ctx context.Context, id uuid.UUID) (model.ConsultationRequest, error) {
	row := db.pool.QueryRow(ctx,
		`UPDATE consultation_requests
		 SET state = $2, updated_at = now()
		 WHERE id = $1 AND state IN ($3, $4)
		 RETURNING `+requestColumns,
		id, model.StateCompleted, model.StateResponded, model.StateCallbackSent,
	)
	req, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ConsultationRequest{}, db.transitionConflict(ctx, id)
		}
		return model.ConsultationRequest{}, fmt.Errorf("storage: complete request: %w", err)
	}
	return req, nil
}

// ListOverdueRequests returns pending requests whose deadline has passed,
// oldest first. The timeout sweeper feeds these to ExpireRequest one at a
// time so a concurrent response can still win the race per request.
func (db *DB) ListOverdueRequests(ctx context.Context, asOf time.Time, limit int) ([]model.ConsultationRequest, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+requestColumns+`
		 FROM consultation_requests
		 WHERE state = $1 AND timeout_at IS NOT NULL AND timeout_at <= $2
		 ORDER BY timeout_at ASC
		 LIMIT $3`,
		model.StatePending, asOf, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list overdue requests: %w", err)
	}
	defer rows.Close()

	var reqs []model.ConsultationRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan request: %w", err)
		}
		reqs = append(reqs, r)
	}
	return reqs, rows.Err()
}

// transitionConflict distinguishes "no such request" from "request exists but
// is in the wrong state" after a guarded UPDATE matched zero rows.
func (db *DB) transitionConflict(ctx context.Context, id uuid.UUID) error {
	var state model.RequestState
	err := db.pool.QueryRow(ctx,
		`SELECT state FROM consultation_requests WHERE id = $1`, id,
	).Scan(&state)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("storage: request %s: %w", id, ErrNotFound)
		}
		return fmt.Errorf("storage: resolve transition conflict: %w", err)
	}
	return &StateConflictError{Current: state}
}
