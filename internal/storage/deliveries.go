package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/soudan-ai/soudan/internal/model"
)

// InsertDelivery records one webhook delivery attempt. Every attempt gets a
// row, success or failure, before the owning request's terminal transition is
// made — a crashed process may leave an extra attempt row but never a
// terminal state without its audit trail.
func (db *DB) InsertDelivery(ctx context.Context, d model.WebhookDelivery) (model.WebhookDelivery, error) {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO webhook_deliveries
		   (id, request_id, webhook_url, payload, status_code, response_body, error, retry_count, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		d.ID, d.RequestID, d.WebhookURL, d.Payload,
		d.StatusCode, d.ResponseBody, d.Error, d.RetryCount, d.CreatedAt,
	)
	if err != nil {
		return model.WebhookDelivery{}, fmt.Errorf("storage: insert delivery: %w", err)
	}
	return d, nil
}

// ListDeliveries returns the delivery attempts for a request in attempt order.
func (db *DB) ListDeliveries(ctx context.Context, requestID uuid.UUID) ([]model.WebhookDelivery, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, request_id, webhook_url, payload, status_code, response_body, error, retry_count, created_at
		 FROM webhook_deliveries
		 WHERE request_id = $1
		 ORDER BY retry_count ASC, created_at ASC`,
		requestID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list deliveries: %w", err)
	}
	defer rows.Close()

	var deliveries []model.WebhookDelivery
	for rows.Next() {
		var d model.WebhookDelivery
		if err := rows.Scan(
			&d.ID, &d.RequestID, &d.WebhookURL, &d.Payload,
			&d.StatusCode, &d.ResponseBody, &d.Error, &d.RetryCount, &d.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan delivery: %w", err)
		}
		deliveries = append(deliveries, d)
	}
	return deliveries, rows.Err()
}

// CountDeliveries returns the number of recorded attempts for a request.
func (db *DB) CountDeliveries(ctx context.Context, requestID uuid.UUID) (int, error) {
	var n int
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM webhook_deliveries WHERE request_id = $1`, requestID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: count deliveries: %w", err)
	}
	return n, nil
}
