package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/soudan-ai/soudan/internal/model"
)

const apiKeyColumns = `id, key_hash, name, description, is_active, created_at, updated_at`

func scanAPIKey(row pgx.Row) (model.APIKey, error) {
	var k model.APIKey
	err := row.Scan(
		&k.ID, &k.KeyHash, &k.Name, &k.Description,
		&k.IsActive, &k.CreatedAt, &k.UpdatedAt,
	)
	return k, err
}

// CreateAPIKey inserts a new API key. Only the hash of the secret half is
// stored; the caller holds the raw key for one-time display.
func (db *DB) CreateAPIKey(ctx context.Context, key model.APIKey) (model.APIKey, error) {
	if key.ID == uuid.Nil {
		key.ID = uuid.New()
	}
	row := db.pool.QueryRow(ctx,
		`INSERT INTO api_keys (id, key_hash, name, description, is_active)
		 VALUES ($1, $2, $3, $4, true)
		 RETURNING `+apiKeyColumns,
		key.ID, key.KeyHash, key.Name, key.Description,
	)
	created, err := scanAPIKey(row)
	if err != nil {
		return model.APIKey{}, fmt.Errorf("storage: create api key: %w", err)
	}
	return created, nil
}

// GetActiveAPIKey retrieves an active API key by id for authentication.
// The key id is embedded in the presented token, so verification is this
// single lookup plus one Argon2 comparison.
// Returns ErrNotFound if the key does not exist or has been revoked.
func (db *DB) GetActiveAPIKey(ctx context.Context, id uuid.UUID) (model.APIKey, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE id = $1 AND is_active = true`, id,
	)
	k, err := scanAPIKey(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.APIKey{}, ErrNotFound
		}
		return model.APIKey{}, fmt.Errorf("storage: get active api key: %w", err)
	}
	return k, nil
}

// ListAPIKeys returns all API keys with pagination, newest first. Includes
// revoked keys for admin visibility.
func (db *DB) ListAPIKeys(ctx context.Context, limit, offset int) ([]model.APIKey, int, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}

	var total int
	if err := db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM api_keys`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count api keys: %w", err)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys ORDER BY created_at DESC LIMIT $1 OFFSET $2`,
		limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list api keys: %w", err)
	}
	defer rows.Close()

	var keys []model.APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("storage: scan api key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("storage: list api keys: %w", err)
	}
	return keys, total, nil
}

// RevokeAPIKey deactivates a key. Revocation is permanent; issue a new key
// instead of reactivating.
func (db *DB) RevokeAPIKey(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE api_keys SET is_active = false, updated_at = now() WHERE id = $1 AND is_active = true`,
		id,
	)
	if err != nil {
		return fmt.Errorf("storage: revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: api key %s: %w", id, ErrNotFound)
	}
	return nil
}
