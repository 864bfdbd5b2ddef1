package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/soudan-ai/soudan/internal/model"
)

const userColumns = `id, email, name, password_hash, role, is_active, created_at, updated_at`

func scanUser(row pgx.Row) (model.User, error) {
	var u model.User
	err := row.Scan(
		&u.ID, &u.Email, &u.Name, &u.PasswordHash,
		&u.Role, &u.IsActive, &u.CreatedAt, &u.UpdatedAt,
	)
	return u, err
}

// CreateUser inserts a new reviewer. Email uniqueness is enforced by the
// database; a duplicate surfaces as a pgconn unique_violation.
func (db *DB) CreateUser(ctx context.Context, user model.User) (model.User, error) {
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	row := db.pool.QueryRow(ctx,
		`INSERT INTO users (id, email, name, password_hash, role, is_active)
		 VALUES ($1, $2, $3, $4, $5, true)
		 RETURNING `+userColumns,
		user.ID, user.Email, user.Name, user.PasswordHash, user.Role,
	)
	created, err := scanUser(row)
	if err != nil {
		return model.User{}, fmt.Errorf("storage: create user: %w", err)
	}
	return created, nil
}

// GetUserByEmail retrieves an active user by email for login.
// Returns ErrNotFound if no active user has that email.
func (db *DB) GetUserByEmail(ctx context.Context, email string) (model.User, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = $1 AND is_active = true`, email,
	)
	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.User{}, ErrNotFound
		}
		return model.User{}, fmt.Errorf("storage: get user by email: %w", err)
	}
	return u, nil
}

// GetUserByID retrieves a user by id, active or not.
func (db *DB) GetUserByID(ctx context.Context, id uuid.UUID) (model.User, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id,
	)
	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.User{}, fmt.Errorf("storage: user %s: %w", id, ErrNotFound)
		}
		return model.User{}, fmt.Errorf("storage: get user: %w", err)
	}
	return u, nil
}

// ListUsers returns all users with pagination, newest first. Includes
// deactivated users for admin visibility.
func (db *DB) ListUsers(ctx context.Context, limit, offset int) ([]model.User, int, error) {
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
	if err := db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM users`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count users: %w", err)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT `+userColumns+` FROM users ORDER BY created_at DESC LIMIT $1 OFFSET $2`,
		limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list users: %w", err)
	}
	defer rows.Close()

	var users []model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("storage: scan user: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("storage: list users: %w", err)
	}
	return users, total, nil
}

// ListActiveUserEmails returns the addresses of all active users, for
// lifecycle notification fan-out.
func (db *DB) ListActiveUserEmails(ctx context.Context) ([]string, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT email FROM users WHERE is_active = true ORDER BY email`,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list user emails: %w", err)
	}
	defer rows.Close()

	var emails []string
	for rows.Next() {
		var e string
		if err := rows.Scan(&e); err != nil {
			return nil, fmt.Errorf("storage: scan email: %w", err)
		}
		emails = append(emails, e)
	}
	return emails, rows.Err()
}

// DeactivateUser soft-deletes a user. Their past responses keep their
// responded_by reference.
func (db *DB) DeactivateUser(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE users SET is_active = false, updated_at = now() WHERE id = $1 AND is_active = true`,
		id,
	)
	if err != nil {
		return fmt.Errorf("storage: deactivate user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: user %s: %w", id, ErrNotFound)
	}
	return nil
}
