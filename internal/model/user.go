package model

import (
	"time"

	"github.com/google/uuid"
)

// UserRole is a reviewer's RBAC role.
type UserRole string

const (
	// RoleReviewer can list, view, and respond to consultation requests.
	RoleReviewer UserRole = "reviewer"
	// RoleAdmin additionally manages users and API keys, and may expire
	// requests on behalf of the timeout sweeper.
	RoleAdmin UserRole = "admin"
)

// IsValidRole reports whether r is a known user role.
func IsValidRole(r UserRole) bool {
	return r == RoleReviewer || r == RoleAdmin
}

// User is a human reviewer who logs in to answer consultation requests.
// Deactivation is a soft delete: responses keep their responded_by reference.
type User struct {
	ID           uuid.UUID `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	PasswordHash string    `json:"-"` // Argon2id; never serialized.
	Role         UserRole  `json:"role"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
