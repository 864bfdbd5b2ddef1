// Package ctxutil provides shared context key accessors.
//
// This package exists to break the circular dependency between server and mcp:
// server imports mcp for MCP server setup, and mcp needs to read the
// authenticated principal from the context that server's auth middleware
// populates. Both packages import ctxutil instead of each other.
package ctxutil

import (
	"context"

	"github.com/google/uuid"

	"github.com/soudan-ai/soudan/internal/model"
)

type contextKey string

const keyPrincipal contextKey = "principal"

// PrincipalKind distinguishes how a request was authenticated.
type PrincipalKind string

const (
	// PrincipalUser is a human reviewer authenticated with a JWT.
	PrincipalUser PrincipalKind = "user"
	// PrincipalAPIKey is an agent authenticated with an sk_ API key.
	PrincipalAPIKey PrincipalKind = "api_key"
)

// Principal is the authenticated caller of a request. Exactly one of the
// user fields or the API key fields is populated, per Kind.
type Principal struct {
	Kind PrincipalKind

	// Populated when Kind == PrincipalUser.
	UserID uuid.UUID
	Email  string
	Role   model.UserRole

	// Populated when Kind == PrincipalAPIKey.
	APIKeyID uuid.UUID
	KeyName  string
}

// IsAdmin reports whether the principal is an admin reviewer.
func (p *Principal) IsAdmin() bool {
	return p != nil && p.Kind == PrincipalUser && p.Role == model.RoleAdmin
}

// IsUser reports whether the principal is a human reviewer of any role.
func (p *Principal) IsUser() bool {
	return p != nil && p.Kind == PrincipalUser
}

// IsAgent reports whether the principal authenticated with an API key.
func (p *Principal) IsAgent() bool {
	return p != nil && p.Kind == PrincipalAPIKey
}

// Actor returns a stable identifier for audit logging: the user id for
// reviewers, the key id for agents.
func (p *Principal) Actor() string {
	switch {
	case p == nil:
		return ""
	case p.Kind == PrincipalUser:
		return p.UserID.String()
	default:
		return p.APIKeyID.String()
	}
}

// WithPrincipal returns a new context carrying the given principal.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, keyPrincipal, p)
}

// PrincipalFromContext extracts the authenticated principal from the context.
// Returns nil if the request was not authenticated.
func PrincipalFromContext(ctx context.Context) *Principal {
	if v, ok := ctx.Value(keyPrincipal).(*Principal); ok {
		return v
	}
	return nil
}
