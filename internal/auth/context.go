// ABOUTME: Authentication context for tracking identity through request handlers
// ABOUTME: Provides WithIdentity/FromContext for propagating auth info via context

package auth

import (
	"context"
)

// IsAgent returns true if the identity may act on the agent escalation queue.
// Admins can claim conversations too, for operational takeover.
func (id *Identity) IsAgent() bool {
	return id.Role == RoleAgent || id.Role == RoleAdmin
}

// IsAdmin returns true if the identity has the admin role.
func (id *Identity) IsAdmin() bool {
	return id.Role == RoleAdmin
}

// identityKey is the key type for storing an Identity in context.Context.
type identityKey struct{}

// WithIdentity returns a new context with the Identity attached.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext retrieves the Identity from the context, returning nil if not present.
func FromContext(ctx context.Context) *Identity {
	val := ctx.Value(identityKey{})
	if val == nil {
		return nil
	}
	id, ok := val.(*Identity)
	if !ok {
		return nil
	}
	return id
}

// MustFromContext retrieves the Identity from the context, panicking if not present.
func MustFromContext(ctx context.Context) *Identity {
	id := FromContext(ctx)
	if id == nil {
		panic("auth: Identity not found in context")
	}
	return id
}
