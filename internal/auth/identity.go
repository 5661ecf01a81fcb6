package auth

import (
	"context"

	"github.com/google/uuid"
)

// Roles. There are exactly two: the operator role that manages every tenant's
// instance, and the tenant role scoped to a single tenant's own instance.
const (
	RoleAdmin  = "admin"
	RoleTenant = "tenant"
)

// Authentication methods, recorded on Identity for audit logging.
const (
	MethodAdminToken = "admin_token"
	MethodSession    = "session"
	MethodOIDC       = "oidc"
)

// Identity is the authenticated caller attached to a request's context by
// Middleware. Admin callers have a zero TenantID; tenant callers always carry
// the id of the tenant they may act on.
type Identity struct {
	Subject  string
	Email    string
	Role     string
	TenantID uuid.UUID
	Method   string
}

// IsValidRole reports whether role is a known role constant.
func IsValidRole(role string) bool {
	switch role {
	case RoleAdmin, RoleTenant:
		return true
	default:
		return false
	}
}

type identityContextKey struct{}

// NewContext returns a context carrying identity.
func NewContext(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, identity)
}

// FromContext returns the Identity stored in ctx, or nil if none is present.
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityContextKey{}).(*Identity)
	return id
}
