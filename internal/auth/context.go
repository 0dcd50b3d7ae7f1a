// ABOUTME: Authentication context for tracking operator identity through request handlers
// ABOUTME: Provides WithAuth/FromContext for propagating auth info via context

package auth

import (
	"context"
)

// AuthContext holds the authenticated operator extracted from a request.
// It is populated by HTTPAuthMiddleware and retrieved in handlers.
type AuthContext struct {
	OperatorID  string
	TenantID    string
	DisplayName string
}

// CanAccess reports whether the operator may act on the given tenant's data.
func (a *AuthContext) CanAccess(tenantID string) bool {
	return a != nil && a.TenantID == tenantID
}

// authContextKey is the key type for storing AuthContext in context.Context.
type authContextKey struct{}

// WithAuth returns a new context with the AuthContext attached.
func WithAuth(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// FromContext retrieves the AuthContext from the context, returning nil if not present.
func FromContext(ctx context.Context) *AuthContext {
	auth, _ := ctx.Value(authContextKey{}).(*AuthContext)
	return auth
}
