// ABOUTME: Authentication context for tracking identity through request handlers
// ABOUTME: Provides WithAuth/FromContext for propagating the signed-in user via context

package auth

import (
	"context"

	"github.com/2389/coven-rooms/internal/store"
)

// AuthContext is the authenticated user behind a request.
type AuthContext struct {
	UserID   string
	Username string
	Role     store.Role
}

// IsAgent reports whether the caller is an LLM or tool agent account.
func (a *AuthContext) IsAgent() bool {
	return a.Role == store.RoleLLM || a.Role == store.RoleMCP
}

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

// MustFromContext retrieves the AuthContext from the context, panicking if not present.
// Only call it behind HTTPAuthMiddleware.
func MustFromContext(ctx context.Context) *AuthContext {
	auth := FromContext(ctx)
	if auth == nil {
		panic("auth: AuthContext not found in context")
	}
	return auth
}
