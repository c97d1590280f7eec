// ABOUTME: HTTP middleware for JWT authentication on API endpoints
// ABOUTME: Reads the token from the Authorization header or ?token= and attaches the user to the context

package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/2389/coven-rooms/internal/store"
)

// UserLookup resolves the user named by a token's subject.
type UserLookup interface {
	GetUser(ctx context.Context, id string) (*store.User, error)
}

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// extractToken prefers the Authorization header. EventSource cannot set
// headers, so the token query parameter is accepted as a fallback.
func extractToken(r *http.Request) (string, string) {
	if h := r.Header.Get("Authorization"); h != "" {
		return extractBearerToken(h)
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, ""
	}
	return "", "missing authorization header"
}

func writeAuthError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// HTTPAuthMiddleware rejects requests without a valid token for an existing
// user and attaches the AuthContext otherwise.
func HTTPAuthMiddleware(users UserLookup, verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := extractToken(r)
			if errMsg != "" {
				writeAuthError(w, http.StatusUnauthorized, errMsg)
				return
			}

			userID, err := verifier.Verify(token)
			if err != nil {
				msg := "invalid token"
				if errors.Is(err, ErrExpiredToken) {
					msg = "token expired"
				}
				writeAuthError(w, http.StatusUnauthorized, msg)
				return
			}

			user, err := users.GetUser(r.Context(), userID)
			if errors.Is(err, store.ErrNotFound) {
				writeAuthError(w, http.StatusUnauthorized, "user not found")
				return
			}
			if err != nil {
				writeAuthError(w, http.StatusServiceUnavailable, "user lookup failed")
				return
			}

			authCtx := &AuthContext{
				UserID:   user.ID,
				Username: user.Username,
				Role:     user.Role,
			}
			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
		})
	}
}
