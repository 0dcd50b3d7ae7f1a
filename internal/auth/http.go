// ABOUTME: HTTP middleware for operator JWT authentication on API endpoints
// ABOUTME: Extracts the bearer token, checks the operator is active and adds it to context

package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/2389/hearth/internal/store"
)

// OperatorStore looks up operators referenced by tokens.
type OperatorStore interface {
	GetOperator(ctx context.Context, id string) (*store.Operator, error)
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

// Authenticate resolves a raw operator token into an AuthContext.
// Returns an error message and HTTP status on failure.
func Authenticate(ctx context.Context, operators OperatorStore, verifier TokenVerifier, token string) (*AuthContext, string, int) {
	ident, err := verifier.Verify(token)
	if err != nil {
		return nil, "invalid token", http.StatusUnauthorized
	}

	op, err := operators.GetOperator(ctx, ident.OperatorID)
	if err != nil {
		return nil, "operator not found", http.StatusUnauthorized
	}
	if op.TenantID != ident.TenantID {
		return nil, "invalid token", http.StatusUnauthorized
	}

	switch op.Status {
	case store.OperatorStatusActive:
	case store.OperatorStatusRevoked:
		return nil, "operator has been revoked", http.StatusForbidden
	default:
		return nil, "unknown operator status", http.StatusInternalServerError
	}

	return &AuthContext{
		OperatorID:  op.ID,
		TenantID:    op.TenantID,
		DisplayName: op.DisplayName,
	}, "", 0
}

// HTTPAuthMiddleware creates an HTTP middleware that extracts and validates
// operator tokens and adds AuthContext to the request context.
func HTTPAuthMiddleware(operators OperatorStore, verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				writeAuthError(w, errMsg, http.StatusUnauthorized)
				return
			}

			authCtx, errMsg, status := Authenticate(r.Context(), operators, verifier, token)
			if authCtx == nil {
				writeAuthError(w, errMsg, status)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
		})
	}
}

// OptionalAuthMiddleware attempts operator auth but lets unauthenticated
// requests through. Used by endpoints shared with customers.
func OptionalAuthMiddleware(operators OperatorStore, verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				next.ServeHTTP(w, r)
				return
			}

			authCtx, _, _ := Authenticate(r.Context(), operators, verifier, token)
			if authCtx == nil {
				next.ServeHTTP(w, r)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
		})
	}
}

func writeAuthError(w http.ResponseWriter, msg string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}` + "\n"))
}
