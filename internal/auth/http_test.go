// ABOUTME: Tests for operator HTTP authentication middleware
// ABOUTME: Covers token extraction, verification, operator lookup and tenant binding

package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/hearth/internal/store"
)

type mockOperatorStore struct {
	operators map[string]*store.Operator
}

func (m *mockOperatorStore) GetOperator(_ context.Context, id string) (*store.Operator, error) {
	op, ok := m.operators[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return op, nil
}

func newOperatorFixture(status store.OperatorStatus) (*mockOperatorStore, *JWTVerifier) {
	ops := &mockOperatorStore{operators: map[string]*store.Operator{
		"op-1": {ID: "op-1", TenantID: "tenant-a", DisplayName: "Dana", Status: status},
	}}
	return ops, NewJWTVerifier(tokenTestSecret)
}

func serveWithMiddleware(mw func(http.Handler) http.Handler, authHeader string) (*httptest.ResponseRecorder, *AuthContext) {
	var got *AuthContext
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/operator/conversations", nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	rec := httptest.NewRecorder()
	mw(handler).ServeHTTP(rec, req)
	return rec, got
}

func TestHTTPAuthMiddleware_ValidToken(t *testing.T) {
	ops, verifier := newOperatorFixture(store.OperatorStatusActive)
	token, err := verifier.Generate("op-1", "tenant-a", time.Hour)
	require.NoError(t, err)

	rec, got := serveWithMiddleware(HTTPAuthMiddleware(ops, verifier), "Bearer "+token)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, got)
	assert.Equal(t, "op-1", got.OperatorID)
	assert.Equal(t, "tenant-a", got.TenantID)
	assert.Equal(t, "Dana", got.DisplayName)
	assert.True(t, got.CanAccess("tenant-a"))
	assert.False(t, got.CanAccess("tenant-b"))
}

func TestHTTPAuthMiddleware_Rejections(t *testing.T) {
	ops, verifier := newOperatorFixture(store.OperatorStatusActive)
	unknown, _ := verifier.Generate("op-404", "tenant-a", time.Hour)
	wrongTenant, _ := verifier.Generate("op-1", "tenant-b", time.Hour)

	tests := []struct {
		name    string
		header  string
		status  int
		message string
	}{
		{"missing header", "", http.StatusUnauthorized, "missing authorization header"},
		{"not bearer", "Basic abc", http.StatusUnauthorized, "invalid authorization header format"},
		{"empty bearer", "Bearer ", http.StatusUnauthorized, "empty token"},
		{"bad token", "Bearer nope", http.StatusUnauthorized, "invalid token"},
		{"unknown operator", "Bearer " + unknown, http.StatusUnauthorized, "operator not found"},
		{"tenant mismatch", "Bearer " + wrongTenant, http.StatusUnauthorized, "invalid token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, got := serveWithMiddleware(HTTPAuthMiddleware(ops, verifier), tt.header)
			assert.Equal(t, tt.status, rec.Code)
			assert.Nil(t, got)
			assert.True(t, strings.Contains(rec.Body.String(), tt.message), rec.Body.String())
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		})
	}
}

func TestHTTPAuthMiddleware_RevokedOperator(t *testing.T) {
	ops, verifier := newOperatorFixture(store.OperatorStatusRevoked)
	token, _ := verifier.Generate("op-1", "tenant-a", time.Hour)

	rec, got := serveWithMiddleware(HTTPAuthMiddleware(ops, verifier), "Bearer "+token)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Nil(t, got)
}

func TestOptionalAuthMiddleware(t *testing.T) {
	ops, verifier := newOperatorFixture(store.OperatorStatusActive)
	token, _ := verifier.Generate("op-1", "tenant-a", time.Hour)

	rec, got := serveWithMiddleware(OptionalAuthMiddleware(ops, verifier), "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, got)

	rec, got = serveWithMiddleware(OptionalAuthMiddleware(ops, verifier), "Bearer garbage")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, got)

	rec, got = serveWithMiddleware(OptionalAuthMiddleware(ops, verifier), "Bearer "+token)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, got)
	assert.Equal(t, "op-1", got.OperatorID)
}

func TestFromContext_Empty(t *testing.T) {
	assert.Nil(t, FromContext(context.Background()))
	var nilAuth *AuthContext
	assert.False(t, nilAuth.CanAccess("tenant-a"))
}
