// ABOUTME: Unit tests for operator JWT token verification and generation
// ABOUTME: Tests valid tokens, invalid tokens, missing claims and expired tokens

package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var tokenTestSecret = []byte("test-secret-key-for-jwt-signing!")

func TestJWTVerifier_ValidToken(t *testing.T) {
	verifier := NewJWTVerifier(tokenTestSecret)

	token, err := verifier.Generate("op-123", "tenant-a", time.Hour)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	ident, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}

	if ident.OperatorID != "op-123" {
		t.Errorf("OperatorID = %q, want %q", ident.OperatorID, "op-123")
	}
	if ident.TenantID != "tenant-a" {
		t.Errorf("TenantID = %q, want %q", ident.TenantID, "tenant-a")
	}
}

func TestJWTVerifier_InvalidToken(t *testing.T) {
	verifier := NewJWTVerifier(tokenTestSecret)

	tests := []struct {
		name  string
		token string
	}{
		{name: "empty token", token: ""},
		{name: "garbage token", token: "not-a-jwt-token"},
		{name: "malformed JWT", token: "header.payload.signature"},
		{
			name: "wrong secret",
			token: func() string {
				token, _ := NewJWTVerifier([]byte("different-secret")).Generate("op-123", "tenant-a", time.Hour)
				return token
			}(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := verifier.Verify(tt.token)
			if !errors.Is(err, ErrInvalidToken) {
				t.Errorf("Verify() error = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestJWTVerifier_ExpiredToken(t *testing.T) {
	verifier := NewJWTVerifier(tokenTestSecret)

	token, err := verifier.Generate("op-123", "tenant-a", -time.Hour)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	_, err = verifier.Verify(token)
	if !errors.Is(err, ErrExpiredToken) {
		t.Errorf("Verify() error = %v, want ErrExpiredToken", err)
	}
}

func TestJWTVerifier_MissingClaims(t *testing.T) {
	verifier := NewJWTVerifier(tokenTestSecret)

	tests := []struct {
		name   string
		claims jwt.MapClaims
	}{
		{name: "missing sub", claims: jwt.MapClaims{"tid": "tenant-a", "exp": time.Now().Add(time.Hour).Unix()}},
		{name: "missing tid", claims: jwt.MapClaims{"sub": "op-123", "exp": time.Now().Add(time.Hour).Unix()}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, tt.claims).SignedString(tokenTestSecret)
			if err != nil {
				t.Fatalf("signing: %v", err)
			}
			_, err = verifier.Verify(token)
			if !errors.Is(err, ErrMissingClaim) {
				t.Errorf("Verify() error = %v, want ErrMissingClaim", err)
			}
		})
	}
}
