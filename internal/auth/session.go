// ABOUTME: Stateless customer session tokens bound to a tenant
// ABOUTME: HS256 JWTs signed with per-tenant keys derived from the master secret via HKDF

package auth

import (
	"crypto/sha256"
	"fmt"
	"io"
	"maps"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"
)

// DefaultSessionTTL is used when Issue is called without a positive ttl.
const DefaultSessionTTL = 30 * 24 * time.Hour

// Session is the identity carried by a valid session token.
type Session struct {
	CustomerID string
	TenantID   string
	Attributes map[string]string
	ExpiresAt  time.Time
}

type sessionClaims struct {
	TenantID   string            `json:"tid"`
	Attributes map[string]string `json:"attrs,omitempty"`
	jwt.RegisteredClaims
}

// SessionService issues and validates customer session tokens. Tokens carry
// no server-side state: validity is the signature plus the expiry.
type SessionService struct {
	secret     []byte
	defaultTTL time.Duration
	now        func() time.Time
}

// NewSessionService creates a session service. ttl <= 0 uses DefaultSessionTTL.
func NewSessionService(secret []byte, ttl time.Duration) *SessionService {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &SessionService{secret: secret, defaultTTL: ttl, now: time.Now}
}

// WithClock replaces the time source. Used by tests to step past expiry.
func (s *SessionService) WithClock(now func() time.Time) *SessionService {
	s.now = now
	return s
}

// tenantKey derives the signing key for one tenant so tokens never cross tenants.
func (s *SessionService) tenantKey(tenantID string) ([]byte, error) {
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, s.secret, nil, []byte("hearth-session:"+tenantID))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("deriving tenant key: %w", err)
	}
	return key, nil
}

// Issue creates a token for a customer of a tenant. ttl <= 0 uses the
// service default. The expiry is rounded up to a whole second so it is
// never earlier than now + ttl.
func (s *SessionService) Issue(tenantID, customerID string, attributes map[string]string, ttl time.Duration) (string, time.Time, error) {
	if tenantID == "" || customerID == "" {
		return "", time.Time{}, fmt.Errorf("%w: tenant and customer are required", ErrMissingClaim)
	}
	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	key, err := s.tenantKey(tenantID)
	if err != nil {
		return "", time.Time{}, err
	}

	now := s.now()
	expiresAt := now.Add(ttl)
	if whole := expiresAt.Truncate(time.Second); !whole.Equal(expiresAt) {
		expiresAt = whole.Add(time.Second)
	}
	claims := sessionClaims{
		TenantID:   tenantID,
		Attributes: maps.Clone(attributes),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   customerID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing session token: %w", err)
	}
	return token, expiresAt, nil
}

// Validate checks the signature and expiry of a token for a tenant. Any
// failure returns ErrInvalidToken; callers treat it as an anonymous visitor.
func (s *SessionService) Validate(tenantID, tokenString string) (*Session, error) {
	if tenantID == "" || tokenString == "" {
		return nil, ErrInvalidToken
	}
	key, err := s.tenantKey(tenantID)
	if err != nil {
		return nil, ErrInvalidToken
	}

	var claims sessionClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return key, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithExpirationRequired(), jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}

	if claims.Subject == "" || claims.TenantID != tenantID || claims.ExpiresAt == nil {
		return nil, ErrInvalidToken
	}
	// Valid only while now < expiresAt.
	if !s.now().Before(claims.ExpiresAt.Time) {
		return nil, ErrInvalidToken
	}

	attrs := claims.Attributes
	if attrs == nil {
		attrs = map[string]string{}
	}
	return &Session{
		CustomerID: claims.Subject,
		TenantID:   claims.TenantID,
		Attributes: attrs,
		ExpiresAt:  claims.ExpiresAt.Time.UTC(),
	}, nil
}

// Refresh re-issues a currently valid token with a fresh expiry. A nil
// attributes map keeps the existing attributes. Expired or forged tokens are
// rejected with ErrInvalidToken; they are never resurrected.
func (s *SessionService) Refresh(tenantID, tokenString string, attributes map[string]string) (string, time.Time, error) {
	sess, err := s.Validate(tenantID, tokenString)
	if err != nil {
		return "", time.Time{}, err
	}
	if attributes == nil {
		attributes = sess.Attributes
	}
	return s.Issue(tenantID, sess.CustomerID, attributes, 0)
}

