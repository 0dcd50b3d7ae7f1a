// ABOUTME: Tests for customer session token issue, validation and refresh
// ABOUTME: Uses a controllable clock to step across expiry boundaries

package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sessionTestSecret = []byte("session-service-test-secret-32b!")

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestSessions() (*SessionService, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 12, 1, 10, 0, 0, 0, time.UTC)}
	return NewSessionService(sessionTestSecret, 0).WithClock(clock.Now), clock
}

func TestSession_IssueThenValidate(t *testing.T) {
	svc, clock := newTestSessions()
	attrs := map[string]string{"email": "ann@example.com"}

	token, expiresAt, err := svc.Issue("tenant-a", "cust-1", attrs, 0)
	require.NoError(t, err)
	assert.True(t, clock.Now().Add(DefaultSessionTTL).Equal(expiresAt))

	sess, err := svc.Validate("tenant-a", token)
	require.NoError(t, err)
	assert.Equal(t, "cust-1", sess.CustomerID)
	assert.Equal(t, "tenant-a", sess.TenantID)
	assert.Equal(t, attrs, sess.Attributes)
	assert.True(t, expiresAt.Equal(sess.ExpiresAt))

	// Issue copies attributes
	attrs["email"] = "changed@example.com"
	sess, err = svc.Validate("tenant-a", token)
	require.NoError(t, err)
	assert.Equal(t, "ann@example.com", sess.Attributes["email"])
}

func TestSession_ExpiresAfterTTL(t *testing.T) {
	svc, clock := newTestSessions()

	token, _, err := svc.Issue("tenant-a", "cust-1", nil, time.Hour)
	require.NoError(t, err)

	clock.Advance(time.Hour - time.Second)
	_, err = svc.Validate("tenant-a", token)
	require.NoError(t, err, "token must be valid just before expiry")

	clock.Advance(time.Second)
	_, err = svc.Validate("tenant-a", token)
	assert.ErrorIs(t, err, ErrInvalidToken, "token must be invalid once now == expiresAt")

	clock.Advance(24 * time.Hour)
	_, err = svc.Validate("tenant-a", token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestSession_SubSecondClock(t *testing.T) {
	tests := []struct {
		name       string
		ttl        time.Duration
		wantExpiry time.Time
	}{
		{"short ttl", 200 * time.Millisecond, time.Date(2024, 12, 1, 10, 0, 1, 0, time.UTC)},
		{"one hour", time.Hour, time.Date(2024, 12, 1, 11, 0, 1, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, clock := newTestSessions()
			clock.Advance(700 * time.Millisecond)

			token, expiresAt, err := svc.Issue("tenant-a", "cust-1", nil, tt.ttl)
			require.NoError(t, err)
			assert.True(t, tt.wantExpiry.Equal(expiresAt), "got %s", expiresAt)
			assert.False(t, expiresAt.Before(clock.Now().Add(tt.ttl)), "expiry must not precede now + ttl")

			sess, err := svc.Validate("tenant-a", token)
			require.NoError(t, err, "token must validate right after issue")
			assert.Equal(t, "cust-1", sess.CustomerID)
		})
	}
}

func TestSession_BoundToTenant(t *testing.T) {
	svc, _ := newTestSessions()

	token, _, err := svc.Issue("tenant-a", "cust-1", nil, 0)
	require.NoError(t, err)

	_, err = svc.Validate("tenant-b", token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestSession_InvalidInputs(t *testing.T) {
	svc, _ := newTestSessions()
	token, _, err := svc.Issue("tenant-a", "cust-1", nil, 0)
	require.NoError(t, err)

	other := NewSessionService([]byte("a-completely-different-secret-32"), 0)
	forged, _, err := other.Issue("tenant-a", "cust-1", nil, 0)
	require.NoError(t, err)

	parts := strings.Split(token, ".")
	tampered := parts[0] + "." + parts[1] + "x." + parts[2]

	none := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "cust-1", "tid": "tenant-a", "exp": time.Now().Add(time.Hour).Unix()})
	noneToken, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name   string
		tenant string
		token  string
	}{
		{"empty token", "tenant-a", ""},
		{"empty tenant", "", token},
		{"garbage", "tenant-a", "not-a-jwt"},
		{"wrong secret", "tenant-a", forged},
		{"tampered payload", "tenant-a", tampered},
		{"alg none", "tenant-a", noneToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess, err := svc.Validate(tt.tenant, tt.token)
			assert.Nil(t, sess)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestSession_IssueRequiresIdentity(t *testing.T) {
	svc, _ := newTestSessions()
	_, _, err := svc.Issue("", "cust-1", nil, 0)
	assert.ErrorIs(t, err, ErrMissingClaim)
	_, _, err = svc.Issue("tenant-a", "", nil, 0)
	assert.ErrorIs(t, err, ErrMissingClaim)
}

func TestSession_Refresh(t *testing.T) {
	svc, clock := newTestSessions()

	token, firstExpiry, err := svc.Issue("tenant-a", "cust-1", map[string]string{"name": "Ann"}, 0)
	require.NoError(t, err)

	clock.Advance(10 * 24 * time.Hour)

	refreshed, newExpiry, err := svc.Refresh("tenant-a", token, nil)
	require.NoError(t, err)
	assert.True(t, newExpiry.After(firstExpiry))

	sess, err := svc.Validate("tenant-a", refreshed)
	require.NoError(t, err)
	assert.Equal(t, "cust-1", sess.CustomerID)
	assert.Equal(t, "Ann", sess.Attributes["name"])

	withAttrs, _, err := svc.Refresh("tenant-a", refreshed, map[string]string{"email": "ann@example.com"})
	require.NoError(t, err)
	sess, err = svc.Validate("tenant-a", withAttrs)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"email": "ann@example.com"}, sess.Attributes)
}

func TestSession_RefreshRejectsExpired(t *testing.T) {
	svc, clock := newTestSessions()

	token, _, err := svc.Issue("tenant-a", "cust-1", nil, time.Minute)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	_, _, err = svc.Refresh("tenant-a", token, nil)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
