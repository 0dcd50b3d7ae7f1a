// ABOUTME: Tests for the token-bucket middleware using a scripted fake Redis
// ABOUTME: Covers allow, reject with Retry-After, fail-open and client IP keys

package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeScripter answers EvalSha with queued results and records keys.
type fakeScripter struct {
	results [][]any
	err     error
	keys    []string
}

func (f *fakeScripter) next(ctx context.Context, keys []string) *redis.Cmd {
	f.keys = append(f.keys, keys...)
	cmd := redis.NewCmd(ctx)
	if f.err != nil {
		cmd.SetErr(f.err)
		return cmd
	}
	res := f.results[0]
	if len(f.results) > 1 {
		f.results = f.results[1:]
	}
	cmd.SetVal(res)
	return cmd
}

func (f *fakeScripter) Eval(ctx context.Context, _ string, keys []string, _ ...any) *redis.Cmd {
	return f.next(ctx, keys)
}

func (f *fakeScripter) EvalSha(ctx context.Context, _ string, keys []string, _ ...any) *redis.Cmd {
	return f.next(ctx, keys)
}

func (f *fakeScripter) EvalRO(ctx context.Context, _ string, keys []string, _ ...any) *redis.Cmd {
	return f.next(ctx, keys)
}

func (f *fakeScripter) EvalShaRO(ctx context.Context, _ string, keys []string, _ ...any) *redis.Cmd {
	return f.next(ctx, keys)
}

func (f *fakeScripter) ScriptExists(ctx context.Context, _ ...string) *redis.BoolSliceCmd {
	return redis.NewBoolSliceCmd(ctx)
}

func (f *fakeScripter) ScriptLoad(ctx context.Context, _ string) *redis.StringCmd {
	return redis.NewStringCmd(ctx)
}

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
})

func testConfig() Config {
	return Config{Capacity: 2, RefillTokens: 1, RefillInterval: 2 * time.Second, Prefix: "rl"}
}

func TestMiddleware_Allows(t *testing.T) {
	fs := &fakeScripter{results: [][]any{{int64(1), int64(1), int64(0)}}}
	h := New(fs, testConfig(), nil).Middleware(okHandler)

	req := httptest.NewRequest(http.MethodPost, "/api/messages", nil)
	req.RemoteAddr = "203.0.113.9:5555"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Remaining"))
	require.Len(t, fs.keys, 1)
	assert.Equal(t, "rl:203.0.113.9:POST /api/messages", fs.keys[0])
}

func TestMiddleware_Rejects(t *testing.T) {
	fs := &fakeScripter{results: [][]any{{int64(0), int64(0), int64(1500)}}}
	h := New(fs, testConfig(), nil).Middleware(okHandler)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/bookings", nil))

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "rate limit exceeded")
}

func TestMiddleware_FailsOpen(t *testing.T) {
	fs := &fakeScripter{err: errors.New("connection refused")}
	h := New(fs, testConfig(), nil).Middleware(okHandler)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/messages", nil))

	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestAllow_DecodesResult(t *testing.T) {
	fs := &fakeScripter{results: [][]any{{int64(0), int64(0), int64(250)}}}
	l := New(fs, testConfig(), nil)

	d, err := l.Allow(t.Context(), "k")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 250*time.Millisecond, d.RetryAfter)
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.2:1234"
	assert.Equal(t, "198.51.100.2", clientIP(req))

	req.Header.Set("X-Forwarded-For", "192.0.2.7, 10.0.0.1")
	assert.Equal(t, "192.0.2.7", clientIP(req))

	req.Header.Del("X-Forwarded-For")
	req.RemoteAddr = "garbage"
	assert.Equal(t, "garbage", clientIP(req))
}
