package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelops/sentinel/internal/governance"
	"github.com/sentinelops/sentinel/internal/metrics"
	"github.com/sentinelops/sentinel/internal/store"
)

type fixedLimits struct{ limits governance.Limits }

func (f fixedLimits) LimitsFor(ctx context.Context, externalID string) governance.Limits {
	return f.limits
}

func newLimiterUnderTest(t *testing.T, limit int, failOpen bool) (*RateLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	st := store.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	rl := NewRateLimiter(st, fixedLimits{}, metrics.New(), RateLimiterConfig{
		DefaultRequests: limit,
		Window:          time.Minute,
		FailOpen:        failOpen,
	})
	return rl, mr
}

func doLimited(rl *RateLimiter, externalID string) *httptest.ResponseRecorder {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	req = req.WithContext(WithUser(req.Context(), &governance.AuthenticatedUser{ExternalID: externalID}))
	rec := httptest.NewRecorder()
	rl.Middleware(next).ServeHTTP(rec, req)
	return rec
}

func TestRateLimitAdmitsUnderLimit(t *testing.T) {
	rl, _ := newLimiterUnderTest(t, 3, false)
	for i := 0; i < 3; i++ {
		rec := doLimited(rl, "u1")
		require.Equal(t, http.StatusOK, rec.Code, "request %d", i)
	}
}

func TestRateLimitRejectsAtLimit(t *testing.T) {
	rl, _ := newLimiterUnderTest(t, 3, false)
	for i := 0; i < 3; i++ {
		doLimited(rl, "u1")
	}
	rec := doLimited(rl, "u1")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "3", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Reset"))
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "rate_limited")
}

func TestRateLimitHeadersCountDown(t *testing.T) {
	rl, _ := newLimiterUnderTest(t, 5, false)
	for i := 0; i < 3; i++ {
		rec := doLimited(rl, "u1")
		remaining, err := strconv.Atoi(rec.Header().Get("X-RateLimit-Remaining"))
		require.NoError(t, err)
		assert.Equal(t, 5-(i+1), remaining)
	}
}

func TestRateLimitIsolatesUsers(t *testing.T) {
	rl, _ := newLimiterUnderTest(t, 1, false)
	assert.Equal(t, http.StatusOK, doLimited(rl, "u1").Code)
	assert.Equal(t, http.StatusTooManyRequests, doLimited(rl, "u1").Code)
	assert.Equal(t, http.StatusOK, doLimited(rl, "u2").Code)
}

func TestRateLimitWindowRollsOver(t *testing.T) {
	rl, _ := newLimiterUnderTest(t, 1, false)

	base := time.Unix(1_726_000_000, 0).Truncate(time.Minute)
	rl.now = func() time.Time { return base }
	assert.Equal(t, http.StatusOK, doLimited(rl, "u1").Code)
	assert.Equal(t, http.StatusTooManyRequests, doLimited(rl, "u1").Code)

	// One second before the boundary: still the same window.
	rl.now = func() time.Time { return base.Add(59 * time.Second) }
	assert.Equal(t, http.StatusTooManyRequests, doLimited(rl, "u1").Code)

	// At the boundary a new window begins.
	rl.now = func() time.Time { return base.Add(60 * time.Second) }
	assert.Equal(t, http.StatusOK, doLimited(rl, "u1").Code)
}

func TestRateLimitFailClosed(t *testing.T) {
	rl, mr := newLimiterUnderTest(t, 3, false)
	mr.Close()
	rec := doLimited(rl, "u1")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRateLimitFailOpenFlag(t *testing.T) {
	rl, mr := newLimiterUnderTest(t, 3, true)
	mr.Close()
	rec := doLimited(rl, "u1")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimitUserOverride(t *testing.T) {
	mr := miniredis.RunT(t)
	st := store.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	rl := NewRateLimiter(st, fixedLimits{limits: governance.Limits{RateLimitRequests: 1}}, metrics.New(), RateLimiterConfig{
		DefaultRequests: 100,
		Window:          time.Minute,
	})
	assert.Equal(t, http.StatusOK, doLimited(rl, "u1").Code)
	assert.Equal(t, http.StatusTooManyRequests, doLimited(rl, "u1").Code)
}
