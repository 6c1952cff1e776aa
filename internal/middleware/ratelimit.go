package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/sentinelops/sentinel/internal/apierr"
	"github.com/sentinelops/sentinel/internal/governance"
	"github.com/sentinelops/sentinel/internal/httputil"
	"github.com/sentinelops/sentinel/internal/logging"
	"github.com/sentinelops/sentinel/internal/metrics"
	"github.com/sentinelops/sentinel/internal/store"
)

// LimitSource supplies per-user limit overrides (governance.LimitsCache
// in production).
type LimitSource interface {
	LimitsFor(ctx context.Context, externalID string) governance.Limits
}

// RateLimiterConfig carries the limiter's gateway defaults.
type RateLimiterConfig struct {
	DefaultRequests int
	Window          time.Duration
	FailOpen        bool
}

// RateLimiter enforces a per-user sliding window against the shared
// store, so limits hold across gateway instances. Counters are keyed
// ratelimit:{external_id}:{window}.
type RateLimiter struct {
	store   *store.Store
	limits  LimitSource
	metrics *metrics.Metrics
	cfg     RateLimiterConfig

	now func() time.Time
}

// NewRateLimiter builds the limiter middleware.
func NewRateLimiter(st *store.Store, limits LimitSource, m *metrics.Metrics, cfg RateLimiterConfig) *RateLimiter {
	return &RateLimiter{store: st, limits: limits, metrics: m, cfg: cfg, now: time.Now}
}

// Middleware is the chi middleware entry. It must run after Auth.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := UserFrom(r.Context())
		if !ok {
			httputil.WriteError(w, apierr.Unauthorized(""))
			return
		}

		limit := rl.cfg.DefaultRequests
		window := rl.cfg.Window
		if override := rl.limits.LimitsFor(r.Context(), user.ExternalID); override.RateLimitRequests > 0 {
			limit = override.RateLimitRequests
			if override.RateLimitWindowSeconds > 0 {
				window = time.Duration(override.RateLimitWindowSeconds) * time.Second
			}
		}

		now := rl.now()
		windowID := now.Unix() / int64(window/time.Second)
		key := fmt.Sprintf("ratelimit:%s:%d", user.ExternalID, windowID)
		reset := (windowID + 1) * int64(window/time.Second)

		count, err := rl.store.IncrWindow(r.Context(), key, window)
		if err != nil {
			if rl.cfg.FailOpen {
				logging.Warnf("rate limit store unavailable, admitting %s: %v", user.ExternalID, err)
				next.ServeHTTP(w, r)
				return
			}
			httputil.WriteError(w, apierr.Unavailable("rate limiter unavailable", 0))
			return
		}

		remaining := int64(limit) - count
		if remaining < 0 {
			remaining = 0
		}
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset, 10))

		// Admission requires the pre-increment count to be strictly under
		// the limit, i.e. the post-increment count to be at most the limit.
		if count > int64(limit) {
			rl.metrics.RateLimitedTotal.Inc()
			retryAfter := reset - now.Unix()
			if retryAfter < 1 {
				retryAfter = 1
			}
			apiErr := apierr.New(apierr.KindRateLimited, "rate limit of %d requests per %s exceeded", limit, window)
			apiErr.RetryAfterSeconds = int(retryAfter)
			httputil.WriteError(w, apiErr)
			return
		}

		next.ServeHTTP(w, r)
	})
}
