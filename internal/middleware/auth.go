// Package middleware holds the chi middleware chain of the API surfaces:
// bearer authentication backed by the shared-store cache, and the
// per-user sliding-window rate limiter.
package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/sentinelops/sentinel/internal/apierr"
	"github.com/sentinelops/sentinel/internal/governance"
	"github.com/sentinelops/sentinel/internal/httputil"
	"github.com/sentinelops/sentinel/internal/logging"
	"github.com/sentinelops/sentinel/internal/store"
)

type contextKey string

const userContextKey contextKey = "authenticatedUser"

// UserFrom returns the authenticated user attached by Auth.
func UserFrom(ctx context.Context) (*governance.AuthenticatedUser, bool) {
	user, ok := ctx.Value(userContextKey).(*governance.AuthenticatedUser)
	return user, ok
}

// WithUser attaches a user to the context (exported for handler tests).
func WithUser(ctx context.Context, user *governance.AuthenticatedUser) context.Context {
	return context.WithValue(ctx, userContextKey, user)
}

// TokenValidator validates a bearer token upstream (governance.Client in
// production).
type TokenValidator interface {
	Me(ctx context.Context, bearerToken string) (*governance.AuthenticatedUser, error)
}

// Auth validates the bearer token, caching profiles in the shared store
// under auth:{sha256(token)}. A profile without a non-empty external_id is
// rejected; it must never silently fall back to another identifier.
func Auth(validator TokenValidator, st *store.Store, ttl time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				httputil.WriteError(w, apierr.Unauthorized("missing bearer token"))
				return
			}

			key := authCacheKey(token)
			var user governance.AuthenticatedUser
			err := st.GetJSON(r.Context(), key, &user)
			if err != nil {
				if !errors.Is(err, store.ErrNotFound) {
					logging.Warnf("auth cache read failed: %v", err)
				}
				fetched, err := validator.Me(r.Context(), token)
				if err != nil {
					httputil.WriteError(w, err)
					return
				}
				user = *fetched
				if writeErr := st.SetJSON(r.Context(), key, &user, ttl); writeErr != nil {
					logging.Warnf("auth cache write failed: %v", writeErr)
				}
			}

			if user.ExternalID == "" {
				httputil.WriteError(w, apierr.Unauthorized("profile has no external id"))
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), &user)))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

func authCacheKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return "auth:" + hex.EncodeToString(sum[:])
}
