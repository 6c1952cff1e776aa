// Package health serves the liveness and readiness probes.
package health

import (
	"net/http"

	"github.com/sentinelops/sentinel/internal/httputil"
	"github.com/sentinelops/sentinel/internal/svc"
)

// HealthHandler reports overall status.
func HealthHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httputil.OkJSON(w, map[string]string{"status": "ok"})
	}
}

// LiveHandler always succeeds while the process runs.
func LiveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httputil.OkJSON(w, map[string]string{"status": "alive"})
	}
}

// ReadyHandler checks the shared store; without it the gateway cannot
// authenticate or rate-limit.
func ReadyHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := svcCtx.Store.Ping(r.Context()); err != nil {
			httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready",
				"reason": "store unreachable",
			})
			return
		}
		httputil.OkJSON(w, map[string]string{"status": "ready"})
	}
}
