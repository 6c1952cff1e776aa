// Package handler assembles the HTTP route table.
package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sentinelops/sentinel/internal/handler/health"
	"github.com/sentinelops/sentinel/internal/handler/native"
	"github.com/sentinelops/sentinel/internal/handler/passthrough"
	"github.com/sentinelops/sentinel/internal/httputil"
	"github.com/sentinelops/sentinel/internal/middleware"
	"github.com/sentinelops/sentinel/internal/svc"
)

// RegisterHandlers mounts every route on the router.
func RegisterHandlers(r chi.Router, svcCtx *svc.ServiceContext) {
	auth := middleware.Auth(svcCtx.Governance, svcCtx.Store, svcCtx.Config.AuthCacheTTL())
	limiter := middleware.NewRateLimiter(svcCtx.Store, svcCtx.Limits, svcCtx.Metrics, middleware.RateLimiterConfig{
		DefaultRequests: svcCtx.Config.RateLimitRequests,
		Window:          svcCtx.Config.RateLimitWindow(),
		FailOpen:        svcCtx.Config.RateLimitFailOpen,
	})

	r.Get("/health", health.HealthHandler(svcCtx))
	r.Get("/health/live", health.LiveHandler())
	r.Get("/health/ready", health.ReadyHandler(svcCtx))
	r.Method(http.MethodGet, "/metrics", svcCtx.Metrics.Handler())

	forward := passthrough.ForwardHandler(svcCtx)

	r.Route("/v1", func(r chi.Router) {
		r.Use(auth)
		r.Use(limiter.Middleware)
		r.Post("/chat/completions", forward)
		r.Post("/completions", forward)
		r.Post("/embeddings", forward)
		r.Get("/models", forward)
		r.Get("/models/{id}", forward)
	})

	r.Route("/native/v1", func(r chi.Router) {
		r.Use(auth)
		r.Use(limiter.Middleware)
		r.Post("/chat/completions", native.ChatCompletionsHandler(svcCtx))
		r.Get("/models", native.ModelsHandler(svcCtx))
	})

	r.NotFound(httputil.NotFoundHandler())
	r.MethodNotAllowed(httputil.MethodNotAllowedHandler())
}
