// Package svc owns the wiring root: every per-instance component is
// constructed here and shared by reference. There is no global mutable
// state anywhere else.
package svc

import (
	"context"

	"github.com/sentinelops/sentinel/internal/config"
	"github.com/sentinelops/sentinel/internal/governance"
	"github.com/sentinelops/sentinel/internal/metrics"
	"github.com/sentinelops/sentinel/internal/provider"
	"github.com/sentinelops/sentinel/internal/router"
	"github.com/sentinelops/sentinel/internal/session"
	"github.com/sentinelops/sentinel/internal/store"
	"github.com/sentinelops/sentinel/internal/tokenizer"
	"github.com/sentinelops/sentinel/internal/translator"
	"github.com/sentinelops/sentinel/internal/usage"
)

// ServiceContext carries the gateway's shared dependencies.
type ServiceContext struct {
	Config config.Config

	Store      *store.Store
	Governance *governance.Client
	TierConfig *governance.TierConfigCache
	Limits     *governance.LimitsCache

	Health     *router.HealthTracker
	TierRouter *router.Tier
	Sessions   *session.Engine
	Tokenizer  *tokenizer.Service
	Provider   *provider.Client

	OpenAI    *translator.OpenAI
	Anthropic *translator.Anthropic

	Reporter *usage.Reporter
	Metrics  *metrics.Metrics
}

// NewServiceContext wires every component from configuration.
func NewServiceContext(c config.Config) (*ServiceContext, error) {
	st, err := store.New(c.RedisURL)
	if err != nil {
		return nil, err
	}

	gov := governance.NewClient(c.GovernanceURL, c.GovernanceAPIKey)
	tierConfig := governance.NewTierConfigCache(gov, st, c.TierConfigTTL())
	limits := governance.NewLimitsCache(gov, st, c.LimitsCacheTTL())

	health := router.NewHealthTracker(c.HealthInitialBackoff(), c.HealthMaxBackoff(), c.HealthBackoffMultiplier)
	tierRouter := router.NewTier(tierConfig, health)

	m := metrics.New()

	svcCtx := &ServiceContext{
		Config:     c,
		Store:      st,
		Governance: gov,
		TierConfig: tierConfig,
		Limits:     limits,
		Health:     health,
		TierRouter: tierRouter,
		Sessions:   session.NewEngine(st, tierRouter, c.SessionTTL()),
		Tokenizer:  tokenizer.New(),
		Provider:   provider.NewClient(c.ProviderAPIURL, c.ProviderAPIKey, c.UpstreamTimeout()),
		OpenAI:     translator.NewOpenAI(),
		Anthropic:  translator.NewAnthropic(),
		Metrics:    m,
	}
	svcCtx.Reporter = usage.NewReporter(gov, st, m, usage.ReporterConfig{
		QueueCapacity:    c.UsageQueueCapacity,
		BatchSize:        c.UsageBatchSize,
		FlushInterval:    c.UsageBatchInterval(),
		UpstreamRPS:      c.UsageUpstreamRPS,
		BreakerThreshold: c.UsageBreakerThreshold,
		BreakerReset:     c.UsageBreakerReset(),
	})
	return svcCtx, nil
}

// Start launches the background work (usage reporter + spillover retry).
func (s *ServiceContext) Start(ctx context.Context) {
	s.Reporter.Start(ctx)
}

// Close flushes the reporter and releases connections.
func (s *ServiceContext) Close() {
	if s.Reporter != nil {
		s.Reporter.Stop()
	}
	if s.Store != nil {
		s.Store.Close()
	}
}
