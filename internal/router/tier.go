package router

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/sentinelops/sentinel/internal/apierr"
	"github.com/sentinelops/sentinel/internal/model"
)

// ModelConfig is one candidate of a tier, as supplied by governance.
type ModelConfig struct {
	Provider              string  `json:"provider"`
	Model                 string  `json:"model"`
	RelativeCost          int     `json:"relative_cost"`
	InputPricePerMillion  float64 `json:"input_price_per_million"`
	OutputPricePerMillion float64 `json:"output_price_per_million"`
}

// TierConfig is the global tier table. Refreshed from governance with a
// TTL; not per-user.
type TierConfig struct {
	Version   int                          `json:"version"`
	UpdatedAt string                       `json:"updated_at"`
	Tiers     map[model.Tier][]ModelConfig `json:"tiers"`
}

// SelectedModel is a routing decision.
type SelectedModel struct {
	Provider     string
	Model        string
	RelativeCost int
}

// ConfigSource supplies the current tier configuration (cached upstream).
type ConfigSource interface {
	TierConfig(ctx context.Context) (*TierConfig, error)
}

// Tier routes tiers to concrete models.
type Tier struct {
	source ConfigSource
	health *HealthTracker

	randFloat func() float64
}

// NewTier builds a tier router over a config source and health tracker.
func NewTier(source ConfigSource, health *HealthTracker) *Tier {
	return &Tier{source: source, health: health, randFloat: rand.Float64}
}

// Select returns a healthy model for the tier. When preferredProvider has
// a healthy candidate it wins (cheapest on ties); otherwise selection is
// weighted random with weight 1/max(relative_cost, 1).
func (t *Tier) Select(ctx context.Context, tier model.Tier, preferredProvider string) (*SelectedModel, error) {
	return t.selectExcluding(ctx, tier, preferredProvider, "")
}

// RetryModel re-runs selection excluding the model that just failed.
// Returns nil (no error) when there is no alternative.
func (t *Tier) RetryModel(ctx context.Context, tier model.Tier, failedModel string) (*SelectedModel, error) {
	selected, err := t.selectExcluding(ctx, tier, "", failedModel)
	if err != nil {
		var ae *apierr.Error
		if errors.As(err, &ae) && ae.Kind == apierr.KindServiceUnavailable {
			return nil, nil
		}
		return nil, err
	}
	return selected, nil
}

func (t *Tier) selectExcluding(ctx context.Context, tier model.Tier, preferredProvider, excludeModel string) (*SelectedModel, error) {
	cfg, err := t.source.TierConfig(ctx)
	if err != nil {
		return nil, apierr.Unavailable("tier configuration unavailable", 0)
	}
	candidates := cfg.Tiers[tier]
	if len(candidates) == 0 {
		return nil, apierr.Unavailable("no models configured for tier "+string(tier), 0)
	}

	healthy := make([]ModelConfig, 0, len(candidates))
	minRetry := time.Duration(-1)
	for _, c := range candidates {
		if c.Model == excludeModel {
			continue
		}
		if t.health.IsAvailable(c.Provider, c.Model) {
			healthy = append(healthy, c)
			continue
		}
		if r := t.health.RetryAfter(c.Provider, c.Model); minRetry < 0 || r < minRetry {
			minRetry = r
		}
	}
	if len(healthy) == 0 {
		retryAfter := 0
		if minRetry > 0 {
			retryAfter = int(minRetry.Round(time.Second) / time.Second)
			if retryAfter == 0 {
				retryAfter = 1
			}
		}
		return nil, apierr.Unavailable("no healthy model for tier "+string(tier), retryAfter)
	}

	if preferredProvider != "" {
		var best *ModelConfig
		for i := range healthy {
			c := &healthy[i]
			if c.Provider != preferredProvider {
				continue
			}
			if best == nil || c.RelativeCost < best.RelativeCost {
				best = c
			}
		}
		if best != nil {
			return &SelectedModel{Provider: best.Provider, Model: best.Model, RelativeCost: best.RelativeCost}, nil
		}
	}

	chosen := t.selectWeighted(healthy)
	return &SelectedModel{Provider: chosen.Provider, Model: chosen.Model, RelativeCost: chosen.RelativeCost}, nil
}

// selectWeighted picks with probability w_i / sum(w_j), w_i = 1/max(cost, 1).
func (t *Tier) selectWeighted(candidates []ModelConfig) ModelConfig {
	weights := make([]float64, len(candidates))
	var total float64
	for i, c := range candidates {
		cost := c.RelativeCost
		if cost < 1 {
			cost = 1
		}
		weights[i] = 1 / float64(cost)
		total += weights[i]
	}
	target := t.randFloat() * total
	for i, w := range weights {
		target -= w
		if target < 0 {
			return candidates[i]
		}
	}
	return candidates[len(candidates)-1]
}
