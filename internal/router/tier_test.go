package router

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelops/sentinel/internal/apierr"
	"github.com/sentinelops/sentinel/internal/model"
)

type staticSource struct {
	cfg *TierConfig
	err error

	fetches int
}

func (s *staticSource) TierConfig(ctx context.Context) (*TierConfig, error) {
	s.fetches++
	return s.cfg, s.err
}

func testConfig() *TierConfig {
	return &TierConfig{
		Version: 1,
		Tiers: map[model.Tier][]ModelConfig{
			model.TierSimple: {
				{Provider: "openai", Model: "gpt-4o-mini", RelativeCost: 1},
			},
			model.TierComplex: {
				{Provider: "openai", Model: "gpt-4", RelativeCost: 5},
				{Provider: "anthropic", Model: "claude-opus", RelativeCost: 6},
			},
		},
	}
}

func newTestRouter(cfg *TierConfig) (*Tier, *HealthTracker) {
	health := NewHealthTracker(30*time.Second, 300*time.Second, 2.0)
	return NewTier(&staticSource{cfg: cfg}, health), health
}

func TestSelectSingleCandidate(t *testing.T) {
	r, _ := newTestRouter(testConfig())
	selected, err := r.Select(context.Background(), model.TierSimple, "")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", selected.Model)
}

func TestSelectPreferredProviderWins(t *testing.T) {
	r, _ := newTestRouter(testConfig())
	for i := 0; i < 50; i++ {
		selected, err := r.Select(context.Background(), model.TierComplex, "openai")
		require.NoError(t, err)
		assert.Equal(t, "gpt-4", selected.Model)
	}
}

func TestSelectPreferredProviderUnhealthyFallsBack(t *testing.T) {
	r, health := newTestRouter(testConfig())
	health.RecordFailure("openai", "gpt-4")
	selected, err := r.Select(context.Background(), model.TierComplex, "openai")
	require.NoError(t, err)
	assert.Equal(t, "claude-opus", selected.Model)
}

func TestSelectAllUnhealthyReturnsRetryAfter(t *testing.T) {
	cfg := &TierConfig{Tiers: map[model.Tier][]ModelConfig{
		model.TierSimple: {{Provider: "openai", Model: "gpt-x", RelativeCost: 1}},
	}}
	r, health := newTestRouter(cfg)
	health.RecordFailure("openai", "gpt-x")
	health.RecordFailure("openai", "gpt-x")

	_, err := r.Select(context.Background(), model.TierSimple, "")
	require.Error(t, err)

	var apiErr *apierr.Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, apierr.KindServiceUnavailable, apiErr.Kind)
	assert.Greater(t, apiErr.RetryAfterSeconds, 0)
	assert.LessOrEqual(t, apiErr.RetryAfterSeconds, 60)
}

func TestSelectUnknownTier(t *testing.T) {
	r, _ := newTestRouter(testConfig())
	_, err := r.Select(context.Background(), model.TierModerate, "")
	require.Error(t, err)
	assert.Equal(t, apierr.KindServiceUnavailable, apierr.From(err).Kind)
}

func TestRetryModelExcludesFailedModel(t *testing.T) {
	r, _ := newTestRouter(testConfig())
	alt, err := r.RetryModel(context.Background(), model.TierComplex, "gpt-4")
	require.NoError(t, err)
	require.NotNil(t, alt)
	assert.Equal(t, "claude-opus", alt.Model)

	// No alternative for the single-model tier.
	alt, err = r.RetryModel(context.Background(), model.TierSimple, "gpt-4o-mini")
	require.NoError(t, err)
	assert.Nil(t, alt)
}

func TestWeightedSelectionDistribution(t *testing.T) {
	cfg := &TierConfig{Tiers: map[model.Tier][]ModelConfig{
		model.TierModerate: {
			{Provider: "openai", Model: "cheap", RelativeCost: 1},
			{Provider: "openai", Model: "mid", RelativeCost: 2},
			{Provider: "openai", Model: "pricey", RelativeCost: 4},
		},
	}}
	r, _ := newTestRouter(cfg)

	const trials = 20000
	counts := map[string]int{}
	for i := 0; i < trials; i++ {
		selected, err := r.Select(context.Background(), model.TierModerate, "")
		require.NoError(t, err)
		counts[selected.Model]++
	}

	// Expected shares: (1/1, 1/2, 1/4) / 1.75.
	expected := map[string]float64{
		"cheap":  (1.0 / 1.0) / 1.75,
		"mid":    (1.0 / 2.0) / 1.75,
		"pricey": (1.0 / 4.0) / 1.75,
	}
	for name, want := range expected {
		got := float64(counts[name]) / trials
		assert.LessOrEqual(t, math.Abs(got-want), 0.05, "model %s: got %.3f want %.3f", name, got, want)
	}
}

func TestSelectConfigSourceFailure(t *testing.T) {
	health := NewHealthTracker(time.Second, time.Minute, 2.0)
	r := NewTier(&staticSource{err: errors.New("governance down")}, health)
	_, err := r.Select(context.Background(), model.TierSimple, "")
	require.Error(t, err)
	assert.Equal(t, apierr.KindServiceUnavailable, apierr.From(err).Kind)
}
