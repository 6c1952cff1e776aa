package governance

import (
	"context"
	"errors"
	"time"

	"github.com/sentinelops/sentinel/internal/logging"
	"github.com/sentinelops/sentinel/internal/router"
	"github.com/sentinelops/sentinel/internal/store"
)

const tierConfigKey = "tiers:config"

// TierConfigCache serves the global tier table from the shared store,
// fetching from governance on miss. Concurrent misses may each fetch once;
// the store write is idempotent so that is harmless.
type TierConfigCache struct {
	client *Client
	store  *store.Store
	ttl    time.Duration
}

// NewTierConfigCache builds the cache. It satisfies router.ConfigSource.
func NewTierConfigCache(client *Client, st *store.Store, ttl time.Duration) *TierConfigCache {
	return &TierConfigCache{client: client, store: st, ttl: ttl}
}

// TierConfig returns the cached tier table, refreshing it on miss.
func (c *TierConfigCache) TierConfig(ctx context.Context) (*router.TierConfig, error) {
	var cached router.TierConfig
	err := c.store.GetJSON(ctx, tierConfigKey, &cached)
	if err == nil {
		return &cached, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		logging.Warnf("tier config cache read failed, fetching upstream: %v", err)
	}

	cfg, err := c.client.TierConfig(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.store.SetJSON(ctx, tierConfigKey, cfg, c.ttl); err != nil {
		logging.Warnf("tier config cache write failed: %v", err)
	}
	return cfg, nil
}

// LimitsCache serves per-user limits from the shared store.
type LimitsCache struct {
	client *Client
	store  *store.Store
	ttl    time.Duration
}

// NewLimitsCache builds the limits cache.
func NewLimitsCache(client *Client, st *store.Store, ttl time.Duration) *LimitsCache {
	return &LimitsCache{client: client, store: st, ttl: ttl}
}

// LimitsFor returns the user's limit override, cached under
// limits:{external_id}. A failed upstream fetch returns zero limits (use
// gateway defaults) rather than failing the request.
func (c *LimitsCache) LimitsFor(ctx context.Context, externalID string) Limits {
	key := "limits:" + externalID
	var cached Limits
	if err := c.store.GetJSON(ctx, key, &cached); err == nil {
		return cached
	}

	limits, err := c.client.LimitsFor(ctx, externalID)
	if err != nil {
		logging.Warnf("limits fetch for %s failed, using defaults: %v", externalID, err)
		return Limits{}
	}
	if err := c.store.SetJSON(ctx, key, limits, c.ttl); err != nil {
		logging.Warnf("limits cache write failed: %v", err)
	}
	return *limits
}
