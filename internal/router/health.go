// Package router selects a concrete (provider, model) for a tier using
// cost-weighted random selection over the externally supplied tier
// configuration, with per-instance health tracking and exponential backoff.
package router

import (
	"sync"
	"time"
)

// HealthTracker records per-(provider,model) failures and applies
// exponential backoff. State is in-memory and per-instance: a failing
// provider is independently re-learned by each gateway instance.
type HealthTracker struct {
	initialBackoff time.Duration
	maxBackoff     time.Duration
	multiplier     float64

	mu    sync.RWMutex
	state map[string]*modelHealth

	now func() time.Time
}

type modelHealth struct {
	consecutiveFailures int
	lastFailure         time.Time
	backoff             time.Duration
}

// NewHealthTracker builds a tracker with the given backoff schedule.
func NewHealthTracker(initial, max time.Duration, multiplier float64) *HealthTracker {
	return &HealthTracker{
		initialBackoff: initial,
		maxBackoff:     max,
		multiplier:     multiplier,
		state:          make(map[string]*modelHealth),
		now:            time.Now,
	}
}

func healthKey(provider, model string) string {
	return provider + "/" + model
}

// IsAvailable reports whether the pair is outside its backoff window.
// Unknown pairs are available.
func (h *HealthTracker) IsAvailable(provider, model string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.state[healthKey(provider, model)]
	if !ok || s.consecutiveFailures == 0 {
		return true
	}
	return h.now().Sub(s.lastFailure) >= s.backoff
}

// RetryAfter returns how long until the pair leaves backoff; zero when it
// is already available.
func (h *HealthTracker) RetryAfter(provider, model string) time.Duration {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.state[healthKey(provider, model)]
	if !ok || s.consecutiveFailures == 0 {
		return 0
	}
	remaining := s.backoff - h.now().Sub(s.lastFailure)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// RecordSuccess resets the pair to healthy.
func (h *HealthTracker) RecordSuccess(provider, model string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.state, healthKey(provider, model))
}

// RecordFailure counts a failure and grows the backoff window.
func (h *HealthTracker) RecordFailure(provider, model string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := healthKey(provider, model)
	s, ok := h.state[key]
	if !ok {
		s = &modelHealth{}
		h.state[key] = s
	}
	s.consecutiveFailures++
	s.lastFailure = h.now()

	backoff := h.initialBackoff
	for i := 1; i < s.consecutiveFailures; i++ {
		backoff = time.Duration(float64(backoff) * h.multiplier)
		if backoff >= h.maxBackoff {
			backoff = h.maxBackoff
			break
		}
	}
	if backoff > h.maxBackoff {
		backoff = h.maxBackoff
	}
	s.backoff = backoff
}
