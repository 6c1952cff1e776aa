// Package session binds a conversation to a concrete (provider, model,
// tier) with upgrade-only tier semantics. Records live in the shared store
// under session:{id} with a TTL refreshed on use.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelops/sentinel/internal/logging"
	"github.com/sentinelops/sentinel/internal/model"
	"github.com/sentinelops/sentinel/internal/router"
	"github.com/sentinelops/sentinel/internal/store"
)

// Session is the persisted binding record.
type Session struct {
	ID         string     `json:"id"`
	ExternalID string     `json:"external_id"`
	Provider   string     `json:"provider"`
	Model      string     `json:"model"`
	Tier       model.Tier `json:"tier"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt time.Time  `json:"last_used_at"`
}

// Resolution is the outcome of resolving a request against a session.
type Resolution struct {
	Session  *Session
	Tier     model.Tier
	Provider string
	Model    string
}

// Engine resolves, upgrades, and touches sessions.
type Engine struct {
	store  *store.Store
	router *router.Tier
	ttl    time.Duration
}

// NewEngine builds a session engine.
func NewEngine(st *store.Store, tierRouter *router.Tier, ttl time.Duration) *Engine {
	return &Engine{store: st, router: tierRouter, ttl: ttl}
}

func sessionKey(id string) string { return "session:" + id }

// Resolve maps (session_id?, requested tier) to a concrete binding.
// Missing or expired sessions are created fresh. A requested tier at or
// below the session's is clamped to the session (downgrades are silent);
// a higher tier re-selects, preferring the session's current provider,
// and upgrades the record in place.
func (e *Engine) Resolve(ctx context.Context, sessionID string, requested model.Tier, externalID string) (*Resolution, error) {
	if sessionID != "" {
		var existing Session
		err := e.store.GetJSON(ctx, sessionKey(sessionID), &existing)
		switch {
		case err == nil:
			return e.resolveExisting(ctx, &existing, requested)
		case !errors.Is(err, store.ErrNotFound):
			logging.Warnf("session lookup for %s failed, creating fresh: %v", sessionID, err)
		}
	}
	return e.create(ctx, sessionID, requested, externalID)
}

func (e *Engine) resolveExisting(ctx context.Context, s *Session, requested model.Tier) (*Resolution, error) {
	if requested.Rank() <= s.Tier.Rank() {
		if err := e.Touch(ctx, s); err != nil {
			logging.Warnf("session touch for %s failed: %v", s.ID, err)
		}
		return &Resolution{Session: s, Tier: s.Tier, Provider: s.Provider, Model: s.Model}, nil
	}

	selected, err := e.router.Select(ctx, requested, s.Provider)
	if err != nil {
		return nil, err
	}
	if err := e.Upgrade(ctx, s, requested, selected.Provider, selected.Model); err != nil {
		return nil, err
	}
	return &Resolution{Session: s, Tier: s.Tier, Provider: s.Provider, Model: s.Model}, nil
}

func (e *Engine) create(ctx context.Context, sessionID string, tier model.Tier, externalID string) (*Resolution, error) {
	selected, err := e.router.Select(ctx, tier, "")
	if err != nil {
		return nil, err
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	now := time.Now().UTC()
	s := &Session{
		ID:         sessionID,
		ExternalID: externalID,
		Provider:   selected.Provider,
		Model:      selected.Model,
		Tier:       tier,
		CreatedAt:  now,
		LastUsedAt: now,
	}
	if err := e.store.SetJSON(ctx, sessionKey(s.ID), s, e.ttl); err != nil {
		return nil, err
	}
	return &Resolution{Session: s, Tier: tier, Provider: selected.Provider, Model: selected.Model}, nil
}

// Upgrade replaces the binding atomically (whole-record write; the higher
// tier winning on concurrent upgrades is acceptable either way). The
// session id never changes.
func (e *Engine) Upgrade(ctx context.Context, s *Session, tier model.Tier, provider, modelName string) error {
	s.Tier = tier
	s.Provider = provider
	s.Model = modelName
	s.LastUsedAt = time.Now().UTC()
	return e.store.SetJSON(ctx, sessionKey(s.ID), s, e.ttl)
}

// Touch refreshes the TTL and last-used stamp.
func (e *Engine) Touch(ctx context.Context, s *Session) error {
	s.LastUsedAt = time.Now().UTC()
	return e.store.SetJSON(ctx, sessionKey(s.ID), s, e.ttl)
}
