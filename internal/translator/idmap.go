package translator

import "github.com/google/uuid"

// ToolCallIDMapping is the bidirectional sentinel-id <-> provider-id table
// built while translating a response. Handlers discard it after use; the
// history-lookup contract re-derives what is needed on follow-up turns.
type ToolCallIDMapping struct {
	toProvider map[string]string
	toSentinel map[string]string
}

// NewToolCallIDMapping returns an empty mapping.
func NewToolCallIDMapping() *ToolCallIDMapping {
	return &ToolCallIDMapping{
		toProvider: make(map[string]string),
		toSentinel: make(map[string]string),
	}
}

// Add registers a pair and returns the sentinel id.
func (m *ToolCallIDMapping) Add(providerID string) string {
	if existing, ok := m.toSentinel[providerID]; ok {
		return existing
	}
	sentinelID := "call_" + uuid.NewString()
	m.toProvider[sentinelID] = providerID
	m.toSentinel[providerID] = sentinelID
	return sentinelID
}

// ProviderID resolves a sentinel id back to the provider's raw id.
func (m *ToolCallIDMapping) ProviderID(sentinelID string) (string, bool) {
	id, ok := m.toProvider[sentinelID]
	return id, ok
}

// SentinelID resolves a provider id to the sentinel id handed to clients.
func (m *ToolCallIDMapping) SentinelID(providerID string) (string, bool) {
	id, ok := m.toSentinel[providerID]
	return id, ok
}

// Len returns the number of mapped pairs.
func (m *ToolCallIDMapping) Len() int { return len(m.toProvider) }
