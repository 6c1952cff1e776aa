package router

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestTracker() (*HealthTracker, *time.Time) {
	h := NewHealthTracker(30*time.Second, 300*time.Second, 2.0)
	now := time.Unix(1_726_000_000, 0)
	h.now = func() time.Time { return now }
	return h, &now
}

func TestHealthUnknownPairIsAvailable(t *testing.T) {
	h, _ := newTestTracker()
	assert.True(t, h.IsAvailable("openai", "gpt-4o"))
	assert.Zero(t, h.RetryAfter("openai", "gpt-4o"))
}

func TestHealthBackoffGrowsAndCaps(t *testing.T) {
	h, now := newTestTracker()

	h.RecordFailure("openai", "gpt-x")
	assert.False(t, h.IsAvailable("openai", "gpt-x"))
	assert.Equal(t, 30*time.Second, h.RetryAfter("openai", "gpt-x"))

	h.RecordFailure("openai", "gpt-x")
	assert.Equal(t, 60*time.Second, h.RetryAfter("openai", "gpt-x"))

	for i := 0; i < 10; i++ {
		h.RecordFailure("openai", "gpt-x")
	}
	assert.Equal(t, 300*time.Second, h.RetryAfter("openai", "gpt-x"))

	*now = now.Add(300 * time.Second)
	assert.True(t, h.IsAvailable("openai", "gpt-x"))
}

func TestHealthRecoversAfterBackoffElapses(t *testing.T) {
	h, now := newTestTracker()
	h.RecordFailure("openai", "gpt-x")
	assert.False(t, h.IsAvailable("openai", "gpt-x"))

	*now = now.Add(29 * time.Second)
	assert.False(t, h.IsAvailable("openai", "gpt-x"))

	*now = now.Add(1 * time.Second)
	assert.True(t, h.IsAvailable("openai", "gpt-x"))
}

func TestHealthSuccessResets(t *testing.T) {
	h, _ := newTestTracker()
	h.RecordFailure("openai", "gpt-x")
	h.RecordFailure("openai", "gpt-x")
	h.RecordSuccess("openai", "gpt-x")
	assert.True(t, h.IsAvailable("openai", "gpt-x"))

	// The next failure starts the schedule over.
	h.RecordFailure("openai", "gpt-x")
	assert.Equal(t, 30*time.Second, h.RetryAfter("openai", "gpt-x"))
}
