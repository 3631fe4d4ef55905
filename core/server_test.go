package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTokenBundleExpiry(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// Inside the 30s skew window: treated as expired even though the literal
	// deadline is still ahead.
	b := &TokenBundle{AccessToken: "tok", ExpiresAt: now.Add(10 * time.Second)}
	assert.True(t, b.Expired(now))

	b = &TokenBundle{AccessToken: "tok", ExpiresAt: now.Add(31 * time.Second)}
	assert.False(t, b.Expired(now))

	b = &TokenBundle{AccessToken: "tok", ExpiresAt: now.Add(-time.Minute)}
	assert.True(t, b.Expired(now))

	// No deadline recorded: never treated as expired.
	b = &TokenBundle{AccessToken: "tok"}
	assert.False(t, b.Expired(now))
}

func TestAuthStatusString(t *testing.T) {
	assert.Equal(t, "none", AuthNone.String())
	assert.Equal(t, "required", AuthStatusRequired.String())
	assert.Equal(t, "pending", AuthPending.String())
	assert.Equal(t, "authenticated", AuthAuthenticated.String())
	assert.Equal(t, "expired", AuthExpired.String())
	assert.Equal(t, "failed", AuthFailed.String())
}
