package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/toolmesh/core"
)

// Interface compliance (compile-time assertions).
var (
	_ core.SessionStore = (*InMemoryStore)(nil)
	_ core.TokenStore   = (*InMemoryStore)(nil)
	_ core.SessionStore = (*SQLiteStore)(nil)
	_ core.TokenStore   = (*SQLiteStore)(nil)
)

type stores struct {
	sessions core.SessionStore
	tokens   core.TokenStore
}

func eachStore(t *testing.T, run func(t *testing.T, s stores)) {
	t.Run("memory", func(t *testing.T) {
		mem := NewInMemoryStore()
		run(t, stores{sessions: mem, tokens: mem})
	})
	t.Run("sqlite", func(t *testing.T) {
		db, err := NewSQLiteStore(filepath.Join(t.TempDir(), "state.db"))
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() })
		run(t, stores{sessions: db, tokens: db})
	})
}

func TestSessionRoundTrip(t *testing.T) {
	eachStore(t, func(t *testing.T, s stores) {
		ctx := context.Background()

		sid, err := s.sessions.LoadSession(ctx, "conv-1", "files")
		require.NoError(t, err)
		assert.Empty(t, sid, "missing session loads as empty, not an error")

		require.NoError(t, s.sessions.SaveSession(ctx, "conv-1", "files", "sess-1"))
		require.NoError(t, s.sessions.SaveSession(ctx, "conv-1", "ops", "sess-9"))

		sid, err = s.sessions.LoadSession(ctx, "conv-1", "files")
		require.NoError(t, err)
		assert.Equal(t, "sess-1", sid)

		// Overwrite on rotation.
		require.NoError(t, s.sessions.SaveSession(ctx, "conv-1", "files", "sess-2"))
		sid, err = s.sessions.LoadSession(ctx, "conv-1", "files")
		require.NoError(t, err)
		assert.Equal(t, "sess-2", sid)

		// Pairs do not bleed into each other.
		sid, err = s.sessions.LoadSession(ctx, "conv-2", "files")
		require.NoError(t, err)
		assert.Empty(t, sid)
	})
}

func TestTokenRoundTrip(t *testing.T) {
	eachStore(t, func(t *testing.T, s stores) {
		ctx := context.Background()

		bundle, err := s.tokens.LoadTokens(ctx, "files")
		require.NoError(t, err)
		assert.Nil(t, bundle, "missing bundle loads as nil, not an error")

		expiry := time.Now().Add(time.Hour).Truncate(time.Second)
		require.NoError(t, s.tokens.SaveTokens(ctx, "files", &core.TokenBundle{
			AccessToken:  "at-1",
			RefreshToken: "rt-1",
			ExpiresAt:    expiry,
			Scope:        "tools",
		}))

		bundle, err = s.tokens.LoadTokens(ctx, "files")
		require.NoError(t, err)
		require.NotNil(t, bundle)
		assert.Equal(t, "at-1", bundle.AccessToken)
		assert.Equal(t, "rt-1", bundle.RefreshToken)
		assert.Equal(t, "tools", bundle.Scope)
		assert.True(t, bundle.ExpiresAt.Equal(expiry))

		// Overwrite after refresh.
		require.NoError(t, s.tokens.SaveTokens(ctx, "files", &core.TokenBundle{AccessToken: "at-2"}))
		bundle, err = s.tokens.LoadTokens(ctx, "files")
		require.NoError(t, err)
		assert.Equal(t, "at-2", bundle.AccessToken)
		assert.True(t, bundle.ExpiresAt.IsZero(), "zero expiry survives the round trip")
	})
}

func TestInMemoryBundleIsolation(t *testing.T) {
	mem := NewInMemoryStore()
	ctx := context.Background()

	original := &core.TokenBundle{AccessToken: "at-1"}
	require.NoError(t, mem.SaveTokens(ctx, "files", original))
	original.AccessToken = "mutated"

	loaded, err := mem.LoadTokens(ctx, "files")
	require.NoError(t, err)
	assert.Equal(t, "at-1", loaded.AccessToken)

	loaded.AccessToken = "mutated-after-load"
	again, err := mem.LoadTokens(ctx, "files")
	require.NoError(t, err)
	assert.Equal(t, "at-1", again.AccessToken)
}
