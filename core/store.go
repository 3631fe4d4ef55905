package core

import "context"

// SessionStore persists protocol session identifiers per (conversation,
// server) pair so a reconnect can offer the old id as a resumption hint.
// Implementations must be safe for concurrent use.
type SessionStore interface {
	// LoadSession returns the stored session id, or "" when none exists.
	LoadSession(ctx context.Context, conversationID, serverID string) (string, error)

	// SaveSession stores (or overwrites) the session id for the pair.
	SaveSession(ctx context.Context, conversationID, serverID, sessionID string) error
}

// TokenStore persists serialized OAuth token state per server. The engine
// never stores credentials itself; it hands bundles to this contract.
type TokenStore interface {
	// LoadTokens returns the stored bundle, or nil when none exists.
	LoadTokens(ctx context.Context, serverID string) (*TokenBundle, error)

	// SaveTokens stores (or overwrites) the bundle for the server.
	SaveTokens(ctx context.Context, serverID string, bundle *TokenBundle) error
}
