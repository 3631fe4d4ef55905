package core

import "time"

// AuthStatus tracks where a tool server stands in its OAuth lifecycle.
type AuthStatus int

const (
	// AuthNone means the server answered the handshake without a challenge.
	AuthNone AuthStatus = iota
	// AuthRequired means the server rejected a call with a 401-class response
	// and no usable token is stored.
	AuthStatusRequired
	// AuthPending means an authorization flow has been started and the
	// callback has not completed yet.
	AuthPending
	// AuthAuthenticated means a non-expired token bundle is available.
	AuthAuthenticated
	// AuthExpired means the stored token is past its (skew-adjusted) expiry.
	AuthExpired
	// AuthFailed means a refresh was attempted and rejected; the user must
	// re-authorize. Calls against the server halt until then.
	AuthFailed
)

// String returns the status name used in logs and events.
func (s AuthStatus) String() string {
	switch s {
	case AuthNone:
		return "none"
	case AuthStatusRequired:
		return "required"
	case AuthPending:
		return "pending"
	case AuthAuthenticated:
		return "authenticated"
	case AuthExpired:
		return "expired"
	case AuthFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ToolServer identifies a remote tool server and its connection settings.
// Configuration storage owns these; conversations reference them by ID.
type ToolServer struct {
	ID         string
	BaseURL    string
	Headers    map[string]string
	Enabled    bool
	AuthStatus AuthStatus
	Tokens     *TokenBundle
}

// expirySkew is subtracted from the literal token deadline so a token that
// would expire mid-flight is refreshed up front. Absorbs clock skew and
// network latency.
const expirySkew = 30 * time.Second

// TokenBundle is the serialized OAuth token state handed to the persistence
// contract. Only the auth package mutates bundles; everything else treats
// them as read-only.
type TokenBundle struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
	Scope        string    `json:"scope,omitempty"`
}

// Expired reports whether the bundle should be refreshed before use.
// A token is treated as expired 30 seconds before its literal deadline.
func (b *TokenBundle) Expired(now time.Time) bool {
	if b.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(b.ExpiresAt.Add(-expirySkew))
}
