package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hupe1980/toolmesh/core"
	"github.com/hupe1980/toolmesh/logging"
)

// ManagerOptions configure a Manager.
type ManagerOptions struct {
	Flow   *Flow
	Logger logging.Logger
	Now    func() time.Time
}

// Manager owns token state for all configured servers. It is the only
// component that mutates token bundles; everything else reads them through
// Token. A refresh in progress is never duplicated by concurrent callers
// observing the same expiring token (single-flight per server), and a failed
// refresh demotes the server to AuthFailed instead of being retried.
type Manager struct {
	flow   *Flow
	store  core.TokenStore
	logger logging.Logger
	now    func() time.Time

	sf singleflight.Group

	mu      sync.Mutex
	clients map[string]clientConfig // serverID -> registration
	pending map[string]*PendingAuth // CSRF state -> pending round
	status  map[string]core.AuthStatus
}

type clientConfig struct {
	meta     *ServerMetadata
	clientID string
}

// NewManager constructs a Manager around the given token store.
func NewManager(store core.TokenStore, optFns ...func(o *ManagerOptions)) *Manager {
	opts := ManagerOptions{
		Flow:   NewFlow(),
		Logger: logging.NoOpLogger{},
		Now:    time.Now,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Manager{
		flow:    opts.Flow,
		store:   store,
		logger:  opts.Logger,
		now:     opts.Now,
		clients: make(map[string]clientConfig),
		pending: make(map[string]*PendingAuth),
		status:  make(map[string]core.AuthStatus),
	}
}

// Status returns the current OAuth status for a server.
func (m *Manager) Status(serverID string) core.AuthStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status[serverID]
}

// BeginAuthorization discovers the server's authorization metadata (unless
// already known), starts a PKCE round and returns the URL the caller must
// open in a browser. The pending state is held internally keyed by its CSRF
// state token until CompleteAuthorization or expiry.
func (m *Manager) BeginAuthorization(ctx context.Context, serverID, serverURL, clientID string, scopes []string) (string, error) {
	m.mu.Lock()
	cfg, known := m.clients[serverID]
	m.mu.Unlock()

	if !known {
		meta, err := m.flow.Discover(ctx, serverURL)
		if err != nil {
			return "", err
		}
		cfg = clientConfig{meta: meta, clientID: clientID}
	}
	cfg.clientID = clientID

	authURL, pending := m.flow.Begin(cfg.meta, serverID, clientID, redirectURIFor(serverID), scopes)

	m.mu.Lock()
	m.clients[serverID] = cfg
	m.pending[pending.State] = pending
	m.status[serverID] = core.AuthPending
	m.mu.Unlock()

	m.logger.Info("auth.begin", "server", serverID)
	return authURL, nil
}

// CompleteAuthorization redeems a callback. The state token must identify a
// live pending round; unknown or expired state is rejected.
func (m *Manager) CompleteAuthorization(ctx context.Context, state, code string) error {
	m.mu.Lock()
	pending, ok := m.pending[state]
	if ok {
		delete(m.pending, state)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("auth: unknown or already-used callback state")
	}

	bundle, err := m.flow.Exchange(ctx, pending, state, code)
	if err != nil {
		m.setStatus(pending.ServerID, core.AuthFailed)
		return err
	}
	if err := m.store.SaveTokens(ctx, pending.ServerID, bundle); err != nil {
		return fmt.Errorf("auth: persist tokens: %w", err)
	}

	m.setStatus(pending.ServerID, core.AuthAuthenticated)
	m.logger.Info("auth.complete", "server", pending.ServerID)
	return nil
}

// Token returns a currently valid access token for the server, refreshing at
// most once when the stored bundle is inside the expiry skew window. It
// returns AuthRequiredError when no bundle exists or refresh fails.
func (m *Manager) Token(ctx context.Context, serverID string) (string, error) {
	bundle, err := m.store.LoadTokens(ctx, serverID)
	if err != nil {
		return "", fmt.Errorf("auth: load tokens: %w", err)
	}
	if bundle == nil || bundle.AccessToken == "" {
		m.setStatus(serverID, core.AuthStatusRequired)
		return "", &core.AuthRequiredError{ServerID: serverID}
	}
	if !bundle.Expired(m.now()) {
		m.setStatus(serverID, core.AuthAuthenticated)
		return bundle.AccessToken, nil
	}

	m.setStatus(serverID, core.AuthExpired)

	v, err, _ := m.sf.Do(serverID, func() (any, error) {
		// Reload inside the flight: a concurrent caller may have already
		// refreshed and persisted a fresh bundle.
		current, err := m.store.LoadTokens(ctx, serverID)
		if err != nil {
			return nil, err
		}
		if current != nil && current.AccessToken != "" && !current.Expired(m.now()) {
			return current, nil
		}

		m.mu.Lock()
		cfg, known := m.clients[serverID]
		m.mu.Unlock()
		if !known {
			return nil, fmt.Errorf("auth: server %s has no registered authorization metadata", serverID)
		}

		refreshed, err := m.flow.Refresh(ctx, cfg.meta, cfg.clientID, current)
		if err != nil {
			return nil, err
		}
		if err := m.store.SaveTokens(ctx, serverID, refreshed); err != nil {
			return nil, fmt.Errorf("auth: persist refreshed tokens: %w", err)
		}
		return refreshed, nil
	})
	if err != nil {
		// A failed refresh is terminal: demote and surface for
		// re-authorization instead of retrying silently.
		m.setStatus(serverID, core.AuthFailed)
		m.logger.Warn("auth.refresh.failed", "server", serverID, "error", err.Error())
		return "", &core.AuthRequiredError{ServerID: serverID}
	}

	m.setStatus(serverID, core.AuthAuthenticated)
	return v.(*core.TokenBundle).AccessToken, nil
}

func (m *Manager) setStatus(serverID string, s core.AuthStatus) {
	m.mu.Lock()
	m.status[serverID] = s
	m.mu.Unlock()
}

// redirectURIFor returns the loopback redirect the deep-link layer listens
// on. The engine does not launch browsers itself; the URI only needs to be
// stable per server.
func redirectURIFor(serverID string) string {
	return "http://127.0.0.1:19823/oauth/callback/" + serverID
}
