package session

import (
	"context"
	"sync"

	"github.com/hupe1980/toolmesh/core"
)

// InMemoryStore is a volatile implementation of both persistence contracts,
// storing state in process-local maps. It is safe for concurrent access and
// best suited for tests. Token bundles are cloned on both sides of the
// boundary to prevent external mutation of internal state.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]string
	tokens   map[string]*core.TokenBundle
}

// NewInMemoryStore constructs an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[string]string),
		tokens:   make(map[string]*core.TokenBundle),
	}
}

// LoadSession implements core.SessionStore.
func (s *InMemoryStore) LoadSession(_ context.Context, conversationID, serverID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[sessionKey(conversationID, serverID)], nil
}

// SaveSession implements core.SessionStore.
func (s *InMemoryStore) SaveSession(_ context.Context, conversationID, serverID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sessionKey(conversationID, serverID)] = sessionID
	return nil
}

// LoadTokens implements core.TokenStore.
func (s *InMemoryStore) LoadTokens(_ context.Context, serverID string) (*core.TokenBundle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bundle, ok := s.tokens[serverID]
	if !ok {
		return nil, nil
	}
	clone := *bundle
	return &clone, nil
}

// SaveTokens implements core.TokenStore.
func (s *InMemoryStore) SaveTokens(_ context.Context, serverID string, bundle *core.TokenBundle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *bundle
	s.tokens[serverID] = &clone
	return nil
}

func sessionKey(conversationID, serverID string) string {
	return conversationID + "\x00" + serverID
}
