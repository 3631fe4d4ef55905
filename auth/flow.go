// Package auth implements the OAuth token lifecycle for protected tool
// servers: metadata discovery, PKCE authorization, code exchange and
// refresh. The Manager combines the flow with a core.TokenStore and
// guarantees single-flight refresh per server.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/hupe1980/toolmesh/core"
)

// ErrNotRequired reports that a server answered discovery without an OAuth
// challenge; calls can proceed unauthenticated.
var ErrNotRequired = errors.New("auth: server does not require authorization")

// Well-known discovery paths (RFC 9728 / RFC 8414).
const (
	protectedResourcePath   = "/.well-known/oauth-protected-resource"
	authorizationServerPath = "/.well-known/oauth-authorization-server"
)

// pendingTTL bounds how long an authorization round trip may take before the
// pending state is rejected on callback.
const pendingTTL = 10 * time.Minute

// ServerMetadata describes the authorization server protecting a tool server.
type ServerMetadata struct {
	Issuer                string   `json:"issuer"`
	AuthorizationEndpoint string   `json:"authorization_endpoint"`
	TokenEndpoint         string   `json:"token_endpoint"`
	ScopesSupported       []string `json:"scopes_supported,omitempty"`
	CodeChallengeMethods  []string `json:"code_challenge_methods_supported,omitempty"`
}

// protectedResource is the shape of the protected-resource metadata document.
type protectedResource struct {
	Resource             string   `json:"resource"`
	AuthorizationServers []string `json:"authorization_servers"`
}

// PendingAuth holds the in-flight authorization state between Begin and
// Exchange: the PKCE verifier, the CSRF state token and the target server.
// It expires after ten minutes and must be matched exactly on callback.
type PendingAuth struct {
	ServerID    string
	ClientID    string
	RedirectURI string
	State       string
	Verifier    string
	Metadata    *ServerMetadata
	CreatedAt   time.Time
}

// Expired reports whether the pending state has outlived its window.
func (p *PendingAuth) Expired(now time.Time) bool {
	return now.After(p.CreatedAt.Add(pendingTTL))
}

// FlowOptions configure a Flow.
type FlowOptions struct {
	HTTPClient *http.Client
	Now        func() time.Time
}

// Flow implements the four token lifecycle operations. It is stateless;
// callers keep the PendingAuth between Begin and Exchange.
type Flow struct {
	httpClient *http.Client
	now        func() time.Time
}

// NewFlow constructs a Flow with optional overrides.
func NewFlow(optFns ...func(o *FlowOptions)) *Flow {
	opts := FlowOptions{
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
		Now:        time.Now,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Flow{httpClient: opts.HTTPClient, now: opts.Now}
}

// Discover walks the protected-resource and authorization-server metadata
// endpoints for the given tool server. It returns ErrNotRequired when the
// server publishes no protected-resource document, and a hard error when the
// authorization server does not support S256 PKCE.
func (f *Flow) Discover(ctx context.Context, serverURL string) (*ServerMetadata, error) {
	base, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("auth: invalid server url %q: %w", serverURL, err)
	}

	var resource protectedResource
	status, err := f.getJSON(ctx, base.Scheme+"://"+base.Host+protectedResourcePath, &resource)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, ErrNotRequired
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("auth: protected resource metadata returned status %d", status)
	}
	if len(resource.AuthorizationServers) == 0 {
		return nil, fmt.Errorf("auth: protected resource metadata lists no authorization servers")
	}

	authServer := strings.TrimSuffix(resource.AuthorizationServers[0], "/")
	var meta ServerMetadata
	status, err = f.getJSON(ctx, authServer+authorizationServerPath, &meta)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("auth: authorization server metadata returned status %d", status)
	}
	if meta.AuthorizationEndpoint == "" || meta.TokenEndpoint == "" {
		return nil, fmt.Errorf("auth: authorization server metadata incomplete")
	}
	if !supportsS256(meta.CodeChallengeMethods) {
		return nil, fmt.Errorf("auth: authorization server does not support S256 code challenges")
	}

	return &meta, nil
}

// supportsS256 treats an absent method list as S256-capable per RFC 8414's
// "plain" default being widely ignored in practice; an explicit list without
// S256 is a hard failure.
func supportsS256(methods []string) bool {
	if len(methods) == 0 {
		return true
	}
	for _, m := range methods {
		if m == "S256" {
			return true
		}
	}
	return false
}

// Begin starts an authorization round: it generates a PKCE verifier and CSRF
// state, derives the S256 challenge, and returns the authorization URL the
// caller must open along with the pending state to present on callback.
func (f *Flow) Begin(meta *ServerMetadata, serverID, clientID, redirectURI string, scopes []string) (string, *PendingAuth) {
	verifier := oauth2.GenerateVerifier()
	state := oauth2.GenerateVerifier()

	cfg := oauthConfig(meta, clientID, redirectURI, scopes)
	authURL := cfg.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))

	return authURL, &PendingAuth{
		ServerID:    serverID,
		ClientID:    clientID,
		RedirectURI: redirectURI,
		State:       state,
		Verifier:    verifier,
		Metadata:    meta,
		CreatedAt:   f.now(),
	}
}

// Exchange redeems an authorization code against the pending state. The
// callback state must match exactly and the pending window must not have
// expired; both violations are rejected, never silently accepted.
func (f *Flow) Exchange(ctx context.Context, pending *PendingAuth, state, code string) (*core.TokenBundle, error) {
	if pending.Expired(f.now()) {
		return nil, fmt.Errorf("auth: pending authorization for server %s expired", pending.ServerID)
	}
	if state == "" || state != pending.State {
		return nil, fmt.Errorf("auth: state mismatch on callback for server %s", pending.ServerID)
	}

	cfg := oauthConfig(pending.Metadata, pending.ClientID, pending.RedirectURI, nil)
	ctx = context.WithValue(ctx, oauth2.HTTPClient, f.httpClient)

	tok, err := cfg.Exchange(ctx, code, oauth2.VerifierOption(pending.Verifier))
	if err != nil {
		return nil, fmt.Errorf("auth: code exchange failed: %w", err)
	}

	return bundleFromToken(tok), nil
}

// Refresh exchanges a refresh token for a fresh bundle. Callers must treat a
// failure as terminal for this bundle (status failed, re-authorization
// required) rather than retrying in a loop.
func (f *Flow) Refresh(ctx context.Context, meta *ServerMetadata, clientID string, bundle *core.TokenBundle) (*core.TokenBundle, error) {
	if bundle == nil || bundle.RefreshToken == "" {
		return nil, fmt.Errorf("auth: no refresh token available")
	}

	cfg := oauthConfig(meta, clientID, "", nil)
	ctx = context.WithValue(ctx, oauth2.HTTPClient, f.httpClient)

	tok, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: bundle.RefreshToken}).Token()
	if err != nil {
		return nil, fmt.Errorf("auth: token refresh failed: %w", err)
	}

	refreshed := bundleFromToken(tok)
	if refreshed.RefreshToken == "" {
		// Servers may omit the refresh token on rotation; keep the old one.
		refreshed.RefreshToken = bundle.RefreshToken
	}
	if refreshed.Scope == "" {
		refreshed.Scope = bundle.Scope
	}
	return refreshed, nil
}

func oauthConfig(meta *ServerMetadata, clientID, redirectURI string, scopes []string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:    clientID,
		RedirectURL: redirectURI,
		Scopes:      scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  meta.AuthorizationEndpoint,
			TokenURL: meta.TokenEndpoint,
		},
	}
}

func bundleFromToken(tok *oauth2.Token) *core.TokenBundle {
	scope, _ := tok.Extra("scope").(string)
	return &core.TokenBundle{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
		Scope:        scope,
	}
}

func (f *Flow) getJSON(ctx context.Context, rawURL string, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, fmt.Errorf("auth: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("auth: metadata request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("auth: decode metadata: %w", err)
	}
	return resp.StatusCode, nil
}
