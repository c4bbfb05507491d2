// Package sso implements the supplemental OpenID Connect login flow that
// feeds AuthPipeline's session-attached credential source with an identity
// asserted by a trusted identity provider instead of a typed password.
//
// Adapted from the teacher's internal/plugins/auth/oidc.go: the
// discovery/verifier/exchange/CSRF-state mechanics are kept, but the
// destination changes — instead of minting a local user record and an
// access/refresh JWT pair, a successful callback yields an Identity that the
// router attaches to the session so AuthPipeline can treat it as a
// header-sourced credential, per SPEC_FULL.md §4's SSO header-mapping
// config (sso.headerMapping.username / .session).
//
// CSRF state is held in-memory rather than in a shared database table: the
// teacher's multi-replica concern doesn't apply here, since a shellgate
// deployment is a single stateful gateway process, not a horizontally scaled
// API tier.
package sso

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// Identity is what a verified OIDC callback asserts about the caller.
type Identity struct {
	Subject  string
	Username string
	Email    string
	Name     string
	Groups   []string
}

// ErrStateInvalid is returned when a callback's state parameter is unknown,
// already consumed, or expired.
var ErrStateInvalid = errors.New("sso: invalid or expired state parameter")

// Provider wraps OIDC discovery, the authorization-code exchange, and CSRF
// state tracking for the login/callback handler pair.
type Provider struct {
	issuer       string
	clientID     string
	clientSecret string
	redirectURL  string

	oidcProvider *oidc.Provider
	verifier     *oidc.IDTokenVerifier
	oauth2Config oauth2.Config

	mu     sync.Mutex
	states map[string]stateEntry
}

type stateEntry struct {
	redirectTo string
	expiresAt  time.Time
}

// Config carries the fields SPEC_FULL.md's SSOConfig names.
type Config struct {
	IssuerURL    string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
}

// New discovers the provider's OIDC metadata (its
// .well-known/openid-configuration document) and builds the OAuth2 exchange
// configuration. It blocks on the discovery HTTP round trip.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.IssuerURL == "" || cfg.ClientID == "" || cfg.ClientSecret == "" || cfg.RedirectURL == "" {
		return nil, fmt.Errorf("sso: issuer, client id, client secret, and redirect url are all required")
	}

	discovered, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("sso: failed to discover provider at %s: %w", cfg.IssuerURL, err)
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "profile", "email"}
	}

	p := &Provider{
		issuer:       cfg.IssuerURL,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		redirectURL:  cfg.RedirectURL,
		oidcProvider: discovered,
		verifier:     discovered.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		oauth2Config: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     discovered.Endpoint(),
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
		},
		states: make(map[string]stateEntry),
	}

	go p.sweepExpiredStates()

	return p, nil
}

// LoginURL mints a CSRF state token, remembers it, and returns the
// authorization-code URL the browser should be redirected to. redirectTo is
// the shellgate URL to send the browser back to after the callback
// completes (e.g. the /ssh/host/:host page that triggered the login).
func (p *Provider) LoginURL(redirectTo string) (string, error) {
	state, err := randomState()
	if err != nil {
		return "", fmt.Errorf("sso: failed to generate state: %w", err)
	}

	p.mu.Lock()
	p.states[state] = stateEntry{redirectTo: redirectTo, expiresAt: time.Now().Add(10 * time.Minute)}
	p.mu.Unlock()

	return p.oauth2Config.AuthCodeURL(state), nil
}

// HandleCallback consumes the state token, exchanges the authorization code,
// verifies the ID token, and returns the asserted Identity plus the
// redirectTo value LoginURL was called with.
func (p *Provider) HandleCallback(ctx context.Context, code, state string) (Identity, string, error) {
	entry, ok := p.consumeState(state)
	if !ok {
		return Identity{}, "", ErrStateInvalid
	}
	if time.Now().After(entry.expiresAt) {
		return Identity{}, "", ErrStateInvalid
	}

	token, err := p.oauth2Config.Exchange(ctx, code)
	if err != nil {
		return Identity{}, "", fmt.Errorf("sso: code exchange failed: %w", err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		return Identity{}, "", errors.New("sso: token response carried no id_token")
	}

	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return Identity{}, "", fmt.Errorf("sso: id_token verification failed: %w", err)
	}

	var claims struct {
		Sub               string   `json:"sub"`
		Email             string   `json:"email"`
		Name              string   `json:"name"`
		PreferredUsername string   `json:"preferred_username"`
		Groups            []string `json:"groups"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return Identity{}, "", fmt.Errorf("sso: failed to decode claims: %w", err)
	}

	username := claims.PreferredUsername
	if username == "" {
		username = claims.Email
	}
	if username == "" {
		username = claims.Sub
	}

	return Identity{
		Subject:  claims.Sub,
		Username: strings.TrimSpace(username),
		Email:    claims.Email,
		Name:     claims.Name,
		Groups:   claims.Groups,
	}, entry.redirectTo, nil
}

func (p *Provider) consumeState(state string) (stateEntry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.states[state]
	if ok {
		delete(p.states, state)
	}
	return entry, ok
}

func (p *Provider) sweepExpiredStates() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		now := time.Now()
		p.mu.Lock()
		for state, entry := range p.states {
			if now.After(entry.expiresAt) {
				delete(p.states, state)
			}
		}
		p.mu.Unlock()
	}
}

func randomState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}
