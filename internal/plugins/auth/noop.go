// Package auth provides the AuthProvider plugin shellgate's diagnostics
// health rollup exercises. SSO login itself is handled directly by
// internal/sso (an OIDC client feeding AuthPipeline's SSO credential
// source) — this package only satisfies the generic plugins.AuthProvider
// contract so the registry has a concrete, healthy plugin to report on.
package auth

import (
	"context"

	"github.com/rjsadow/shellgate/internal/plugins"
)

// NoopAuthProvider implements AuthProvider as a health-check placeholder.
// It never authenticates a real session on its own — that's AuthPipeline's
// job — it exists so plugins.Registry always has an active auth plugin to
// report health for.
type NoopAuthProvider struct {
	config map[string]string
}

func init() {
	plugins.RegisterGlobal(plugins.PluginTypeAuth, "noop", func() plugins.Plugin {
		return NewNoopAuthProvider()
	})
}

// NewNoopAuthProvider creates a new noop auth provider.
func NewNoopAuthProvider() *NoopAuthProvider {
	return &NoopAuthProvider{}
}

func (p *NoopAuthProvider) Name() string               { return "noop" }
func (p *NoopAuthProvider) Type() plugins.PluginType    { return plugins.PluginTypeAuth }
func (p *NoopAuthProvider) Version() string             { return "1.0.0" }
func (p *NoopAuthProvider) Description() string         { return "placeholder AuthProvider for the plugin health rollup" }
func (p *NoopAuthProvider) Healthy(ctx context.Context) bool { return true }
func (p *NoopAuthProvider) Close() error                { return nil }

func (p *NoopAuthProvider) Initialize(ctx context.Context, config map[string]string) error {
	p.config = config
	return nil
}

// Authenticate always reports success: the SSH credential authentication
// that matters happens in AuthPipeline, not here.
func (p *NoopAuthProvider) Authenticate(ctx context.Context, token string) (*plugins.AuthResult, error) {
	return &plugins.AuthResult{Authenticated: true, Message: "delegated to AuthPipeline"}, nil
}

func (p *NoopAuthProvider) GetLoginURL(redirectURL string) string {
	return redirectURL
}

func (p *NoopAuthProvider) HandleCallback(ctx context.Context, code, state string) (*plugins.AuthResult, error) {
	return &plugins.AuthResult{Authenticated: true, Message: "delegated to AuthPipeline"}, nil
}

var _ plugins.AuthProvider = (*NoopAuthProvider)(nil)
