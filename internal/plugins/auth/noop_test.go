package auth

import (
	"context"
	"testing"

	"github.com/rjsadow/shellgate/internal/plugins"
)

func TestNewNoopAuthProvider(t *testing.T) {
	p := NewNoopAuthProvider()
	if p == nil {
		t.Fatal("NewNoopAuthProvider returned nil")
	}
	if p.Name() != "noop" {
		t.Errorf("expected name 'noop', got %q", p.Name())
	}
	if p.Type() != plugins.PluginTypeAuth {
		t.Errorf("expected type %q, got %q", plugins.PluginTypeAuth, p.Type())
	}
	if p.Version() == "" {
		t.Error("expected non-empty version")
	}
	if p.Description() == "" {
		t.Error("expected non-empty description")
	}
}

func TestNoopInitializeAcceptsAnyConfig(t *testing.T) {
	p := NewNoopAuthProvider()

	if err := p.Initialize(context.Background(), nil); err != nil {
		t.Errorf("Initialize should accept nil config, got: %v", err)
	}
	if err := p.Initialize(context.Background(), map[string]string{"key": "value"}); err != nil {
		t.Errorf("Initialize should accept arbitrary config, got: %v", err)
	}
}

func TestNoopHealthy(t *testing.T) {
	p := NewNoopAuthProvider()
	if !p.Healthy(context.Background()) {
		t.Error("noop provider should always be healthy")
	}
}

func TestNoopAuthenticateAlwaysSucceeds(t *testing.T) {
	p := NewNoopAuthProvider()
	result, err := p.Authenticate(context.Background(), "any-token")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Authenticated {
		t.Fatal("expected Authenticated to be true")
	}
}

func TestNoopGetLoginURLReturnsInputUnchanged(t *testing.T) {
	p := NewNoopAuthProvider()
	if got := p.GetLoginURL("https://example.com/return"); got != "https://example.com/return" {
		t.Fatalf("got %q", got)
	}
}

func TestNoopHandleCallbackAlwaysSucceeds(t *testing.T) {
	p := NewNoopAuthProvider()
	result, err := p.HandleCallback(context.Background(), "code", "state")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Authenticated {
		t.Fatal("expected Authenticated to be true")
	}
}

func TestNoopClose(t *testing.T) {
	p := NewNoopAuthProvider()
	if err := p.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
