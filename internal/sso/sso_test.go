package sso

import (
	"testing"
	"time"
)

func TestNewRejectsIncompleteConfig(t *testing.T) {
	_, err := New(nil, Config{IssuerURL: "https://example.com"})
	if err == nil {
		t.Fatal("expected error for incomplete config")
	}
}

func TestConsumeStateIsOneShot(t *testing.T) {
	p := &Provider{states: make(map[string]stateEntry)}
	p.states["abc"] = stateEntry{redirectTo: "/ssh/host/example.com", expiresAt: time.Now().Add(time.Minute)}

	entry, ok := p.consumeState("abc")
	if !ok {
		t.Fatal("expected state to be found")
	}
	if entry.redirectTo != "/ssh/host/example.com" {
		t.Fatalf("got redirectTo %q", entry.redirectTo)
	}

	if _, ok := p.consumeState("abc"); ok {
		t.Fatal("expected state to be consumed after first use")
	}
}

func TestHandleCallbackRejectsUnknownState(t *testing.T) {
	p := &Provider{states: make(map[string]stateEntry)}
	_, _, err := p.HandleCallback(nil, "code", "unknown-state")
	if err != ErrStateInvalid {
		t.Fatalf("got %v, want ErrStateInvalid", err)
	}
}

func TestHandleCallbackRejectsExpiredState(t *testing.T) {
	p := &Provider{states: make(map[string]stateEntry)}
	p.states["abc"] = stateEntry{redirectTo: "/x", expiresAt: time.Now().Add(-time.Minute)}

	_, _, err := p.HandleCallback(nil, "code", "abc")
	if err != ErrStateInvalid {
		t.Fatalf("got %v, want ErrStateInvalid", err)
	}
}

func TestRandomStateIsUnique(t *testing.T) {
	a, err := randomState()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := randomState()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a == b {
		t.Fatal("expected distinct state values")
	}
}
