package db

import (
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"testing"

	"golang.org/x/crypto/ssh"
)

func testSigner(t *testing.T) ssh.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("NewSignerFromKey: %v", err)
	}
	return signer
}

func TestHostKeyCallbackNilDBAlwaysAccepts(t *testing.T) {
	var nilDB *DB
	cb := nilDB.HostKeyCallback("strict", "reject", nil)
	signer := testSigner(t)
	if err := cb("example.com:22", &net.TCPAddr{}, signer.PublicKey()); err != nil {
		t.Fatalf("expected nil db to accept, got %v", err)
	}
}

func TestHostKeyCallbackTrustOnFirstUseRemembersThenAccepts(t *testing.T) {
	database := openTestDB(t)
	cb := database.HostKeyCallback("trust-on-first-use", "reject", nil)
	signer := testSigner(t)

	if err := cb("example.com:22", &net.TCPAddr{}, signer.PublicKey()); err != nil {
		t.Fatalf("first connection: %v", err)
	}

	keys, err := database.ListTrustedHostKeys()
	if err != nil {
		t.Fatalf("ListTrustedHostKeys: %v", err)
	}
	if len(keys) != 1 {
		t.Fatalf("got %d trusted keys, want 1", len(keys))
	}

	if err := cb("example.com:22", &net.TCPAddr{}, signer.PublicKey()); err != nil {
		t.Fatalf("second connection with same key: %v", err)
	}
}

func TestHostKeyCallbackStrictRejectsUnknownHost(t *testing.T) {
	database := openTestDB(t)
	cb := database.HostKeyCallback("strict", "reject", nil)
	signer := testSigner(t)

	if err := cb("example.com:22", &net.TCPAddr{}, signer.PublicKey()); err == nil {
		t.Fatal("expected strict mode to reject an unknown host key")
	}
}

func TestHostKeyCallbackStrictAcceptsWhenUnknownActionIsAccept(t *testing.T) {
	database := openTestDB(t)
	cb := database.HostKeyCallback("strict", "accept", nil)
	signer := testSigner(t)

	if err := cb("example.com:22", &net.TCPAddr{}, signer.PublicKey()); err != nil {
		t.Fatalf("expected strict+accept to trust new keys, got %v", err)
	}
}

func TestHostKeyCallbackRejectsFingerprintMismatch(t *testing.T) {
	database := openTestDB(t)
	cb := database.HostKeyCallback("trust-on-first-use", "reject", nil)

	first := testSigner(t)
	if err := cb("example.com:22", &net.TCPAddr{}, first.PublicKey()); err != nil {
		t.Fatalf("first connection: %v", err)
	}

	second := testSigner(t)
	if err := cb("example.com:22", &net.TCPAddr{}, second.PublicKey()); err == nil {
		t.Fatal("expected a changed host key to be rejected")
	}
}

func TestHostKeyCallbackWarnAllowsUnknownHost(t *testing.T) {
	database := openTestDB(t)
	cb := database.HostKeyCallback("warn", "reject", nil)
	signer := testSigner(t)

	if err := cb("example.com:22", &net.TCPAddr{}, signer.PublicKey()); err != nil {
		t.Fatalf("expected warn mode to allow, got %v", err)
	}

	keys, err := database.ListTrustedHostKeys()
	if err != nil {
		t.Fatalf("ListTrustedHostKeys: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("warn mode should not persist trust, got %d rows", len(keys))
	}
}
