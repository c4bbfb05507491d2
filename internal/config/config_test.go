package config

import (
	"os"
	"testing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		for _, prefix := range []string{"SHELLGATE_", "PORT", "WEBSSH_SESSION_SECRET"} {
			if len(kv) >= len(prefix) && kv[:len(prefix)] == prefix {
				key := kv
				if i := indexByte(kv, '='); i >= 0 {
					key = kv[:i]
				}
				os.Unsetenv(key)
			}
		}
	}
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Listen.Port != DefaultListenPort {
		t.Errorf("Listen.Port = %d, want %d", cfg.Listen.Port, DefaultListenPort)
	}
	if cfg.SSH.Port != DefaultSSHPort {
		t.Errorf("SSH.Port = %d, want %d", cfg.SSH.Port, DefaultSSHPort)
	}
	if cfg.SSH.Term != DefaultTerm {
		t.Errorf("SSH.Term = %q, want %q", cfg.SSH.Term, DefaultTerm)
	}
	if cfg.Session.Name != DefaultSessionCookieName {
		t.Errorf("Session.Name = %q, want %q", cfg.Session.Name, DefaultSessionCookieName)
	}
	if len(cfg.Session.Secret) == 0 {
		t.Error("expected a generated session secret when none is configured")
	}
}

func TestLoadFromEnvOverrides(t *testing.T) {
	clearEnv(t)
	os.Setenv("PORT", "9999")
	os.Setenv("SHELLGATE_SSH_HOST", "example.internal")
	os.Setenv("SHELLGATE_SSH_PORT", "2022")
	os.Setenv("WEBSSH_SESSION_SECRET", "0123456789abcdef0123456789abcdef")
	defer clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Listen.Port != 9999 {
		t.Errorf("Listen.Port = %d, want 9999", cfg.Listen.Port)
	}
	if cfg.SSH.Host != "example.internal" {
		t.Errorf("SSH.Host = %q, want example.internal", cfg.SSH.Host)
	}
	if cfg.SSH.Port != 2022 {
		t.Errorf("SSH.Port = %d, want 2022", cfg.SSH.Port)
	}
}

func TestValidateRejectsBadPort(t *testing.T) {
	cfg := defaults()
	cfg.Session.Secret = "0123456789abcdef0123456789abcdef"
	cfg.Listen.Port = 70000

	errs := cfg.Validate()
	if len(errs) == 0 {
		t.Fatal("expected validation error for out-of-range port")
	}
}

func TestValidateRequiresSSOFieldsWhenEnabled(t *testing.T) {
	cfg := defaults()
	cfg.Session.Secret = "0123456789abcdef0123456789abcdef"
	cfg.SSO.Enabled = true

	errs := cfg.Validate()
	if len(errs) == 0 {
		t.Fatal("expected validation errors for enabled SSO missing issuer/client id")
	}
}

func TestValidateRejectsUnknownDBTypeWhenHostKeyVerificationEnabled(t *testing.T) {
	cfg := defaults()
	cfg.Session.Secret = "0123456789abcdef0123456789abcdef"
	cfg.SSH.HostKeyVerification.Enabled = true
	cfg.DB.Type = "mongodb"

	errs := cfg.Validate()
	if len(errs) == 0 {
		t.Fatal("expected validation error for unsupported DB type")
	}
}

func TestDBTypeUnvalidatedWhenHostKeyVerificationDisabled(t *testing.T) {
	cfg := defaults()
	cfg.Session.Secret = "0123456789abcdef0123456789abcdef"
	cfg.DB.Type = "mongodb"

	if errs := cfg.Validate(); len(errs) != 0 {
		t.Fatalf("expected no errors when host key verification disabled, got %v", errs)
	}
}

func TestLoadWithFlagsOverridesEnv(t *testing.T) {
	clearEnv(t)
	os.Setenv("WEBSSH_SESSION_SECRET", "0123456789abcdef0123456789abcdef")
	defer clearEnv(t)

	cfg, err := LoadWithFlags(FlagOverrides{ListenPort: 3333, SSHHost: "cli-host"})
	if err != nil {
		t.Fatalf("LoadWithFlags() error = %v", err)
	}
	if cfg.Listen.Port != 3333 {
		t.Errorf("Listen.Port = %d, want 3333", cfg.Listen.Port)
	}
	if cfg.SSH.Host != "cli-host" {
		t.Errorf("SSH.Host = %q, want cli-host", cfg.SSH.Host)
	}
}
