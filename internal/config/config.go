// Package config provides centralized configuration management for shellgate.
// Configuration is loaded from environment variables with sensible defaults,
// then overridden by CLI flags. Required configuration that is missing or
// invalid causes the application to fail fast with a helpful error message.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration, grouped the way spec §4.8
// describes the ConfigModel's slices.
type Config struct {
	Listen  ListenConfig
	HTTP    HTTPConfig
	User    UserConfig
	SSH     SSHConfig
	Options OptionsConfig
	Session SessionConfig
	SSO     SSOConfig
	DB      DBConfig
}

// ListenConfig is the gateway's own bind address.
type ListenConfig struct {
	IP   string
	Port int
}

// HTTPConfig controls the HTTP/WebSocket surface.
type HTTPConfig struct {
	Origins []string
}

// UserConfig is the config-provided default credential (spec §4.4 source #1).
type UserConfig struct {
	Name       string
	Password   string
	PrivateKey string
	Passphrase string
}

// AlgorithmsConfig is the SSH transport algorithm allow-list.
type AlgorithmsConfig struct {
	Cipher        []string
	KEX           []string
	HMAC          []string
	Compress      []string
	ServerHostKey []string
}

// HostKeyVerificationConfig controls host-key trust behavior.
type HostKeyVerificationConfig struct {
	Enabled          bool
	Mode             string // "strict" | "warn" | "trust-on-first-use"
	UnknownKeyAction string // read only in "strict" mode: "accept" trusts an unknown key, any other value rejects it
}

// SSHConfig is the outbound SSH target and transport policy.
type SSHConfig struct {
	Host                                 string
	Port                                 int
	Term                                 string
	ReadyTimeout                         time.Duration
	KeepaliveInterval                    time.Duration
	KeepaliveCountMax                    int
	AllowedSubnets                       []string
	AllowedAuthMethods                   []string
	MaxExecOutputBytes                   int
	OutputRateLimitBytesPerSec           int
	SocketHighWaterMark                  int
	Algorithms                           AlgorithmsConfig
	AlwaysSendKeyboardInteractivePrompts bool
	DisableInteractiveAuth               bool
	HostKeyVerification                  HostKeyVerificationConfig
}

// OptionsConfig is the set of per-session feature toggles.
type OptionsConfig struct {
	ChallengeButton bool
	AutoLog         bool
	AllowReauth     bool
	AllowReconnect  bool
	AllowReplay     bool
	ReplayCRLF      bool
}

// SessionConfig controls the signed session-cookie store.
type SessionConfig struct {
	Name           string
	Secret         string
	SessionTimeout time.Duration
}

// SSOConfig controls the supplemental SSO login flow (SPEC_FULL §4.1).
type SSOConfig struct {
	Enabled        bool
	CSRFProtection bool
	TrustedProxies []string
	HeaderMapping  SSOHeaderMapping
	IssuerURL      string
	ClientID       string
	ClientSecret   string
	RedirectURL    string
}

// DBConfig backs the optional host-key trust store (spec §6), opened only
// when SSH.HostKeyVerification.Enabled is true.
type DBConfig struct {
	Type string // "sqlite" | "postgres"
	DSN  string
}

// SSOHeaderMapping names the trusted headers a reverse proxy may set.
type SSOHeaderMapping struct {
	Username string
	Password string
	Session  string
}

// ValidationError represents a single configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors holds multiple validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("configuration errors:\n  - %s", strings.Join(msgs, "\n  - "))
}

// Fixed defaults per spec §4.8.
const (
	DefaultListenIP                 = "0.0.0.0"
	DefaultListenPort               = 2222
	DefaultSSHPort                  = 22
	DefaultTerm                     = "xterm-color"
	DefaultReadyTimeout             = 20000 * time.Millisecond
	DefaultKeepaliveInterval        = 120000 * time.Millisecond
	DefaultKeepaliveCountMax        = 10
	DefaultSessionCookieName        = "webssh2.sid"
	DefaultMaxExecOutputBytes       = 10 * 1024 * 1024
	DefaultSocketHighWaterMark      = 16 * 1024
	DefaultOutputRateLimitBytesSec  = 1 * 1024 * 1024
	DefaultSessionTimeout           = 0 // 0 == no forced expiry
	DefaultHostKeyVerificationMode  = "trust-on-first-use"
	DefaultHostKeyUnknownKeyAction  = "reject"
)

func defaultAlgorithms() AlgorithmsConfig {
	return AlgorithmsConfig{
		Cipher:        []string{"chacha20-poly1305@openssh.com", "aes128-gcm@openssh.com", "aes256-gcm@openssh.com"},
		KEX:           []string{"curve25519-sha256", "curve25519-sha256@libssh.org"},
		HMAC:          []string{"hmac-sha2-256-etm@openssh.com", "hmac-sha2-512-etm@openssh.com"},
		Compress:      []string{"none"},
		ServerHostKey: []string{"ssh-ed25519", "rsa-sha2-512", "rsa-sha2-256"},
	}
}

func defaults() *Config {
	return &Config{
		Listen: ListenConfig{IP: DefaultListenIP, Port: DefaultListenPort},
		HTTP:   HTTPConfig{},
		SSH: SSHConfig{
			Port:                       DefaultSSHPort,
			Term:                       DefaultTerm,
			ReadyTimeout:               DefaultReadyTimeout,
			KeepaliveInterval:          DefaultKeepaliveInterval,
			KeepaliveCountMax:          DefaultKeepaliveCountMax,
			AllowedAuthMethods:         []string{"password", "keyboard-interactive", "publickey"},
			MaxExecOutputBytes:         DefaultMaxExecOutputBytes,
			OutputRateLimitBytesPerSec: DefaultOutputRateLimitBytesSec,
			SocketHighWaterMark:        DefaultSocketHighWaterMark,
			Algorithms:                 defaultAlgorithms(),
			HostKeyVerification: HostKeyVerificationConfig{
				Enabled:          false,
				Mode:             DefaultHostKeyVerificationMode,
				UnknownKeyAction: DefaultHostKeyUnknownKeyAction,
			},
		},
		Options: OptionsConfig{
			AutoLog:        true,
			AllowReauth:    true,
			AllowReconnect: true,
		},
		Session: SessionConfig{
			Name: DefaultSessionCookieName,
		},
		SSO: SSOConfig{
			HeaderMapping: SSOHeaderMapping{
				Username: "X-SSO-User",
				Password: "X-SSO-Password",
				Session:  "X-SSO-Session",
			},
		},
		DB: DBConfig{
			Type: "sqlite",
			DSN:  "shellgate.db",
		},
	}
}

// Load reads configuration from environment variables over a defaults base
// and validates the result. Merge order is defaults < env (CLI overrides are
// layered on top separately via LoadWithFlags).
func Load() (*Config, error) {
	cfg := defaults()

	if err := cfg.loadFromEnv(); err != nil {
		return nil, err
	}

	if cfg.Session.Secret == "" {
		secret, err := randomHex(32)
		if err != nil {
			return nil, fmt.Errorf("failed to generate session secret: %w", err)
		}
		cfg.Session.Secret = secret
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, errs
	}

	return cfg, nil
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// loadFromEnv populates the config from environment variables.
func (c *Config) loadFromEnv() error {
	var parseErrors ValidationErrors

	if v := os.Getenv("SHELLGATE_LISTEN_IP"); v != "" {
		c.Listen.IP = v
	}
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			parseErrors = append(parseErrors, ValidationError{"PORT", fmt.Sprintf("invalid port: %q", v)})
		} else {
			c.Listen.Port = port
		}
	}

	if v := os.Getenv("SHELLGATE_HTTP_ORIGINS"); v != "" {
		c.HTTP.Origins = splitCSV(v)
	}

	if v := os.Getenv("SHELLGATE_SSH_USER"); v != "" {
		c.User.Name = v
	}
	if v := os.Getenv("SHELLGATE_SSH_PASSWORD"); v != "" {
		c.User.Password = v
	}
	if v := os.Getenv("SHELLGATE_SSH_PRIVATE_KEY"); v != "" {
		c.User.PrivateKey = v
	}
	if v := os.Getenv("SHELLGATE_SSH_PASSPHRASE"); v != "" {
		c.User.Passphrase = v
	}

	if v := os.Getenv("SHELLGATE_SSH_HOST"); v != "" {
		c.SSH.Host = v
	}
	if v := os.Getenv("SHELLGATE_SSH_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			parseErrors = append(parseErrors, ValidationError{"SHELLGATE_SSH_PORT", fmt.Sprintf("invalid port: %q", v)})
		} else {
			c.SSH.Port = port
		}
	}
	if v := os.Getenv("SHELLGATE_SSH_TERM"); v != "" {
		c.SSH.Term = v
	}
	if v := os.Getenv("SHELLGATE_SSH_READY_TIMEOUT_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms <= 0 {
			parseErrors = append(parseErrors, ValidationError{"SHELLGATE_SSH_READY_TIMEOUT_MS", fmt.Sprintf("invalid timeout: %q", v)})
		} else {
			c.SSH.ReadyTimeout = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("SHELLGATE_SSH_KEEPALIVE_INTERVAL_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms <= 0 {
			parseErrors = append(parseErrors, ValidationError{"SHELLGATE_SSH_KEEPALIVE_INTERVAL_MS", fmt.Sprintf("invalid interval: %q", v)})
		} else {
			c.SSH.KeepaliveInterval = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("SHELLGATE_SSH_KEEPALIVE_COUNT_MAX"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			parseErrors = append(parseErrors, ValidationError{"SHELLGATE_SSH_KEEPALIVE_COUNT_MAX", fmt.Sprintf("invalid count: %q", v)})
		} else {
			c.SSH.KeepaliveCountMax = n
		}
	}
	if v := os.Getenv("SHELLGATE_SSH_ALLOWED_SUBNETS"); v != "" {
		c.SSH.AllowedSubnets = splitCSV(v)
	}
	if v := os.Getenv("SHELLGATE_SSH_ALLOWED_AUTH_METHODS"); v != "" {
		c.SSH.AllowedAuthMethods = splitCSV(v)
	}
	if v := os.Getenv("SHELLGATE_SSH_MAX_EXEC_OUTPUT_BYTES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			parseErrors = append(parseErrors, ValidationError{"SHELLGATE_SSH_MAX_EXEC_OUTPUT_BYTES", fmt.Sprintf("invalid size: %q", v)})
		} else {
			c.SSH.MaxExecOutputBytes = n
		}
	}
	if v := os.Getenv("SHELLGATE_SSH_OUTPUT_RATE_LIMIT_BYTES_PER_SEC"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			parseErrors = append(parseErrors, ValidationError{"SHELLGATE_SSH_OUTPUT_RATE_LIMIT_BYTES_PER_SEC", fmt.Sprintf("invalid rate: %q", v)})
		} else {
			c.SSH.OutputRateLimitBytesPerSec = n
		}
	}
	if v := os.Getenv("SHELLGATE_SSH_SOCKET_HIGH_WATER_MARK"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			parseErrors = append(parseErrors, ValidationError{"SHELLGATE_SSH_SOCKET_HIGH_WATER_MARK", fmt.Sprintf("invalid size: %q", v)})
		} else {
			c.SSH.SocketHighWaterMark = n
		}
	}
	if v := os.Getenv("SHELLGATE_SSH_ALWAYS_SEND_KBD_INTERACTIVE_PROMPTS"); v != "" {
		c.SSH.AlwaysSendKeyboardInteractivePrompts = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("SHELLGATE_SSH_DISABLE_INTERACTIVE_AUTH"); v != "" {
		c.SSH.DisableInteractiveAuth = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("SHELLGATE_SSH_HOST_KEY_VERIFICATION_ENABLED"); v != "" {
		c.SSH.HostKeyVerification.Enabled = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("SHELLGATE_SSH_HOST_KEY_VERIFICATION_MODE"); v != "" {
		c.SSH.HostKeyVerification.Mode = v
	}
	if v := os.Getenv("SHELLGATE_SSH_HOST_KEY_UNKNOWN_ACTION"); v != "" {
		c.SSH.HostKeyVerification.UnknownKeyAction = v
	}

	if v := os.Getenv("SHELLGATE_OPTIONS_CHALLENGE_BUTTON"); v != "" {
		c.Options.ChallengeButton = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("SHELLGATE_OPTIONS_AUTO_LOG"); v != "" {
		c.Options.AutoLog = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("SHELLGATE_OPTIONS_ALLOW_REAUTH"); v != "" {
		c.Options.AllowReauth = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("SHELLGATE_OPTIONS_ALLOW_RECONNECT"); v != "" {
		c.Options.AllowReconnect = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("SHELLGATE_OPTIONS_ALLOW_REPLAY"); v != "" {
		c.Options.AllowReplay = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("SHELLGATE_OPTIONS_REPLAY_CRLF"); v != "" {
		c.Options.ReplayCRLF = strings.EqualFold(v, "true") || v == "1"
	}

	if v := os.Getenv("WEBSSH_SESSION_SECRET"); v != "" {
		c.Session.Secret = v
	}
	if v := os.Getenv("SHELLGATE_SESSION_NAME"); v != "" {
		c.Session.Name = v
	}
	if v := os.Getenv("SHELLGATE_SESSION_TIMEOUT_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms < 0 {
			parseErrors = append(parseErrors, ValidationError{"SHELLGATE_SESSION_TIMEOUT_MS", fmt.Sprintf("invalid timeout: %q", v)})
		} else {
			c.Session.SessionTimeout = time.Duration(ms) * time.Millisecond
		}
	}

	if v := os.Getenv("SHELLGATE_SSO_ENABLED"); v != "" {
		c.SSO.Enabled = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("SHELLGATE_SSO_CSRF_PROTECTION"); v != "" {
		c.SSO.CSRFProtection = strings.EqualFold(v, "true") || v == "1"
	} else {
		c.SSO.CSRFProtection = true
	}
	if v := os.Getenv("SHELLGATE_SSO_TRUSTED_PROXIES"); v != "" {
		c.SSO.TrustedProxies = splitCSV(v)
	}
	if v := os.Getenv("SHELLGATE_SSO_ISSUER_URL"); v != "" {
		c.SSO.IssuerURL = v
	}
	if v := os.Getenv("SHELLGATE_SSO_CLIENT_ID"); v != "" {
		c.SSO.ClientID = v
	}
	if v := os.Getenv("SHELLGATE_SSO_CLIENT_SECRET"); v != "" {
		c.SSO.ClientSecret = v
	}
	if v := os.Getenv("SHELLGATE_SSO_REDIRECT_URL"); v != "" {
		c.SSO.RedirectURL = v
	}

	if v := os.Getenv("SHELLGATE_DB_TYPE"); v != "" {
		c.DB.Type = v
	}
	if v := os.Getenv("SHELLGATE_DB_DSN"); v != "" {
		c.DB.DSN = v
	}

	if len(parseErrors) > 0 {
		return parseErrors
	}
	return nil
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors

	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		errs = append(errs, ValidationError{"PORT", fmt.Sprintf("port must be between 1 and 65535, got %d", c.Listen.Port)})
	}
	if c.SSH.Port < 1 || c.SSH.Port > 65535 {
		errs = append(errs, ValidationError{"SHELLGATE_SSH_PORT", fmt.Sprintf("ssh port must be between 1 and 65535, got %d", c.SSH.Port)})
	}
	if c.SSH.ReadyTimeout <= 0 {
		errs = append(errs, ValidationError{"SHELLGATE_SSH_READY_TIMEOUT_MS", "readyTimeout must be positive"})
	}
	if c.SSH.MaxExecOutputBytes <= 0 {
		errs = append(errs, ValidationError{"SHELLGATE_SSH_MAX_EXEC_OUTPUT_BYTES", "maxExecOutputBytes must be positive"})
	}
	if c.SSH.SocketHighWaterMark <= 0 {
		errs = append(errs, ValidationError{"SHELLGATE_SSH_SOCKET_HIGH_WATER_MARK", "socketHighWaterMark must be positive"})
	}
	switch c.SSH.HostKeyVerification.Mode {
	case "strict", "warn", "trust-on-first-use":
	default:
		errs = append(errs, ValidationError{"SHELLGATE_SSH_HOST_KEY_VERIFICATION_MODE", fmt.Sprintf("unknown mode: %q", c.SSH.HostKeyVerification.Mode)})
	}
	if c.Session.Name == "" {
		errs = append(errs, ValidationError{"SHELLGATE_SESSION_NAME", "session cookie name cannot be empty"})
	}
	if len(c.Session.Secret) < 16 {
		errs = append(errs, ValidationError{"WEBSSH_SESSION_SECRET", "session secret must be at least 16 bytes"})
	}
	if c.SSH.HostKeyVerification.Enabled {
		switch c.DB.Type {
		case "sqlite", "postgres":
		default:
			errs = append(errs, ValidationError{"SHELLGATE_DB_TYPE", fmt.Sprintf("unknown database type: %q", c.DB.Type)})
		}
	}
	if c.SSO.Enabled {
		if c.SSO.IssuerURL == "" {
			errs = append(errs, ValidationError{"SHELLGATE_SSO_ISSUER_URL", "required when SSO is enabled"})
		}
		if c.SSO.ClientID == "" {
			errs = append(errs, ValidationError{"SHELLGATE_SSO_CLIENT_ID", "required when SSO is enabled"})
		}
	}

	return errs
}

// MustLoad loads configuration and exits the process if it fails.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: failed to load configuration\n\n%s\n", err)
		os.Exit(1)
	}
	return cfg
}

// FlagOverrides carries CLI flag values that take precedence over env vars.
type FlagOverrides struct {
	ListenIP   string
	ListenPort int
	SSHHost    string
	SSHPort    int
}

// LoadWithFlags loads configuration from environment variables, then applies
// CLI flag overrides, and re-validates. Merge order: defaults < env < CLI.
func LoadWithFlags(flags FlagOverrides) (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	if flags.ListenIP != "" {
		cfg.Listen.IP = flags.ListenIP
	}
	if flags.ListenPort != 0 {
		cfg.Listen.Port = flags.ListenPort
	}
	if flags.SSHHost != "" {
		cfg.SSH.Host = flags.SSHHost
	}
	if flags.SSHPort != 0 {
		cfg.SSH.Port = flags.SSHPort
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, errs
	}

	return cfg, nil
}
