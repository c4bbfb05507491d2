// Package validate holds the pure, side-effect-free boundary validators
// every value crossing from the browser or config into a SessionState must
// pass through: host/port/term/environment/credential checks and the
// masking helper used before any credential is logged.
package validate

import (
	"fmt"
	"html"
	"net"
	"regexp"
	"strconv"
	"strings"
)

// DefaultSSHPort is substituted when a port is absent or out of range.
const DefaultSSHPort = 22

var termPattern = regexp.MustCompile(`^[A-Za-z0-9-]{1,30}$`)

// envKeyPattern, dangerousEnvValueChars, and the size caps below enforce the
// environment invariants: key shape, forbidden shell metacharacters in
// values, and map/key/value size bounds.
var envKeyPattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)

const dangerousEnvValueChars = ";&|$`"

const (
	maxEnvPairs    = 50
	maxEnvKeyLen   = 64
	maxEnvValueLen = 1024
)

// sensitiveEnvDenylist is always stripped from any environment map, even
// when an allowlist would otherwise permit it.
var sensitiveEnvDenylist = map[string]bool{
	"SSH_AUTH_SOCK":         true,
	"SSH_AGENT_PID":         true,
	"GPG_AGENT_INFO":        true,
	"AWS_SECRET_ACCESS_KEY": true,
	"AWS_SESSION_TOKEN":     true,
}

// maskedFieldNames are replaced with redactionToken by MaskSensitiveData.
var maskedFieldNames = map[string]bool{
	"password":   true,
	"passphrase": true,
	"privateKey": true,
	"secret":     true,
}

const redactionToken = "[REDACTED]"

// FieldError names one invalid field in a validation batch.
type FieldError struct {
	Field   string
	Message string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Credentials is the validated shape ValidateCredentialFormat produces.
type Credentials struct {
	Username   string
	Host       string
	Port       int
	Password   string
	PrivateKey string
	Passphrase string
}

// ValidateHost escapes hostnames for safe embedding in client HTML while
// passing IP literals through verbatim. Empty input fails with InvalidHost.
func ValidateHost(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("InvalidHost: host is required")
	}
	if net.ParseIP(raw) != nil {
		return raw, nil
	}
	return html.EscapeString(raw), nil
}

// ValidatePort accepts an int-like string and returns DefaultSSHPort when
// the input is absent or out of the valid TCP port range.
func ValidatePort(raw string) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return DefaultSSHPort
	}
	port, err := strconv.Atoi(raw)
	if err != nil || port < 1 || port > 65535 {
		return DefaultSSHPort
	}
	return port
}

// ValidateTerm returns the term string if it matches the allowed pattern,
// or "" when it doesn't — callers substitute their own default in that case.
func ValidateTerm(raw string) string {
	if termPattern.MatchString(raw) {
		return raw
	}
	return ""
}

// ValidateCredentialFormat requires a non-empty username and host and at
// least one of password/privateKey. An absent or invalid port is not an
// error: it becomes DefaultSSHPort.
func ValidateCredentialFormat(username, host, portRaw, password, privateKey, passphrase string) (Credentials, []FieldError) {
	var errs []FieldError

	if strings.TrimSpace(username) == "" {
		errs = append(errs, FieldError{"username", "username is required"})
	}
	host, hostErr := ValidateHost(host)
	if hostErr != nil {
		errs = append(errs, FieldError{"host", hostErr.Error()})
	}
	port := ValidatePort(portRaw)

	if password == "" && privateKey == "" {
		errs = append(errs, FieldError{"password", "at least one of password or privateKey is required"})
	}

	if len(errs) > 0 {
		return Credentials{}, errs
	}

	return Credentials{
		Username:   username,
		Host:       host,
		Port:       port,
		Password:   password,
		PrivateKey: privateKey,
		Passphrase: passphrase,
	}, nil
}

// ValidatePrivateKey reports whether pem looks like a PEM-encoded private key.
func ValidatePrivateKey(pem string) bool {
	return strings.Contains(pem, "-----BEGIN") && strings.Contains(pem, "PRIVATE KEY-----")
}

// IsEncryptedKey reports whether a PEM private key is passphrase-protected,
// using the PEM header markers OpenSSH and PKCS#1/8 encryption use.
func IsEncryptedKey(pem string) bool {
	return strings.Contains(pem, "ENCRYPTED") || strings.Contains(pem, "Proc-Type: 4,ENCRYPTED")
}

// ParseEnvVars parses a "K1:v1,K2:v2" string into a map, or returns nil if
// the input is empty or malformed.
func ParseEnvVars(raw string) map[string]string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		kv := strings.SplitN(pair, ":", 2)
		if len(kv) != 2 {
			return nil
		}
		key := strings.TrimSpace(kv[0])
		if key == "" {
			return nil
		}
		out[key] = strings.TrimSpace(kv[1])
	}
	return out
}

// FilterEnvironmentVariables drops any entry in the sensitive denylist,
// anything violating the key-format/value/length invariants of spec §3, and,
// if allowlist is non-empty, anything not named in it. The result is capped
// at maxEnvPairs entries; once full, remaining entries are dropped (map
// iteration order is unspecified, so which pairs survive near the cap is
// unspecified too).
func FilterEnvironmentVariables(env map[string]string, allowlist []string) map[string]string {
	var allowed map[string]bool
	if len(allowlist) > 0 {
		allowed = make(map[string]bool, len(allowlist))
		for _, k := range allowlist {
			allowed[k] = true
		}
	}

	out := make(map[string]string, len(env))
	for k, v := range env {
		if len(out) >= maxEnvPairs {
			break
		}
		if sensitiveEnvDenylist[k] {
			continue
		}
		if allowed != nil && !allowed[k] {
			continue
		}
		if !envKeyPattern.MatchString(k) || len(k) > maxEnvKeyLen {
			continue
		}
		if len(v) > maxEnvValueLen || strings.ContainsAny(v, dangerousEnvValueChars) {
			continue
		}
		out[k] = v
	}
	return out
}

// MaskSensitiveData returns a shallow copy of obj with password, passphrase,
// privateKey, and secret keys replaced with a fixed redaction token. Nested
// maps are masked recursively; this is used before any credential-bearing
// value reaches a log call.
func MaskSensitiveData(obj map[string]any) map[string]any {
	out := make(map[string]any, len(obj))
	for k, v := range obj {
		if maskedFieldNames[k] {
			out[k] = redactionToken
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			out[k] = MaskSensitiveData(nested)
			continue
		}
		out[k] = v
	}
	return out
}
