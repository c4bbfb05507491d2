package db

import (
	"fmt"
	"log/slog"
	"net"

	"golang.org/x/crypto/ssh"
)

// HostKeyCallback builds an ssh.HostKeyCallback enforcing the trust store
// per mode ("strict" | "warn" | "trust-on-first-use") and unknownKeyAction
// ("reject" | "accept", consulted only in strict mode). A nil DB means no
// trust store is configured and every host key is accepted unverified,
// matching sshclient's own InsecureIgnoreHostKey fallback.
func (db *DB) HostKeyCallback(mode, unknownKeyAction string, logger *slog.Logger) ssh.HostKeyCallback {
	if db == nil {
		return ssh.InsecureIgnoreHostKey()
	}
	if logger == nil {
		logger = slog.Default()
	}

	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		host, port := splitHostPort(hostname)
		keyType := key.Type()
		fingerprint := ssh.FingerprintSHA256(key)

		known, ok, err := db.GetTrustedHostKey(host, port, keyType)
		if err != nil {
			logger.Warn("hostkey: trust store lookup failed", "host", host, "port", port, "error", err)
			if mode == "strict" {
				return fmt.Errorf("hostkey: trust store unavailable: %w", err)
			}
		}

		if ok {
			if known.Fingerprint != fingerprint {
				return fmt.Errorf("hostkey: fingerprint mismatch for %s:%d (%s): expected %s, got %s", host, port, keyType, known.Fingerprint, fingerprint)
			}
			return db.TrustHostKey(host, port, keyType, fingerprint)
		}

		switch mode {
		case "strict":
			if unknownKeyAction == "accept" {
				return db.TrustHostKey(host, port, keyType, fingerprint)
			}
			return fmt.Errorf("hostkey: unknown host key for %s:%d (%s)", host, port, keyType)
		case "warn":
			logger.Warn("hostkey: unverified host key, allowing connection", "host", host, "port", port, "key_type", keyType, "fingerprint", fingerprint)
			return nil
		default: // "trust-on-first-use"
			return db.TrustHostKey(host, port, keyType, fingerprint)
		}
	}
}

func splitHostPort(hostport string) (string, int) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport, 22
	}
	port := 22
	fmt.Sscanf(portStr, "%d", &port)
	return host, port
}
