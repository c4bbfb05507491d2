// Package cookie signs and verifies the webssh2.sid session cookie value.
// Adapted from the teacher's JWT user-login token mechanics
// (internal/plugins/auth/jwt.go), repurposed from minting access/refresh
// tokens for a local user account into signing the opaque session id a
// browser's cookie carries, per spec §4.8/§9's "any signed-cookie session
// store satisfies the contract" design note.
package cookie

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalid is returned for any cookie that fails to parse, verify, or has
// expired.
var ErrInvalid = errors.New("invalid session cookie")

// Claims is the minimal claim set carried in the signed cookie: just enough
// to recover the session id and prove the server minted it.
type Claims struct {
	jwt.RegisteredClaims
	SessionID string `json:"sid"`
}

// Signer mints and verifies session-cookie values with HS256.
type Signer struct {
	secret []byte
	ttl    time.Duration
}

// NewSigner builds a Signer. ttl <= 0 means the cookie never expires on its
// own (the session store's own lifecycle governs it instead).
func NewSigner(secret string, ttl time.Duration) (*Signer, error) {
	if len(secret) < 16 {
		return nil, fmt.Errorf("session secret must be at least 16 bytes")
	}
	return &Signer{secret: []byte(secret), ttl: ttl}, nil
}

// Sign mints a signed cookie value for sessionID.
func (s *Signer) Sign(sessionID string) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(now),
			Issuer:   "shellgate",
		},
		SessionID: sessionID,
	}
	if s.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(s.ttl))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Verify parses and validates a cookie value, returning the session id it
// carries.
func (s *Signer) Verify(value string) (string, error) {
	if value == "" {
		return "", ErrInvalid
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(value, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return "", ErrInvalid
	}
	if claims.SessionID == "" {
		return "", ErrInvalid
	}

	return claims.SessionID, nil
}
